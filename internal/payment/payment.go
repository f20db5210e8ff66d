// Package payment validates payment details and runs charges.
//
// Card processing is simulated: a charge waits for a configurable latency
// and then succeeds, unless the card is the well-known decline number.
// Card numbers and CVCs never leave this package; callers keep only the
// brand and last four digits.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/erazemk/sejem/internal/apperr"
	"github.com/erazemk/sejem/internal/model"
)

// DeclinedCardNumber is a Luhn-valid test number the simulator always declines.
const DeclinedCardNumber = "4000000000000002"

// ErrDeclined is returned when the processor refuses a card.
var ErrDeclined = errors.New("card declined")

// Card holds raw card details for the duration of one charge.
type Card struct {
	Holder string `json:"cardholderName"`
	Number string `json:"cardNumber"`
	Expiry string `json:"expiryDate"`
	CVC    string `json:"cvv"`
}

// Details is the payment part of a checkout request.
type Details struct {
	Method string `json:"method"`
	Card   *Card  `json:"card,omitempty"`
}

// Charge is one payment attempt for an order.
type Charge struct {
	OrderNumber string
	Amount      decimal.Decimal
	Details     Details
}

// Processor charges an order and returns a payment reference. Refund
// returns a captured charge when its order could not be completed.
type Processor interface {
	Charge(ctx context.Context, c Charge) (string, error)
	Refund(ctx context.Context, ref string) error
}

// Validate checks payment details and returns what may be stored about them.
func Validate(d Details, now time.Time) (model.PaymentMethod, error) {
	switch d.Method {
	case model.PaymentMethodCash:
		return model.PaymentMethod{Method: model.PaymentMethodCash}, nil
	case model.PaymentMethodCard:
	default:
		return model.PaymentMethod{}, apperr.Validation("paymentMethod.method", fmt.Sprintf("unsupported payment method %q", d.Method))
	}

	c := d.Card
	if c == nil {
		return model.PaymentMethod{}, apperr.Validation("paymentMethod.card", "card details are required")
	}
	if strings.TrimSpace(c.Holder) == "" {
		return model.PaymentMethod{}, apperr.Validation("paymentMethod.cardholderName", "cardholder name is required")
	}

	number := normalizeNumber(c.Number)
	if len(number) < 13 || len(number) > 19 || !digitsOnly(number) || !luhn(number) {
		return model.PaymentMethod{}, apperr.Validation("paymentMethod.cardNumber", "card number is invalid")
	}
	if err := checkExpiry(c.Expiry, now); err != nil {
		return model.PaymentMethod{}, err
	}
	if (len(c.CVC) != 3 && len(c.CVC) != 4) || !digitsOnly(c.CVC) {
		return model.PaymentMethod{}, apperr.Validation("paymentMethod.cvv", "cvv must be 3 or 4 digits")
	}

	return model.PaymentMethod{
		Method:    model.PaymentMethodCard,
		CardBrand: Brand(number),
		CardLast4: number[len(number)-4:],
	}, nil
}

func normalizeNumber(s string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(s)
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// luhn reports whether the digit string passes the Luhn checksum.
func luhn(number string) bool {
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// checkExpiry accepts MM/YY. A card is valid through the end of its month.
func checkExpiry(expiry string, now time.Time) error {
	invalid := apperr.Validation("paymentMethod.expiryDate", "expiry date must be MM/YY")

	mm, yy, ok := strings.Cut(strings.TrimSpace(expiry), "/")
	if !ok || len(mm) != 2 || len(yy) != 2 {
		return invalid
	}
	month, err := strconv.Atoi(mm)
	if err != nil || month < 1 || month > 12 {
		return invalid
	}
	year, err := strconv.Atoi(yy)
	if err != nil {
		return invalid
	}

	endOfMonth := time.Date(2000+year, time.Month(month)+1, 1, 0, 0, 0, 0, time.UTC)
	if !now.Before(endOfMonth) {
		return apperr.Validation("paymentMethod.expiryDate", "card has expired")
	}
	return nil
}

// Brand guesses the card network from the number prefix.
func Brand(number string) string {
	switch {
	case strings.HasPrefix(number, "4"):
		return "visa"
	case hasPrefixRange(number, 2, 51, 55), hasPrefixRange(number, 4, 2221, 2720):
		return "mastercard"
	case strings.HasPrefix(number, "34"), strings.HasPrefix(number, "37"):
		return "amex"
	case strings.HasPrefix(number, "6011"), strings.HasPrefix(number, "65"):
		return "discover"
	default:
		return "card"
	}
}

func hasPrefixRange(number string, width, lo, hi int) bool {
	if len(number) < width {
		return false
	}
	p, err := strconv.Atoi(number[:width])
	if err != nil {
		return false
	}
	return p >= lo && p <= hi
}

// Gateway routes charges by payment method.
type Gateway struct {
	// CardLatency is how long a simulated card authorisation takes.
	CardLatency time.Duration
}

// Charge implements Processor. Cash is settled at hand-over and succeeds
// immediately. Card charges wait for the authorisation or ctx, whichever
// ends first.
func (g *Gateway) Charge(ctx context.Context, c Charge) (string, error) {
	if c.Details.Method == model.PaymentMethodCash {
		return "cash-" + c.OrderNumber, nil
	}
	if c.Details.Card == nil {
		return "", apperr.Validation("paymentMethod.card", "card details are required")
	}

	timer := time.NewTimer(g.CardLatency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("authorising card for %s: %w", c.OrderNumber, ctx.Err())
	case <-timer.C:
	}

	if normalizeNumber(c.Details.Card.Number) == DeclinedCardNumber {
		return "", ErrDeclined
	}
	return "card-" + uuid.NewString(), nil
}

// Refund implements Processor. Simulated charges are always refundable.
func (g *Gateway) Refund(ctx context.Context, ref string) error {
	if ref == "" {
		return errors.New("refund: empty payment reference")
	}
	return ctx.Err()
}
