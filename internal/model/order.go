package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/erazemk/sejem/internal/apperr"
)

// Order is the durable record of a purchase from a single seller.
type Order struct {
	ID               int64           `json:"id"`
	OrderNumber      string          `json:"orderNumber"`
	BuyerID          int64           `json:"buyerId"`
	SellerID         int64           `json:"sellerId"`
	Status           string          `json:"status"`
	PaymentStatus    string          `json:"paymentStatus"`
	PaymentMethod    PaymentMethod   `json:"paymentMethod"`
	PaymentRef       string          `json:"paymentReference,omitempty"`
	Items            []OrderLine     `json:"items"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	ShippingAddress  Address         `json:"shippingAddress"`
	BillingAddress   Address         `json:"billingAddress"`
	VerificationCode string          `json:"verificationPin,omitempty"`
	CancelReason     string          `json:"cancelReason,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	ConfirmedAt      *time.Time      `json:"confirmedAt,omitempty"`
	CancelledAt      *time.Time      `json:"cancelledAt,omitempty"`
	VerifiedAt       *time.Time      `json:"verifiedAt,omitempty"`

	// CheckoutToken is the reservation token held on the order's items.
	CheckoutToken string `json:"-"`
}

// OrderLine is an item snapshot taken when the order was created.
type OrderLine struct {
	ItemID    int64           `json:"itemId"`
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Subtotal returns unit price times quantity.
func (l OrderLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// OrderTotal sums the line subtotals.
func OrderTotal(lines []OrderLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal())
	}
	return total
}

// StatusChange is one entry of an order's status history.
type StatusChange struct {
	Status        string    `json:"status"`
	PaymentStatus string    `json:"paymentStatus"`
	Note          string    `json:"note,omitempty"`
	ChangedAt     time.Time `json:"changedAt"`
}

// Order statuses.
const (
	OrderStatusPending    = "pending"
	OrderStatusConfirmed  = "confirmed"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
)

// Payment statuses.
const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusCompleted  = "completed"
	PaymentStatusFailed     = "failed"
	PaymentStatusRefunded   = "refunded"
)

// Payment methods.
const (
	PaymentMethodCard = "card"
	PaymentMethodCash = "cash"
)

// PaymentMethod describes how an order was paid. Card numbers are never
// stored, only the brand and last four digits.
type PaymentMethod struct {
	Method    string `json:"method"`
	CardBrand string `json:"cardBrand,omitempty"`
	CardLast4 string `json:"cardLast4,omitempty"`
}

var fulfilmentRank = map[string]int{
	OrderStatusConfirmed:  1,
	OrderStatusProcessing: 2,
	OrderStatusShipped:    3,
	OrderStatusDelivered:  4,
}

// CanAdvanceOrder reports whether a paid order may move from one
// fulfilment status to another. Only forward moves are allowed.
func CanAdvanceOrder(from, to string) bool {
	f, ok := fulfilmentRank[from]
	if !ok {
		return false
	}
	t, ok := fulfilmentRank[to]
	if !ok {
		return false
	}
	return t > f
}

// Address is a shipping or billing address snapshot.
type Address struct {
	FullName   string `json:"fullName"`
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// IsZero reports whether no field is set.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Validate checks required fields. The prefix names the address in errors,
// e.g. "shippingAddress".
func (a Address) Validate(prefix string) error {
	required := []struct {
		field string
		value string
	}{
		{"fullName", a.FullName},
		{"street", a.Street},
		{"city", a.City},
		{"postalCode", a.PostalCode},
		{"country", a.Country},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return apperr.Validation(prefix+"."+r.field, r.field+" is required")
		}
	}
	if len(a.PostalCode) > 16 {
		return apperr.Validation(prefix+".postalCode", "postal code is too long")
	}
	return nil
}
