// Package checkout turns carts into paid orders.
//
// A checkout reserves every item under one token, records one pending order
// per seller, charges each order and confirms it. Any failure before
// confirmation releases the reservations, so an item is never parked in
// pending by a checkout that did not complete.
package checkout

import (
	"cmp"
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/erazemk/sejem/internal/apperr"
	"github.com/erazemk/sejem/internal/model"
	"github.com/erazemk/sejem/internal/payment"
	"github.com/erazemk/sejem/internal/store"
	"github.com/erazemk/sejem/internal/vcode"
)

var tracer = otel.Tracer("github.com/erazemk/sejem/internal/checkout")

// Service runs checkouts and the order lifecycle.
type Service struct {
	DB       *sql.DB
	Payments payment.Processor

	// ConfirmTimeout bounds the payment and confirmation of one order.
	ConfirmTimeout time.Duration
	// SellerPoints and BuyerPoints are credited once per confirmed order.
	SellerPoints int64
	BuyerPoints  int64

	// Now defaults to time.Now.
	Now func() time.Time
}

// Request describes a checkout. Either FromCart is set, or ItemID names a
// single item to buy directly.
type Request struct {
	BuyerID  int64
	FromCart bool
	ItemID   int64
	Quantity int
	Shipping model.Address
	// Billing defaults to the shipping address when zero.
	Billing model.Address
	Payment payment.Details
}

type line struct {
	itemID   int64
	quantity int
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) confirmTimeout() time.Duration {
	if s.ConfirmTimeout > 0 {
		return s.ConfirmTimeout
	}
	return 10 * time.Second
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Checkout places and pays for the orders of one purchase. It returns the
// confirmed orders, one per seller. If payment fails the affected orders
// are cancelled, their items released, and a PaymentFailed error returned.
// Orders of other sellers that were already paid stay confirmed; they are
// returned alongside the error and named in its metadata.
func (s *Service) Checkout(ctx context.Context, req Request) (orders []model.Order, err error) {
	ctx, span := tracer.Start(ctx, "checkout.Checkout",
		trace.WithAttributes(attribute.Int64("buyer.id", req.BuyerID), attribute.Bool("from_cart", req.FromCart)))
	defer func() { endSpan(span, err) }()

	pm, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	lines, err := s.resolveLines(ctx, req)
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	span.SetAttributes(attribute.String("checkout.token", token))

	snapshots, err := s.reserve(ctx, req.BuyerID, token, lines)
	if err != nil {
		return nil, err
	}

	var pending []model.Order
	err = store.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		var err error
		pending, err = store.CreateOrders(ctx, tx, groupBySeller(req, token, pm, snapshots))
		return err
	})
	if err != nil {
		s.release(token, snapshots)
		return nil, fmt.Errorf("recording orders: %w", err)
	}

	slog.Info("checkout reserved", "buyer", req.BuyerID, "orders", len(pending), "items", len(snapshots))

	for i := range pending {
		o, err := s.settle(ctx, &pending[i], req.Payment)
		if err != nil {
			s.abort(context.WithoutCancel(ctx), token)
			return orders, partial(err, orders)
		}
		orders = append(orders, *o)
	}

	if req.FromCart {
		if err := store.ClearCart(ctx, s.DB, req.BuyerID); err != nil {
			slog.Error("failed to clear cart", "buyer", req.BuyerID, "error", err)
		}
	}

	return orders, nil
}

// abort cancels the orders of a checkout that are still pending.
func (s *Service) abort(ctx context.Context, token string) {
	placed, err := store.ListOrdersByCheckout(ctx, s.DB, token)
	if err != nil {
		slog.Error("failed to list checkout orders", "error", err)
		return
	}
	for _, o := range placed {
		if o.Status != model.OrderStatusPending {
			continue
		}
		if _, err := s.cancel(ctx, o.ID, "checkout aborted"); err != nil {
			slog.Error("failed to cancel order", "order", o.OrderNumber, "error", err)
		}
	}
}

// partial names the orders a failed checkout still confirmed in the
// metadata of err.
func partial(err error, confirmed []model.Order) error {
	e, ok := apperr.As(err)
	if !ok || len(confirmed) == 0 {
		return err
	}
	numbers := make([]string, len(confirmed))
	for i, o := range confirmed {
		numbers[i] = o.OrderNumber
	}
	out := *e
	out.Metadata = maps.Clone(e.Metadata)
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	out.Metadata["confirmed_orders"] = strings.Join(numbers, ",")
	return &out
}

// validate checks addresses and payment details and fills defaults.
func (s *Service) validate(req *Request) (model.PaymentMethod, error) {
	if req.Billing.IsZero() {
		req.Billing = req.Shipping
	}
	if err := req.Shipping.Validate("shippingAddress"); err != nil {
		return model.PaymentMethod{}, err
	}
	if err := req.Billing.Validate("billingAddress"); err != nil {
		return model.PaymentMethod{}, err
	}
	if !req.FromCart {
		if req.ItemID <= 0 {
			return model.PaymentMethod{}, apperr.Validation("itemId", "item is required")
		}
		if req.Quantity == 0 {
			req.Quantity = 1
		}
		if req.Quantity < 0 || req.Quantity > store.MaxCartQuantity {
			return model.PaymentMethod{}, apperr.Validation("quantity", "quantity is out of range")
		}
	}
	return payment.Validate(req.Payment, s.now())
}

// resolveLines reads what the buyer wants to purchase. Prices are not taken
// from here; they are snapshotted by the reservation.
func (s *Service) resolveLines(ctx context.Context, req Request) ([]line, error) {
	var lines []line
	var sellers []int64

	if req.FromCart {
		cart, err := store.ViewCart(ctx, s.DB, req.BuyerID)
		if err != nil {
			return nil, err
		}
		for _, e := range cart.Items {
			lines = append(lines, line{itemID: e.ItemID, quantity: e.Quantity})
			sellers = append(sellers, e.SellerID)
		}
	} else {
		item, err := store.GetItem(ctx, s.DB, req.ItemID)
		if err != nil {
			return nil, err
		}
		if item == nil || item.DeletedAt != nil {
			return nil, apperr.NotFound("item")
		}
		lines = append(lines, line{itemID: item.ID, quantity: req.Quantity})
		sellers = append(sellers, item.OwnerID)
	}

	if len(lines) == 0 {
		return nil, apperr.Validation("items", "cart is empty")
	}
	if slices.Contains(sellers, req.BuyerID) {
		return nil, apperr.New(apperr.CodeSelfPurchase, "you cannot buy your own item")
	}

	// A fixed order keeps concurrent checkouts from reserving the same
	// items in different sequences.
	slices.SortFunc(lines, func(a, b line) int { return cmp.Compare(a.itemID, b.itemID) })
	return lines, nil
}

type snapshot struct {
	item     *model.Item
	quantity int
}

// reserve moves every item to pending under token. It is all or nothing:
// on the first failure the items reserved so far are released.
func (s *Service) reserve(ctx context.Context, buyerID int64, token string, lines []line) ([]snapshot, error) {
	ctx, span := tracer.Start(ctx, "checkout.reserve")
	defer span.End()

	snapshots := make([]snapshot, 0, len(lines))
	for _, l := range lines {
		item, err := store.ReserveItem(ctx, s.DB, l.itemID, token)
		if err == nil && item.OwnerID == buyerID {
			snapshots = append(snapshots, snapshot{item: item, quantity: l.quantity})
			err = apperr.New(apperr.CodeSelfPurchase, "you cannot buy your own item")
		}
		if err != nil {
			span.RecordError(err)
			s.release(token, snapshots)
			return nil, err
		}
		snapshots = append(snapshots, snapshot{item: item, quantity: l.quantity})
	}
	return snapshots, nil
}

// release returns reserved items to active. It runs detached from the
// request context so a cancelled request still compensates.
func (s *Service) release(token string, snapshots []snapshot) {
	ctx := context.Background()
	for _, sn := range snapshots {
		if _, err := store.ReleaseItem(ctx, s.DB, sn.item.ID, token); err != nil {
			slog.Error("failed to release item", "item", sn.item.ID, "error", err)
		}
	}
}

// groupBySeller builds one order per seller from the reserved snapshots.
func groupBySeller(req Request, token string, pm model.PaymentMethod, snapshots []snapshot) []store.NewOrder {
	var orders []store.NewOrder
	index := map[int64]int{}
	for _, sn := range snapshots {
		i, ok := index[sn.item.OwnerID]
		if !ok {
			i = len(orders)
			index[sn.item.OwnerID] = i
			orders = append(orders, store.NewOrder{
				BuyerID:       req.BuyerID,
				SellerID:      sn.item.OwnerID,
				CheckoutToken: token,
				Payment:       pm,
				Shipping:      req.Shipping,
				Billing:       req.Billing,
			})
		}
		orders[i].Lines = append(orders[i].Lines, model.OrderLine{
			ItemID:    sn.item.ID,
			Title:     sn.item.Title,
			Quantity:  sn.quantity,
			UnitPrice: sn.item.Price,
		})
	}
	return orders
}

// settle charges a pending order and confirms it, both within the confirm
// timeout. On failure the order is cancelled and its items released.
//
// Only the caller that claims the order's payment charges it. A caller that
// loses the claim gets the stored order if it has been paid since, and a
// Conflict error while the other charge is still in flight.
func (s *Service) settle(ctx context.Context, o *model.Order, details payment.Details) (*model.Order, error) {
	ctx, span := tracer.Start(ctx, "checkout.settle", trace.WithAttributes(attribute.String("order.number", o.OrderNumber)))
	defer span.End()

	claimed, err := store.ClaimOrderPayment(ctx, s.DB, o.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !claimed {
		span.AddEvent("payment already claimed")
		return s.claimedElsewhere(ctx, o)
	}

	pctx, cancel := context.WithTimeout(ctx, s.confirmTimeout())
	defer cancel()

	detached := context.WithoutCancel(ctx)

	ref, err := s.Payments.Charge(pctx, payment.Charge{
		OrderNumber: o.OrderNumber,
		Amount:      o.TotalAmount,
		Details:     details,
	})
	if err != nil {
		span.RecordError(err)
		if _, cerr := s.cancel(detached, o.ID, "payment failed"); cerr != nil {
			slog.Error("failed to cancel order", "order", o.OrderNumber, "error", cerr)
		}
		slog.Warn("payment failed", "order", o.OrderNumber, "error", err)
		return nil, apperr.Wrap(apperr.CodePaymentFailed, fmt.Sprintf("payment for order %s failed", o.OrderNumber), err)
	}

	confirmed, err := s.Confirm(pctx, o.ID, ref)
	if err != nil {
		span.RecordError(err)
		if _, cerr := s.cancel(detached, o.ID, "confirmation failed"); cerr != nil {
			slog.Error("failed to cancel order", "order", o.OrderNumber, "error", cerr)
		}
		s.refund(detached, o, ref)
		return nil, err
	}
	return confirmed, nil
}

func (s *Service) claimedElsewhere(ctx context.Context, o *model.Order) (*model.Order, error) {
	current, err := store.GetOrder(ctx, s.DB, o.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, apperr.NotFound("order")
	}
	switch current.Status {
	case model.OrderStatusPending:
		return nil, apperr.New(apperr.CodeConflict, fmt.Sprintf("payment for order %s is already in progress", o.OrderNumber))
	case model.OrderStatusCancelled:
		return nil, apperr.New(apperr.CodeInvalidOperation, fmt.Sprintf("order %s was cancelled", o.OrderNumber))
	}
	return current, nil
}

// refund returns a captured charge whose order ended up cancelled.
func (s *Service) refund(ctx context.Context, o *model.Order, ref string) {
	if err := s.Payments.Refund(ctx, ref); err != nil {
		slog.Error("refund failed", "order", o.OrderNumber, "ref", ref, "error", err)
		return
	}
	if err := store.MarkOrderRefunded(ctx, s.DB, o.ID, "refunded "+ref); err != nil {
		slog.Error("failed to record refund", "order", o.OrderNumber, "error", err)
	}
}

// Confirm completes a paid order in one transaction: its items are sold,
// the order is confirmed, and buyer and seller are credited loyalty points.
// Confirming an already confirmed order only re-applies the credits, which
// are idempotent, and returns the stored order. If it was paid under a
// different reference, paymentRef is a second charge and is refunded.
func (s *Service) Confirm(ctx context.Context, orderID int64, paymentRef string) (o *model.Order, err error) {
	ctx, span := tracer.Start(ctx, "checkout.Confirm", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	var newlyConfirmed, duplicate bool
	err = store.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		o, err := store.GetOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o == nil {
			return apperr.NotFound("order")
		}

		switch o.Status {
		case model.OrderStatusPending:
			for _, l := range o.Items {
				if err := store.SellItem(ctx, tx, l.ItemID, o.CheckoutToken); err != nil {
					return err
				}
			}
			ok, err := store.ConfirmOrder(ctx, tx, o.ID, paymentRef)
			if err != nil {
				return err
			}
			if !ok {
				return apperr.New(apperr.CodeConflict, fmt.Sprintf("order %s changed during confirmation", o.OrderNumber))
			}
			newlyConfirmed = true
		case model.OrderStatusCancelled:
			return apperr.New(apperr.CodeConflict, fmt.Sprintf("order %s was cancelled", o.OrderNumber))
		default:
			duplicate = paymentRef != "" && paymentRef != o.PaymentRef
		}

		return s.credit(ctx, tx, o)
	})
	if err != nil {
		return nil, err
	}

	o, err = store.GetOrder(ctx, s.DB, orderID)
	if err != nil {
		return nil, err
	}
	if newlyConfirmed {
		slog.Info("order confirmed", "order", o.OrderNumber, "buyer", o.BuyerID, "seller", o.SellerID, "total", o.TotalAmount.String())
	}
	if duplicate {
		slog.Warn("order already paid, refunding duplicate charge", "order", o.OrderNumber, "ref", paymentRef, "kept", o.PaymentRef)
		if err := s.Payments.Refund(context.WithoutCancel(ctx), paymentRef); err != nil {
			slog.Error("refund failed", "order", o.OrderNumber, "ref", paymentRef, "error", err)
		}
	}
	return o, nil
}

// credit applies the per-order loyalty rewards.
func (s *Service) credit(ctx context.Context, tx *sql.Tx, o *model.Order) error {
	if s.SellerPoints > 0 {
		if _, err := store.CreditPoints(ctx, tx, o.SellerID, s.SellerPoints, model.LoyaltyEarned,
			"sale "+o.OrderNumber, &o.ID, model.OrderRoleSeller); err != nil {
			return err
		}
	}
	if s.BuyerPoints > 0 {
		if _, err := store.CreditPoints(ctx, tx, o.BuyerID, s.BuyerPoints, model.LoyaltyEarned,
			"purchase "+o.OrderNumber, &o.ID, model.OrderRoleBuyer); err != nil {
			return err
		}
	}
	return nil
}

// Settle pays for a pending order on behalf of its buyer, for example after
// an earlier attempt was interrupted. A confirmed order is returned as is.
func (s *Service) Settle(ctx context.Context, buyerID, orderID int64, details payment.Details) (*model.Order, error) {
	o, err := store.GetOrder(ctx, s.DB, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil || o.BuyerID != buyerID {
		return nil, apperr.NotFound("order")
	}

	switch o.Status {
	case model.OrderStatusPending:
	case model.OrderStatusCancelled:
		return nil, apperr.New(apperr.CodeInvalidOperation, "cancelled orders cannot be paid")
	default:
		return o, nil
	}

	if details.Method == "" {
		details.Method = o.PaymentMethod.Method
	}
	if _, err := payment.Validate(details, s.now()); err != nil {
		return nil, err
	}
	return s.settle(ctx, o, details)
}

// Cancel cancels a pending order on behalf of its buyer or seller and
// releases its items. Cancelling a cancelled order is a no-op.
func (s *Service) Cancel(ctx context.Context, actorID, orderID int64, reason string) (*model.Order, error) {
	o, err := store.GetOrder(ctx, s.DB, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil || (o.BuyerID != actorID && o.SellerID != actorID) {
		return nil, apperr.NotFound("order")
	}

	switch o.Status {
	case model.OrderStatusCancelled:
		return o, nil
	case model.OrderStatusPending:
	default:
		return nil, apperr.New(apperr.CodeInvalidOperation, "only pending orders can be cancelled")
	}

	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by user"
	}
	ok, err := s.cancel(ctx, orderID, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.CodeConflict, fmt.Sprintf("order %s is no longer pending", o.OrderNumber))
	}
	return store.GetOrder(ctx, s.DB, orderID)
}

// cancel marks a pending order cancelled and releases its items in one
// transaction. It reports whether the order was still pending.
func (s *Service) cancel(ctx context.Context, orderID int64, reason string) (ok bool, err error) {
	ctx, span := tracer.Start(ctx, "checkout.cancel", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	var o *model.Order
	err = store.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		var err error
		if ok, err = store.CancelOrder(ctx, tx, orderID, reason); err != nil || !ok {
			return err
		}
		if o, err = store.GetOrder(ctx, tx, orderID); err != nil {
			return err
		}
		for _, l := range o.Items {
			if _, err := store.ReleaseItem(ctx, tx, l.ItemID, o.CheckoutToken); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if ok {
		slog.Info("order cancelled", "order", o.OrderNumber, "reason", reason)
	}
	return ok, nil
}

// ExpireStale cancels every order that has been pending longer than ttl
// and releases items stranded by checkouts that never recorded an order.
// It returns the number of orders cancelled.
func (s *Service) ExpireStale(ctx context.Context, ttl time.Duration) (n int, err error) {
	ctx, span := tracer.Start(ctx, "checkout.ExpireStale")
	defer func() { endSpan(span, err) }()

	cutoff := s.now().Add(-ttl)
	stale, err := store.ListStalePendingOrders(ctx, s.DB, cutoff)
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, o := range stale {
		ok, err := s.cancel(ctx, o.ID, "reservation expired")
		if err != nil {
			errs = append(errs, fmt.Errorf("expiring order %s: %w", o.OrderNumber, err))
			continue
		}
		if ok {
			n++
		}
	}

	released, err := store.ReleaseStrandedItems(ctx, s.DB, cutoff)
	if err != nil {
		errs = append(errs, err)
	}
	if n > 0 || released > 0 {
		slog.Info("expired stale reservations", "orders", n, "stranded_items", released)
	}
	span.SetAttributes(attribute.Int("orders.expired", n), attribute.Int64("items.released", released))

	return n, errors.Join(errs...)
}

// AdvanceStatus moves a paid order forward in fulfilment. Only the seller
// may do so, and never backwards.
func (s *Service) AdvanceStatus(ctx context.Context, sellerID, orderID int64, status string) (*model.Order, error) {
	o, err := s.sellerOrder(ctx, sellerID, orderID)
	if err != nil {
		return nil, err
	}
	if !model.CanAdvanceOrder(o.Status, status) {
		return nil, apperr.New(apperr.CodeInvalidOperation,
			fmt.Sprintf("order cannot move from %s to %s", o.Status, status))
	}

	ok, err := store.SetOrderStatus(ctx, s.DB, orderID, o.Status, status, "updated by seller", false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.CodeConflict, fmt.Sprintf("order %s changed concurrently", o.OrderNumber))
	}
	slog.Info("order status changed", "order", o.OrderNumber, "from", o.Status, "to", status)
	return store.GetOrder(ctx, s.DB, orderID)
}

// Verify completes an in-person hand-over: the seller enters the code the
// buyer shows them, and on a match the order is delivered.
func (s *Service) Verify(ctx context.Context, sellerID, orderID int64, code string) (*model.Order, error) {
	o, err := s.sellerOrder(ctx, sellerID, orderID)
	if err != nil {
		return nil, err
	}
	if !model.CanAdvanceOrder(o.Status, model.OrderStatusDelivered) {
		return nil, apperr.New(apperr.CodeInvalidOperation, "order is not awaiting hand-over")
	}

	given := strings.ToUpper(strings.TrimSpace(code))
	if !vcode.Valid(given) {
		return nil, apperr.Validation("verificationCode", "verification code is malformed")
	}
	if subtle.ConstantTimeCompare([]byte(given), []byte(o.VerificationCode)) != 1 {
		slog.Warn("verification code mismatch", "order", o.OrderNumber, "seller", sellerID)
		return nil, apperr.Validation("verificationCode", "verification code does not match")
	}

	ok, err := store.SetOrderStatus(ctx, s.DB, orderID, o.Status, model.OrderStatusDelivered, "verified in person", true)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.CodeConflict, fmt.Sprintf("order %s changed concurrently", o.OrderNumber))
	}
	slog.Info("order verified", "order", o.OrderNumber, "seller", sellerID)
	return store.GetOrder(ctx, s.DB, orderID)
}

func (s *Service) sellerOrder(ctx context.Context, sellerID, orderID int64) (*model.Order, error) {
	o, err := store.GetOrder(ctx, s.DB, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, apperr.NotFound("order")
	}
	if o.SellerID != sellerID {
		return nil, apperr.New(apperr.CodeForbidden, "only the seller can update this order")
	}
	return o, nil
}

// RunSweeper calls ExpireStale every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval, ttl time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.ExpireStale(ctx, ttl); err != nil {
				slog.Error("sweeper failed", "error", err)
			}
		}
	}
}
