package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/erazemk/sejem/internal/model"
	"github.com/erazemk/sejem/internal/vcode"
)

// NewOrder is the input for one order of a checkout.
type NewOrder struct {
	BuyerID       int64
	SellerID      int64
	CheckoutToken string
	Payment       model.PaymentMethod
	Lines         []model.OrderLine
	Shipping      model.Address
	Billing       model.Address
}

const orderColumns = `id, order_number, buyer_id, seller_id, checkout_token, status, payment_status,
	payment_method, card_brand, card_last4, payment_ref, total_amount, shipping_address, billing_address,
	verification_code, cancel_reason, created_at, updated_at, confirmed_at, cancelled_at, verified_at`

func scanOrder(row rowScanner) (*model.Order, error) {
	o := &model.Order{}
	var cardBrand, cardLast4, paymentRef, cancelReason sql.NullString
	var shipping, billing string
	err := row.Scan(&o.ID, &o.OrderNumber, &o.BuyerID, &o.SellerID, &o.CheckoutToken, &o.Status, &o.PaymentStatus,
		&o.PaymentMethod.Method, &cardBrand, &cardLast4, &paymentRef, &o.TotalAmount, &shipping, &billing,
		&o.VerificationCode, &cancelReason, &o.CreatedAt, &o.UpdatedAt, &o.ConfirmedAt, &o.CancelledAt, &o.VerifiedAt)
	if err != nil {
		return nil, err
	}
	o.PaymentMethod.CardBrand = cardBrand.String
	o.PaymentMethod.CardLast4 = cardLast4.String
	o.PaymentRef = paymentRef.String
	o.CancelReason = cancelReason.String
	if err := json.Unmarshal([]byte(shipping), &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decoding shipping address: %w", err)
	}
	if err := json.Unmarshal([]byte(billing), &o.BillingAddress); err != nil {
		return nil, fmt.Errorf("decoding billing address: %w", err)
	}
	return o, nil
}

// CreateOrders persists the orders of one checkout as pending, with their
// lines and an initial history entry. Run it inside a transaction so a
// checkout never leaves a partial set of orders.
func CreateOrders(ctx context.Context, db DBTX, orders []NewOrder) ([]model.Order, error) {
	created := make([]model.Order, 0, len(orders))
	for _, n := range orders {
		id, err := insertOrder(ctx, db, n)
		if err != nil {
			return nil, err
		}

		for _, l := range n.Lines {
			if _, err := db.ExecContext(ctx,
				`INSERT INTO order_items (order_id, item_id, title, quantity, unit_price) VALUES (?, ?, ?, ?, ?)`,
				id, l.ItemID, l.Title, l.Quantity, l.UnitPrice.String(),
			); err != nil {
				return nil, fmt.Errorf("creating order line: %w", err)
			}
		}

		if err := insertHistory(ctx, db, id, model.OrderStatusPending, model.PaymentStatusPending, "order placed"); err != nil {
			return nil, err
		}

		o, err := GetOrder(ctx, db, id)
		if err != nil {
			return nil, err
		}
		created = append(created, *o)
	}
	return created, nil
}

// insertOrder writes the order row. The order number and verification code
// are drawn again when they collide with an existing order.
func insertOrder(ctx context.Context, db DBTX, n NewOrder) (int64, error) {
	shipping, err := json.Marshal(n.Shipping)
	if err != nil {
		return 0, fmt.Errorf("encoding shipping address: %w", err)
	}
	billing, err := json.Marshal(n.Billing)
	if err != nil {
		return 0, fmt.Errorf("encoding billing address: %w", err)
	}

	ts := now()
	for attempt := 1; ; attempt++ {
		number, err := vcode.NewOrderNumber(ts)
		if err != nil {
			return 0, err
		}
		code, err := vcode.NewVerificationCode()
		if err != nil {
			return 0, err
		}

		result, err := db.ExecContext(ctx,
			`INSERT INTO orders (order_number, buyer_id, seller_id, checkout_token, payment_method,
			     card_brand, card_last4, total_amount, shipping_address, billing_address,
			     verification_code, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?)`,
			number, n.BuyerID, n.SellerID, n.CheckoutToken, n.Payment.Method,
			n.Payment.CardBrand, n.Payment.CardLast4, model.OrderTotal(n.Lines).String(),
			string(shipping), string(billing), code, ts, ts,
		)
		if isUniqueViolation(err) && attempt < vcode.MaxAttempts {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("creating order: %w", err)
		}
		return result.LastInsertId()
	}
}

func insertHistory(ctx context.Context, db DBTX, orderID int64, status, paymentStatus, note string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO order_status_history (order_id, status, payment_status, note, changed_at) VALUES (?, ?, ?, ?, ?)`,
		orderID, status, paymentStatus, note, now(),
	)
	if err != nil {
		return fmt.Errorf("recording order history: %w", err)
	}
	return nil
}

// GetOrder returns an order with its lines, or nil if it does not exist.
func GetOrder(ctx context.Context, db DBTX, id int64) (*model.Order, error) {
	o, err := scanOrder(db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting order: %w", err)
	}
	if o.Items, err = orderLines(ctx, db, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func orderLines(ctx context.Context, db DBTX, orderID int64) ([]model.OrderLine, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT item_id, title, quantity, unit_price FROM order_items WHERE order_id = ? ORDER BY item_id`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing order lines: %w", err)
	}
	defer rows.Close()

	lines := []model.OrderLine{}
	for rows.Next() {
		var l model.OrderLine
		if err := rows.Scan(&l.ItemID, &l.Title, &l.Quantity, &l.UnitPrice); err != nil {
			return nil, fmt.Errorf("scanning order line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// listOrders runs an order query and then loads each order's lines. The
// order rows are fully read first; the pool has a single connection.
func listOrders(ctx context.Context, db DBTX, query string, args ...any) ([]model.Order, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}

	orders := []model.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	rows.Close()

	for i := range orders {
		if orders[i].Items, err = orderLines(ctx, db, orders[i].ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// ListOrdersByBuyer returns a buyer's purchases, newest first.
func ListOrdersByBuyer(ctx context.Context, db DBTX, buyerID int64) ([]model.Order, error) {
	return listOrders(ctx, db,
		`SELECT `+orderColumns+` FROM orders WHERE buyer_id = ? ORDER BY created_at DESC, id DESC`, buyerID)
}

// ListOrdersBySeller returns a seller's sales, newest first.
func ListOrdersBySeller(ctx context.Context, db DBTX, sellerID int64) ([]model.Order, error) {
	return listOrders(ctx, db,
		`SELECT `+orderColumns+` FROM orders WHERE seller_id = ? ORDER BY created_at DESC, id DESC`, sellerID)
}

// ListOpenSales returns a seller's orders that still need attention, that
// is everything not yet delivered or cancelled.
func ListOpenSales(ctx context.Context, db DBTX, sellerID int64) ([]model.Order, error) {
	return listOrders(ctx, db,
		`SELECT `+orderColumns+` FROM orders
		 WHERE seller_id = ? AND status NOT IN ('delivered', 'cancelled')
		 ORDER BY created_at, id`, sellerID)
}

// ListOrdersByCheckout returns the orders created by one checkout.
func ListOrdersByCheckout(ctx context.Context, db DBTX, token string) ([]model.Order, error) {
	return listOrders(ctx, db,
		`SELECT `+orderColumns+` FROM orders WHERE checkout_token = ? ORDER BY id`, token)
}

// ListStalePendingOrders returns pending orders created before the cutoff.
func ListStalePendingOrders(ctx context.Context, db DBTX, before time.Time) ([]model.Order, error) {
	return listOrders(ctx, db,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = 'pending' AND created_at < ?
		 ORDER BY created_at, id`, before.UTC())
}

// ClaimOrderPayment moves a pending order's payment from pending to
// processing. Only the caller that wins the claim may charge the buyer; it
// reports whether this call did.
func ClaimOrderPayment(ctx context.Context, db DBTX, id int64) (bool, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE orders SET payment_status = 'processing', updated_at = ?
		 WHERE id = ? AND status = 'pending' AND payment_status = 'pending'`,
		now(), id,
	)
	if err != nil {
		return false, fmt.Errorf("claiming order payment: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return false, nil
	}
	return true, insertHistory(ctx, db, id, model.OrderStatusPending, model.PaymentStatusProcessing, "payment started")
}

// ConfirmOrder marks a pending order confirmed with completed payment. It
// reports whether the order was still pending.
func ConfirmOrder(ctx context.Context, db DBTX, id int64, paymentRef string) (bool, error) {
	ts := now()
	result, err := db.ExecContext(ctx,
		`UPDATE orders SET status = 'confirmed', payment_status = 'completed', payment_ref = NULLIF(?, ''),
		     confirmed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		paymentRef, ts, ts, id,
	)
	if err != nil {
		return false, fmt.Errorf("confirming order: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return false, nil
	}
	return true, insertHistory(ctx, db, id, model.OrderStatusConfirmed, model.PaymentStatusCompleted, "payment completed")
}

// CancelOrder marks a pending order cancelled with failed payment, whether
// or not a charge is in flight. It reports whether the order was still
// pending.
func CancelOrder(ctx context.Context, db DBTX, id int64, reason string) (bool, error) {
	ts := now()
	result, err := db.ExecContext(ctx,
		`UPDATE orders SET status = 'cancelled', payment_status = 'failed', cancel_reason = ?,
		     cancelled_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending' AND payment_status IN ('pending', 'processing')`,
		reason, ts, ts, id,
	)
	if err != nil {
		return false, fmt.Errorf("cancelling order: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return false, nil
	}
	return true, insertHistory(ctx, db, id, model.OrderStatusCancelled, model.PaymentStatusFailed, reason)
}

// SetOrderStatus moves a paid order from one fulfilment status to another.
// The write only succeeds if the order is still in from; it reports whether
// it did. Moving to delivered with verified set also stamps verified_at.
func SetOrderStatus(ctx context.Context, db DBTX, id int64, from, to, note string, verified bool) (bool, error) {
	ts := now()
	var verifiedAt any
	if verified {
		verifiedAt = ts
	}
	result, err := db.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ?, verified_at = COALESCE(?, verified_at)
		 WHERE id = ? AND status = ?`,
		to, ts, verifiedAt, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("updating order status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return false, nil
	}
	return true, insertHistory(ctx, db, id, to, model.PaymentStatusCompleted, note)
}

// ListOrderHistory returns an order's status changes, oldest first.
func ListOrderHistory(ctx context.Context, db DBTX, orderID int64) ([]model.StatusChange, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT status, payment_status, note, changed_at FROM order_status_history
		 WHERE order_id = ? ORDER BY id`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing order history: %w", err)
	}
	defer rows.Close()

	history := []model.StatusChange{}
	for rows.Next() {
		var c model.StatusChange
		var note sql.NullString
		if err := rows.Scan(&c.Status, &c.PaymentStatus, &note, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("scanning order history: %w", err)
		}
		c.Note = note.String
		history = append(history, c)
	}
	return history, rows.Err()
}

// MarkOrderRefunded records that the payment of a cancelled order was
// returned to the buyer.
func MarkOrderRefunded(ctx context.Context, db DBTX, id int64, note string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE orders SET payment_status = 'refunded', updated_at = ?
		 WHERE id = ? AND status = 'cancelled' AND payment_status != 'refunded'`,
		now(), id,
	)
	if err != nil {
		return fmt.Errorf("marking order refunded: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil
	}
	return insertHistory(ctx, db, id, model.OrderStatusCancelled, model.PaymentStatusRefunded, note)
}
