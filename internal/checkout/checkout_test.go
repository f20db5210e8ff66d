package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/erazemk/sejem/internal/apperr"
	"github.com/erazemk/sejem/internal/db"
	"github.com/erazemk/sejem/internal/model"
	"github.com/erazemk/sejem/internal/payment"
	"github.com/erazemk/sejem/internal/store"
)

var shipTo = model.Address{
	FullName:   "Ana Novak",
	Street:     "Trubarjeva 1",
	City:       "Ljubljana",
	PostalCode: "1000",
	Country:    "SI",
}

func card() payment.Details {
	return payment.Details{
		Method: model.PaymentMethodCard,
		Card:   &payment.Card{Holder: "Ana Novak", Number: "4242424242424242", Expiry: "12/39", CVC: "123"},
	}
}

func cash() payment.Details {
	return payment.Details{Method: model.PaymentMethodCash}
}

func newService(t *testing.T) *Service {
	t.Helper()
	return &Service{
		DB:             db.NewTestDB(t),
		Payments:       &payment.Gateway{CardLatency: time.Millisecond},
		ConfirmTimeout: 2 * time.Second,
		SellerPoints:   10,
		BuyerPoints:    5,
	}
}

func seedUser(t *testing.T, database *sql.DB, name string) *model.User {
	t.Helper()
	u, err := store.CreateUser(context.Background(), database, name, "hash", model.RoleUser)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func seedItem(t *testing.T, database *sql.DB, owner int64, title, price string) *model.Item {
	t.Helper()
	item, err := store.CreateItem(context.Background(), database, owner, title, "", decimal.RequireFromString(price))
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	return item
}

func itemStatus(t *testing.T, database *sql.DB, id int64) string {
	t.Helper()
	item, err := store.GetItem(context.Background(), database, id)
	if err != nil || item == nil {
		t.Fatalf("GetItem(%d): %v", id, err)
	}
	return item.Status
}

func points(t *testing.T, database *sql.DB, user int64) int64 {
	t.Helper()
	acct, err := store.GetLoyaltyAccount(context.Background(), database, user)
	if err != nil {
		t.Fatalf("GetLoyaltyAccount: %v", err)
	}
	return acct.AvailablePoints
}

// pendingOrder reserves items and records an order without paying for it.
func pendingOrder(t *testing.T, s *Service, buyer, seller int64, items ...*model.Item) model.Order {
	t.Helper()
	ctx := context.Background()
	token := "pending-" + items[0].Title
	var lines []model.OrderLine
	for _, it := range items {
		snap, err := store.ReserveItem(ctx, s.DB, it.ID, token)
		if err != nil {
			t.Fatalf("ReserveItem: %v", err)
		}
		lines = append(lines, model.OrderLine{ItemID: it.ID, Title: it.Title, Quantity: 1, UnitPrice: snap.Price})
	}
	var orders []model.Order
	err := store.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		var err error
		orders, err = store.CreateOrders(ctx, tx, []store.NewOrder{{
			BuyerID: buyer, SellerID: seller, CheckoutToken: token,
			Payment: model.PaymentMethod{Method: model.PaymentMethodCash},
			Lines:   lines, Shipping: shipTo, Billing: shipTo,
		}})
		return err
	})
	if err != nil {
		t.Fatalf("CreateOrders: %v", err)
	}
	return orders[0]
}

func TestCheckoutCart(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	seller := seedUser(t, s.DB, "seller")
	buyer := seedUser(t, s.DB, "buyer")
	y := seedItem(t, s.DB, seller.ID, "Y", "10")
	z := seedItem(t, s.DB, seller.ID, "Z", "25")

	if err := store.AddToCart(ctx, s.DB, buyer.ID, y.ID, 2); err != nil {
		t.Fatalf("AddToCart: %v", err)
	}
	if err := store.AddToCart(ctx, s.DB, buyer.ID, z.ID, 1); err != nil {
		t.Fatalf("AddToCart: %v", err)
	}

	orders, err := s.Checkout(ctx, Request{BuyerID: buyer.ID, FromCart: true, Shipping: shipTo, Payment: card()})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}

	o := orders[0]
	if !o.TotalAmount.Equal(decimal.NewFromInt(45)) {
		t.Errorf("expected total 45, got %s", o.TotalAmount)
	}
	if o.Status != model.OrderStatusConfirmed || o.PaymentStatus != model.PaymentStatusCompleted {
		t.Errorf("expected confirmed/completed, got %s/%s", o.Status, o.PaymentStatus)
	}
	if o.PaymentMethod.CardLast4 != "4242" || o.PaymentRef == "" {
		t.Errorf("unexpected payment info %+v ref %q", o.PaymentMethod, o.PaymentRef)
	}
	if o.BillingAddress != shipTo {
		t.Errorf("expected billing to default to shipping, got %+v", o.BillingAddress)
	}
	for _, id := range []int64{y.ID, z.ID} {
		if got := itemStatus(t, s.DB, id); got != model.ItemStatusSold {
			t.Errorf("item %d: expected sold, got %s", id, got)
		}
	}
	if p := points(t, s.DB, seller.ID); p != 10 {
		t.Errorf("expected seller +10, got %d", p)
	}
	if p := points(t, s.DB, buyer.ID); p != 5 {
		t.Errorf("expected buyer +5, got %d", p)
	}

	cart, _ := store.ViewCart(ctx, s.DB, buyer.ID)
	if len(cart.Items) != 0 {
		t.Errorf("expected cart cleared, got %d entries", len(cart.Items))
	}

	for _, u := range []int64{buyer.ID, seller.ID} {
		if err := store.ReconcileLoyalty(ctx, s.DB, u); err != nil {
			t.Errorf("ReconcileLoyalty(%d): %v", u, err)
		}
	}
}

func TestCheckoutSplitsBySeller(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	alice := seedUser(t, s.DB, "alice")
	bob := seedUser(t, s.DB, "bob")
	buyer := seedUser(t, s.DB, "buyer")
	a := seedItem(t, s.DB, alice.ID, "A", "7")
	b := seedItem(t, s.DB, bob.ID, "B", "3")

	store.AddToCart(ctx, s.DB, buyer.ID, a.ID, 1)
	store.AddToCart(ctx, s.DB, buyer.ID, b.ID, 1)

	orders, err := s.Checkout(ctx, Request{BuyerID: buyer.ID, FromCart: true, Shipping: shipTo, Payment: cash()})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	if orders[0].SellerID == orders[1].SellerID {
		t.Error("expected one order per seller")
	}
	if orders[0].VerificationCode == orders[1].VerificationCode {
		t.Error("verification codes must be unique")
	}
	if points(t, s.DB, alice.ID) != 10 || points(t, s.DB, bob.ID) != 10 {
		t.Error("expected each seller credited once")
	}
	if p := points(t, s.DB, buyer.ID); p != 10 {
		t.Errorf("expected buyer credited per order, got %d", p)
	}
}

func TestCheckoutMutualExclusion(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	seller := seedUser(t, s.DB, "seller")
	x := seedItem(t, s.DB, seller.ID, "X", "50")

	const buyers = 8
	ids := make([]int64, buyers)
	for i := range ids {
		ids[i] = seedUser(t, s.DB, "buyer"+string(rune('a'+i))).ID
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Checkout(ctx, Request{BuyerID: id, ItemID: x.ID, Shipping: shipTo, Payment: card()})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != buyers-1 {
		t.Errorf("expected 1 win and %d conflicts, got %d and %d", buyers-1, wins, conflicts)
	}
	if got := itemStatus(t, s.DB, x.ID); got != model.ItemStatusSold {
		t.Errorf("expected X sold, got %s", got)
	}
	if p := points(t, s.DB, seller.ID); p != 10 {
		t.Errorf("expected seller credited once, got %d", p)
	}
}

// repricingProcessor changes the item price while the charge is in flight.
type repricingProcessor struct {
	payment.Gateway
	db     *sql.DB
	seller int64
	item   int64
}

func (p *repricingProcessor) Charge(ctx context.Context, c payment.Charge) (string, error) {
	if _, err := store.UpdateItem(ctx, p.db, p.seller, p.item, "X", "", decimal.NewFromInt(999)); err != nil {
		return "", err
	}
	return p.Gateway.Charge(ctx, c)
}

func TestCheckoutSnapshotsPrice(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	seller := seedUser(t, s.DB, "seller")
	buyer := seedUser(t, s.DB, "buyer")
	x := seedItem(t, s.DB, seller.ID, "X", "50")
	s.Payments = &repricingProcessor{Gateway: payment.Gateway{}, db: s.DB, seller: seller.ID, item: x.ID}

	orders, err := s.Checkout(ctx, Request{BuyerID: buyer.ID, ItemID: x.ID, Shipping: shipTo, Payment: cash()})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	got, _ := store.GetOrder(ctx, s.DB, orders[0].ID)
	if !got.TotalAmount.Equal(decimal.NewFromInt(50)) || !got.Items[0].UnitPrice.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected snapshot price 50, got total %s unit %s", got.TotalAmount, got.Items[0].UnitPrice)
	}
}

func TestCheckoutDeclinedReleasesItems(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	seller := seedUser(t, s.DB, "seller")
	buyer := seedUser(t, s.DB, "buyer")
	x := seedItem(t, s.DB, seller.ID, "X", "50")

	details := card()
	details.Card.Number = payment.DeclinedCardNumber

	_, err := s.Checkout(ctx, Request{BuyerID: buyer.ID, ItemID: x.ID, Shipping: shipTo, Payment: details})
	if !errors.Is(err, apperr.ErrPaymentFailed) {
		t.Fatalf("expected payment failure, got %v", err)
	}
	if !errors.Is(err, payment.ErrDeclined) {
		t.Errorf("expected decline cause in chain, got %v", err)
	}
	if got := itemStatus(t, s.DB, x.ID); got != model.ItemStatusActive {
		t.Errorf("expected X back to active, got %s", got)
	}

	orders, _ := store.ListOrdersByBuyer(ctx, s.DB, buyer.ID)
	if len(orders) != 1 || orders[0].Status != model.OrderStatusCancelled || orders[0].PaymentStatus != model.PaymentStatusFailed {
		t.Errorf("expected one cancelled/failed order, got %+v", orders)
	}
	if points(t, s.DB, seller.ID) != 0 || points(t, s.DB, buyer.ID) != 0 {
		t.Error("no points may be credited for a failed payment")
	}
}

func TestCheckoutTimeoutReleasesItems(t *testing.T) {
	s := newService(t)
	s.Payments = &payment.Gateway{CardLatency: time.Hour}
	s.ConfirmTimeout = 20 * time.Millisecond
	ctx := context.Background()
	seller := seedUser(t, s.DB, "seller")
	buyer := seedUser(t, s.DB, "buyer")
	x := seedItem(t, s.DB, seller.ID, "X", "50")

	_, err := s.Checkout(ctx, Request{BuyerID: buyer.ID, ItemID: x.ID, Shipping: shipTo, Payment: card()})
	if !errors.Is(err, apperr.ErrPaymentFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected payment timeout, got %v", err)
	}
	if got := itemStatus(t, s.DB, x.ID); got != model.ItemStatusActive {
		t.Errorf("expected X back to active, got %s", got)
	}
}

func TestCheckoutConflictReleasesReserved(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	seller := seedUser(t, s.DB, "seller")
	buyer := seedUser(t, s.DB, "buyer")
	a := seedItem(t, s.DB, seller.ID, "A", "1")
	b := seedItem(t, s.DB, seller.ID, "B", "2")

	// Another checkout holds B.
	if _, err := store.ReserveItem(ctx, s.DB, b.ID, "someone-else"); err != nil {
		t.Fatalf("ReserveItem: %v", err)
	}
	lines := []line{{itemID: a.ID, quantity: 1}, {itemID: b.ID, quantity: 1}}

	_, err := s.reserve(ctx, buyer.ID, "tok", lines)
	e, ok := apperr.As(err)
	if !ok || e.Code != apperr.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if e.Metadata["item_id"] == "" {
		t.Error("expected conflict to name the unavailable item")
	}
	if got := itemStatus(t, s.DB, a.ID); got != model.ItemStatusActive {
		t.Errorf("expected A released, got %s", got)
	}
}

func TestCheckoutRejections(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	seller := seedUser(t, s.DB, "seller")
	buyer := seedUser(t, s.DB, "buyer")
	x := seedItem(t, s.DB, seller.ID, "X", "50")

	noCity := shipTo
	noCity.City = ""
	badCard := card()
	badCard.Card.CVC = "1"

	tests := []struct {
		name   string
		req    Request
		target error
		field  string
	}{
		{"self purchase", Request{BuyerID: seller.ID, ItemID: x.ID, Shipping: shipTo, Payment: cash()}, apperr.ErrSelfPurchase, ""},
		{"missing city", Request{BuyerID: buyer.ID, ItemID: x.ID, Shipping: noCity, Payment: cash()}, apperr.ErrValidation, "shippingAddress.city"},
		{"bad cvv", Request{BuyerID: buyer.ID, ItemID: x.ID, Shipping: shipTo, Payment: badCard}, apperr.ErrValidation, "paymentMethod.cvv"},
		{"empty cart", Request{BuyerID: buyer.ID, FromCart: true, Shipping: shipTo, Payment: cash()}, apperr.ErrValidation, "items"},
		{"missing item", Request{BuyerID: buyer.ID, ItemID: 999, Shipping: shipTo, Payment: cash()}, apperr.ErrNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Checkout(ctx, tt.req)
			if !errors.Is(err, tt.target) {
				t.Fatalf("expected %v, got %v", tt.target, err)
			}
			if tt.field != "" {
				if e, _ := apperr.As(err); e.Metadata["field"] != tt.field {
					t.Errorf("expected field %q, got %v", tt.field, e.Metadata)
				}
			}
		})
	}

	if got := itemStatus(t, s.DB, x.ID); got != model.ItemStatusActive {
		t.Errorf("rejected checkouts must leave X active, got %s", got)
	}
}

func TestConfirmIdempotent(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	seller := seedUser(t, s.DB, "seller")
	buyer := seedUser(t, s.DB, "buyer")
	x := seedItem(t, s.DB, seller.ID, "X", "50")

	o := pendingOrder(t, s, buyer.ID, seller.ID, x)

	for range 3 {
		got, err := s.Confirm(ctx, o.ID, "ref")
		if err != nil {
			t.Fatalf("Confirm: %v", err)
		}
		if got.Status != model.OrderStatusConfirmed {
			t.Fatalf("expected confirmed, got %s", got.Status)
		}
	}

	if p := points(t, s.DB, seller.ID); p != 10 {
		t.Errorf("expected seller credited once, got %d", p)
	}
	if p := points(t, s.DB, buyer.ID); p != 5 {
		t.Errorf("expected buyer credited once, got %d", p)
	}
	history, _ := store.ListOrderHistory(ctx, s.DB, o.ID)
	if len(history) != 2 {
		t.Errorf("expected pending and confirmed history entries, got %d", len(history))
	}
}

func TestConfirmCancelledOrder(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	seller := seedUser(t, s.DB, "seller")
	buyer := seedUser(t, s.DB, "buyer")
	x := seedItem(t, s.DB, seller.ID, "X", "50")

	o := pendingOrder(t, s, buyer.ID, seller.ID, x)
	if _, err := s.Cancel(ctx, buyer.ID, o.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if _, err := s.Confirm(ctx, o.ID, "ref"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict confirming cancelled order, got %v", err)
	}
	if got := itemStatus(t, s.DB, x.ID); got != model.ItemStatusActive {
		t.Errorf("expected X active, got %s", got)
	}
}

func TestCancel(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	seller := seedUser(t, s.DB, "seller")
	buyer := seedUser(t, s.DB, "buyer")
	stranger := seedUser(t, s.DB, "stranger")
	x := seedItem(t, s.DB, seller.ID, "X", "50")

	o := pendingOrder(t, s, buyer.ID, seller.ID, x)

	if _, err := s.Cancel(ctx, stranger.ID, o.ID, ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found for stranger, got %v", err)
	}

	got, err := s.Cancel(ctx, buyer.ID, o.ID, "changed my mind")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != model.OrderStatusCancelled || got.CancelReason != "changed my mind" || got.CancelledAt == nil {
		t.Errorf("unexpected cancelled order %+v", got)
	}
	if st := itemStatus(t, s.DB, x.ID); st != model.ItemStatusActive {
		t.Errorf("expected X active, got %s", st)
	}

	if _, err := s.Cancel(ctx, seller.ID, o.ID, ""); err != nil {
		t.Errorf("cancelling twice should be a no-op, got %v", err)
	}

	y := seedItem(t, s.DB, seller.ID, "Y", "5")
	paid, err := s.Checkout(ctx, Request{BuyerID: buyer.ID, ItemID: y.ID, Shipping: shipTo, Payment: cash()})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if _, err := s.Cancel(ctx, buyer.ID, paid[0].ID, ""); !errors.Is(err, apperr.ErrInvalidOperation) {
		t.Errorf("expected invalid operation cancelling confirmed order, got %v", err)
	}
}

func TestSettlePendingOrder(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	seller := seedUser(t, s.DB, "seller")
	buyer := seedUser(t, s.DB, "buyer")
	x := seedItem(t, s.DB, seller.ID, "X", "50")

	o := pendingOrder(t, s, buyer.ID, seller.ID, x)

	if _, err := s.Settle(ctx, seller.ID, o.ID, cash()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("only the buyer may pay, got %v", err)
	}

	got, err := s.Settle(ctx, buyer.ID, o.ID, payment.Details{})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if got.Status != model.OrderStatusConfirmed || got.PaymentRef == "" {
		t.Errorf("expected confirmed order with reference, got %+v", got)
	}
	if st := itemStatus(t, s.DB, x.ID); st != model.ItemStatusSold {
		t.Errorf("expected X sold, got %s", st)
	}
}

func TestExpireStale(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	seller := seedUser(t, s.DB, "seller")
	buyer := seedUser(t, s.DB, "buyer")
	x := seedItem(t, s.DB, seller.ID, "X", "50")
	stranded := seedItem(t, s.DB, seller.ID, "Stranded", "5")

	o := pendingOrder(t, s, buyer.ID, seller.ID, x)
	if _, err := store.ReserveItem(ctx, s.DB, stranded.ID, "lost-checkout"); err != nil {
		t.Fatalf("ReserveItem: %v", err)
	}

	n, err := s.ExpireStale(ctx, 15*time.Minute)
	if err != nil || n != 0 {
		t.Fatalf("fresh orders must not expire: %d %v", n, err)
	}

	s.Now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = s.ExpireStale(ctx, 15*time.Minute)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired order, got %d", n)
	}

	got, _ := store.GetOrder(ctx, s.DB, o.ID)
	if got.Status != model.OrderStatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	for _, id := range []int64{x.ID, stranded.ID} {
		if st := itemStatus(t, s.DB, id); st != model.ItemStatusActive {
			t.Errorf("item %d: expected active, got %s", id, st)
		}
	}
}

func TestRunSweeperStops(t *testing.T) {
	s := newService(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.RunSweeper(ctx, time.Millisecond, time.Minute) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunSweeper: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestAdvanceStatusAndVerify(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	seller := seedUser(t, s.DB, "seller")
	buyer := seedUser(t, s.DB, "buyer")
	x := seedItem(t, s.DB, seller.ID, "X", "50")

	orders, err := s.Checkout(ctx, Request{BuyerID: buyer.ID, ItemID: x.ID, Shipping: shipTo, Payment: cash()})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	o := orders[0]

	if _, err := s.AdvanceStatus(ctx, buyer.ID, o.ID, model.OrderStatusShipped); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected forbidden for buyer, got %v", err)
	}
	if _, err := s.AdvanceStatus(ctx, seller.ID, o.ID, model.OrderStatusProcessing); err != nil {
		t.Fatalf("AdvanceStatus: %v", err)
	}
	if _, err := s.AdvanceStatus(ctx, seller.ID, o.ID, model.OrderStatusConfirmed); !errors.Is(err, apperr.ErrInvalidOperation) {
		t.Errorf("expected invalid operation moving backwards, got %v", err)
	}
	if _, err := s.AdvanceStatus(ctx, seller.ID, o.ID, model.OrderStatusCancelled); !errors.Is(err, apperr.ErrInvalidOperation) {
		t.Errorf("expected invalid operation cancelling a paid order, got %v", err)
	}

	for _, code := range []string{"", "ABC", "WRONGONE", "abcdefghi"} {
		_, err := s.Verify(ctx, seller.ID, o.ID, code)
		if e, ok := apperr.As(err); !ok || e.Code != apperr.CodeValidation || !strings.Contains(e.Message, "malformed") {
			t.Errorf("Verify(%q): expected malformed code error, got %v", code, err)
		}
	}
	wrong := "22222222"
	if wrong == o.VerificationCode {
		wrong = "33333333"
	}
	if _, err := s.Verify(ctx, seller.ID, o.ID, wrong); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for wrong code, got %v", err)
	}

	got, err := s.Verify(ctx, seller.ID, o.ID, " "+strings.ToLower(o.VerificationCode)+" ")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.Status != model.OrderStatusDelivered || got.VerifiedAt == nil {
		t.Errorf("expected delivered and verified, got %+v", got)
	}

	if _, err := s.Verify(ctx, seller.ID, o.ID, o.VerificationCode); !errors.Is(err, apperr.ErrInvalidOperation) {
		t.Errorf("expected invalid operation verifying twice, got %v", err)
	}
}

// countingProcessor records charges and refunds. Charges take delay, and
// from the declineFrom-th charge on they are declined.
type countingProcessor struct {
	delay       time.Duration
	declineFrom int

	mu      sync.Mutex
	charges int
	refunds []string
}

func (p *countingProcessor) Charge(ctx context.Context, c payment.Charge) (string, error) {
	p.mu.Lock()
	p.charges++
	n := p.charges
	p.mu.Unlock()

	if p.declineFrom > 0 && n >= p.declineFrom {
		return "", payment.ErrDeclined
	}
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return fmt.Sprintf("ref-%d", n), nil
}

func (p *countingProcessor) Refund(ctx context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, ref)
	return nil
}

func TestSettleConcurrentChargesOnce(t *testing.T) {
	s := newService(t)
	proc := &countingProcessor{delay: 50 * time.Millisecond}
	s.Payments = proc
	ctx := context.Background()
	seller := seedUser(t, s.DB, "seller")
	buyer := seedUser(t, s.DB, "buyer")
	x := seedItem(t, s.DB, seller.ID, "X", "50")

	o := pendingOrder(t, s, buyer.ID, seller.ID, x)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.Settle(ctx, buyer.ID, o.ID, card())
		}()
	}
	wg.Wait()

	if proc.charges != 1 || len(proc.refunds) != 0 {
		t.Fatalf("expected one charge and no refunds, got %d charges, refunds %v", proc.charges, proc.refunds)
	}
	for _, err := range errs {
		if err != nil && !errors.Is(err, apperr.ErrConflict) {
			t.Errorf("expected success or conflict, got %v", err)
		}
	}

	got, _ := store.GetOrder(ctx, s.DB, o.ID)
	if got.Status != model.OrderStatusConfirmed || got.PaymentRef != "ref-1" {
		t.Errorf("expected confirmed order paid by ref-1, got %s %q", got.Status, got.PaymentRef)
	}
	if p := points(t, s.DB, seller.ID); p != 10 {
		t.Errorf("expected seller credited once, got %d", p)
	}
}

func TestSettleWhilePaymentInFlight(t *testing.T) {
	s := newService(t)
	proc := &countingProcessor{}
	s.Payments = proc
	ctx := context.Background()
	seller := seedUser(t, s.DB, "seller")
	buyer := seedUser(t, s.DB, "buyer")
	x := seedItem(t, s.DB, seller.ID, "X", "50")

	o := pendingOrder(t, s, buyer.ID, seller.ID, x)
	if ok, err := store.ClaimOrderPayment(ctx, s.DB, o.ID); err != nil || !ok {
		t.Fatalf("ClaimOrderPayment: %v %v", ok, err)
	}

	if _, err := s.Settle(ctx, buyer.ID, o.ID, cash()); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected conflict while payment is in flight, got %v", err)
	}
	if proc.charges != 0 {
		t.Errorf("expected no charge, got %d", proc.charges)
	}

	got, err := s.Cancel(ctx, buyer.ID, o.ID, "")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != model.OrderStatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	if st := itemStatus(t, s.DB, x.ID); st != model.ItemStatusActive {
		t.Errorf("expected X back to active, got %s", st)
	}
}

func TestConfirmRefundsSecondCharge(t *testing.T) {
	s := newService(t)
	proc := &countingProcessor{}
	s.Payments = proc
	ctx := context.Background()
	seller := seedUser(t, s.DB, "seller")
	buyer := seedUser(t, s.DB, "buyer")
	x := seedItem(t, s.DB, seller.ID, "X", "50")

	o := pendingOrder(t, s, buyer.ID, seller.ID, x)

	for _, ref := range []string{"ref-a", "ref-a", "ref-b"} {
		if _, err := s.Confirm(ctx, o.ID, ref); err != nil {
			t.Fatalf("Confirm(%s): %v", ref, err)
		}
	}

	got, _ := store.GetOrder(ctx, s.DB, o.ID)
	if got.PaymentRef != "ref-a" {
		t.Errorf("expected first reference kept, got %q", got.PaymentRef)
	}
	if !slices.Equal(proc.refunds, []string{"ref-b"}) {
		t.Errorf("expected only ref-b refunded, got %v", proc.refunds)
	}
}

func TestCheckoutPartialFailureReturnsPaidOrders(t *testing.T) {
	s := newService(t)
	proc := &countingProcessor{declineFrom: 2}
	s.Payments = proc
	ctx := context.Background()
	alice := seedUser(t, s.DB, "alice")
	bob := seedUser(t, s.DB, "bob")
	buyer := seedUser(t, s.DB, "buyer")
	a := seedItem(t, s.DB, alice.ID, "A", "7")
	b := seedItem(t, s.DB, bob.ID, "B", "3")

	store.AddToCart(ctx, s.DB, buyer.ID, a.ID, 1)
	store.AddToCart(ctx, s.DB, buyer.ID, b.ID, 1)

	orders, err := s.Checkout(ctx, Request{BuyerID: buyer.ID, FromCart: true, Shipping: shipTo, Payment: cash()})
	if !errors.Is(err, apperr.ErrPaymentFailed) {
		t.Fatalf("expected payment failure, got %v", err)
	}
	if len(orders) != 1 || orders[0].SellerID != alice.ID || orders[0].Status != model.OrderStatusConfirmed {
		t.Fatalf("expected alice's order returned confirmed, got %+v", orders)
	}
	e, _ := apperr.As(err)
	if e.Metadata["confirmed_orders"] != orders[0].OrderNumber {
		t.Errorf("expected confirmed order named in metadata, got %v", e.Metadata)
	}

	if st := itemStatus(t, s.DB, a.ID); st != model.ItemStatusSold {
		t.Errorf("expected A sold, got %s", st)
	}
	if st := itemStatus(t, s.DB, b.ID); st != model.ItemStatusActive {
		t.Errorf("expected B back to active, got %s", st)
	}
	placed, _ := store.ListOrdersByBuyer(ctx, s.DB, buyer.ID)
	for _, o := range placed {
		if o.SellerID == bob.ID && o.Status != model.OrderStatusCancelled {
			t.Errorf("expected bob's order cancelled, got %s", o.Status)
		}
	}
	if proc.charges != 2 || len(proc.refunds) != 0 {
		t.Errorf("expected two charges and no refunds, got %d, %v", proc.charges, proc.refunds)
	}
}
