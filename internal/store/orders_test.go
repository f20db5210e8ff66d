package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/erazemk/sejem/internal/db"
	"github.com/erazemk/sejem/internal/model"
	"github.com/erazemk/sejem/internal/vcode"
)

var testAddress = model.Address{
	FullName:   "Ana Novak",
	Street:     "Trubarjeva 1",
	City:       "Ljubljana",
	PostalCode: "1000",
	Country:    "SI",
}

func createTestOrder(t *testing.T, database *sql.DB, buyer, seller int64, token string, lines ...model.OrderLine) model.Order {
	t.Helper()
	var orders []model.Order
	err := WithTx(context.Background(), database, func(tx *sql.Tx) error {
		var err error
		orders, err = CreateOrders(context.Background(), tx, []NewOrder{{
			BuyerID:       buyer,
			SellerID:      seller,
			CheckoutToken: token,
			Payment:       model.PaymentMethod{Method: model.PaymentMethodCard, CardBrand: "visa", CardLast4: "4242"},
			Lines:         lines,
			Shipping:      testAddress,
			Billing:       testAddress,
		}})
		return err
	})
	if err != nil {
		t.Fatalf("CreateOrders: %v", err)
	}
	return orders[0]
}

func TestCreateAndGetOrder(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	seller := seedUser(t, database, "seller")
	buyer := seedUser(t, database, "buyer")
	y := seedItem(t, database, seller.ID, "Y", "10")
	z := seedItem(t, database, seller.ID, "Z", "25")

	o := createTestOrder(t, database, buyer.ID, seller.ID, "tok",
		model.OrderLine{ItemID: y.ID, Title: "Y", Quantity: 2, UnitPrice: y.Price},
		model.OrderLine{ItemID: z.ID, Title: "Z", Quantity: 1, UnitPrice: z.Price},
	)

	if o.Status != model.OrderStatusPending || o.PaymentStatus != model.PaymentStatusPending {
		t.Errorf("expected pending/pending, got %s/%s", o.Status, o.PaymentStatus)
	}
	if !o.TotalAmount.Equal(decimal.NewFromInt(45)) {
		t.Errorf("expected total 45, got %s", o.TotalAmount)
	}
	if !vcode.Valid(o.VerificationCode) {
		t.Errorf("invalid verification code %q", o.VerificationCode)
	}
	if o.PaymentMethod.CardLast4 != "4242" || o.ShippingAddress != testAddress {
		t.Errorf("unexpected payment or address %+v %+v", o.PaymentMethod, o.ShippingAddress)
	}
	if len(o.Items) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(o.Items))
	}

	got, err := GetOrder(ctx, database, o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.OrderNumber != o.OrderNumber || got.CheckoutToken != "tok" {
		t.Errorf("unexpected order %+v", got)
	}

	missing, err := GetOrder(ctx, database, 999)
	if err != nil || missing != nil {
		t.Errorf("expected nil for missing order, got %v %v", missing, err)
	}
}

func TestOrderLifecycleHistory(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	seller := seedUser(t, database, "seller")
	buyer := seedUser(t, database, "buyer")
	item := seedItem(t, database, seller.ID, "Lamp", "9")
	o := createTestOrder(t, database, buyer.ID, seller.ID, "tok",
		model.OrderLine{ItemID: item.ID, Title: "Lamp", Quantity: 1, UnitPrice: item.Price})

	ok, err := ConfirmOrder(ctx, database, o.ID, "ref-1")
	if err != nil || !ok {
		t.Fatalf("ConfirmOrder: %v %v", ok, err)
	}
	if ok, _ := ConfirmOrder(ctx, database, o.ID, "ref-2"); ok {
		t.Error("second confirm must not apply")
	}
	if ok, _ := CancelOrder(ctx, database, o.ID, "late"); ok {
		t.Error("confirmed order must not be cancellable")
	}

	if ok, _ := SetOrderStatus(ctx, database, o.ID, model.OrderStatusConfirmed, model.OrderStatusShipped, "", false); !ok {
		t.Fatal("expected status change to apply")
	}
	if ok, _ := SetOrderStatus(ctx, database, o.ID, model.OrderStatusConfirmed, model.OrderStatusProcessing, "", false); ok {
		t.Error("stale from-status must not apply")
	}
	if ok, _ := SetOrderStatus(ctx, database, o.ID, model.OrderStatusShipped, model.OrderStatusDelivered, "verified", true); !ok {
		t.Fatal("expected delivery to apply")
	}

	got, _ := GetOrder(ctx, database, o.ID)
	if got.PaymentRef != "ref-1" || got.ConfirmedAt == nil || got.VerifiedAt == nil {
		t.Errorf("unexpected final order %+v", got)
	}

	history, err := ListOrderHistory(ctx, database, o.ID)
	if err != nil {
		t.Fatalf("ListOrderHistory: %v", err)
	}
	want := []string{model.OrderStatusPending, model.OrderStatusConfirmed, model.OrderStatusShipped, model.OrderStatusDelivered}
	if len(history) != len(want) {
		t.Fatalf("expected %d history entries, got %d", len(want), len(history))
	}
	for i, s := range want {
		if history[i].Status != s {
			t.Errorf("history[%d] = %s, want %s", i, history[i].Status, s)
		}
	}
}

func TestClaimOrderPayment(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	seller := seedUser(t, database, "seller")
	buyer := seedUser(t, database, "buyer")
	item := seedItem(t, database, seller.ID, "Lamp", "9")
	o := createTestOrder(t, database, buyer.ID, seller.ID, "tok",
		model.OrderLine{ItemID: item.ID, Title: "Lamp", Quantity: 1, UnitPrice: item.Price})

	ok, err := ClaimOrderPayment(ctx, database, o.ID)
	if err != nil || !ok {
		t.Fatalf("ClaimOrderPayment: %v %v", ok, err)
	}
	if ok, _ := ClaimOrderPayment(ctx, database, o.ID); ok {
		t.Error("second claim must not apply")
	}

	got, _ := GetOrder(ctx, database, o.ID)
	if got.Status != model.OrderStatusPending || got.PaymentStatus != model.PaymentStatusProcessing {
		t.Errorf("expected pending order with processing payment, got %s/%s", got.Status, got.PaymentStatus)
	}

	// A charge in flight can still be called off.
	if ok, _ := CancelOrder(ctx, database, o.ID, "timed out"); !ok {
		t.Fatal("expected processing order to be cancellable")
	}
	if ok, _ := ClaimOrderPayment(ctx, database, o.ID); ok {
		t.Error("cancelled order must not be claimable")
	}

	history, _ := ListOrderHistory(ctx, database, o.ID)
	want := []string{model.PaymentStatusPending, model.PaymentStatusProcessing, model.PaymentStatusFailed}
	if len(history) != len(want) {
		t.Fatalf("expected %d history entries, got %d", len(want), len(history))
	}
	for i, ps := range want {
		if history[i].PaymentStatus != ps {
			t.Errorf("history[%d] payment = %s, want %s", i, history[i].PaymentStatus, ps)
		}
	}
}

func TestListOrders(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	seller := seedUser(t, database, "seller")
	buyer := seedUser(t, database, "buyer")
	a := seedItem(t, database, seller.ID, "A", "1")
	b := seedItem(t, database, seller.ID, "B", "2")

	first := createTestOrder(t, database, buyer.ID, seller.ID, "tok-1",
		model.OrderLine{ItemID: a.ID, Title: "A", Quantity: 1, UnitPrice: a.Price})
	second := createTestOrder(t, database, buyer.ID, seller.ID, "tok-2",
		model.OrderLine{ItemID: b.ID, Title: "B", Quantity: 1, UnitPrice: b.Price})
	CancelOrder(ctx, database, second.ID, "changed mind")

	purchases, _ := ListOrdersByBuyer(ctx, database, buyer.ID)
	if len(purchases) != 2 {
		t.Errorf("expected 2 purchases, got %d", len(purchases))
	}
	sales, _ := ListOrdersBySeller(ctx, database, seller.ID)
	if len(sales) != 2 || len(sales[0].Items) != 1 {
		t.Errorf("expected 2 sales with lines, got %+v", sales)
	}
	open, _ := ListOpenSales(ctx, database, seller.ID)
	if len(open) != 1 || open[0].ID != first.ID {
		t.Errorf("expected only the first order open, got %+v", open)
	}
	byToken, _ := ListOrdersByCheckout(ctx, database, "tok-2")
	if len(byToken) != 1 || byToken[0].ID != second.ID {
		t.Errorf("expected checkout lookup to find second order, got %+v", byToken)
	}

	stale, _ := ListStalePendingOrders(ctx, database, time.Now().Add(time.Minute))
	if len(stale) != 1 || stale[0].ID != first.ID {
		t.Errorf("expected first order to be stale, got %+v", stale)
	}
	fresh, _ := ListStalePendingOrders(ctx, database, time.Now().Add(-time.Minute))
	if len(fresh) != 0 {
		t.Errorf("expected no stale orders before creation, got %d", len(fresh))
	}
}
