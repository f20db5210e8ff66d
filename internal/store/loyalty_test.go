package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/erazemk/sejem/internal/apperr"
	"github.com/erazemk/sejem/internal/db"
	"github.com/erazemk/sejem/internal/model"
)

func TestCreditPointsIdempotentPerOrderRole(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	seller := seedUser(t, database, "seller")
	buyer := seedUser(t, database, "buyer")
	item := seedItem(t, database, seller.ID, "Lamp", "9")
	o := createTestOrder(t, database, buyer.ID, seller.ID, "tok",
		model.OrderLine{ItemID: item.ID, Title: "Lamp", Quantity: 1, UnitPrice: item.Price})

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := CreditPoints(ctx, database, seller.ID, 10, model.LoyaltyEarned, "sale", &o.ID, model.OrderRoleSeller)
			if err != nil {
				t.Errorf("CreditPoints: %v", err)
				return
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("expected exactly one credit applied, got %d", applied)
	}

	// A different role on the same order is a separate credit.
	ok, err := CreditPoints(ctx, database, buyer.ID, 5, model.LoyaltyEarned, "purchase", &o.ID, model.OrderRoleBuyer)
	if err != nil || !ok {
		t.Fatalf("buyer credit: %v %v", ok, err)
	}

	acct, _ := GetLoyaltyAccount(ctx, database, seller.ID)
	if acct.AvailablePoints != 10 || acct.TotalPoints != 10 || acct.LifetimeEarned != 10 {
		t.Errorf("unexpected seller account %+v", acct)
	}
	if err := ReconcileLoyalty(ctx, database, seller.ID); err != nil {
		t.Errorf("ReconcileLoyalty: %v", err)
	}
}

func TestCreditPointsValidation(t *testing.T) {
	database := db.NewTestDB(t)
	user := seedUser(t, database, "u")

	_, err := CreditPoints(context.Background(), database, user.ID, 0, model.LoyaltyEarned, "x", nil, "")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation for zero amount, got %v", err)
	}
	_, err = CreditPoints(context.Background(), database, user.ID, 5, model.LoyaltySpent, "x", nil, "")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation for spent credit, got %v", err)
	}
}

func TestDebitPoints(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	user := seedUser(t, database, "u")

	if err := DebitPoints(ctx, database, user.ID, 1, "nothing yet"); !errors.Is(err, apperr.ErrInsufficientPoints) {
		t.Fatalf("expected insufficient points on empty account, got %v", err)
	}

	if _, err := CreditPoints(ctx, database, user.ID, 120, model.LoyaltyBonus, "welcome", nil, ""); err != nil {
		t.Fatalf("CreditPoints: %v", err)
	}
	err := WithTx(ctx, database, func(tx *sql.Tx) error {
		return DebitPoints(ctx, tx, user.ID, 100, "voucher")
	})
	if err != nil {
		t.Fatalf("DebitPoints: %v", err)
	}
	if err := DebitPoints(ctx, database, user.ID, 21, "voucher"); !errors.Is(err, apperr.ErrInsufficientPoints) {
		t.Fatalf("expected insufficient points, got %v", err)
	}

	acct, _ := GetLoyaltyAccount(ctx, database, user.ID)
	if acct.AvailablePoints != 20 || acct.LifetimeSpent != 100 {
		t.Errorf("unexpected account %+v", acct)
	}
	// Spending never lowers the tier.
	if acct.TotalPoints != 120 || acct.Tier != model.TierSilver {
		t.Errorf("expected 120 total points at Silver, got %d %s", acct.TotalPoints, acct.Tier)
	}

	txs, err := ListLoyaltyTransactions(ctx, database, user.ID, 10)
	if err != nil {
		t.Fatalf("ListLoyaltyTransactions: %v", err)
	}
	if len(txs) != 2 || txs[0].Type != model.LoyaltySpent {
		t.Errorf("expected newest-first spent then bonus, got %+v", txs)
	}
	var sum int64
	for _, tx := range txs {
		sum += tx.Signed()
	}
	if sum != acct.AvailablePoints {
		t.Errorf("log sum %d != available %d", sum, acct.AvailablePoints)
	}

	if err := ReconcileLoyalty(ctx, database, user.ID); err != nil {
		t.Errorf("ReconcileLoyalty: %v", err)
	}
}

func TestDebitPointsRollsBackWithCallerTx(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	user := seedUser(t, database, "u")

	if _, err := CreditPoints(ctx, database, user.ID, 50, model.LoyaltyBonus, "welcome", nil, ""); err != nil {
		t.Fatalf("CreditPoints: %v", err)
	}

	abort := errors.New("redemption aborted")
	err := WithTx(ctx, database, func(tx *sql.Tx) error {
		if err := DebitPoints(ctx, tx, user.ID, 30, "voucher"); err != nil {
			return err
		}
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort error, got %v", err)
	}

	acct, _ := GetLoyaltyAccount(ctx, database, user.ID)
	if acct.AvailablePoints != 50 || acct.LifetimeSpent != 0 {
		t.Errorf("expected debit rolled back, got %+v", acct)
	}
	txs, _ := ListLoyaltyTransactions(ctx, database, user.ID, 10)
	if len(txs) != 1 {
		t.Errorf("expected only the bonus entry, got %d", len(txs))
	}
	if err := ReconcileLoyalty(ctx, database, user.ID); err != nil {
		t.Errorf("ReconcileLoyalty: %v", err)
	}
}

func TestReconcileLoyaltyDetectsDrift(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	user := seedUser(t, database, "u")

	if _, err := CreditPoints(ctx, database, user.ID, 10, model.LoyaltyBonus, "welcome", nil, ""); err != nil {
		t.Fatalf("CreditPoints: %v", err)
	}
	if _, err := database.Exec(`UPDATE loyalty_accounts SET available_points = 99 WHERE user_id = ?`, user.ID); err != nil {
		t.Fatal(err)
	}

	if err := ReconcileLoyalty(ctx, database, user.ID); !errors.Is(err, ErrLedgerImbalance) {
		t.Errorf("expected imbalance, got %v", err)
	}
}

func TestGetLoyaltyAccountEmpty(t *testing.T) {
	database := db.NewTestDB(t)
	user := seedUser(t, database, "u")

	acct, err := GetLoyaltyAccount(context.Background(), database, user.ID)
	if err != nil {
		t.Fatalf("GetLoyaltyAccount: %v", err)
	}
	if acct.AvailablePoints != 0 || acct.Tier != model.TierBronze {
		t.Errorf("expected empty Bronze account, got %+v", acct)
	}
}

var _ DBTX = (*sql.Tx)(nil)
