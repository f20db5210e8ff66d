package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/erazemk/sejem/internal/apperr"
	"github.com/erazemk/sejem/internal/model"
)

// ErrLedgerImbalance is returned by ReconcileLoyalty when an account's
// balances do not match its transaction log.
var ErrLedgerImbalance = errors.New("loyalty ledger out of balance")

// CreditPoints appends an earned or bonus entry and raises the account
// balances. A credit tied to an order is applied at most once per role: a
// repeated credit for the same order and role is a no-op and reports false.
func CreditPoints(ctx context.Context, db DBTX, userID, amount int64, kind, reason string, orderID *int64, role string) (bool, error) {
	if amount <= 0 {
		return false, apperr.Validation("amount", "points must be positive")
	}
	if kind != model.LoyaltyEarned && kind != model.LoyaltyBonus {
		return false, apperr.Validation("type", fmt.Sprintf("invalid credit type %q", kind))
	}

	ts := now()
	result, err := db.ExecContext(ctx,
		`INSERT INTO loyalty_transactions (user_id, type, amount, reason, order_id, role, created_at)
		 VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?)
		 ON CONFLICT DO NOTHING`,
		userID, kind, amount, reason, orderID, role, ts,
	)
	if err != nil {
		return false, fmt.Errorf("recording loyalty credit: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return false, nil
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO loyalty_accounts (user_id, total_points, available_points, lifetime_earned, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		     total_points = total_points + excluded.total_points,
		     available_points = available_points + excluded.available_points,
		     lifetime_earned = lifetime_earned + excluded.lifetime_earned,
		     updated_at = excluded.updated_at`,
		userID, amount, amount, amount, ts,
	)
	if err != nil {
		return false, fmt.Errorf("crediting loyalty account: %w", err)
	}
	return true, nil
}

// DebitPoints spends points from the available balance. The balance check
// and the decrement are one statement, so the balance never goes negative.
// The account update and the ledger row must commit together; callers pass
// the transaction they run in.
func DebitPoints(ctx context.Context, db DBTX, userID, amount int64, reason string) error {
	if amount <= 0 {
		return apperr.Validation("amount", "points must be positive")
	}

	ts := now()
	result, err := db.ExecContext(ctx,
		`UPDATE loyalty_accounts
		 SET available_points = available_points - ?, lifetime_spent = lifetime_spent + ?, updated_at = ?
		 WHERE user_id = ? AND available_points >= ?`,
		amount, amount, ts, userID, amount,
	)
	if err != nil {
		return fmt.Errorf("debiting loyalty account: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperr.New(apperr.CodeInsufficientPoints,
			fmt.Sprintf("not enough points to spend %d", amount))
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO loyalty_transactions (user_id, type, amount, reason, created_at) VALUES (?, 'spent', ?, ?, ?)`,
		userID, amount, reason, ts,
	); err != nil {
		return fmt.Errorf("recording loyalty debit: %w", err)
	}
	return nil
}

// GetLoyaltyAccount returns the user's balances. Users who never earned
// points get a zero Bronze account.
func GetLoyaltyAccount(ctx context.Context, db DBTX, userID int64) (*model.LoyaltyAccount, error) {
	a := &model.LoyaltyAccount{UserID: userID}
	err := db.QueryRowContext(ctx,
		`SELECT total_points, available_points, lifetime_earned, lifetime_spent, updated_at
		 FROM loyalty_accounts WHERE user_id = ?`, userID,
	).Scan(&a.TotalPoints, &a.AvailablePoints, &a.LifetimeEarned, &a.LifetimeSpent, &a.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting loyalty account: %w", err)
	}
	a.Tier = model.TierFor(a.TotalPoints)
	return a, nil
}

// ListLoyaltyTransactions returns the user's most recent ledger entries.
func ListLoyaltyTransactions(ctx context.Context, db DBTX, userID int64, limit int) ([]model.LoyaltyTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, user_id, type, amount, reason, order_id, role, created_at
		 FROM loyalty_transactions WHERE user_id = ?
		 ORDER BY id DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing loyalty transactions: %w", err)
	}
	defer rows.Close()

	txs := []model.LoyaltyTransaction{}
	for rows.Next() {
		var t model.LoyaltyTransaction
		var role sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Reason, &t.OrderID, &role, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning loyalty transaction: %w", err)
		}
		t.Role = role.String
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// ReconcileLoyalty checks that the account balances equal the totals of the
// user's transaction log.
func ReconcileLoyalty(ctx context.Context, db DBTX, userID int64) error {
	var earned, spent int64
	err := db.QueryRowContext(ctx,
		`SELECT
		     COALESCE(SUM(CASE WHEN type IN ('earned', 'bonus') THEN amount END), 0),
		     COALESCE(SUM(CASE WHEN type = 'spent' THEN amount END), 0)
		 FROM loyalty_transactions WHERE user_id = ?`, userID,
	).Scan(&earned, &spent)
	if err != nil {
		return fmt.Errorf("summing loyalty transactions: %w", err)
	}

	a, err := GetLoyaltyAccount(ctx, db, userID)
	if err != nil {
		return err
	}

	if a.LifetimeEarned != earned || a.LifetimeSpent != spent ||
		a.TotalPoints != earned || a.AvailablePoints != earned-spent {
		return fmt.Errorf("user %d: account %d/%d available %d, log %d/%d: %w",
			userID, a.LifetimeEarned, a.LifetimeSpent, a.AvailablePoints, earned, spent, ErrLedgerImbalance)
	}
	return nil
}
