package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/erazemk/sejem/internal/apperr"
	"github.com/erazemk/sejem/internal/model"
)

// MaxCartQuantity caps the quantity of a single cart entry.
const MaxCartQuantity = 99

// touchCart creates the cart if needed and bumps its updated_at marker.
func touchCart(ctx context.Context, tx DBTX, userID int64) error {
	ts := now()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO carts (user_id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET updated_at = excluded.updated_at`,
		userID, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("touching cart: %w", err)
	}
	return nil
}

// AddToCart adds quantity of an item to the user's cart, creating the cart on
// first use. The item must be active and not owned by the user; both are
// checked by the insert itself, not by an earlier read.
func AddToCart(ctx context.Context, db *sql.DB, userID, itemID int64, quantity int) error {
	if quantity <= 0 {
		return apperr.Validation("quantity", "quantity must be positive")
	}
	if quantity > MaxCartQuantity {
		return apperr.Validation("quantity", fmt.Sprintf("quantity cannot exceed %d", MaxCartQuantity))
	}

	return WithTx(ctx, db, func(tx *sql.Tx) error {
		if err := touchCart(ctx, tx, userID); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx,
			`INSERT INTO cart_items (user_id, item_id, quantity, added_at)
			 SELECT ?, id, ?, ? FROM items
			 WHERE id = ? AND status = 'active' AND deleted_at IS NULL AND owner_id != ?
			 ON CONFLICT (user_id, item_id) DO UPDATE SET quantity = MIN(quantity + excluded.quantity, ?)`,
			userID, quantity, now(), itemID, userID, MaxCartQuantity,
		)
		if err != nil {
			return fmt.Errorf("adding cart item: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return explainCartWrite(ctx, tx, userID, itemID)
		}
		return nil
	})
}

// explainCartWrite turns a rejected cart write into a domain error.
func explainCartWrite(ctx context.Context, db DBTX, userID, itemID int64) error {
	item, err := GetItem(ctx, db, itemID)
	if err != nil {
		return err
	}
	switch {
	case item == nil || item.DeletedAt != nil:
		return apperr.NotFound("item")
	case item.OwnerID == userID:
		return apperr.New(apperr.CodeInvalidOperation, "you cannot add your own item to the cart")
	default:
		return apperr.Conflict(itemID, fmt.Sprintf("item %q is no longer available", item.Title))
	}
}

// UpdateCartQuantity sets the quantity of a cart entry. A non-positive
// quantity removes the entry.
func UpdateCartQuantity(ctx context.Context, db *sql.DB, userID, itemID int64, quantity int) error {
	if quantity <= 0 {
		return RemoveFromCart(ctx, db, userID, itemID)
	}
	if quantity > MaxCartQuantity {
		return apperr.Validation("quantity", fmt.Sprintf("quantity cannot exceed %d", MaxCartQuantity))
	}

	return WithTx(ctx, db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE cart_items SET quantity = ?
			 WHERE user_id = ? AND item_id = ?
			   AND EXISTS (SELECT 1 FROM items WHERE id = ? AND status = 'active' AND deleted_at IS NULL)`,
			quantity, userID, itemID, itemID,
		)
		if err != nil {
			return fmt.Errorf("updating cart item: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			var present int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM cart_items WHERE user_id = ? AND item_id = ?`, userID, itemID,
			).Scan(&present); err != nil {
				return fmt.Errorf("checking cart item: %w", err)
			}
			if present == 0 {
				return apperr.NotFound("cart item")
			}
			return explainCartWrite(ctx, tx, userID, itemID)
		}
		return touchCart(ctx, tx, userID)
	})
}

// RemoveFromCart deletes one entry from the user's cart.
func RemoveFromCart(ctx context.Context, db *sql.DB, userID, itemID int64) error {
	return WithTx(ctx, db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM cart_items WHERE user_id = ? AND item_id = ?`, userID, itemID,
		)
		if err != nil {
			return fmt.Errorf("removing cart item: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return apperr.NotFound("cart item")
		}
		return touchCart(ctx, tx, userID)
	})
}

// ClearCart removes every entry from the user's cart.
func ClearCart(ctx context.Context, db *sql.DB, userID int64) error {
	return WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cart_items WHERE user_id = ?`, userID,
		); err != nil {
			return fmt.Errorf("clearing cart: %w", err)
		}
		return touchCart(ctx, tx, userID)
	})
}

// ViewCart returns the user's cart. Entries whose item is no longer active
// are deleted before reading, so the result only lists purchasable items.
func ViewCart(ctx context.Context, db *sql.DB, userID int64) (*model.Cart, error) {
	cart := &model.Cart{UserID: userID, Items: []model.CartEntry{}, Subtotal: decimal.Zero}

	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM cart_items
			 WHERE user_id = ? AND item_id IN (
			     SELECT id FROM items WHERE status != 'active' OR deleted_at IS NOT NULL
			 )`, userID,
		)
		if err != nil {
			return fmt.Errorf("pruning cart: %w", err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			if err := touchCart(ctx, tx, userID); err != nil {
				return err
			}
		}

		err = tx.QueryRowContext(ctx,
			`SELECT updated_at FROM carts WHERE user_id = ?`, userID,
		).Scan(&cart.UpdatedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("getting cart: %w", err)
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT ci.item_id, ci.quantity, ci.added_at, i.title, i.price, i.owner_id
			 FROM cart_items ci
			 JOIN items i ON i.id = ci.item_id
			 WHERE ci.user_id = ?
			 ORDER BY ci.added_at, ci.item_id`, userID,
		)
		if err != nil {
			return fmt.Errorf("listing cart items: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var e model.CartEntry
			if err := rows.Scan(&e.ItemID, &e.Quantity, &e.AddedAt, &e.Title, &e.Price, &e.SellerID); err != nil {
				return fmt.Errorf("scanning cart item: %w", err)
			}
			cart.Items = append(cart.Items, e)
			cart.Subtotal = cart.Subtotal.Add(e.Price.Mul(decimal.NewFromInt(int64(e.Quantity))))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return cart, nil
}
