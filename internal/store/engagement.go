package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/erazemk/sejem/internal/apperr"
)

// IncrementViews bumps an item's view counter in a single statement.
func IncrementViews(ctx context.Context, db DBTX, id int64) error {
	result, err := db.ExecContext(ctx,
		`UPDATE items SET view_count = view_count + 1 WHERE id = ? AND deleted_at IS NULL`, id,
	)
	if err != nil {
		return fmt.Errorf("incrementing views: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperr.NotFound("item")
	}
	return nil
}

// ToggleFavorite adds the item to the user's favorites, or removes it if it
// was already there. It returns the new membership and favorite count.
func ToggleFavorite(ctx context.Context, db *sql.DB, userID, itemID int64) (bool, int64, error) {
	var favorited bool
	var count int64

	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM item_favorites WHERE item_id = ? AND user_id = ?`, itemID, userID,
		)
		if err != nil {
			return fmt.Errorf("removing favorite: %w", err)
		}

		if n, _ := result.RowsAffected(); n == 0 {
			result, err = tx.ExecContext(ctx,
				`INSERT INTO item_favorites (item_id, user_id)
				 SELECT id, ? FROM items WHERE id = ? AND deleted_at IS NULL`,
				userID, itemID,
			)
			if err != nil {
				return fmt.Errorf("adding favorite: %w", err)
			}
			if n, _ := result.RowsAffected(); n == 0 {
				return apperr.NotFound("item")
			}
			favorited = true
		}

		return tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM item_favorites WHERE item_id = ?`, itemID,
		).Scan(&count)
	})
	if err != nil {
		return false, 0, err
	}
	return favorited, count, nil
}

// IsFavorite reports whether the user has favorited the item.
func IsFavorite(ctx context.Context, db DBTX, userID, itemID int64) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM item_favorites WHERE item_id = ? AND user_id = ?`, itemID, userID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking favorite: %w", err)
	}
	return count > 0, nil
}
