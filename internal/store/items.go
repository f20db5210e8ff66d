package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/erazemk/sejem/internal/apperr"
	"github.com/erazemk/sejem/internal/model"
)

const itemColumns = `i.id, i.owner_id, i.title, i.description, i.price, i.status, i.reservation,
	i.view_count, (SELECT COUNT(*) FROM item_favorites f WHERE f.item_id = i.id),
	i.image_mime, i.created_at, i.updated_at, i.deleted_at`

func scanItem(row rowScanner) (*model.Item, error) {
	item := &model.Item{}
	var description, reservation, imageMime sql.NullString
	err := row.Scan(&item.ID, &item.OwnerID, &item.Title, &description, &item.Price, &item.Status, &reservation,
		&item.ViewCount, &item.FavoriteCount, &imageMime, &item.CreatedAt, &item.UpdatedAt, &item.DeletedAt)
	if err != nil {
		return nil, err
	}
	item.Description = description.String
	item.Reservation = reservation.String
	item.ImageMime = imageMime.String
	return item, nil
}

// ValidateListing checks the user-editable fields of a listing.
func ValidateListing(title string, price decimal.Decimal) error {
	if strings.TrimSpace(title) == "" {
		return apperr.Validation("title", "title is required")
	}
	if !price.IsPositive() {
		return apperr.Validation("price", "price must be positive")
	}
	return nil
}

// CreateItem lists a new item for sale.
func CreateItem(ctx context.Context, db DBTX, ownerID int64, title, description string, price decimal.Decimal) (*model.Item, error) {
	if err := ValidateListing(title, price); err != nil {
		return nil, err
	}

	result, err := db.ExecContext(ctx,
		`INSERT INTO items (owner_id, title, description, price) VALUES (?, ?, ?, ?)`,
		ownerID, strings.TrimSpace(title), description, price.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting item id: %w", err)
	}

	return GetItem(ctx, db, id)
}

// GetItem returns an item by ID, including soft-deleted ones.
func GetItem(ctx context.Context, db DBTX, id int64) (*model.Item, error) {
	item, err := scanItem(db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items i WHERE i.id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	return item, nil
}

// ListItems returns all non-deleted items, optionally filtered by status.
func ListItems(ctx context.Context, db DBTX, status string) ([]model.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items i WHERE i.deleted_at IS NULL`
	var args []any
	if status != "" {
		query += ` AND i.status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY i.created_at DESC, i.id DESC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// ListItemsByOwner returns a seller's non-deleted listings.
func ListItemsByOwner(ctx context.Context, db DBTX, ownerID int64) ([]model.Item, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items i
		 WHERE i.owner_id = ? AND i.deleted_at IS NULL
		 ORDER BY i.created_at DESC, i.id DESC`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing owner items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

func scanItems(rows *sql.Rows) ([]model.Item, error) {
	var items []model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// UpdateItem edits a listing. Only the owner may edit, and never once sold.
// Existing orders keep the price they were created with.
func UpdateItem(ctx context.Context, db DBTX, ownerID, id int64, title, description string, price decimal.Decimal) (*model.Item, error) {
	if err := ValidateListing(title, price); err != nil {
		return nil, err
	}

	result, err := db.ExecContext(ctx,
		`UPDATE items SET title = ?, description = ?, price = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND owner_id = ? AND deleted_at IS NULL AND status != 'sold'`,
		strings.TrimSpace(title), description, price.String(), id, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating item: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, explainOwnerWrite(ctx, db, ownerID, id, "sold items cannot be edited")
	}

	return GetItem(ctx, db, id)
}

// DeleteItem soft-deletes a listing. Items held by an order cannot be deleted.
func DeleteItem(ctx context.Context, db DBTX, ownerID, id int64) error {
	result, err := db.ExecContext(ctx,
		`UPDATE items SET deleted_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND owner_id = ? AND deleted_at IS NULL AND status = 'active'`,
		id, ownerID,
	)
	if err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return explainOwnerWrite(ctx, db, ownerID, id, "item is referenced by an order")
	}
	return nil
}

// explainOwnerWrite turns a zero-row owner write into a domain error.
func explainOwnerWrite(ctx context.Context, db DBTX, ownerID, id int64, statusMsg string) error {
	item, err := GetItem(ctx, db, id)
	if err != nil {
		return err
	}
	switch {
	case item == nil || item.DeletedAt != nil:
		return apperr.NotFound("item")
	case item.OwnerID != ownerID:
		return apperr.New(apperr.CodeForbidden, "only the seller can change this item")
	default:
		return apperr.New(apperr.CodeInvalidOperation, statusMsg)
	}
}

// ReserveItem moves an item from active to pending under the given checkout
// token. The swap is one conditional statement, so of two concurrent
// callers at most one gets the row back. The returned item carries the
// price at the moment of reservation.
func ReserveItem(ctx context.Context, db DBTX, id int64, token string) (*model.Item, error) {
	item := &model.Item{}
	err := db.QueryRowContext(ctx,
		`UPDATE items SET status = 'pending', reservation = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'active' AND deleted_at IS NULL
		 RETURNING id, owner_id, title, price, status`,
		token, id,
	).Scan(&item.ID, &item.OwnerID, &item.Title, &item.Price, &item.Status)
	if errors.Is(err, sql.ErrNoRows) {
		existing, gerr := GetItem(ctx, db, id)
		if gerr != nil {
			return nil, gerr
		}
		if existing == nil || existing.DeletedAt != nil {
			return nil, apperr.NotFound("item")
		}
		return nil, apperr.Conflict(id, fmt.Sprintf("item %q is no longer available", existing.Title))
	}
	if err != nil {
		return nil, fmt.Errorf("reserving item %d: %w", id, err)
	}
	item.Reservation = token
	return item, nil
}

// ReleaseItem returns a pending item to active if it is still held by token.
// It reports whether the item was released.
func ReleaseItem(ctx context.Context, db DBTX, id int64, token string) (bool, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE items SET status = 'active', reservation = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending' AND reservation = ?`,
		id, token,
	)
	if err != nil {
		return false, fmt.Errorf("releasing item %d: %w", id, err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// SellItem moves a pending item held by token to sold.
func SellItem(ctx context.Context, db DBTX, id int64, token string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE items SET status = 'sold', reservation = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending' AND reservation = ?`,
		id, token,
	)
	if err != nil {
		return fmt.Errorf("selling item %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperr.Conflict(id, fmt.Sprintf("item %d is not reserved by this order", id))
	}
	return nil
}

// SetItemImage sets an item's photo.
func SetItemImage(ctx context.Context, db DBTX, ownerID, id int64, image []byte, mime string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE items SET image = ?, image_mime = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND owner_id = ? AND deleted_at IS NULL`,
		image, mime, id, ownerID,
	)
	if err != nil {
		return fmt.Errorf("setting item image: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return explainOwnerWrite(ctx, db, ownerID, id, "item cannot be changed")
	}
	return nil
}

// GetItemImage returns an item's image data and MIME type.
func GetItemImage(ctx context.Context, db DBTX, id int64) ([]byte, string, error) {
	var image []byte
	var mime sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT image, image_mime FROM items WHERE id = ? AND deleted_at IS NULL`, id,
	).Scan(&image, &mime)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("getting item image: %w", err)
	}
	return image, mime.String, nil
}

// ReleaseStrandedItems returns to active every pending item whose checkout
// token belongs to no pending order and that was reserved before the
// cutoff. Such items are left behind when a checkout dies between
// reserving and recording its orders.
func ReleaseStrandedItems(ctx context.Context, db DBTX, before time.Time) (int64, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE items SET status = 'active', reservation = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE status = 'pending' AND updated_at < ?
		   AND reservation NOT IN (SELECT checkout_token FROM orders WHERE status = 'pending')`,
		before.UTC().Format(time.DateTime),
	)
	if err != nil {
		return 0, fmt.Errorf("releasing stranded items: %w", err)
	}
	return result.RowsAffected()
}
