package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/erazemk/sejem/internal/model"
)

func seedUser(t *testing.T, database *sql.DB, username string) *model.User {
	t.Helper()
	u, err := CreateUser(context.Background(), database, username, "hash", model.RoleUser)
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
	return u
}

func seedItem(t *testing.T, database *sql.DB, ownerID int64, title, price string) *model.Item {
	t.Helper()
	item, err := CreateItem(context.Background(), database, ownerID, title, "", decimal.RequireFromString(price))
	if err != nil {
		t.Fatalf("CreateItem(%s): %v", title, err)
	}
	return item
}

// sellItem takes an active item through reservation to sold.
func sellItem(t *testing.T, database *sql.DB, id int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := ReserveItem(ctx, database, id, "sold-in-test"); err != nil {
		t.Fatalf("ReserveItem(%d): %v", id, err)
	}
	if err := SellItem(ctx, database, id, "sold-in-test"); err != nil {
		t.Fatalf("SellItem(%d): %v", id, err)
	}
}
