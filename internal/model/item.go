package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item is a single listing offered for sale.
type Item struct {
	ID            int64           `json:"id"`
	OwnerID       int64           `json:"ownerId"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	Price         decimal.Decimal `json:"price"`
	Status        string          `json:"status"`
	ViewCount     int64           `json:"viewCount"`
	FavoriteCount int64           `json:"favoriteCount"`
	ImageMime     string          `json:"imageMime,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	DeletedAt     *time.Time      `json:"deletedAt,omitempty"`

	// Reservation is the checkout token holding the item while pending.
	Reservation string `json:"-"`
}

// Item statuses. An item moves active -> pending -> sold, or active -> sold
// directly; pending -> active releases a reservation. Sold is terminal.
const (
	ItemStatusActive  = "active"
	ItemStatusPending = "pending"
	ItemStatusSold    = "sold"
)

// Purchasable reports whether the item can be added to a cart or reserved.
func (i *Item) Purchasable() bool {
	return i.Status == ItemStatusActive && i.DeletedAt == nil
}
