package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Cart is a buyer's selection of items prior to checkout.
type Cart struct {
	UserID    int64           `json:"userId"`
	Items     []CartEntry     `json:"items"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// CartEntry references an item in a cart. Title, price and seller are read
// live from the item and are for display only.
type CartEntry struct {
	ItemID   int64           `json:"itemId"`
	Quantity int             `json:"quantity"`
	AddedAt  time.Time       `json:"addedAt"`
	Title    string          `json:"title"`
	Price    decimal.Decimal `json:"price"`
	SellerID int64           `json:"sellerId"`
}
