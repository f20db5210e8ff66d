package model

import "time"

// LoyaltyAccount is the derived balance of a user's loyalty ledger.
type LoyaltyAccount struct {
	UserID          int64     `json:"userId"`
	TotalPoints     int64     `json:"totalPoints"`
	AvailablePoints int64     `json:"availablePoints"`
	LifetimeEarned  int64     `json:"lifetimeEarned"`
	LifetimeSpent   int64     `json:"lifetimeSpent"`
	Tier            string    `json:"tier"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// LoyaltyTransaction is one append-only ledger entry.
type LoyaltyTransaction struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	Type      string    `json:"type"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	OrderID   *int64    `json:"orderId,omitempty"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Signed returns the amount as it contributes to the available balance.
func (t LoyaltyTransaction) Signed() int64 {
	if t.Type == LoyaltySpent {
		return -t.Amount
	}
	return t.Amount
}

// Loyalty transaction types.
const (
	LoyaltyEarned = "earned"
	LoyaltySpent  = "spent"
	LoyaltyBonus  = "bonus"
)

// Roles a user plays in an order, for per-order credit idempotency.
const (
	OrderRoleBuyer  = "buyer"
	OrderRoleSeller = "seller"
)

// Loyalty tiers.
const (
	TierBronze   = "Bronze"
	TierSilver   = "Silver"
	TierGold     = "Gold"
	TierPlatinum = "Platinum"
)

// TierFor derives the tier from total points.
func TierFor(totalPoints int64) string {
	switch {
	case totalPoints >= 1000:
		return TierPlatinum
	case totalPoints >= 500:
		return TierGold
	case totalPoints >= 100:
		return TierSilver
	default:
		return TierBronze
	}
}
