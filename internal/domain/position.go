package domain

import "time"

// Position records a single participant's stake in a market. At most one
// position exists per (market, owner) pair; the amount and side are fixed at
// creation. Claimed flips to true exactly once, after a successful reward
// redemption on the winning side.
type Position struct {
	MarketID  string
	Owner     string
	Side      Side
	Amount    uint64
	Claimed   bool
	ClaimedAt *time.Time
	CreatedAt time.Time
}
