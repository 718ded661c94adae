package domain

import (
	"fmt"
	"time"
)

// MarketStatus represents the lifecycle state of a market. The state machine
// is one-way: Open -> Settled. There is no cancellation or reopening path.
type MarketStatus string

const (
	MarketStatusOpen    MarketStatus = "open"
	MarketStatusSettled MarketStatus = "settled"
)

// Side identifies one of the two competing outcomes of a market.
type Side string

const (
	SideA Side = "a"
	SideB Side = "b"
)

// ParseSide converts a wire-level string into a Side.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideA:
		return SideA, nil
	case SideB:
		return SideB, nil
	default:
		return "", fmt.Errorf("invalid side %q (valid: %q, %q)", s, SideA, SideB)
	}
}

// MaxTopicBytes bounds the length of a market topic in bytes.
const MaxTopicBytes = 50

// Market is a two-sided pari-mutuel market. PoolA and PoolB are accounting
// counters over a single pooled escrow balance held by the external ledger;
// they only grow while the market is open and are frozen at settlement.
//
// Fee is zero while the market is open. It is computed exactly once during
// settlement and persisted so claim-time payout math never recomputes it.
type Market struct {
	ID             string
	Topic          string
	Authority      string
	FeeDestination string
	Deadline       time.Time
	PoolA          uint64
	PoolB          uint64
	Status         MarketStatus
	Winner         *Side
	Fee            uint64
	SettledAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TotalPool returns the combined size of both sub-pools.
func (m Market) TotalPool() uint64 {
	return m.PoolA + m.PoolB
}

// Pool returns the sub-pool counter for the given side.
func (m Market) Pool(side Side) uint64 {
	if side == SideA {
		return m.PoolA
	}
	return m.PoolB
}

// EscrowAccount returns the ledger account reference holding the market's
// pooled balance.
func (m Market) EscrowAccount() string {
	return "escrow:" + m.ID
}
