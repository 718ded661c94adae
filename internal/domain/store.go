package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists markets. Create must enforce topic uniqueness and
// return ErrAlreadyExists on conflict. Markets are never deleted; settled
// markets are retained for claim resolution and audit.
type MarketStore interface {
	Create(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	GetByTopic(ctx context.Context, topic string) (Market, error)
	// IncrementPool adds amount to the side's pool counter. The caller must
	// hold the market lock so concurrent read-modify-write never races.
	IncrementPool(ctx context.Context, id string, side Side, amount uint64) error
	// Settle transitions the market to settled, fixing winner and fee. It
	// must fail with ErrAlreadySettled if the market is not open.
	Settle(ctx context.Context, id string, winner Side, fee uint64, settledAt time.Time) error
	List(ctx context.Context, status MarketStatus, opts ListOpts) ([]Market, error)
	// ListSettledBefore returns settled markets whose settlement time is
	// strictly before the cutoff. Used by the archiver.
	ListSettledBefore(ctx context.Context, before time.Time) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// PositionStore persists positions keyed by (market, owner). Create must
// return ErrAlreadyExists when a position for the pair already exists.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Get(ctx context.Context, marketID, owner string) (Position, error)
	// MarkClaimed is a compare-and-set: it flips claimed from false to true
	// and returns ErrAlreadyClaimed if the flag was already set. Exactly one
	// of N concurrent calls for the same position may succeed.
	MarkClaimed(ctx context.Context, marketID, owner string, claimedAt time.Time) error
	// ResetClaimed clears the claimed flag. Used to roll back a claim whose
	// payout transfer failed, so the position stays retryable.
	ResetClaimed(ctx context.Context, marketID, owner string) error
	// Delete removes a position. Used to roll back a stake whose record
	// could not be completed after funds moved.
	Delete(ctx context.Context, marketID, owner string) error
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Position, error)
	ListByOwner(ctx context.Context, owner string, opts ListOpts) ([]Position, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
