// Package escrow implements the pari-mutuel escrow engine: the state machine
// that opens two-sided markets, pools stakes into an escrow balance, settles
// a winner exactly once (extracting the house fee), and pays out individual
// claims from the final pool snapshot.
//
// Atomicity model: every operation runs under a distributed lock scoped to
// the entity it mutates (per-market for stake/settle, per-position for
// claim). Fund movement is delegated to the external ledger; when a ledger
// transfer fails, the engine rolls back any record it created first, so a
// failed operation is never observable as partial state.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/duelpool/duelpool/internal/domain"
)

const (
	// lockTTL bounds how long a crashed operation can hold an entity lock.
	lockTTL = 10 * time.Second

	// eventsChannel is the pub/sub channel and stream name for lifecycle
	// events.
	eventsChannel = "markets"
	eventsStream  = "stream:markets"
)

// Engine drives the Market and Position lifecycle against the injected
// stores, ledger, and lock manager.
type Engine struct {
	markets   domain.MarketStore
	positions domain.PositionStore
	ledger    domain.Ledger
	locks     domain.LockManager
	bus       domain.SignalBus
	audit     domain.AuditStore
	logger    *slog.Logger

	// now is the clock used for the stake deadline check. Overridable in
	// tests.
	now func() time.Time
}

// New creates an Engine with all required dependencies.
func New(
	markets domain.MarketStore,
	positions domain.PositionStore,
	ledger domain.Ledger,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		markets:   markets,
		positions: positions,
		ledger:    ledger,
		locks:     locks,
		bus:       bus,
		audit:     audit,
		logger:    logger.With(slog.String("component", "escrow")),
		now:       time.Now,
	}
}

// OpenMarket creates a new market with empty pools. The fee destination
// defaults to the authority when unspecified. The deadline is stored as
// given; it is only checked at stake time, so opening a market with a past
// deadline is allowed (it simply accepts no stakes).
func (e *Engine) OpenMarket(ctx context.Context, topic string, deadline time.Time, authority, feeDestination string) (domain.Market, error) {
	if topic == "" || len(topic) > domain.MaxTopicBytes {
		return domain.Market{}, fmt.Errorf("escrow: topic must be 1-%d bytes, got %d", domain.MaxTopicBytes, len(topic))
	}
	if authority == "" {
		return domain.Market{}, fmt.Errorf("escrow: authority must not be empty")
	}
	if feeDestination == "" {
		feeDestination = authority
	}

	now := e.now().UTC()
	m := domain.Market{
		ID:             uuid.New().String(),
		Topic:          topic,
		Authority:      authority,
		FeeDestination: feeDestination,
		Deadline:       deadline,
		Status:         domain.MarketStatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := e.markets.Create(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("escrow: create market %q: %w", topic, err)
	}

	e.publishEvent(ctx, "market_opened", map[string]any{
		"market_id": m.ID,
		"topic":     m.Topic,
		"deadline":  m.Deadline.Format(time.RFC3339),
	})
	e.auditLog(ctx, "market_opened", map[string]any{
		"market_id": m.ID,
		"topic":     m.Topic,
		"authority": m.Authority,
	})

	e.logger.InfoContext(ctx, "market opened",
		slog.String("market_id", m.ID),
		slog.String("topic", m.Topic),
	)
	return m, nil
}

// Stake moves amount from the owner's ledger balance into the market's
// pooled escrow balance and records a Position. The fund transfer and the
// pool increment form one unit: if the transfer fails nothing is recorded,
// and if the record cannot be completed after the transfer, the funds are
// returned.
func (e *Engine) Stake(ctx context.Context, topic, owner string, side domain.Side, amount uint64) (domain.Position, error) {
	if amount == 0 {
		return domain.Position{}, fmt.Errorf("escrow: stake amount must be positive: %w", domain.ErrInvalidStake)
	}
	if owner == "" {
		return domain.Position{}, fmt.Errorf("escrow: stake owner must not be empty: %w", domain.ErrInvalidStake)
	}

	m, err := e.markets.GetByTopic(ctx, topic)
	if err != nil {
		return domain.Position{}, fmt.Errorf("escrow: get market %q: %w", topic, err)
	}

	unlock, err := e.locks.Acquire(ctx, "market:"+m.ID, lockTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("escrow: lock market %s: %w", m.ID, err)
	}
	defer unlock()

	// Re-read under the lock so the status and pools are current.
	m, err = e.markets.GetByID(ctx, m.ID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("escrow: get market %s: %w", m.ID, err)
	}

	if m.Status != domain.MarketStatusOpen {
		return domain.Position{}, fmt.Errorf("escrow: market %q is settled: %w", topic, domain.ErrMarketClosed)
	}
	if !e.now().Before(m.Deadline) {
		return domain.Position{}, fmt.Errorf("escrow: market %q deadline passed: %w", topic, domain.ErrMarketClosed)
	}

	if _, err := e.positions.Get(ctx, m.ID, owner); err == nil {
		return domain.Position{}, fmt.Errorf("escrow: owner %q already staked on market %q: %w", owner, topic, domain.ErrDuplicateStake)
	} else if !isNotFound(err) {
		return domain.Position{}, fmt.Errorf("escrow: check existing stake: %w", err)
	}

	// Move funds first. A failed transfer leaves no trace.
	if err := e.ledger.Transfer(ctx, owner, m.EscrowAccount(), amount); err != nil {
		return domain.Position{}, fmt.Errorf("escrow: stake transfer: %w", err)
	}

	pos := domain.Position{
		MarketID:  m.ID,
		Owner:     owner,
		Side:      side,
		Amount:    amount,
		CreatedAt: e.now().UTC(),
	}
	if err := e.positions.Create(ctx, pos); err != nil {
		e.refund(ctx, m.EscrowAccount(), owner, amount, "stake record failed")
		return domain.Position{}, fmt.Errorf("escrow: create position: %w", err)
	}

	if err := e.markets.IncrementPool(ctx, m.ID, side, amount); err != nil {
		if delErr := e.positions.Delete(ctx, m.ID, owner); delErr != nil {
			e.logger.ErrorContext(ctx, "rollback position delete failed",
				slog.String("market_id", m.ID),
				slog.String("owner", owner),
				slog.String("error", delErr.Error()),
			)
		}
		e.refund(ctx, m.EscrowAccount(), owner, amount, "pool increment failed")
		return domain.Position{}, fmt.Errorf("escrow: increment pool: %w", err)
	}

	e.publishEvent(ctx, "stake_placed", map[string]any{
		"market_id": m.ID,
		"topic":     m.Topic,
		"owner":     owner,
		"side":      string(side),
		"amount":    amount,
	})
	e.auditLog(ctx, "stake_placed", map[string]any{
		"market_id": m.ID,
		"owner":     owner,
		"side":      string(side),
		"amount":    amount,
	})

	e.logger.InfoContext(ctx, "stake placed",
		slog.String("market_id", m.ID),
		slog.String("owner", owner),
		slog.String("side", string(side)),
		slog.Uint64("amount", amount),
	)
	return pos, nil
}

// Settle closes the market, fixes the winner, and extracts the house fee.
// Only the market authority may settle. When winnerOverride is nil the side
// with the strictly larger pool wins; on a tie SideB wins. That tie-break is
// a documented policy choice, as is the override itself: the authority can
// pick either side regardless of pool sizes, for manual resolution.
//
// Settle is deliberately not gated on the deadline; the authority may settle
// early or late.
func (e *Engine) Settle(ctx context.Context, topic, caller string, winnerOverride *domain.Side) (domain.Market, error) {
	m, err := e.markets.GetByTopic(ctx, topic)
	if err != nil {
		return domain.Market{}, fmt.Errorf("escrow: get market %q: %w", topic, err)
	}

	unlock, err := e.locks.Acquire(ctx, "market:"+m.ID, lockTTL)
	if err != nil {
		return domain.Market{}, fmt.Errorf("escrow: lock market %s: %w", m.ID, err)
	}
	defer unlock()

	m, err = e.markets.GetByID(ctx, m.ID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("escrow: get market %s: %w", m.ID, err)
	}

	if caller != m.Authority {
		return domain.Market{}, fmt.Errorf("escrow: caller %q is not market authority: %w", caller, domain.ErrNotAuthorized)
	}
	if m.Status != domain.MarketStatusOpen {
		return domain.Market{}, fmt.Errorf("escrow: market %q: %w", topic, domain.ErrAlreadySettled)
	}

	var winner domain.Side
	if winnerOverride != nil {
		winner = *winnerOverride
	} else if m.PoolA > m.PoolB {
		winner = domain.SideA
	} else {
		// Ties go to side B.
		winner = domain.SideB
	}

	fee := Fee(m.TotalPool())

	// Move the fee before persisting the transition; if persisting fails the
	// fee is returned to escrow so no partial settlement is observable.
	// Zero fees skip the transfer entirely.
	if fee > 0 {
		if err := e.ledger.Transfer(ctx, m.EscrowAccount(), m.FeeDestination, fee); err != nil {
			return domain.Market{}, fmt.Errorf("escrow: fee transfer: %w", err)
		}
	}

	settledAt := e.now().UTC()
	if err := e.markets.Settle(ctx, m.ID, winner, fee, settledAt); err != nil {
		if fee > 0 {
			e.refund(ctx, m.FeeDestination, m.EscrowAccount(), fee, "settle record failed")
		}
		return domain.Market{}, fmt.Errorf("escrow: settle market %s: %w", m.ID, err)
	}

	m.Status = domain.MarketStatusSettled
	m.Winner = &winner
	m.Fee = fee
	m.SettledAt = &settledAt

	e.publishEvent(ctx, "market_settled", map[string]any{
		"market_id": m.ID,
		"topic":     m.Topic,
		"winner":    string(winner),
		"fee":       fee,
		"pool_a":    m.PoolA,
		"pool_b":    m.PoolB,
	})
	e.auditLog(ctx, "market_settled", map[string]any{
		"market_id":  m.ID,
		"winner":     string(winner),
		"fee":        fee,
		"overridden": winnerOverride != nil,
	})

	e.logger.InfoContext(ctx, "market settled",
		slog.String("market_id", m.ID),
		slog.String("winner", string(winner)),
		slog.Uint64("fee", fee),
		slog.Bool("overridden", winnerOverride != nil),
	)
	return m, nil
}

// Claim pays the caller's reward from the settled pool snapshot and marks
// the position claimed. The claimed flag is flipped with a compare-and-set
// before the payout transfer; if the transfer fails the flag is reset so the
// position stays retryable, and only one of N concurrent claims can pass the
// compare-and-set.
func (e *Engine) Claim(ctx context.Context, topic, caller string) (uint64, error) {
	m, err := e.markets.GetByTopic(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("escrow: get market %q: %w", topic, err)
	}

	unlock, err := e.locks.Acquire(ctx, "claim:"+m.ID+":"+caller, lockTTL)
	if err != nil {
		return 0, fmt.Errorf("escrow: lock claim: %w", err)
	}
	defer unlock()

	if m.Status != domain.MarketStatusSettled {
		return 0, fmt.Errorf("escrow: market %q: %w", topic, domain.ErrNotSettled)
	}
	if m.Winner == nil {
		// Unreachable once settled; guarded anyway.
		return 0, fmt.Errorf("escrow: market %q: %w", topic, domain.ErrNoWinner)
	}

	pos, err := e.positions.Get(ctx, m.ID, caller)
	if err != nil {
		return 0, fmt.Errorf("escrow: get position: %w", err)
	}
	if pos.Claimed {
		return 0, fmt.Errorf("escrow: position %s/%s: %w", m.ID, caller, domain.ErrAlreadyClaimed)
	}
	if pos.Side != *m.Winner {
		return 0, fmt.Errorf("escrow: position %s/%s: %w", m.ID, caller, domain.ErrNotWinningSide)
	}

	reward, err := Reward(Distributable(m.TotalPool(), m.Fee), pos.Amount, m.Pool(*m.Winner))
	if err != nil {
		return 0, fmt.Errorf("escrow: compute reward: %w", err)
	}

	claimedAt := e.now().UTC()
	if err := e.positions.MarkClaimed(ctx, m.ID, caller, claimedAt); err != nil {
		return 0, fmt.Errorf("escrow: mark claimed: %w", err)
	}

	if err := e.ledger.Transfer(ctx, m.EscrowAccount(), caller, reward); err != nil {
		if resetErr := e.positions.ResetClaimed(ctx, m.ID, caller); resetErr != nil {
			e.logger.ErrorContext(ctx, "reset claimed flag failed after payout failure",
				slog.String("market_id", m.ID),
				slog.String("owner", caller),
				slog.String("error", resetErr.Error()),
			)
		}
		return 0, fmt.Errorf("escrow: payout transfer: %w", err)
	}

	e.publishEvent(ctx, "reward_claimed", map[string]any{
		"market_id": m.ID,
		"topic":     m.Topic,
		"owner":     caller,
		"reward":    reward,
	})
	e.auditLog(ctx, "reward_claimed", map[string]any{
		"market_id": m.ID,
		"owner":     caller,
		"reward":    reward,
	})

	e.logger.InfoContext(ctx, "reward claimed",
		slog.String("market_id", m.ID),
		slog.String("owner", caller),
		slog.Uint64("reward", reward),
	)
	return reward, nil
}

// refund returns funds after a mid-operation failure. Refund failures are
// logged loudly rather than returned; the original error matters more to the
// caller, and the audit trail records the stranded amount.
func (e *Engine) refund(ctx context.Context, from, to string, amount uint64, reason string) {
	if err := e.ledger.Transfer(ctx, from, to, amount); err != nil {
		e.logger.ErrorContext(ctx, "refund failed",
			slog.String("from", from),
			slog.String("to", to),
			slog.Uint64("amount", amount),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		e.auditLog(ctx, "refund_failed", map[string]any{
			"from":   from,
			"to":     to,
			"amount": amount,
			"reason": reason,
		})
	}
}

// publishEvent sends a JSON event to the pub/sub channel and appends it to
// the durable stream. Event delivery is best-effort; failures are logged and
// never fail the operation that produced them.
func (e *Engine) publishEvent(ctx context.Context, event string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	payload["event"] = event
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, eventsChannel, data); err != nil {
		e.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
	if err := e.bus.StreamAppend(ctx, eventsStream, data); err != nil {
		e.logger.WarnContext(ctx, "stream append failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// auditLog records an audit entry, logging on failure.
func (e *Engine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
