package escrow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/duelpool/duelpool/internal/domain"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type memMarketStore struct {
	mu      sync.Mutex
	byID    map[string]*domain.Market
	byTopic map[string]string
}

func newMemMarketStore() *memMarketStore {
	return &memMarketStore{
		byID:    make(map[string]*domain.Market),
		byTopic: make(map[string]string),
	}
}

func (s *memMarketStore) Create(_ context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byTopic[m.Topic]; ok {
		return domain.ErrAlreadyExists
	}
	cp := m
	s.byID[m.ID] = &cp
	s.byTopic[m.Topic] = m.ID
	return nil
}

func (s *memMarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return *m, nil
}

func (s *memMarketStore) GetByTopic(_ context.Context, topic string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byTopic[topic]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return *s.byID[id], nil
}

func (s *memMarketStore) IncrementPool(_ context.Context, id string, side domain.Side, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	if side == domain.SideA {
		m.PoolA += amount
	} else {
		m.PoolB += amount
	}
	return nil
}

func (s *memMarketStore) Settle(_ context.Context, id string, winner domain.Side, fee uint64, settledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Status != domain.MarketStatusOpen {
		return domain.ErrAlreadySettled
	}
	m.Status = domain.MarketStatusSettled
	m.Winner = &winner
	m.Fee = fee
	m.SettledAt = &settledAt
	return nil
}

func (s *memMarketStore) List(_ context.Context, _ domain.MarketStatus, _ domain.ListOpts) ([]domain.Market, error) {
	return nil, nil
}

func (s *memMarketStore) ListSettledBefore(_ context.Context, _ time.Time) ([]domain.Market, error) {
	return nil, nil
}

func (s *memMarketStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.byID)), nil
}

type memPositionStore struct {
	mu        sync.Mutex
	positions map[string]*domain.Position
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{positions: make(map[string]*domain.Position)}
}

func posKey(marketID, owner string) string { return marketID + "/" + owner }

func (s *memPositionStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := posKey(pos.MarketID, pos.Owner)
	if _, ok := s.positions[k]; ok {
		return domain.ErrAlreadyExists
	}
	cp := pos
	s.positions[k] = &cp
	return nil
}

func (s *memPositionStore) Get(_ context.Context, marketID, owner string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[posKey(marketID, owner)]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return *p, nil
}

func (s *memPositionStore) MarkClaimed(_ context.Context, marketID, owner string, claimedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[posKey(marketID, owner)]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Claimed {
		return domain.ErrAlreadyClaimed
	}
	p.Claimed = true
	p.ClaimedAt = &claimedAt
	return nil
}

func (s *memPositionStore) ResetClaimed(_ context.Context, marketID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[posKey(marketID, owner)]
	if !ok {
		return domain.ErrNotFound
	}
	p.Claimed = false
	p.ClaimedAt = nil
	return nil
}

func (s *memPositionStore) Delete(_ context.Context, marketID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, posKey(marketID, owner))
	return nil
}

func (s *memPositionStore) ListByMarket(_ context.Context, _ string, _ domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

func (s *memPositionStore) ListByOwner(_ context.Context, _ string, _ domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

// memLedger is an in-memory Ledger with per-account balances. Transfers can
// be forced to fail to exercise rollback paths.
type memLedger struct {
	mu        sync.Mutex
	balances  map[string]uint64
	failNext  error
	transfers int
}

func newMemLedger(balances map[string]uint64) *memLedger {
	b := make(map[string]uint64, len(balances))
	for k, v := range balances {
		b[k] = v
	}
	return &memLedger{balances: b}
}

func (l *memLedger) Transfer(_ context.Context, from, to string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext != nil {
		err := l.failNext
		l.failNext = nil
		return fmt.Errorf("%w: %s", domain.ErrTransferFailed, err)
	}
	if l.balances[from] < amount {
		return fmt.Errorf("%w: insufficient funds in %s", domain.ErrTransferFailed, from)
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	l.transfers++
	return nil
}

func (l *memLedger) Balance(_ context.Context, account string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account], nil
}

func (l *memLedger) balance(account string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// memLocker hands out per-key mutexes so lock semantics hold within the test
// process.
type memLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newMemLocker() *memLocker {
	return &memLocker{locks: make(map[string]*sync.Mutex)}
}

func (ml *memLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	ml.mu.Lock()
	l, ok := ml.locks[key]
	if !ok {
		l = &sync.Mutex{}
		ml.locks[key] = l
	}
	ml.mu.Unlock()
	l.Lock()
	return func() { l.Unlock() }, nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	engine    *Engine
	markets   *memMarketStore
	positions *memPositionStore
	ledger    *memLedger
	clock     time.Time
}

func newHarness(t *testing.T, balances map[string]uint64) *harness {
	t.Helper()
	h := &harness{
		markets:   newMemMarketStore(),
		positions: newMemPositionStore(),
		ledger:    newMemLedger(balances),
		clock:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.engine = New(h.markets, h.positions, h.ledger, newMemLocker(), nil, nil, logger)
	h.engine.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) openMarket(t *testing.T, topic string) domain.Market {
	t.Helper()
	m, err := h.engine.OpenMarket(context.Background(), topic, h.clock.Add(time.Hour), "authority", "")
	if err != nil {
		t.Fatalf("OpenMarket: %v", err)
	}
	return m
}

func (h *harness) stake(t *testing.T, topic, owner string, side domain.Side, amount uint64) {
	t.Helper()
	if _, err := h.engine.Stake(context.Background(), topic, owner, side, amount); err != nil {
		t.Fatalf("Stake(%s, %s, %d): %v", owner, side, amount, err)
	}
}

// ---------------------------------------------------------------------------
// OpenMarket
// ---------------------------------------------------------------------------

func TestOpenMarket(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	m := h.openMarket(t, "kun-vs-fan")
	if m.Status != domain.MarketStatusOpen {
		t.Errorf("status = %q, want open", m.Status)
	}
	if m.PoolA != 0 || m.PoolB != 0 {
		t.Errorf("pools = %d/%d, want 0/0", m.PoolA, m.PoolB)
	}
	if m.Winner != nil {
		t.Errorf("winner = %v, want nil", *m.Winner)
	}
	if m.FeeDestination != "authority" {
		t.Errorf("fee destination = %q, want defaulted to authority", m.FeeDestination)
	}

	t.Run("duplicate topic rejected", func(t *testing.T) {
		_, err := h.engine.OpenMarket(ctx, "kun-vs-fan", h.clock.Add(time.Hour), "authority", "")
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Errorf("error = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("oversized topic rejected", func(t *testing.T) {
		long := make([]byte, domain.MaxTopicBytes+1)
		for i := range long {
			long[i] = 'x'
		}
		if _, err := h.engine.OpenMarket(ctx, string(long), h.clock.Add(time.Hour), "authority", ""); err == nil {
			t.Error("expected error for oversized topic")
		}
	})

	t.Run("explicit fee destination kept", func(t *testing.T) {
		m, err := h.engine.OpenMarket(ctx, "other", h.clock.Add(time.Hour), "authority", "treasury")
		if err != nil {
			t.Fatalf("OpenMarket: %v", err)
		}
		if m.FeeDestination != "treasury" {
			t.Errorf("fee destination = %q, want treasury", m.FeeDestination)
		}
	})
}

// ---------------------------------------------------------------------------
// Stake
// ---------------------------------------------------------------------------

func TestStake(t *testing.T) {
	h := newHarness(t, map[string]uint64{"alice": 1000, "bob": 1000})
	ctx := context.Background()
	m := h.openMarket(t, "duel")

	h.stake(t, "duel", "alice", domain.SideA, 100)

	got, err := h.markets.GetByID(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.PoolA != 100 || got.PoolB != 0 {
		t.Errorf("pools = %d/%d, want 100/0", got.PoolA, got.PoolB)
	}
	if h.ledger.balance("alice") != 900 {
		t.Errorf("alice balance = %d, want 900", h.ledger.balance("alice"))
	}
	if h.ledger.balance(m.EscrowAccount()) != 100 {
		t.Errorf("escrow balance = %d, want 100", h.ledger.balance(m.EscrowAccount()))
	}

	t.Run("duplicate stake rejected", func(t *testing.T) {
		_, err := h.engine.Stake(ctx, "duel", "alice", domain.SideB, 50)
		if !errors.Is(err, domain.ErrDuplicateStake) {
			t.Errorf("error = %v, want ErrDuplicateStake", err)
		}
	})

	t.Run("zero amount rejected", func(t *testing.T) {
		_, err := h.engine.Stake(ctx, "duel", "bob", domain.SideB, 0)
		if !errors.Is(err, domain.ErrInvalidStake) {
			t.Errorf("error = %v, want ErrInvalidStake", err)
		}
	})

	t.Run("insufficient funds leaves no state", func(t *testing.T) {
		_, err := h.engine.Stake(ctx, "duel", "bob", domain.SideB, 5000)
		if !errors.Is(err, domain.ErrTransferFailed) {
			t.Fatalf("error = %v, want ErrTransferFailed", err)
		}
		got, _ := h.markets.GetByID(ctx, m.ID)
		if got.PoolB != 0 {
			t.Errorf("pool_b = %d, want 0 after failed transfer", got.PoolB)
		}
		if _, err := h.positions.Get(ctx, m.ID, "bob"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("position exists after failed transfer")
		}
	})

	t.Run("stake after deadline rejected", func(t *testing.T) {
		h.clock = h.clock.Add(2 * time.Hour)
		defer func() { h.clock = h.clock.Add(-2 * time.Hour) }()
		_, err := h.engine.Stake(ctx, "duel", "bob", domain.SideB, 10)
		if !errors.Is(err, domain.ErrMarketClosed) {
			t.Errorf("error = %v, want ErrMarketClosed", err)
		}
		got, _ := h.markets.GetByID(ctx, m.ID)
		if got.TotalPool() != 100 {
			t.Errorf("total pool = %d, want unchanged 100", got.TotalPool())
		}
	})

	t.Run("stake at exact deadline rejected", func(t *testing.T) {
		h.clock = m.Deadline
		defer func() { h.clock = m.Deadline.Add(-time.Hour) }()
		_, err := h.engine.Stake(ctx, "duel", "bob", domain.SideB, 10)
		if !errors.Is(err, domain.ErrMarketClosed) {
			t.Errorf("error = %v, want ErrMarketClosed", err)
		}
	})

	t.Run("stake after settle rejected", func(t *testing.T) {
		if _, err := h.engine.Settle(ctx, "duel", "authority", nil); err != nil {
			t.Fatalf("Settle: %v", err)
		}
		_, err := h.engine.Stake(ctx, "duel", "bob", domain.SideB, 10)
		if !errors.Is(err, domain.ErrMarketClosed) {
			t.Errorf("error = %v, want ErrMarketClosed", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Settle
// ---------------------------------------------------------------------------

func TestSettle(t *testing.T) {
	ctx := context.Background()

	t.Run("larger pool wins", func(t *testing.T) {
		h := newHarness(t, map[string]uint64{"alice": 1000, "bob": 1000})
		m := h.openMarket(t, "duel")
		h.stake(t, "duel", "alice", domain.SideA, 100)
		h.stake(t, "duel", "bob", domain.SideB, 300)

		settled, err := h.engine.Settle(ctx, "duel", "authority", nil)
		if err != nil {
			t.Fatalf("Settle: %v", err)
		}
		if settled.Winner == nil || *settled.Winner != domain.SideB {
			t.Errorf("winner = %v, want SideB", settled.Winner)
		}
		if settled.Fee != 20 {
			t.Errorf("fee = %d, want 20", settled.Fee)
		}
		if h.ledger.balance("authority") != 20 {
			t.Errorf("fee destination balance = %d, want 20", h.ledger.balance("authority"))
		}
		if h.ledger.balance(m.EscrowAccount()) != 380 {
			t.Errorf("escrow balance = %d, want 380", h.ledger.balance(m.EscrowAccount()))
		}
	})

	t.Run("tie goes to side b", func(t *testing.T) {
		h := newHarness(t, map[string]uint64{"alice": 1000, "bob": 1000})
		h.openMarket(t, "duel")
		h.stake(t, "duel", "alice", domain.SideA, 100)
		h.stake(t, "duel", "bob", domain.SideB, 100)

		settled, err := h.engine.Settle(ctx, "duel", "authority", nil)
		if err != nil {
			t.Fatalf("Settle: %v", err)
		}
		if *settled.Winner != domain.SideB {
			t.Errorf("winner = %q, want SideB on tie", *settled.Winner)
		}
	})

	t.Run("override beats pool math", func(t *testing.T) {
		h := newHarness(t, map[string]uint64{"alice": 1000, "bob": 1000})
		h.openMarket(t, "duel")
		h.stake(t, "duel", "alice", domain.SideA, 100)
		h.stake(t, "duel", "bob", domain.SideB, 300)

		override := domain.SideA
		settled, err := h.engine.Settle(ctx, "duel", "authority", &override)
		if err != nil {
			t.Fatalf("Settle: %v", err)
		}
		if *settled.Winner != domain.SideA {
			t.Errorf("winner = %q, want overridden SideA", *settled.Winner)
		}
	})

	t.Run("non-authority rejected", func(t *testing.T) {
		h := newHarness(t, map[string]uint64{"alice": 1000})
		h.openMarket(t, "duel")
		h.stake(t, "duel", "alice", domain.SideA, 100)

		_, err := h.engine.Settle(ctx, "duel", "mallory", nil)
		if !errors.Is(err, domain.ErrNotAuthorized) {
			t.Errorf("error = %v, want ErrNotAuthorized", err)
		}
	})

	t.Run("second settle rejected and state unchanged", func(t *testing.T) {
		h := newHarness(t, map[string]uint64{"alice": 1000, "bob": 1000})
		m := h.openMarket(t, "duel")
		h.stake(t, "duel", "alice", domain.SideA, 100)
		h.stake(t, "duel", "bob", domain.SideB, 300)

		first, err := h.engine.Settle(ctx, "duel", "authority", nil)
		if err != nil {
			t.Fatalf("Settle: %v", err)
		}

		override := domain.SideA
		_, err = h.engine.Settle(ctx, "duel", "authority", &override)
		if !errors.Is(err, domain.ErrAlreadySettled) {
			t.Fatalf("error = %v, want ErrAlreadySettled", err)
		}

		got, _ := h.markets.GetByID(ctx, m.ID)
		if *got.Winner != *first.Winner || got.Fee != first.Fee {
			t.Errorf("market changed by failed second settle: winner=%q fee=%d", *got.Winner, got.Fee)
		}
		if h.ledger.balance("authority") != first.Fee {
			t.Errorf("fee charged twice: destination balance = %d", h.ledger.balance("authority"))
		}
	})

	t.Run("zero fee skips transfer", func(t *testing.T) {
		h := newHarness(t, map[string]uint64{"alice": 1000})
		m := h.openMarket(t, "duel")
		h.stake(t, "duel", "alice", domain.SideA, 19) // fee = floor(19*5/100) = 0
		transfersBefore := h.ledger.transfers

		settled, err := h.engine.Settle(ctx, "duel", "authority", nil)
		if err != nil {
			t.Fatalf("Settle: %v", err)
		}
		if settled.Fee != 0 {
			t.Errorf("fee = %d, want 0", settled.Fee)
		}
		if h.ledger.transfers != transfersBefore {
			t.Errorf("a transfer was attempted for a zero fee")
		}
		if h.ledger.balance(m.EscrowAccount()) != 19 {
			t.Errorf("escrow balance = %d, want untouched 19", h.ledger.balance(m.EscrowAccount()))
		}
	})

	t.Run("fee transfer failure rolls back fully", func(t *testing.T) {
		h := newHarness(t, map[string]uint64{"alice": 1000, "bob": 1000})
		m := h.openMarket(t, "duel")
		h.stake(t, "duel", "alice", domain.SideA, 100)
		h.stake(t, "duel", "bob", domain.SideB, 300)

		h.ledger.failNext = errors.New("ledger down")
		_, err := h.engine.Settle(ctx, "duel", "authority", nil)
		if !errors.Is(err, domain.ErrTransferFailed) {
			t.Fatalf("error = %v, want ErrTransferFailed", err)
		}

		got, _ := h.markets.GetByID(ctx, m.ID)
		if got.Status != domain.MarketStatusOpen {
			t.Errorf("status = %q, want still open", got.Status)
		}
		if got.Winner != nil {
			t.Errorf("winner set despite failed settlement")
		}

		// Retry succeeds once the ledger recovers.
		if _, err := h.engine.Settle(ctx, "duel", "authority", nil); err != nil {
			t.Fatalf("retry Settle: %v", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Claim
// ---------------------------------------------------------------------------

func TestClaim(t *testing.T) {
	ctx := context.Background()

	// Scenario A: 100 on A, 300 on B, no override. B wins, fee 20,
	// distributable 380, bob takes all 380.
	t.Run("scenario a sole winner", func(t *testing.T) {
		h := newHarness(t, map[string]uint64{"alice": 1000, "bob": 1000})
		m := h.openMarket(t, "duel")
		h.stake(t, "duel", "alice", domain.SideA, 100)
		h.stake(t, "duel", "bob", domain.SideB, 300)
		if _, err := h.engine.Settle(ctx, "duel", "authority", nil); err != nil {
			t.Fatalf("Settle: %v", err)
		}

		reward, err := h.engine.Claim(ctx, "duel", "bob")
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if reward != 380 {
			t.Errorf("reward = %d, want 380", reward)
		}
		if h.ledger.balance("bob") != 1000-300+380 {
			t.Errorf("bob balance = %d, want 1080", h.ledger.balance("bob"))
		}
		if h.ledger.balance(m.EscrowAccount()) != 0 {
			t.Errorf("escrow residue = %d, want 0", h.ledger.balance(m.EscrowAccount()))
		}
	})

	// Scenario B: 100/100 tie, B wins by tie-break; the SideA staker's
	// claim fails with NotWinningSide.
	t.Run("scenario b loser cannot claim", func(t *testing.T) {
		h := newHarness(t, map[string]uint64{"alice": 1000, "bob": 1000})
		h.openMarket(t, "duel")
		h.stake(t, "duel", "alice", domain.SideA, 100)
		h.stake(t, "duel", "bob", domain.SideB, 100)
		if _, err := h.engine.Settle(ctx, "duel", "authority", nil); err != nil {
			t.Fatalf("Settle: %v", err)
		}

		_, err := h.engine.Claim(ctx, "duel", "alice")
		if !errors.Is(err, domain.ErrNotWinningSide) {
			t.Errorf("error = %v, want ErrNotWinningSide", err)
		}
	})

	// Scenario C: 50 on A only, override = A. Fee 2, distributable 48,
	// single winner takes 48.
	t.Run("scenario c override payout", func(t *testing.T) {
		h := newHarness(t, map[string]uint64{"alice": 1000})
		h.openMarket(t, "duel")
		h.stake(t, "duel", "alice", domain.SideA, 50)

		override := domain.SideA
		if _, err := h.engine.Settle(ctx, "duel", "authority", &override); err != nil {
			t.Fatalf("Settle: %v", err)
		}

		reward, err := h.engine.Claim(ctx, "duel", "alice")
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if reward != 48 {
			t.Errorf("reward = %d, want 48", reward)
		}
	})

	// Scenario D: no stakes, override = A; claims must fail with
	// NoWinningStake, not a division fault.
	t.Run("scenario d empty winning pool", func(t *testing.T) {
		h := newHarness(t, map[string]uint64{"alice": 1000, "bob": 1000})
		m := h.openMarket(t, "empty")

		h.stake(t, "empty", "bob", domain.SideB, 40)
		override := domain.SideA
		if _, err := h.engine.Settle(ctx, "empty", "authority", &override); err != nil {
			t.Fatalf("Settle: %v", err)
		}

		_, err := h.engine.Claim(ctx, "empty", "bob")
		if !errors.Is(err, domain.ErrNotWinningSide) {
			t.Errorf("loser claim error = %v, want ErrNotWinningSide", err)
		}

		// A hypothetical position on the overridden empty side hits the
		// zero-pool guard.
		if err := h.positions.Create(ctx, domain.Position{
			MarketID: m.ID, Owner: "alice", Side: domain.SideA, Amount: 10,
		}); err != nil {
			t.Fatalf("Create: %v", err)
		}
		_, err = h.engine.Claim(ctx, "empty", "alice")
		if !errors.Is(err, domain.ErrNoWinningStake) {
			t.Errorf("error = %v, want ErrNoWinningStake", err)
		}
	})

	t.Run("claim before settle rejected", func(t *testing.T) {
		h := newHarness(t, map[string]uint64{"alice": 1000})
		h.openMarket(t, "duel")
		h.stake(t, "duel", "alice", domain.SideA, 100)

		_, err := h.engine.Claim(ctx, "duel", "alice")
		if !errors.Is(err, domain.ErrNotSettled) {
			t.Errorf("error = %v, want ErrNotSettled", err)
		}
	})

	t.Run("second claim rejected and pays nothing", func(t *testing.T) {
		h := newHarness(t, map[string]uint64{"alice": 1000, "bob": 1000})
		h.openMarket(t, "duel")
		h.stake(t, "duel", "alice", domain.SideA, 100)
		h.stake(t, "duel", "bob", domain.SideB, 300)
		if _, err := h.engine.Settle(ctx, "duel", "authority", nil); err != nil {
			t.Fatalf("Settle: %v", err)
		}
		if _, err := h.engine.Claim(ctx, "duel", "bob"); err != nil {
			t.Fatalf("first Claim: %v", err)
		}
		balanceAfterFirst := h.ledger.balance("bob")

		_, err := h.engine.Claim(ctx, "duel", "bob")
		if !errors.Is(err, domain.ErrAlreadyClaimed) {
			t.Errorf("error = %v, want ErrAlreadyClaimed", err)
		}
		if h.ledger.balance("bob") != balanceAfterFirst {
			t.Errorf("second claim moved funds")
		}
	})

	t.Run("failed payout leaves position retryable", func(t *testing.T) {
		h := newHarness(t, map[string]uint64{"alice": 1000})
		m := h.openMarket(t, "duel")
		h.stake(t, "duel", "alice", domain.SideA, 100)
		override := domain.SideA
		if _, err := h.engine.Settle(ctx, "duel", "authority", &override); err != nil {
			t.Fatalf("Settle: %v", err)
		}

		h.ledger.failNext = errors.New("ledger down")
		_, err := h.engine.Claim(ctx, "duel", "alice")
		if !errors.Is(err, domain.ErrTransferFailed) {
			t.Fatalf("error = %v, want ErrTransferFailed", err)
		}

		pos, _ := h.positions.Get(ctx, m.ID, "alice")
		if pos.Claimed {
			t.Fatal("claimed flag stuck after failed payout")
		}

		reward, err := h.engine.Claim(ctx, "duel", "alice")
		if err != nil {
			t.Fatalf("retry Claim: %v", err)
		}
		if reward != 95 { // fee = 5, distributable = 95
			t.Errorf("retry reward = %d, want 95", reward)
		}
	})

	t.Run("concurrent claims pay exactly once", func(t *testing.T) {
		h := newHarness(t, map[string]uint64{"alice": 1000, "bob": 1000})
		h.openMarket(t, "duel")
		h.stake(t, "duel", "alice", domain.SideA, 100)
		h.stake(t, "duel", "bob", domain.SideB, 300)
		if _, err := h.engine.Settle(ctx, "duel", "authority", nil); err != nil {
			t.Fatalf("Settle: %v", err)
		}

		const attempts = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		var paid []uint64
		var failures int

		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				reward, err := h.engine.Claim(ctx, "duel", "bob")
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if !errors.Is(err, domain.ErrAlreadyClaimed) {
						t.Errorf("unexpected claim error: %v", err)
					}
					failures++
					return
				}
				paid = append(paid, reward)
			}()
		}
		wg.Wait()

		if len(paid) != 1 {
			t.Fatalf("%d claims succeeded, want exactly 1", len(paid))
		}
		if failures != attempts-1 {
			t.Errorf("failures = %d, want %d", failures, attempts-1)
		}
		if h.ledger.balance("bob") != 1000-300+380 {
			t.Errorf("bob balance = %d, want 1080", h.ledger.balance("bob"))
		}
	})
}

// TestConservation drives full stake/settle/claim rounds and checks that no
// value is created: claims + fee never exceed the total staked, and the gap
// (dust) stays below the winning position count.
func TestConservation(t *testing.T) {
	type stakeIn struct {
		owner  string
		side   domain.Side
		amount uint64
	}
	tests := []struct {
		name   string
		stakes []stakeIn
	}{
		{
			name: "two sided",
			stakes: []stakeIn{
				{"u1", domain.SideA, 137},
				{"u2", domain.SideA, 263},
				{"u3", domain.SideB, 401},
				{"u4", domain.SideB, 99},
				{"u5", domain.SideB, 7},
			},
		},
		{
			name: "dust heavy",
			stakes: []stakeIn{
				{"u1", domain.SideA, 3},
				{"u2", domain.SideA, 3},
				{"u3", domain.SideA, 3},
				{"u4", domain.SideB, 10},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			balances := make(map[string]uint64)
			var totalStaked uint64
			for _, s := range tt.stakes {
				balances[s.owner] = s.amount
				totalStaked += s.amount
			}

			h := newHarness(t, balances)
			m := h.openMarket(t, "conservation")
			for _, s := range tt.stakes {
				h.stake(t, "conservation", s.owner, s.side, s.amount)
			}

			settled, err := h.engine.Settle(ctx, "conservation", "authority", nil)
			if err != nil {
				t.Fatalf("Settle: %v", err)
			}

			var paid uint64
			var winners int
			for _, s := range tt.stakes {
				if s.side != *settled.Winner {
					continue
				}
				winners++
				reward, err := h.engine.Claim(ctx, "conservation", s.owner)
				if err != nil {
					t.Fatalf("Claim(%s): %v", s.owner, err)
				}
				paid += reward
			}

			if paid+settled.Fee > totalStaked {
				t.Fatalf("paid %d + fee %d exceeds staked %d", paid, settled.Fee, totalStaked)
			}
			dust := totalStaked - settled.Fee - paid
			if dust >= uint64(winners) {
				t.Errorf("dust %d not < winners %d", dust, winners)
			}
			if h.ledger.balance(m.EscrowAccount()) != dust {
				t.Errorf("escrow residue = %d, want dust %d", h.ledger.balance(m.EscrowAccount()), dust)
			}
		})
	}
}
