// Package service holds the read-side query services that sit between the
// HTTP handlers and the stores. Writes go through the escrow engine; queries
// come through here so caching stays out of the engine.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/duelpool/duelpool/internal/domain"
)

// MarketService serves market and position queries, caching settled markets.
type MarketService struct {
	markets   domain.MarketStore
	positions domain.PositionStore
	cache     domain.MarketCache
	ledger    domain.Ledger
	logger    *slog.Logger
}

// NewMarketService creates a MarketService with all required dependencies.
// The cache may be nil, in which case every read hits the store.
func NewMarketService(
	markets domain.MarketStore,
	positions domain.PositionStore,
	cache domain.MarketCache,
	ledger domain.Ledger,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		markets:   markets,
		positions: positions,
		cache:     cache,
		ledger:    ledger,
		logger:    logger.With(slog.String("component", "market_service")),
	}
}

// GetMarket retrieves a market by ID, checking the cache first and falling
// back to the store on a miss. Only settled markets are back-filled into the
// cache: an open market's pools change with every stake, while a settled
// market is immutable.
func (s *MarketService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	if s.cache != nil {
		if m, err := s.cache.Get(ctx, id); err == nil {
			return m, nil
		}
	}

	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get by id %q: %w", id, err)
	}

	s.backfill(ctx, m)
	return m, nil
}

// GetMarketByTopic retrieves a market by topic with the same cache policy as
// GetMarket.
func (s *MarketService) GetMarketByTopic(ctx context.Context, topic string) (domain.Market, error) {
	if s.cache != nil {
		if m, err := s.cache.GetByTopic(ctx, topic); err == nil {
			return m, nil
		}
	}

	m, err := s.markets.GetByTopic(ctx, topic)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get by topic %q: %w", topic, err)
	}

	s.backfill(ctx, m)
	return m, nil
}

func (s *MarketService) backfill(ctx context.Context, m domain.Market) {
	if s.cache == nil || m.Status != domain.MarketStatusSettled {
		return
	}
	if err := s.cache.Set(ctx, m); err != nil {
		s.logger.WarnContext(ctx, "cache set failed",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
}

// List returns markets with the given status directly from the store.
func (s *MarketService) List(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.markets.List(ctx, status, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list: %w", err)
	}
	return markets, nil
}

// GetPosition returns a single position for a market and owner.
func (s *MarketService) GetPosition(ctx context.Context, marketID, owner string) (domain.Position, error) {
	p, err := s.positions.Get(ctx, marketID, owner)
	if err != nil {
		return domain.Position{}, fmt.Errorf("market_service: get position: %w", err)
	}
	return p, nil
}

// ListPositions returns all positions on a market.
func (s *MarketService) ListPositions(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Position, error) {
	positions, err := s.positions.ListByMarket(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list positions: %w", err)
	}
	return positions, nil
}

// ListOwnerPositions returns an owner's positions across all markets.
func (s *MarketService) ListOwnerPositions(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error) {
	positions, err := s.positions.ListByOwner(ctx, owner, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list owner positions: %w", err)
	}
	return positions, nil
}

// Balance returns an account's ledger balance.
func (s *MarketService) Balance(ctx context.Context, account string) (uint64, error) {
	balance, err := s.ledger.Balance(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("market_service: balance %q: %w", account, err)
	}
	return balance, nil
}

// Count returns the total number of markets.
func (s *MarketService) Count(ctx context.Context) (int64, error) {
	count, err := s.markets.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("market_service: count: %w", err)
	}
	return count, nil
}
