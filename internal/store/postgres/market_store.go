package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duelpool/duelpool/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, topic, authority, fee_destination, deadline,
	pool_a, pool_b, status, winner, fee, settled_at, created_at, updated_at`

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var status string
	var winner *string
	err := row.Scan(
		&m.ID, &m.Topic, &m.Authority, &m.FeeDestination, &m.Deadline,
		&m.PoolA, &m.PoolB, &status, &winner, &m.Fee,
		&m.SettledAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	if winner != nil {
		side := domain.Side(*winner)
		m.Winner = &side
	}
	return m, nil
}

// Create inserts a new market. The topic carries a unique constraint, so a
// second market for the same topic fails with ErrAlreadyExists.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, topic, authority, fee_destination, deadline,
			pool_a, pool_b, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Topic, m.Authority, m.FeeDestination, m.Deadline,
		m.PoolA, m.PoolB, string(m.Status), m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: market topic %q: %w", m.Topic, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// GetByTopic retrieves a market by its unique topic.
func (s *MarketStore) GetByTopic(ctx context.Context, topic string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE topic = $1`, topic)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market by topic %q: %w", topic, err)
	}
	return m, nil
}

// IncrementPool adds amount to one side's pool counter. The caller serializes
// stakes per market, so the additive update never races a settle.
func (s *MarketStore) IncrementPool(ctx context.Context, id string, side domain.Side, amount uint64) error {
	col := "pool_a"
	if side == domain.SideB {
		col = "pool_b"
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET `+col+` = `+col+` + $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'open'`,
		id, amount,
	)
	if err != nil {
		return fmt.Errorf("postgres: increment %s for market %s: %w", col, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: increment pool for market %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Settle transitions the market from open to settled, fixing the winner and
// fee. The status predicate makes the transition one-shot: a second call
// matches no rows and reports ErrAlreadySettled.
func (s *MarketStore) Settle(ctx context.Context, id string, winner domain.Side, fee uint64, settledAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets
		 SET status = 'settled', winner = $2, fee = $3, settled_at = $4, updated_at = NOW()
		 WHERE id = $1 AND status = 'open'`,
		id, string(winner), fee, settledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: settle market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM markets WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: settle market %s: %w", id, err)
		}
		if !exists {
			return fmt.Errorf("postgres: settle market %s: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("postgres: settle market %s: %w", id, domain.ErrAlreadySettled)
	}
	return nil
}

// List returns markets with the given status, newest first, with pagination
// and optional time filtering.
func (s *MarketStore) List(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE status = $1`
	args := []any{string(status)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return markets, nil
}

// ListSettledBefore returns settled markets whose settlement time is strictly
// before the cutoff, oldest first.
func (s *MarketStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketCols+` FROM markets
		 WHERE status = 'settled' AND settled_at < $1
		 ORDER BY settled_at ASC`,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan settled market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list settled markets rows: %w", err)
	}
	return markets, nil
}

// Count returns the total number of markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}
