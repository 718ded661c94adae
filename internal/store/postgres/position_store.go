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

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `market_id, owner, side, amount, claimed, claimed_at, created_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side string
	err := row.Scan(
		&p.MarketID, &p.Owner, &side, &p.Amount,
		&p.Claimed, &p.ClaimedAt, &p.CreatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	return p, nil
}

// Create inserts a new position. The (market_id, owner) primary key enforces
// the one-stake-per-owner rule, surfacing as ErrAlreadyExists.
func (s *PositionStore) Create(ctx context.Context, pos domain.Position) error {
	const query = `
		INSERT INTO positions (market_id, owner, side, amount, claimed, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)`

	_, err := s.pool.Exec(ctx, query,
		pos.MarketID, pos.Owner, string(pos.Side), pos.Amount, pos.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: position %s/%s: %w", pos.MarketID, pos.Owner, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create position %s/%s: %w", pos.MarketID, pos.Owner, err)
	}
	return nil
}

// Get retrieves a position by market and owner.
func (s *PositionStore) Get(ctx context.Context, marketID, owner string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = $1 AND owner = $2`,
		marketID, owner,
	)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s/%s: %w", marketID, owner, err)
	}
	return p, nil
}

// MarkClaimed flips the claimed flag from false to true. The predicate on the
// current flag value makes this a compare-and-set: of N concurrent calls
// exactly one updates a row, and the rest see ErrAlreadyClaimed.
func (s *PositionStore) MarkClaimed(ctx context.Context, marketID, owner string, claimedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET claimed = TRUE, claimed_at = $3
		 WHERE market_id = $1 AND owner = $2 AND claimed = FALSE`,
		marketID, owner, claimedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark claimed %s/%s: %w", marketID, owner, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM positions WHERE market_id = $1 AND owner = $2)`,
			marketID, owner,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: mark claimed %s/%s: %w", marketID, owner, err)
		}
		if !exists {
			return fmt.Errorf("postgres: position %s/%s: %w", marketID, owner, domain.ErrNotFound)
		}
		return fmt.Errorf("postgres: position %s/%s: %w", marketID, owner, domain.ErrAlreadyClaimed)
	}
	return nil
}

// ResetClaimed clears the claimed flag after a failed payout so the position
// can be retried.
func (s *PositionStore) ResetClaimed(ctx context.Context, marketID, owner string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET claimed = FALSE, claimed_at = NULL
		 WHERE market_id = $1 AND owner = $2`,
		marketID, owner,
	)
	if err != nil {
		return fmt.Errorf("postgres: reset claimed %s/%s: %w", marketID, owner, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: position %s/%s: %w", marketID, owner, domain.ErrNotFound)
	}
	return nil
}

// Delete removes a position. Used only to roll back a stake whose record
// could not be completed.
func (s *PositionStore) Delete(ctx context.Context, marketID, owner string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE market_id = $1 AND owner = $2`,
		marketID, owner,
	)
	if err != nil {
		return fmt.Errorf("postgres: delete position %s/%s: %w", marketID, owner, err)
	}
	return nil
}

// ListByMarket returns all positions on a market, oldest first.
func (s *PositionStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions WHERE market_id = $1 ORDER BY created_at ASC`
	args := []any{marketID}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.listPositions(ctx, query, args)
}

// ListByOwner returns all positions held by an owner, newest first.
func (s *PositionStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions WHERE owner = $1 ORDER BY created_at DESC`
	args := []any{owner}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.listPositions(ctx, query, args)
}

func (s *PositionStore) listPositions(ctx context.Context, query string, args []any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return positions, nil
}
