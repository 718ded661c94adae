// Package postgres implements the fund ledger on the accounts table. Every
// balance movement runs in a transaction with row locks, so concurrent
// transfers over the same accounts serialize instead of losing updates.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duelpool/duelpool/internal/domain"
)

// Ledger implements domain.Ledger using PostgreSQL.
type Ledger struct {
	pool *pgxpool.Pool
}

// New creates a Ledger backed by the given connection pool.
func New(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Transfer moves amount from one account to another. The source row is locked
// and checked for sufficient funds; the destination is created on first use.
// All failures wrap ErrTransferFailed, the only error the escrow engine
// treats as retriable.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount uint64) error {
	if from == to {
		return fmt.Errorf("ledger: transfer to self %q: %w", from, domain.ErrTransferFailed)
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", domain.ErrTransferFailed)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Rows lock in lexicographic account order so two opposing transfers
	// cannot deadlock.
	first, second := from, to
	if second < first {
		first, second = second, first
	}
	for _, id := range []string{first, second} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id,
		); err != nil {
			return fmt.Errorf("ledger: ensure account %q: %v: %w", id, err, domain.ErrTransferFailed)
		}
		if _, err := tx.Exec(ctx,
			`SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, id,
		); err != nil {
			return fmt.Errorf("ledger: lock account %q: %v: %w", id, err, domain.ErrTransferFailed)
		}
	}

	var balance uint64
	if err := tx.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE id = $1`, from,
	).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("ledger: account %q not found: %w", from, domain.ErrTransferFailed)
		}
		return fmt.Errorf("ledger: read balance %q: %v: %w", from, err, domain.ErrTransferFailed)
	}
	if balance < amount {
		return fmt.Errorf("ledger: insufficient funds in %q (%d < %d): %w", from, balance, amount, domain.ErrTransferFailed)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance - $2, updated_at = NOW() WHERE id = $1`,
		from, amount,
	); err != nil {
		return fmt.Errorf("ledger: debit %q: %v: %w", from, err, domain.ErrTransferFailed)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $2, updated_at = NOW() WHERE id = $1`,
		to, amount,
	); err != nil {
		return fmt.Errorf("ledger: credit %q: %v: %w", to, err, domain.ErrTransferFailed)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit: %v: %w", err, domain.ErrTransferFailed)
	}
	return nil
}

// Balance returns an account's current balance. Unknown accounts read as
// zero, matching the created-on-first-use semantics of Transfer.
func (l *Ledger) Balance(ctx context.Context, account string) (uint64, error) {
	var balance uint64
	err := l.pool.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE id = $1`, account,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: balance %q: %w", account, err)
	}
	return balance, nil
}

// Credit adds amount to an account, creating it if needed. This is the
// funding entry point; there is no corresponding external debit.
func (l *Ledger) Credit(ctx context.Context, account string, amount uint64) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO accounts (id, balance) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET balance = accounts.balance + $2, updated_at = NOW()`,
		account, amount,
	)
	if err != nil {
		return fmt.Errorf("ledger: credit %q: %w", account, err)
	}
	return nil
}
