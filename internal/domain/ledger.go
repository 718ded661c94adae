package domain

import "context"

// Ledger is the external value-transfer primitive the escrow engine builds
// on. Transfer must be atomic and all-or-nothing: on any failure (including
// insufficient funds) no balance may have changed. Implementations report
// transfer failures by wrapping ErrTransferFailed so callers can distinguish
// "retry later" from permanently invalid requests.
type Ledger interface {
	Transfer(ctx context.Context, from, to string, amount uint64) error
	Balance(ctx context.Context, account string) (uint64, error)
}
