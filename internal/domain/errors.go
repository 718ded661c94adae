package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// Escrow state machine errors. All are terminal for the request that
	// triggered them; only ErrTransferFailed is worth retrying, because the
	// engine guarantees no partial state change when a transfer fails.
	ErrMarketClosed   = errors.New("market closed")
	ErrDuplicateStake = errors.New("duplicate stake")
	ErrNotAuthorized  = errors.New("not authorized")
	ErrAlreadySettled = errors.New("market already settled")
	ErrNotSettled     = errors.New("market not settled")
	ErrAlreadyClaimed = errors.New("reward already claimed")
	ErrNoWinner       = errors.New("no winner determined")
	ErrNotWinningSide = errors.New("position not on winning side")
	ErrNoWinningStake = errors.New("no stake on winning side")
	ErrTransferFailed = errors.New("ledger transfer failed")

	ErrInvalidStake = errors.New("invalid stake parameters")
	ErrLockHeld     = errors.New("lock already held")
)
