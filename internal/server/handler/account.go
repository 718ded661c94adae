package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/duelpool/duelpool/internal/domain"
)

// Funder credits external deposits into ledger accounts.
type Funder interface {
	Credit(ctx context.Context, account string, amount uint64) error
}

// AccountQueries defines the account read operations the handler needs.
type AccountQueries interface {
	Balance(ctx context.Context, account string) (uint64, error)
	ListOwnerPositions(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error)
}

// AccountHandler serves account balance, funding, and portfolio endpoints.
type AccountHandler struct {
	funder  Funder
	queries AccountQueries
	logger  *slog.Logger
}

// NewAccountHandler creates an AccountHandler with the given dependencies.
func NewAccountHandler(funder Funder, queries AccountQueries, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		funder:  funder,
		queries: queries,
		logger:  logger,
	}
}

// Balance returns an account's current ledger balance.
// GET /api/accounts/{id}/balance
func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing account id")
		return
	}

	balance, err := h.queries.Balance(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: balance failed",
			slog.String("account", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read balance")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account": id,
		"balance": balance,
	})
}

type depositRequest struct {
	Amount uint64 `json:"amount"`
}

// Deposit credits funds into the caller's account.
// POST /api/accounts/deposit
func (h *AccountHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	caller := callerAccount(r)
	if caller == "" {
		writeError(w, http.StatusBadRequest, "missing X-Account header")
		return
	}

	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	if err := h.funder.Credit(r.Context(), caller, req.Amount); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: deposit failed",
			slog.String("account", caller),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to deposit")
		return
	}

	balance, err := h.queries.Balance(r.Context(), caller)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read balance")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account": caller,
		"balance": balance,
	})
}

// ListPositions returns the caller's positions across all markets.
// GET /api/positions
func (h *AccountHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	caller := callerAccount(r)
	if caller == "" {
		writeError(w, http.StatusBadRequest, "missing X-Account header")
		return
	}

	positions, err := h.queries.ListOwnerPositions(r.Context(), caller, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list owner positions failed",
			slog.String("owner", caller),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"owner":     caller,
		"positions": positions,
	})
}
