package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/duelpool/duelpool/internal/domain"
)

// StakeEngine defines the fund-moving operations the escrow handler needs.
type StakeEngine interface {
	Stake(ctx context.Context, topic, owner string, side domain.Side, amount uint64) (domain.Position, error)
	Claim(ctx context.Context, topic, caller string) (uint64, error)
}

// PositionQueries defines the position read operations the escrow handler
// needs.
type PositionQueries interface {
	GetMarketByTopic(ctx context.Context, topic string) (domain.Market, error)
	GetPosition(ctx context.Context, marketID, owner string) (domain.Position, error)
	ListPositions(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Position, error)
}

// EscrowHandler serves the stake and claim endpoints.
type EscrowHandler struct {
	engine  StakeEngine
	queries PositionQueries
	logger  *slog.Logger
}

// NewEscrowHandler creates an EscrowHandler with the given dependencies.
func NewEscrowHandler(engine StakeEngine, queries PositionQueries, logger *slog.Logger) *EscrowHandler {
	return &EscrowHandler{
		engine:  engine,
		queries: queries,
		logger:  logger,
	}
}

type stakeRequest struct {
	Side   string `json:"side"`
	Amount uint64 `json:"amount"`
}

// PlaceStake stakes the caller's funds on one side of an open market.
// POST /api/markets/{topic}/stakes
func (h *EscrowHandler) PlaceStake(w http.ResponseWriter, r *http.Request) {
	caller := callerAccount(r)
	if caller == "" {
		writeError(w, http.StatusBadRequest, "missing X-Account header")
		return
	}
	topic := pathParam(r, "topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "missing market topic")
		return
	}

	var req stakeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	side, err := domain.ParseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, "side must be \"a\" or \"b\"")
		return
	}

	pos, err := h.engine.Stake(r.Context(), topic, caller, side, req.Amount)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: stake failed",
			slog.String("topic", topic),
			slog.String("owner", caller),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, pos)
}

// Claim pays out the caller's winning position.
// POST /api/markets/{topic}/claims
func (h *EscrowHandler) Claim(w http.ResponseWriter, r *http.Request) {
	caller := callerAccount(r)
	if caller == "" {
		writeError(w, http.StatusBadRequest, "missing X-Account header")
		return
	}
	topic := pathParam(r, "topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "missing market topic")
		return
	}

	reward, err := h.engine.Claim(r.Context(), topic, caller)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: claim failed",
			slog.String("topic", topic),
			slog.String("owner", caller),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"topic":  topic,
		"owner":  caller,
		"reward": reward,
	})
}

// ListPositions returns all positions on a market.
// GET /api/markets/{topic}/positions
func (h *EscrowHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	topic := pathParam(r, "topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "missing market topic")
		return
	}

	market, err := h.queries.GetMarketByTopic(r.Context(), topic)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	positions, err := h.queries.ListPositions(r.Context(), market.ID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"topic":     topic,
		"positions": positions,
	})
}

// GetPosition returns one owner's position on a market.
// GET /api/markets/{topic}/positions/{owner}
func (h *EscrowHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	topic := pathParam(r, "topic")
	owner := pathParam(r, "owner")
	if topic == "" || owner == "" {
		writeError(w, http.StatusBadRequest, "missing market topic or owner")
		return
	}

	market, err := h.queries.GetMarketByTopic(r.Context(), topic)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	pos, err := h.queries.GetPosition(r.Context(), market.ID, owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pos)
}
