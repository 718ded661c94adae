package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/duelpool/duelpool/internal/domain"
)

// EscrowEngine defines the write operations the market handler needs from the
// escrow engine. Declared locally so the handler package does not depend on
// the concrete engine.
type EscrowEngine interface {
	OpenMarket(ctx context.Context, topic string, deadline time.Time, authority, feeDestination string) (domain.Market, error)
	Settle(ctx context.Context, topic, caller string, winnerOverride *domain.Side) (domain.Market, error)
}

// MarketQueries defines the read operations the market handler needs.
type MarketQueries interface {
	GetMarketByTopic(ctx context.Context, topic string) (domain.Market, error)
	List(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error)
	Count(ctx context.Context) (int64, error)
}

// MarketHandler serves market lifecycle endpoints.
type MarketHandler struct {
	engine  EscrowEngine
	queries MarketQueries
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given dependencies.
func NewMarketHandler(engine EscrowEngine, queries MarketQueries, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		engine:  engine,
		queries: queries,
		logger:  logger,
	}
}

type openMarketRequest struct {
	Topic          string    `json:"topic"`
	Deadline       time.Time `json:"deadline"`
	FeeDestination string    `json:"fee_destination,omitempty"`
}

// OpenMarket creates a new two-sided market. The caller becomes its
// authority.
// POST /api/markets
func (h *MarketHandler) OpenMarket(w http.ResponseWriter, r *http.Request) {
	caller := callerAccount(r)
	if caller == "" {
		writeError(w, http.StatusBadRequest, "missing X-Account header")
		return
	}

	var req openMarketRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Topic == "" {
		writeError(w, http.StatusBadRequest, "missing topic")
		return
	}
	if req.Deadline.IsZero() {
		writeError(w, http.StatusBadRequest, "missing deadline")
		return
	}

	market, err := h.engine.OpenMarket(r.Context(), req.Topic, req.Deadline, caller, req.FeeDestination)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: open market failed",
			slog.String("topic", req.Topic),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, market)
}

type settleRequest struct {
	Winner string `json:"winner,omitempty"`
}

// Settle closes a market and fixes the winner. Only the market authority may
// call this; an optional winner field overrides the pool comparison.
// POST /api/markets/{topic}/settle
func (h *MarketHandler) Settle(w http.ResponseWriter, r *http.Request) {
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

	var req settleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var override *domain.Side
	if req.Winner != "" {
		side, err := domain.ParseSide(req.Winner)
		if err != nil {
			writeError(w, http.StatusBadRequest, "winner must be \"a\" or \"b\"")
			return
		}
		override = &side
	}

	market, err := h.engine.Settle(r.Context(), topic, caller, override)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: settle failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, market)
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Total   int64           `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ListMarkets returns markets filtered by status (default open).
// GET /api/markets?status=open&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	status := domain.MarketStatusOpen
	if v := r.URL.Query().Get("status"); v != "" {
		switch domain.MarketStatus(v) {
		case domain.MarketStatusOpen, domain.MarketStatusSettled:
			status = domain.MarketStatus(v)
		default:
			writeError(w, http.StatusBadRequest, "status must be \"open\" or \"settled\"")
			return
		}
	}

	markets, err := h.queries.List(r.Context(), status, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	total, err := h.queries.Count(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: count markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to count markets")
		return
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its topic.
// GET /api/markets/{topic}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
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

	writeJSON(w, http.StatusOK, market)
}
