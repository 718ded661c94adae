package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/duelpool/duelpool/internal/domain"
)

type fakeEngine struct {
	stakeErr  error
	claimErr  error
	reward    uint64
	settleErr error
	openErr   error
}

func (f *fakeEngine) OpenMarket(_ context.Context, topic string, deadline time.Time, authority, feeDestination string) (domain.Market, error) {
	if f.openErr != nil {
		return domain.Market{}, f.openErr
	}
	return domain.Market{ID: "m1", Topic: topic, Authority: authority, Deadline: deadline, Status: domain.MarketStatusOpen}, nil
}

func (f *fakeEngine) Stake(_ context.Context, topic, owner string, side domain.Side, amount uint64) (domain.Position, error) {
	if f.stakeErr != nil {
		return domain.Position{}, f.stakeErr
	}
	return domain.Position{MarketID: "m1", Owner: owner, Side: side, Amount: amount}, nil
}

func (f *fakeEngine) Settle(_ context.Context, topic, caller string, _ *domain.Side) (domain.Market, error) {
	if f.settleErr != nil {
		return domain.Market{}, f.settleErr
	}
	winner := domain.SideB
	return domain.Market{ID: "m1", Topic: topic, Status: domain.MarketStatusSettled, Winner: &winner}, nil
}

func (f *fakeEngine) Claim(_ context.Context, topic, caller string) (uint64, error) {
	if f.claimErr != nil {
		return 0, f.claimErr
	}
	return f.reward, nil
}

type fakeQueries struct {
	market    domain.Market
	marketErr error
	positions []domain.Position
	position  domain.Position
	posErr    error
}

func (f *fakeQueries) GetMarketByTopic(_ context.Context, _ string) (domain.Market, error) {
	return f.market, f.marketErr
}

func (f *fakeQueries) GetPosition(_ context.Context, _, _ string) (domain.Position, error) {
	return f.position, f.posErr
}

func (f *fakeQueries) ListPositions(_ context.Context, _ string, _ domain.ListOpts) ([]domain.Position, error) {
	return f.positions, nil
}

func (f *fakeQueries) List(_ context.Context, _ domain.MarketStatus, _ domain.ListOpts) ([]domain.Market, error) {
	return []domain.Market{f.market}, nil
}

func (f *fakeQueries) Count(_ context.Context) (int64, error) {
	return 1, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newRequest builds a request with a topic path value and optional caller.
func newRequest(method, target, caller, body string) *http.Request {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if caller != "" {
		r.Header.Set("X-Account", caller)
	}
	return r
}

func TestPlaceStakeStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		caller     string
		body       string
		stakeErr   error
		wantStatus int
	}{
		{"created", "alice", `{"side":"a","amount":100}`, nil, http.StatusCreated},
		{"missing caller", "", `{"side":"a","amount":100}`, nil, http.StatusBadRequest},
		{"bad side", "alice", `{"side":"yes","amount":100}`, nil, http.StatusBadRequest},
		{"bad body", "alice", `{"side":`, nil, http.StatusBadRequest},
		{"unknown market", "alice", `{"side":"a","amount":100}`, domain.ErrNotFound, http.StatusNotFound},
		{"market closed", "alice", `{"side":"a","amount":100}`, domain.ErrMarketClosed, http.StatusConflict},
		{"duplicate stake", "alice", `{"side":"a","amount":100}`, domain.ErrDuplicateStake, http.StatusConflict},
		{"zero amount", "alice", `{"side":"a","amount":0}`, domain.ErrInvalidStake, http.StatusBadRequest},
		{"transfer failed", "alice", `{"side":"a","amount":100}`, domain.ErrTransferFailed, http.StatusServiceUnavailable},
		{"lock contention", "alice", `{"side":"a","amount":100}`, domain.ErrLockHeld, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewEscrowHandler(&fakeEngine{stakeErr: tt.stakeErr}, &fakeQueries{}, discardLogger())

			r := newRequest(http.MethodPost, "/api/markets/duel/stakes", tt.caller, tt.body)
			r.SetPathValue("topic", "duel")
			w := httptest.NewRecorder()

			h.PlaceStake(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body: %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestClaimStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		claimErr   error
		wantStatus int
	}{
		{"paid", nil, http.StatusOK},
		{"not settled", domain.ErrNotSettled, http.StatusConflict},
		{"already claimed", domain.ErrAlreadyClaimed, http.StatusConflict},
		{"losing side", domain.ErrNotWinningSide, http.StatusConflict},
		{"empty winning pool", domain.ErrNoWinningStake, http.StatusConflict},
		{"no position", domain.ErrNotFound, http.StatusNotFound},
		{"payout failed", domain.ErrTransferFailed, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewEscrowHandler(&fakeEngine{claimErr: tt.claimErr, reward: 380}, &fakeQueries{}, discardLogger())

			r := newRequest(http.MethodPost, "/api/markets/duel/claims", "bob", "")
			r.SetPathValue("topic", "duel")
			w := httptest.NewRecorder()

			h.Claim(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body: %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestClaimResponseBody(t *testing.T) {
	h := NewEscrowHandler(&fakeEngine{reward: 380}, &fakeQueries{}, discardLogger())

	r := newRequest(http.MethodPost, "/api/markets/duel/claims", "bob", "")
	r.SetPathValue("topic", "duel")
	w := httptest.NewRecorder()

	h.Claim(w, r)

	var resp struct {
		Topic  string `json:"topic"`
		Owner  string `json:"owner"`
		Reward uint64 `json:"reward"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Reward != 380 || resp.Owner != "bob" || resp.Topic != "duel" {
		t.Errorf("response = %+v, want reward 380 for bob on duel", resp)
	}
}

func TestGetPosition(t *testing.T) {
	q := &fakeQueries{
		market:   domain.Market{ID: "m1", Topic: "duel"},
		position: domain.Position{MarketID: "m1", Owner: "alice", Side: domain.SideA, Amount: 100},
	}
	h := NewEscrowHandler(&fakeEngine{}, q, discardLogger())

	r := newRequest(http.MethodGet, "/api/markets/duel/positions/alice", "", "")
	r.SetPathValue("topic", "duel")
	r.SetPathValue("owner", "alice")
	w := httptest.NewRecorder()

	h.GetPosition(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	t.Run("missing position is 404", func(t *testing.T) {
		q.posErr = domain.ErrNotFound
		r := newRequest(http.MethodGet, "/api/markets/duel/positions/nobody", "", "")
		r.SetPathValue("topic", "duel")
		r.SetPathValue("owner", "nobody")
		w := httptest.NewRecorder()

		h.GetPosition(w, r)

		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}
