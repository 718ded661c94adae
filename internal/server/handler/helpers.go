package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/duelpool/duelpool/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain sentinel errors onto HTTP status codes and
// writes the response. Unrecognized errors become a generic 500 so internal
// detail never leaks to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, domain.ErrDuplicateStake):
		writeError(w, http.StatusConflict, "account already staked on this market")
	case errors.Is(err, domain.ErrMarketClosed):
		writeError(w, http.StatusConflict, "market is closed to staking")
	case errors.Is(err, domain.ErrAlreadySettled):
		writeError(w, http.StatusConflict, "market already settled")
	case errors.Is(err, domain.ErrNotSettled):
		writeError(w, http.StatusConflict, "market not settled yet")
	case errors.Is(err, domain.ErrAlreadyClaimed):
		writeError(w, http.StatusConflict, "reward already claimed")
	case errors.Is(err, domain.ErrNotWinningSide):
		writeError(w, http.StatusConflict, "position is not on the winning side")
	case errors.Is(err, domain.ErrNoWinningStake):
		writeError(w, http.StatusConflict, "no stake on the winning side")
	case errors.Is(err, domain.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not authorized")
	case errors.Is(err, domain.ErrInvalidStake):
		writeError(w, http.StatusBadRequest, "invalid stake")
	case errors.Is(err, domain.ErrLockHeld):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "operation in progress, retry shortly")
	case errors.Is(err, domain.ErrTransferFailed):
		// The only retriable failure: funds did not move.
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "transfer failed, retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseListOpts extracts standard pagination parameters from the query
// string. Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter using Go 1.22+ routing.
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// callerAccount identifies the requesting account from the X-Account header.
// Ledger accounts are opaque strings; the API key middleware has already
// authenticated the client by the time this is read.
func callerAccount(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Account"))
}

// decodeBody decodes a JSON request body into dst, rejecting unknown fields.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
