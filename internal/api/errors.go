package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/theguild/guild-engine/internal/follow"
	"github.com/theguild/guild-engine/internal/ingest"
	"github.com/theguild/guild-engine/internal/ledger"
	"github.com/theguild/guild-engine/internal/model"
	"github.com/theguild/guild-engine/internal/position"
	"github.com/theguild/guild-engine/internal/store"
)

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, position.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidWallet):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, position.ErrNotFound),
		errors.Is(err, follow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, position.ErrAlreadyResolved),
		errors.Is(err, follow.ErrAlreadyFollowing),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, ingest.ErrLockHeld):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeDomainError writes err with its mapped status. Internal errors are
// logged and not echoed to the client.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
