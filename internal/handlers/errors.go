package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/inaiurai/credits/internal/commission"
	"github.com/inaiurai/credits/internal/ledger"
	"github.com/inaiurai/credits/internal/models"
	"github.com/inaiurai/credits/internal/subscription"
)

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// writeError maps a service error to a status and an actionable message.
// Unclassified errors are logged and reported as a retryable 500 without internals.
func writeError(w http.ResponseWriter, log *slog.Logger, op string, err error) {
	var minErr *commission.MinimumError
	switch {
	case errors.Is(err, ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: "insufficient credits"})
	case errors.Is(err, ledger.ErrBalanceOverflow):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "balance would exceed the maximum allowed"})
	case errors.As(err, &minErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: minErr.Error()})
	case errors.Is(err, commission.ErrPayoutExceedsBalance):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, commission.ErrPayoutFinalized):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "payout request is already finalized"})
	case errors.Is(err, subscription.ErrVersionConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "subscription was modified, reload and retry"})
	case errors.Is(err, subscription.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrUnknownReference):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "referenced purchase has not been applied yet", Retryable: true})
	case errors.Is(err, models.ErrInvalidAmount), errors.Is(err, models.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	default:
		log.Error(op, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error, please retry", Retryable: true})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
