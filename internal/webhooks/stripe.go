// Package webhooks receives payment processor notifications.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/inaiurai/credits/internal/billing"
	"github.com/inaiurai/credits/internal/jobs"
	"github.com/inaiurai/credits/internal/metrics"
	"github.com/inaiurai/credits/internal/models"
	"github.com/inaiurai/credits/internal/repository"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

type EventStore interface {
	InsertTx(ctx context.Context, tx pgx.Tx, e *models.PaymentEvent) error
}

// StripeHandler verifies, stores and enqueues Stripe events. Processing happens in
// the process_payment_event job, so a delivery is acknowledged once it is durable.
type StripeHandler struct {
	secret string
	db     repository.TxBeginner
	events EventStore
	insert jobs.InsertTxFunc
	log    *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

type receivedResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

func NewStripeHandler(secret string, db repository.TxBeginner, events EventStore, insert jobs.InsertTxFunc, logger *slog.Logger) *StripeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeHandler{secret: secret, db: db, events: events, insert: insert, log: logger}
}

func (h *StripeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, errorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "failed to read request body"})
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "missing Stripe signature"})
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	if !billing.Handled(eventType) {
		h.log.Info("Stripe webhook ignored (unhandled type)", "event_id", event.ID, "event_type", eventType)
		writeJSON(w, status, receivedResponse{Received: true})
		return
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "event has no data object"})
		return
	}

	duplicate, err := h.store(r.Context(), &models.PaymentEvent{
		ID:       event.ID,
		Provider: "stripe",
		Type:     eventType,
		Payload:  json.RawMessage(event.Data.Raw),
	})
	if err != nil {
		h.log.Error("Stripe webhook could not be stored", "event_id", event.ID, "event_type", eventType, "error", err)
		status = http.StatusInternalServerError
		writeJSON(w, status, errorResponse{Error: "internal error, please retry"})
		return
	}
	if duplicate {
		h.log.Debug("Stripe webhook already received", "event_id", event.ID, "event_type", eventType)
	}
	writeJSON(w, status, receivedResponse{Received: true, Duplicate: duplicate})
}

// store persists the event and its processing job in one transaction.
func (h *StripeHandler) store(ctx context.Context, ev *models.PaymentEvent) (duplicate bool, err error) {
	tx, err := h.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if err := h.events.InsertTx(ctx, tx, ev); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			return true, nil
		}
		return false, err
	}
	if err := h.insert(ctx, tx, jobs.ProcessPaymentEventArgs{EventID: ev.ID}); err != nil {
		return false, err
	}
	return false, tx.Commit(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
