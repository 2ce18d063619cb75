package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/inaiurai/credits/internal/ledger"
	"github.com/inaiurai/credits/internal/models"
	"github.com/inaiurai/credits/internal/refunds"
)

type Refunder interface {
	IssueRefund(ctx context.Context, in refunds.IssueInput) (*refunds.IssueResult, error)
}

type Subscriptions interface {
	Cancel(ctx context.Context, id uuid.UUID, expectedVersion int64, atPeriodEnd bool, adminID uuid.UUID) (*models.Subscription, error)
	Reactivate(ctx context.Context, id uuid.UUID, adminID uuid.UUID) (*models.Subscription, error)
}

// BillingHandler serves admin refund and subscription endpoints.
type BillingHandler struct {
	Refunds       Refunder
	Subscriptions Subscriptions
	Validator     *Validator
	Logger        *slog.Logger
}

// --- POST /v1/admin/refunds ---

type refundRequest struct {
	WorkspaceID         uuid.UUID `json:"workspace_id"`
	PurchaseReferenceID string    `json:"purchase_reference_id"`
	Amount              int64     `json:"amount"`
	IdempotencyKey      string    `json:"idempotency_key"`
}

type refundResponse struct {
	RefundID  string              `json:"refund_id"`
	Amount    int64               `json:"amount"`
	Status    string              `json:"status"`
	Outcome   ledger.Outcome      `json:"outcome,omitempty"`
	Entry     *models.LedgerEntry `json:"entry,omitempty"`
	Shortfall int64               `json:"shortfall,omitempty"`
}

// IssueRefund refunds at the processor. A refund the processor has not confirmed yet
// is answered with 202 and reconciled when its webhook arrives.
func (h *BillingHandler) IssueRefund(w http.ResponseWriter, r *http.Request) {
	admin := actorID(r)
	if admin == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req refundRequest
	if err := h.Validator.Decode(r, SchemaRefund, &req); err != nil {
		writeError(w, h.Logger, "decode refund", err)
		return
	}
	out, err := h.Refunds.IssueRefund(r.Context(), refunds.IssueInput{
		WorkspaceID:         req.WorkspaceID,
		PurchaseReferenceID: req.PurchaseReferenceID,
		Amount:              req.Amount,
		AdminID:             *admin,
		IdempotencyKey:      req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, h.Logger, "issue refund", err)
		return
	}
	resp := refundResponse{RefundID: out.Refund.ID, Amount: out.Refund.Amount, Status: "pending"}
	if out.Result == nil {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	resp.Status = "succeeded"
	resp.Outcome, resp.Entry, resp.Shortfall = out.Result.Outcome, out.Result.Entry, out.Result.Shortfall
	writeJSON(w, http.StatusOK, resp)
}

// --- POST /v1/admin/subscriptions/{id}/cancel ---

type cancelRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
	AtPeriodEnd     bool  `json:"at_period_end"`
}

func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	admin := actorID(r)
	if admin == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req cancelRequest
	if err := h.Validator.Decode(r, SchemaCancel, &req); err != nil {
		writeError(w, h.Logger, "decode cancel", err)
		return
	}
	sub, err := h.Subscriptions.Cancel(r.Context(), id, req.ExpectedVersion, req.AtPeriodEnd, *admin)
	if err != nil {
		writeError(w, h.Logger, "cancel subscription", err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// --- POST /v1/admin/subscriptions/{id}/reactivate ---

func (h *BillingHandler) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	admin := actorID(r)
	if admin == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	sub, err := h.Subscriptions.Reactivate(r.Context(), id, *admin)
	if err != nil {
		writeError(w, h.Logger, "reactivate subscription", err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}
