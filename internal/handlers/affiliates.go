package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/inaiurai/credits/internal/commission"
	"github.com/inaiurai/credits/internal/models"
)

// Affiliates is the subset of the commission engine served over HTTP.
type Affiliates interface {
	GetAffiliate(ctx context.Context, id uuid.UUID) (*commission.AffiliateSummary, error)
	ListCommissions(ctx context.Context, affiliateID uuid.UUID, page models.Page) ([]*models.Commission, error)
	ListPayouts(ctx context.Context, affiliateID uuid.UUID, page models.Page) ([]*models.PayoutRequest, error)
	RequestPayout(ctx context.Context, in commission.PayoutInput) (*models.PayoutRequest, error)
	ApprovePayout(ctx context.Context, payoutID, adminID uuid.UUID) (*models.PayoutRequest, error)
	RejectPayout(ctx context.Context, payoutID, adminID uuid.UUID, reason string) (*models.PayoutRequest, error)
	ProcessPayout(ctx context.Context, payoutID, adminID uuid.UUID) (*models.PayoutRequest, error)
	ListOpenClawbacks(ctx context.Context, page models.Page) ([]*models.Clawback, error)
}

// AffiliateHandler serves affiliate earnings and payout endpoints.
type AffiliateHandler struct {
	Affiliates Affiliates
	Validator  *Validator
	Logger     *slog.Logger
}

// --- GET /v1/affiliates/{id} ---

type affiliateResponse struct {
	*commission.AffiliateSummary
	Commissions []*models.Commission    `json:"recent_commissions"`
	Payouts     []*models.PayoutRequest `json:"recent_payouts"`
}

func (h *AffiliateHandler) GetAffiliate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	aff, err := h.Affiliates.GetAffiliate(ctx, id)
	if err != nil {
		writeError(w, h.Logger, "get affiliate", err)
		return
	}
	recent := models.Page{Limit: 20}
	comms, err := h.Affiliates.ListCommissions(ctx, id, recent)
	if err != nil {
		writeError(w, h.Logger, "list commissions", err)
		return
	}
	payouts, err := h.Affiliates.ListPayouts(ctx, id, recent)
	if err != nil {
		writeError(w, h.Logger, "list payouts", err)
		return
	}
	if comms == nil {
		comms = []*models.Commission{}
	}
	if payouts == nil {
		payouts = []*models.PayoutRequest{}
	}
	writeJSON(w, http.StatusOK, affiliateResponse{AffiliateSummary: aff, Commissions: comms, Payouts: payouts})
}

// --- POST /v1/affiliates/{id}/payouts ---

type payoutRequest struct {
	Amount      int64      `json:"amount"`
	Method      string     `json:"method"`
	WorkspaceID *uuid.UUID `json:"workspace_id"`
}

func (h *AffiliateHandler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req payoutRequest
	if err := h.Validator.Decode(r, SchemaPayout, &req); err != nil {
		writeError(w, h.Logger, "decode payout", err)
		return
	}
	p, err := h.Affiliates.RequestPayout(r.Context(), commission.PayoutInput{
		AffiliateID: id,
		Amount:      req.Amount,
		Method:      req.Method,
		WorkspaceID: req.WorkspaceID,
	})
	if err != nil {
		writeError(w, h.Logger, "request payout", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// --- POST /v1/admin/payouts/{id}/approve|reject|process ---

func (h *AffiliateHandler) ApprovePayout(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "approve payout", h.Affiliates.ApprovePayout)
}

func (h *AffiliateHandler) ProcessPayout(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "process payout", h.Affiliates.ProcessPayout)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *AffiliateHandler) RejectPayout(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := h.Validator.Decode(r, SchemaReject, &req); err != nil {
		writeError(w, h.Logger, "decode reject", err)
		return
	}
	h.decide(w, r, "reject payout", func(ctx context.Context, payoutID, adminID uuid.UUID) (*models.PayoutRequest, error) {
		return h.Affiliates.RejectPayout(ctx, payoutID, adminID, req.Reason)
	})
}

func (h *AffiliateHandler) decide(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, payoutID, adminID uuid.UUID) (*models.PayoutRequest, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	admin := actorID(r)
	if admin == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	p, err := fn(r.Context(), id, *admin)
	if err != nil {
		writeError(w, h.Logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- GET /v1/admin/clawbacks ---

func (h *AffiliateHandler) ListClawbacks(w http.ResponseWriter, r *http.Request) {
	page, ok := pageParams(w, r)
	if !ok {
		return
	}
	items, err := h.Affiliates.ListOpenClawbacks(r.Context(), page)
	if err != nil {
		writeError(w, h.Logger, "list clawbacks", err)
		return
	}
	if items == nil {
		items = []*models.Clawback{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"clawbacks": items})
}
