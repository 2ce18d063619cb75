package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/inaiurai/credits/internal/ledger"
	"github.com/inaiurai/credits/internal/middleware"
	"github.com/inaiurai/credits/internal/models"
)

// CreditLedger is the subset of the ledger engine served over HTTP.
type CreditLedger interface {
	Apply(ctx context.Context, in ledger.ApplyInput) (*ledger.Result, error)
	AdjustCredits(ctx context.Context, in ledger.AdjustInput) (*ledger.Result, error)
	GetBalance(ctx context.Context, workspaceID uuid.UUID) (*models.Balance, error)
	ListLedger(ctx context.Context, workspaceID uuid.UUID, page models.Page) ([]*models.LedgerEntry, error)
}

// CreditHandler serves workspace balance, ledger, usage and adjustment endpoints.
type CreditHandler struct {
	Ledger    CreditLedger
	Validator *Validator
	Logger    *slog.Logger
}

type applyResponse struct {
	Outcome   ledger.Outcome      `json:"outcome"`
	Entry     *models.LedgerEntry `json:"entry,omitempty"`
	Shortfall int64               `json:"shortfall,omitempty"`
}

func newApplyResponse(res *ledger.Result) applyResponse {
	return applyResponse{Outcome: res.Outcome, Entry: res.Entry, Shortfall: res.Shortfall}
}

// --- GET /v1/workspaces/{id}/balance ---

func (h *CreditHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	bal, err := h.Ledger.GetBalance(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// --- GET /v1/workspaces/{id}/ledger ---

type ledgerResponse struct {
	Entries []*models.LedgerEntry `json:"entries"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

func (h *CreditHandler) ListLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	page, ok := pageParams(w, r)
	if !ok {
		return
	}
	entries, err := h.Ledger.ListLedger(r.Context(), id, page)
	if err != nil {
		writeError(w, h.Logger, "list ledger", err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, ledgerResponse{Entries: entries, Limit: page.Limit, Offset: page.Offset})
}

// --- POST /v1/workspaces/{id}/usage ---

type usageRequest struct {
	Amount      int64  `json:"amount"`
	ReferenceID string `json:"reference_id"`
	Description string `json:"description"`
}

// RecordUsage debits metered usage. A reference_id makes the call idempotent.
func (h *CreditHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req usageRequest
	if err := h.Validator.Decode(r, SchemaUsage, &req); err != nil {
		writeError(w, h.Logger, "decode usage", err)
		return
	}
	in := ledger.ApplyInput{
		WorkspaceID: id,
		Amount:      -req.Amount,
		Kind:        models.EntryUsage,
		Description: req.Description,
		ActorID:     actorID(r),
	}
	if req.ReferenceID != "" {
		in.ReferenceID, in.ReferenceKind = req.ReferenceID, models.RefUsage
	}
	if in.Description == "" {
		in.Description = "usage"
	}
	res, err := h.Ledger.Apply(r.Context(), in)
	if err != nil {
		writeError(w, h.Logger, "record usage", err)
		return
	}
	writeJSON(w, http.StatusOK, newApplyResponse(res))
}

// --- POST /v1/admin/workspaces/{id}/adjustments ---

type adjustmentRequest struct {
	Amount         int64            `json:"amount"`
	Direction      ledger.Direction `json:"direction"`
	Reason         string           `json:"reason"`
	IdempotencyKey string           `json:"idempotency_key"`
}

func (h *CreditHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	admin := actorID(r)
	if admin == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req adjustmentRequest
	if err := h.Validator.Decode(r, SchemaAdjustment, &req); err != nil {
		writeError(w, h.Logger, "decode adjustment", err)
		return
	}
	res, err := h.Ledger.AdjustCredits(r.Context(), ledger.AdjustInput{
		WorkspaceID:    id,
		Amount:         req.Amount,
		Direction:      req.Direction,
		Reason:         req.Reason,
		AdminID:        *admin,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, h.Logger, "adjust credits", err)
		return
	}
	status := http.StatusCreated
	if res.Outcome == ledger.AlreadyApplied {
		status = http.StatusOK
	}
	writeJSON(w, status, newApplyResponse(res))
}

// pathID parses the {id} path value, writing 400 when it is not a UUID.
func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func pageParams(w http.ResponseWriter, r *http.Request) (models.Page, bool) {
	var page models.Page
	q := r.URL.Query()
	for key, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, `{"error":"invalid `+key+`"}`, http.StatusBadRequest)
			return page, false
		}
		*dst = n
	}
	return page.Normalize(), true
}

func actorID(r *http.Request) *uuid.UUID {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		return nil
	}
	id := p.UserID
	return &id
}
