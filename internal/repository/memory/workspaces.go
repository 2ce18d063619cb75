package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/credits/internal/models"
)

type WorkspaceRepo struct{ s *Store }

func (s *Store) Workspaces() *WorkspaceRepo { return &WorkspaceRepo{s: s} }

func (r *WorkspaceRepo) Create(_ context.Context, w *models.Workspace) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.workspaces[w.ID]; ok {
		return models.ErrDuplicate
	}
	now := time.Now()
	w.CreditBalance, w.AllocatedCredits, w.PurchasedCredits = 0, 0, 0
	w.CreatedAt, w.UpdatedAt = now, now
	cp := *w
	r.s.workspaces[w.ID] = &cp
	return nil
}

func (r *WorkspaceRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Workspace, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.workspaces[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (r *WorkspaceRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Workspace, error) {
	if err := r.s.lock(ctx, tx, "workspace/"+id.String()); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *WorkspaceRepo) UpdateBalancesTx(_ context.Context, tx pgx.Tx, w *models.Workspace) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.workspaces[w.ID]
	if !ok {
		return models.ErrNotFound
	}
	prev := *cur
	now := time.Now()
	w.CreditBalance = w.AllocatedCredits + w.PurchasedCredits
	w.LastAdjustedAt, w.UpdatedAt = &now, now
	cur.AllocatedCredits, cur.PurchasedCredits, cur.CreditBalance = w.AllocatedCredits, w.PurchasedCredits, w.CreditBalance
	cur.LastAdjustedAt, cur.UpdatedAt = w.LastAdjustedAt, now
	onRollback(tx, func() { *cur = prev })
	return nil
}

func (r *WorkspaceRepo) ListIDs(context.Context) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(r.s.workspaces))
	for id := range r.s.workspaces {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// SetBalances overwrites a workspace's buckets without a ledger entry.
// Tests use it to simulate drift.
func (r *WorkspaceRepo) SetBalances(id uuid.UUID, allocated, purchased int64) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if w, ok := r.s.workspaces[id]; ok {
		w.AllocatedCredits, w.PurchasedCredits = allocated, purchased
		w.CreditBalance = allocated + purchased
	}
}
