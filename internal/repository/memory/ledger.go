package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/credits/internal/models"
)

type LedgerRepo struct{ s *Store }

func (s *Store) Ledger() *LedgerRepo { return &LedgerRepo{s: s} }

func refKey(id, kind string) string { return kind + "\x00" + id }

func (r *LedgerRepo) InsertTx(_ context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.HasReference() {
		if _, dup := r.s.ledgerRefs[refKey(e.ReferenceID, e.ReferenceKind)]; dup {
			return models.ErrDuplicate
		}
	}
	e.CreatedAt = time.Now()
	cp := *e
	r.s.ledger = append(r.s.ledger, &cp)
	if e.HasReference() {
		r.s.ledgerRefs[refKey(e.ReferenceID, e.ReferenceKind)] = &cp
	}
	onRollback(tx, func() {
		for i, le := range r.s.ledger {
			if le == &cp {
				r.s.ledger = append(r.s.ledger[:i], r.s.ledger[i+1:]...)
				break
			}
		}
		if cp.HasReference() {
			delete(r.s.ledgerRefs, refKey(cp.ReferenceID, cp.ReferenceKind))
		}
	})
	return nil
}

func (r *LedgerRepo) GetByReference(_ context.Context, refID, refKind string) (*models.LedgerEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.ledgerRefs[refKey(refID, refKind)]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *LedgerRepo) GetByReferenceTx(ctx context.Context, _ pgx.Tx, refID, refKind string) (*models.LedgerEntry, error) {
	return r.GetByReference(ctx, refID, refKind)
}

func (r *LedgerRepo) ListByWorkspace(_ context.Context, workspaceID uuid.UUID, page models.Page) ([]*models.LedgerEntry, error) {
	page = page.Normalize()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.LedgerEntry
	skipped := 0
	for i := len(r.s.ledger) - 1; i >= 0 && len(list) < page.Limit; i-- {
		e := r.s.ledger[i]
		if e.WorkspaceID != workspaceID {
			continue
		}
		if skipped < page.Offset {
			skipped++
			continue
		}
		cp := *e
		list = append(list, &cp)
	}
	return list, nil
}

func (r *LedgerRepo) ListChronological(_ context.Context, workspaceID uuid.UUID) ([]*models.LedgerEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.LedgerEntry
	for _, e := range r.s.ledger {
		if e.WorkspaceID == workspaceID {
			cp := *e
			list = append(list, &cp)
		}
	}
	return list, nil
}

// Len returns the total number of ledger entries.
func (r *LedgerRepo) Len() int {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.ledger)
}
