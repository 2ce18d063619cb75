package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/credits/internal/models"
)

type CommissionRepo struct{ s *Store }

func (s *Store) Commissions() *CommissionRepo { return &CommissionRepo{s: s} }

func (r *CommissionRepo) InsertTx(_ context.Context, tx pgx.Tx, c *models.Commission) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.commissions {
		if existing.ReferenceID == c.ReferenceID && existing.TransactionKind == c.TransactionKind {
			return models.ErrDuplicate
		}
	}
	c.CreatedAt = time.Now()
	cp := *c
	r.s.commissions = append(r.s.commissions, &cp)
	onRollback(tx, func() {
		for i, existing := range r.s.commissions {
			if existing == &cp {
				r.s.commissions = append(r.s.commissions[:i], r.s.commissions[i+1:]...)
				break
			}
		}
	})
	return nil
}

func (r *CommissionRepo) ListByReferenceForUpdateTx(ctx context.Context, tx pgx.Tx, referenceID string) ([]*models.Commission, error) {
	r.s.mu.Lock()
	var ids []uuid.UUID
	for _, c := range r.s.commissions {
		if c.ReferenceID == referenceID {
			ids = append(ids, c.ID)
		}
	}
	r.s.mu.Unlock()

	var list []*models.Commission
	for _, id := range ids {
		if err := r.s.lock(ctx, tx, "commission/"+id.String()); err != nil {
			return nil, err
		}
		r.s.mu.Lock()
		for _, c := range r.s.commissions {
			if c.ID == id {
				cp := *c
				list = append(list, &cp)
			}
		}
		r.s.mu.Unlock()
	}
	return list, nil
}

func (r *CommissionRepo) ListByAffiliate(_ context.Context, affiliateID uuid.UUID, page models.Page) ([]*models.Commission, error) {
	page = page.Normalize()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.Commission
	skipped := 0
	for i := len(r.s.commissions) - 1; i >= 0 && len(list) < page.Limit; i-- {
		c := r.s.commissions[i]
		if c.AffiliateID != affiliateID {
			continue
		}
		if skipped < page.Offset {
			skipped++
			continue
		}
		cp := *c
		list = append(list, &cp)
	}
	return list, nil
}

func (r *CommissionRepo) InsertReversalTx(_ context.Context, tx pgx.Tx, rev *models.CommissionReversal) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.reversals {
		if existing.CommissionID == rev.CommissionID && existing.RefundReferenceID == rev.RefundReferenceID {
			return models.ErrDuplicate
		}
	}
	var commission *models.Commission
	for _, c := range r.s.commissions {
		if c.ID == rev.CommissionID {
			commission = c
		}
	}
	if commission == nil {
		return models.ErrNotFound
	}
	rev.CreatedAt = time.Now()
	cp := *rev
	r.s.reversals = append(r.s.reversals, &cp)
	commission.ReversedAmount += rev.FromPending + rev.Clawback
	onRollback(tx, func() {
		commission.ReversedAmount -= cp.FromPending + cp.Clawback
		for i, existing := range r.s.reversals {
			if existing == &cp {
				r.s.reversals = append(r.s.reversals[:i], r.s.reversals[i+1:]...)
				break
			}
		}
	})
	return nil
}

func (r *CommissionRepo) InsertClawbackTx(_ context.Context, tx pgx.Tx, c *models.Clawback) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c.CreatedAt = time.Now()
	cp := *c
	r.s.clawbacks = append(r.s.clawbacks, &cp)
	onRollback(tx, func() {
		for i, existing := range r.s.clawbacks {
			if existing == &cp {
				r.s.clawbacks = append(r.s.clawbacks[:i], r.s.clawbacks[i+1:]...)
				break
			}
		}
	})
	return nil
}

func (r *CommissionRepo) ListOpenClawbacks(_ context.Context, page models.Page) ([]*models.Clawback, error) {
	page = page.Normalize()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.Clawback
	skipped := 0
	for _, c := range r.s.clawbacks {
		if len(list) >= page.Limit {
			break
		}
		if c.Status != models.ClawbackOpen {
			continue
		}
		if skipped < page.Offset {
			skipped++
			continue
		}
		cp := *c
		list = append(list, &cp)
	}
	return list, nil
}
