package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/credits/internal/models"
)

type PayoutRepo struct{ s *Store }

func (s *Store) Payouts() *PayoutRepo { return &PayoutRepo{s: s} }

func (r *PayoutRepo) CreateTx(_ context.Context, tx pgx.Tx, p *models.PayoutRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.payouts[p.ID]; ok {
		return models.ErrDuplicate
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	r.s.payouts[p.ID] = &cp
	r.s.payoutOrder = append(r.s.payoutOrder, p.ID)
	onRollback(tx, func() {
		delete(r.s.payouts, cp.ID)
		for i, id := range r.s.payoutOrder {
			if id == cp.ID {
				r.s.payoutOrder = append(r.s.payoutOrder[:i], r.s.payoutOrder[i+1:]...)
				break
			}
		}
	})
	return nil
}

func (r *PayoutRepo) GetByID(_ context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.payouts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *PayoutRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.PayoutRequest, error) {
	if err := r.s.lock(ctx, tx, "payout/"+id.String()); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *PayoutRepo) SumOpenTx(_ context.Context, _ pgx.Tx, affiliateID uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var sum int64
	for _, p := range r.s.payouts {
		if p.AffiliateID == affiliateID && (p.Status == models.PayoutPending || p.Status == models.PayoutApproved) {
			sum += p.Amount
		}
	}
	return sum, nil
}

func (r *PayoutRepo) UpdateStatusTx(_ context.Context, tx pgx.Tx, p *models.PayoutRequest, from models.PayoutStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.payouts[p.ID]
	if !ok || cur.Status != from {
		return false, nil
	}
	prev := *cur
	cur.Status, cur.RejectReason, cur.DecidedBy = p.Status, p.RejectReason, p.DecidedBy
	cur.UpdatedAt = time.Now()
	p.UpdatedAt = cur.UpdatedAt
	onRollback(tx, func() { *cur = prev })
	return true, nil
}

func (r *PayoutRepo) ListByAffiliate(_ context.Context, affiliateID uuid.UUID, page models.Page) ([]*models.PayoutRequest, error) {
	page = page.Normalize()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.PayoutRequest
	skipped := 0
	for i := len(r.s.payoutOrder) - 1; i >= 0 && len(list) < page.Limit; i-- {
		p := r.s.payouts[r.s.payoutOrder[i]]
		if p == nil || p.AffiliateID != affiliateID {
			continue
		}
		if skipped < page.Offset {
			skipped++
			continue
		}
		cp := *p
		list = append(list, &cp)
	}
	return list, nil
}
