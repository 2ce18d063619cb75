package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/credits/internal/models"
)

type AffiliateRepo struct{ s *Store }

func (s *Store) Affiliates() *AffiliateRepo { return &AffiliateRepo{s: s} }

func (r *AffiliateRepo) Create(_ context.Context, a *models.Affiliate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.affiliates {
		if existing.ID == a.ID || existing.UserID == a.UserID {
			return models.ErrDuplicate
		}
	}
	now := time.Now()
	a.TotalEarnings, a.PendingEarnings, a.PaidEarnings = 0, 0, 0
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	r.s.affiliates[a.ID] = &cp
	return nil
}

func (r *AffiliateRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Affiliate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.affiliates[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *AffiliateRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Affiliate, error) {
	if err := r.s.lock(ctx, tx, "affiliate/"+id.String()); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// update applies fn to the stored affiliate if ok reports true for it.
func (r *AffiliateRepo) update(tx pgx.Tx, id uuid.UUID, ok func(*models.Affiliate) bool, fn func(*models.Affiliate)) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, found := r.s.affiliates[id]
	if !found {
		return false, models.ErrNotFound
	}
	if !ok(a) {
		return false, nil
	}
	prev := *a
	fn(a)
	a.UpdatedAt = time.Now()
	onRollback(tx, func() { *a = prev })
	return true, nil
}

func (r *AffiliateRepo) AddPendingTx(_ context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error {
	_, err := r.update(tx, id, func(*models.Affiliate) bool { return true }, func(a *models.Affiliate) {
		a.PendingEarnings += amount
		a.TotalEarnings += amount
	})
	return err
}

func (r *AffiliateRepo) DeductPendingTx(_ context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (bool, error) {
	return r.update(tx, id, func(a *models.Affiliate) bool { return a.PendingEarnings >= amount }, func(a *models.Affiliate) {
		a.PendingEarnings -= amount
		a.TotalEarnings -= amount
	})
}

func (r *AffiliateRepo) PayFromPendingTx(_ context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (bool, error) {
	return r.update(tx, id, func(a *models.Affiliate) bool { return a.PendingEarnings >= amount }, func(a *models.Affiliate) {
		a.PendingEarnings -= amount
		a.PaidEarnings += amount
	})
}

func (r *AffiliateRepo) CreateReferral(_ context.Context, ref *models.Referral) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.referrals[ref.ReferredUserID]; ok {
		return models.ErrDuplicate
	}
	ref.CreatedAt = time.Now()
	cp := *ref
	r.s.referrals[ref.ReferredUserID] = &cp
	return nil
}

func (r *AffiliateRepo) GetReferral(_ context.Context, referredUserID uuid.UUID) (*models.Referral, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ref, ok := r.s.referrals[referredUserID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *ref
	return &cp, nil
}
