package memory

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/credits/internal/models"
)

type RefundRepo struct{ s *Store }

func (s *Store) Refunds() *RefundRepo { return &RefundRepo{s: s} }

func (r *RefundRepo) InsertReconciliationTx(_ context.Context, tx pgx.Tx, rec *models.RefundReconciliation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.reconciliations[rec.RefundReferenceID]; ok {
		return models.ErrDuplicate
	}
	rec.CreatedAt = time.Now()
	cp := *rec
	r.s.reconciliations[rec.RefundReferenceID] = &cp
	onRollback(tx, func() { delete(r.s.reconciliations, cp.RefundReferenceID) })
	return nil
}

func (r *RefundRepo) GetReconciliation(_ context.Context, refundReferenceID string) (*models.RefundReconciliation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.reconciliations[refundReferenceID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *RefundRepo) InsertPaymentLinkTx(_ context.Context, tx pgx.Tx, l *models.PaymentLink) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.paymentLinks[l.PaymentReferenceID]; ok {
		return nil
	}
	l.CreatedAt = time.Now()
	cp := *l
	r.s.paymentLinks[l.PaymentReferenceID] = &cp
	onRollback(tx, func() { delete(r.s.paymentLinks, cp.PaymentReferenceID) })
	return nil
}

func (r *RefundRepo) GetPaymentLink(_ context.Context, paymentReferenceID string) (*models.PaymentLink, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.paymentLinks[paymentReferenceID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *l
	return &cp, nil
}
