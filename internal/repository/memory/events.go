package memory

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/credits/internal/models"
)

type EventRepo struct{ s *Store }

func (s *Store) Events() *EventRepo { return &EventRepo{s: s} }

func (r *EventRepo) InsertTx(_ context.Context, tx pgx.Tx, e *models.PaymentEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.events[e.ID]; ok {
		return models.ErrDuplicate
	}
	e.ReceivedAt = time.Now()
	cp := *e
	r.s.events[e.ID] = &cp
	onRollback(tx, func() { delete(r.s.events, cp.ID) })
	return nil
}

func (r *EventRepo) GetByID(_ context.Context, id string) (*models.PaymentEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.events[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *EventRepo) MarkProcessed(_ context.Context, id string, procErr error) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.events[id]
	if !ok {
		return models.ErrNotFound
	}
	if procErr != nil {
		e.LastError = procErr.Error()
		return nil
	}
	now := time.Now()
	e.ProcessedAt, e.LastError = &now, ""
	return nil
}
