package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/credits/internal/models"
)

type SubscriptionRepo struct{ s *Store }

func (s *Store) Subscriptions() *SubscriptionRepo { return &SubscriptionRepo{s: s} }

func (r *SubscriptionRepo) Create(_ context.Context, sub *models.Subscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.subscriptions {
		if existing.ExternalID == sub.ExternalID {
			return models.ErrDuplicate
		}
	}
	now := time.Now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	cp := *sub
	r.s.subscriptions[sub.ID] = &cp
	return nil
}

func (r *SubscriptionRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subscriptions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (r *SubscriptionRepo) GetByExternalID(_ context.Context, externalID string) (*models.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sub := range r.s.subscriptions {
		if sub.ExternalID == externalID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *SubscriptionRepo) CompareAndSwap(_ context.Context, sub *models.Subscription, expectedVersion int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.subscriptions[sub.ID]
	if !ok || cur.Version != expectedVersion {
		return false, nil
	}
	cur.Status = sub.Status
	cur.PlanID = sub.PlanID
	cur.CurrentPeriodStart = sub.CurrentPeriodStart
	cur.CurrentPeriodEnd = sub.CurrentPeriodEnd
	cur.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	cur.Version++
	cur.UpdatedAt = time.Now()
	sub.Version, sub.UpdatedAt = cur.Version, cur.UpdatedAt
	return true, nil
}
