package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/credits/internal/metrics"
	"github.com/inaiurai/credits/internal/models"
)

// ErrVersionConflict means another writer changed the subscription since the caller read it.
// It is retryable: a background job that hits it goes back to the queue.
var ErrVersionConflict error = &conflictError{}

type conflictError struct{}

func (*conflictError) Error() string   { return "subscription was modified concurrently" }
func (*conflictError) Retryable() bool { return true }

var (
	// ErrInvalidTransition is returned for a status or flag change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid subscription transition")
)

// Store persists subscriptions. CompareAndSwap reports false on a version mismatch.
type Store interface {
	Create(ctx context.Context, s *models.Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.Subscription, error)
	CompareAndSwap(ctx context.Context, s *models.Subscription, expectedVersion int64) (bool, error)
}

// Processor is the payment processor side of admin cancel and reactivate.
type Processor interface {
	CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool) error
	ReactivateSubscription(ctx context.Context, externalID string) error
}

// Change is a requested update. Nil fields keep their current value.
type Change struct {
	Status             *models.SubscriptionStatus
	CancelAtPeriodEnd  *bool
	PlanID             *string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
}

// ToStatus is shorthand for a status-only change.
func ToStatus(status models.SubscriptionStatus) Change {
	return Change{Status: &status}
}

// SetCancelAtPeriodEnd is shorthand for a flag-only change.
func SetCancelAtPeriodEnd(v bool) Change {
	return Change{CancelAtPeriodEnd: &v}
}

// DecideFunc inspects the freshly read subscription and returns the change to attempt.
type DecideFunc func(cur *models.Subscription) (Change, error)

type Service interface {
	// Create stores a new subscription, or returns the existing one for the same
	// external id with created=false.
	Create(ctx context.Context, sub *models.Subscription) (result *models.Subscription, created bool, err error)
	Get(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.Subscription, error)
	Transition(ctx context.Context, id uuid.UUID, expectedVersion int64, change Change) (*models.Subscription, error)
	TransitionWithRetry(ctx context.Context, id uuid.UUID, decide DecideFunc, attempts int) (*models.Subscription, error)
	Cancel(ctx context.Context, id uuid.UUID, expectedVersion int64, atPeriodEnd bool, adminID uuid.UUID) (*models.Subscription, error)
	Reactivate(ctx context.Context, id uuid.UUID, adminID uuid.UUID) (*models.Subscription, error)
}

type service struct {
	store     Store
	processor Processor
	log       *slog.Logger
}

var _ Service = (*service)(nil)

func NewService(store Store, processor Processor, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{store: store, processor: processor, log: logger}
}

var transitions = map[models.SubscriptionStatus][]models.SubscriptionStatus{
	models.SubscriptionTrialing: {models.SubscriptionActive, models.SubscriptionPastDue, models.SubscriptionCanceled},
	models.SubscriptionActive:   {models.SubscriptionPastDue, models.SubscriptionCanceled},
	models.SubscriptionPastDue:  {models.SubscriptionActive, models.SubscriptionCanceled},
}

// CanTransition reports whether from may move to to. Staying put is always allowed
// except out of CANCELED, which is terminal.
func CanTransition(from, to models.SubscriptionStatus) bool {
	if from == models.SubscriptionCanceled {
		return to == models.SubscriptionCanceled
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func validStatus(s models.SubscriptionStatus) bool {
	switch s {
	case models.SubscriptionTrialing, models.SubscriptionActive, models.SubscriptionPastDue, models.SubscriptionCanceled:
		return true
	}
	return false
}

// applyChange returns the subscription that results from change, and whether anything differs.
func applyChange(cur *models.Subscription, change Change) (*models.Subscription, bool, error) {
	next := *cur
	if change.Status != nil {
		if !validStatus(*change.Status) {
			return nil, false, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, *change.Status)
		}
		if !CanTransition(cur.Status, *change.Status) {
			return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, *change.Status)
		}
		next.Status = *change.Status
	}
	if change.CancelAtPeriodEnd != nil && *change.CancelAtPeriodEnd != next.CancelAtPeriodEnd {
		if next.Status == models.SubscriptionCanceled {
			return nil, false, fmt.Errorf("%w: subscription is canceled", ErrInvalidTransition)
		}
		if *change.CancelAtPeriodEnd && next.Status != models.SubscriptionActive && next.Status != models.SubscriptionPastDue {
			return nil, false, fmt.Errorf("%w: cancel at period end requires active or past_due, got %s", ErrInvalidTransition, next.Status)
		}
		next.CancelAtPeriodEnd = *change.CancelAtPeriodEnd
	}
	if next.Status == models.SubscriptionCanceled {
		next.CancelAtPeriodEnd = false
	}
	if change.PlanID != nil {
		next.PlanID = *change.PlanID
	}
	if change.CurrentPeriodStart != nil {
		next.CurrentPeriodStart = change.CurrentPeriodStart
	}
	if change.CurrentPeriodEnd != nil {
		next.CurrentPeriodEnd = change.CurrentPeriodEnd
	}
	changed := next.Status != cur.Status ||
		next.CancelAtPeriodEnd != cur.CancelAtPeriodEnd ||
		next.PlanID != cur.PlanID ||
		!sameTime(next.CurrentPeriodStart, cur.CurrentPeriodStart) ||
		!sameTime(next.CurrentPeriodEnd, cur.CurrentPeriodEnd)
	return &next, changed, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (s *service) Create(ctx context.Context, sub *models.Subscription) (*models.Subscription, bool, error) {
	if sub.ExternalID == "" {
		return nil, false, fmt.Errorf("%w: external id required", models.ErrInvalidInput)
	}
	if !validStatus(sub.Status) {
		return nil, false, fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, sub.Status)
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	sub.Version = 0
	err := s.store.Create(ctx, sub)
	if errors.Is(err, models.ErrDuplicate) {
		existing, getErr := s.store.GetByExternalID(ctx, sub.ExternalID)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.log.Info("subscription created", "subscription_id", sub.ID, "workspace_id", sub.WorkspaceID,
		"external_id", sub.ExternalID, "status", sub.Status)
	return sub, true, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return s.store.GetByID(ctx, id)
}

func (s *service) GetByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	return s.store.GetByExternalID(ctx, externalID)
}

func (s *service) Transition(ctx context.Context, id uuid.UUID, expectedVersion int64, change Change) (*models.Subscription, error) {
	cur, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, s.conflict(cur, expectedVersion, change)
	}
	next, changed, err := applyChange(cur, change)
	if err != nil {
		metrics.SubscriptionTransitionsTotal.WithLabelValues(statusLabel(change, cur), "invalid").Inc()
		return nil, err
	}
	if !changed {
		return cur, nil
	}
	ok, err := s.store.CompareAndSwap(ctx, next, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update subscription %s: %w", id, err)
	}
	if !ok {
		return nil, s.conflict(cur, expectedVersion, change)
	}
	metrics.SubscriptionTransitionsTotal.WithLabelValues(string(next.Status), "ok").Inc()
	s.log.Info("subscription transitioned", "subscription_id", id, "from", cur.Status, "to", next.Status,
		"cancel_at_period_end", next.CancelAtPeriodEnd, "version", next.Version)
	return next, nil
}

func (s *service) conflict(cur *models.Subscription, expected int64, change Change) error {
	metrics.SubscriptionTransitionsTotal.WithLabelValues(statusLabel(change, cur), "conflict").Inc()
	s.log.Warn("subscription version conflict", "subscription_id", cur.ID, "expected_version", expected)
	return fmt.Errorf("%w: subscription %s expected version %d", ErrVersionConflict, cur.ID, expected)
}

func statusLabel(change Change, cur *models.Subscription) string {
	if change.Status != nil {
		return string(*change.Status)
	}
	return string(cur.Status)
}

func (s *service) TransitionWithRetry(ctx context.Context, id uuid.UUID, decide DecideFunc, attempts int) (*models.Subscription, error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		cur, err := s.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		change, err := decide(cur)
		if err != nil {
			return nil, err
		}
		next, err := s.Transition(ctx, id, cur.Version, change)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return next, err
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts", ErrVersionConflict, attempts)
}

// Cancel is destructive: a version mismatch aborts before the processor is called,
// and a conflict after the processor call is returned, not retried.
func (s *service) Cancel(ctx context.Context, id uuid.UUID, expectedVersion int64, atPeriodEnd bool, adminID uuid.UUID) (*models.Subscription, error) {
	cur, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, s.conflict(cur, expectedVersion, ToStatus(models.SubscriptionCanceled))
	}
	change := ToStatus(models.SubscriptionCanceled)
	if atPeriodEnd {
		change = SetCancelAtPeriodEnd(true)
	}
	if _, _, err := applyChange(cur, change); err != nil {
		return nil, err
	}
	if err := s.processor.CancelSubscription(ctx, cur.ExternalID, atPeriodEnd); err != nil {
		return nil, fmt.Errorf("processor cancel: %w", err)
	}
	next, err := s.Transition(ctx, id, expectedVersion, change)
	if err != nil {
		s.log.Warn("subscription canceled at processor but not locally", "subscription_id", id,
			"admin_id", adminID, "error", err)
		return nil, err
	}
	s.log.Info("subscription canceled by admin", "subscription_id", id, "admin_id", adminID, "at_period_end", atPeriodEnd)
	return next, nil
}

// Reactivate clears a scheduled cancellation. It is idempotent, so conflicts are retried.
func (s *service) Reactivate(ctx context.Context, id uuid.UUID, adminID uuid.UUID) (*models.Subscription, error) {
	cur, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == models.SubscriptionCanceled {
		return nil, fmt.Errorf("%w: subscription is canceled", ErrInvalidTransition)
	}
	if !cur.CancelAtPeriodEnd {
		return cur, nil
	}
	if err := s.processor.ReactivateSubscription(ctx, cur.ExternalID); err != nil {
		return nil, fmt.Errorf("processor reactivate: %w", err)
	}
	next, err := s.TransitionWithRetry(ctx, id, func(*models.Subscription) (Change, error) {
		return SetCancelAtPeriodEnd(false), nil
	}, 5)
	if err != nil {
		return nil, err
	}
	s.log.Info("subscription reactivated by admin", "subscription_id", id, "admin_id", adminID)
	return next, nil
}
