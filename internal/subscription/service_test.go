package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/credits/internal/models"
	"github.com/inaiurai/credits/internal/repository/memory"
)

// --- Processor mock ---

type mockProcessor struct {
	mu          sync.Mutex
	cancels     []string
	reactivates []string
	err         error
}

func (m *mockProcessor) CancelSubscription(_ context.Context, externalID string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.cancels = append(m.cancels, externalID)
	return nil
}

func (m *mockProcessor) ReactivateSubscription(_ context.Context, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.reactivates = append(m.reactivates, externalID)
	return nil
}

func newService(t *testing.T, status models.SubscriptionStatus) (Service, *mockProcessor, *models.Subscription) {
	t.Helper()
	store := memory.NewStore()
	proc := &mockProcessor{}
	svc := NewService(store.Subscriptions(), proc, nil)
	sub, created, err := svc.Create(context.Background(), &models.Subscription{
		WorkspaceID: uuid.New(), ExternalID: "sub_1", PlanID: "price_pro", Status: status,
	})
	require.NoError(t, err)
	require.True(t, created)
	return svc, proc, sub
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.SubscriptionStatus
		want     bool
	}{
		{models.SubscriptionTrialing, models.SubscriptionActive, true},
		{models.SubscriptionTrialing, models.SubscriptionCanceled, true},
		{models.SubscriptionActive, models.SubscriptionPastDue, true},
		{models.SubscriptionPastDue, models.SubscriptionActive, true},
		{models.SubscriptionActive, models.SubscriptionTrialing, false},
		{models.SubscriptionPastDue, models.SubscriptionTrialing, false},
		{models.SubscriptionCanceled, models.SubscriptionActive, false},
		{models.SubscriptionCanceled, models.SubscriptionCanceled, true},
		{models.SubscriptionActive, models.SubscriptionActive, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCreate_IdempotentByExternalID(t *testing.T) {
	svc, _, sub := newService(t, models.SubscriptionActive)
	again, created, err := svc.Create(context.Background(), &models.Subscription{
		WorkspaceID: sub.WorkspaceID, ExternalID: "sub_1", Status: models.SubscriptionActive,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, sub.ID, again.ID)
}

func TestTransition_BumpsVersion(t *testing.T) {
	ctx := context.Background()
	svc, _, sub := newService(t, models.SubscriptionActive)

	next, err := svc.Transition(ctx, sub.ID, 0, ToStatus(models.SubscriptionPastDue))
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionPastDue, next.Status)
	assert.Equal(t, int64(1), next.Version)

	_, err = svc.Transition(ctx, sub.ID, 0, ToStatus(models.SubscriptionActive))
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.True(t, models.IsRetryable(err))

	same, err := svc.Transition(ctx, sub.ID, 1, ToStatus(models.SubscriptionPastDue))
	require.NoError(t, err)
	assert.Equal(t, int64(1), same.Version, "no-op change does not write")
}

func TestTransition_InvalidAndTerminal(t *testing.T) {
	ctx := context.Background()
	svc, _, sub := newService(t, models.SubscriptionTrialing)

	_, err := svc.Transition(ctx, sub.ID, 0, SetCancelAtPeriodEnd(true))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	next, err := svc.Transition(ctx, sub.ID, 0, ToStatus(models.SubscriptionCanceled))
	require.NoError(t, err)

	_, err = svc.Transition(ctx, sub.ID, next.Version, ToStatus(models.SubscriptionActive))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.False(t, models.IsRetryable(err))
}

func TestTransition_CancelClearsFlag(t *testing.T) {
	ctx := context.Background()
	svc, _, sub := newService(t, models.SubscriptionActive)

	next, err := svc.Transition(ctx, sub.ID, 0, SetCancelAtPeriodEnd(true))
	require.NoError(t, err)
	assert.True(t, next.CancelAtPeriodEnd)

	next, err = svc.Transition(ctx, sub.ID, next.Version, ToStatus(models.SubscriptionCanceled))
	require.NoError(t, err)
	assert.False(t, next.CancelAtPeriodEnd)
}

func TestTransition_ConcurrentExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 20; round++ {
		svc, _, sub := newService(t, models.SubscriptionActive)

		var wg sync.WaitGroup
		results := make(chan error, 2)
		for _, to := range []models.SubscriptionStatus{models.SubscriptionPastDue, models.SubscriptionCanceled} {
			wg.Add(1)
			go func(to models.SubscriptionStatus) {
				defer wg.Done()
				_, err := svc.Transition(ctx, sub.ID, 0, ToStatus(to))
				results <- err
			}(to)
		}
		wg.Wait()
		close(results)

		var ok, conflicts int
		for err := range results {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrVersionConflict):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		require.Equal(t, 1, ok)
		require.Equal(t, 1, conflicts)

		final, err := svc.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), final.Version)
	}
}

func TestTransitionWithRetry_RereadsAfterConflict(t *testing.T) {
	ctx := context.Background()
	svc, _, sub := newService(t, models.SubscriptionActive)

	calls := 0
	next, err := svc.TransitionWithRetry(ctx, sub.ID, func(cur *models.Subscription) (Change, error) {
		calls++
		if calls == 1 {
			// Someone else writes between our read and our write.
			_, err := svc.Transition(ctx, sub.ID, cur.Version, ToStatus(models.SubscriptionPastDue))
			require.NoError(t, err)
		}
		return ToStatus(models.SubscriptionActive), nil
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, models.SubscriptionActive, next.Status)
	assert.Equal(t, int64(2), next.Version)
}

func TestCancel_AbortsOnStaleVersion(t *testing.T) {
	ctx := context.Background()
	svc, proc, sub := newService(t, models.SubscriptionActive)
	_, err := svc.Transition(ctx, sub.ID, 0, ToStatus(models.SubscriptionPastDue))
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, sub.ID, 0, false, uuid.New())
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Empty(t, proc.cancels, "processor must not be called on a stale version")
}

func TestCancel_Immediate(t *testing.T) {
	ctx := context.Background()
	svc, proc, sub := newService(t, models.SubscriptionActive)

	next, err := svc.Cancel(ctx, sub.ID, 0, false, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCanceled, next.Status)
	assert.Equal(t, []string{"sub_1"}, proc.cancels)
}

func TestCancel_ProcessorFailureLeavesStateAlone(t *testing.T) {
	ctx := context.Background()
	svc, proc, sub := newService(t, models.SubscriptionActive)
	proc.err = errors.New("stripe down")

	_, err := svc.Cancel(ctx, sub.ID, 0, true, uuid.New())
	require.Error(t, err)
	cur, _ := svc.Get(ctx, sub.ID)
	assert.False(t, cur.CancelAtPeriodEnd)
	assert.Equal(t, int64(0), cur.Version)
}

func TestReactivate(t *testing.T) {
	ctx := context.Background()
	svc, proc, sub := newService(t, models.SubscriptionActive)
	_, err := svc.Cancel(ctx, sub.ID, 0, true, uuid.New())
	require.NoError(t, err)

	next, err := svc.Reactivate(ctx, sub.ID, uuid.New())
	require.NoError(t, err)
	assert.False(t, next.CancelAtPeriodEnd)
	assert.Equal(t, []string{"sub_1"}, proc.reactivates)

	again, err := svc.Reactivate(ctx, sub.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, next.Version, again.Version)
	assert.Len(t, proc.reactivates, 1)
}
