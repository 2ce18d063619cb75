package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/credits/internal/models"
)

const subscriptionColumns = `id, workspace_id, external_id, plan_id, status, current_period_start, current_period_end, cancel_at_period_end, version, created_at, updated_at`

type SubscriptionRepo struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepo(pool *pgxpool.Pool) *SubscriptionRepo {
	return &SubscriptionRepo{pool: pool}
}

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	var s models.Subscription
	err := row.Scan(&s.ID, &s.WorkspaceID, &s.ExternalID, &s.PlanID, &s.Status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CancelAtPeriodEnd, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

// Create inserts a subscription. A second row for the same external id fails with models.ErrDuplicate.
func (r *SubscriptionRepo) Create(ctx context.Context, s *models.Subscription) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (id, workspace_id, external_id, plan_id, status, current_period_start, current_period_end, cancel_at_period_end, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, s.ID, s.WorkspaceID, s.ExternalID, s.PlanID, s.Status, s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd, s.Version).Scan(&s.CreatedAt, &s.UpdatedAt)
	return mapErr(err)
}

func (r *SubscriptionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return scanSubscription(r.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

func (r *SubscriptionRepo) GetByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	return scanSubscription(r.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_id = $1`, externalID))
}

// CompareAndSwap writes s only if the stored version still equals expectedVersion.
// It returns false when another writer got there first. On success s.Version is bumped.
func (r *SubscriptionRepo) CompareAndSwap(ctx context.Context, s *models.Subscription, expectedVersion int64) (bool, error) {
	err := r.pool.QueryRow(ctx, `
		UPDATE subscriptions
		SET status = $3, plan_id = $4, current_period_start = $5, current_period_end = $6,
		    cancel_at_period_end = $7, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, s.ID, expectedVersion, s.Status, s.PlanID, s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd).Scan(&s.Version, &s.UpdatedAt)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err)
	}
	return true, nil
}
