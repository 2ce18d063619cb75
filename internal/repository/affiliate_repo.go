package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/credits/internal/models"
)

const affiliateColumns = `id, user_id, tier, total_earnings, pending_earnings, paid_earnings, created_at, updated_at`

type AffiliateRepo struct {
	pool *pgxpool.Pool
}

func NewAffiliateRepo(pool *pgxpool.Pool) *AffiliateRepo {
	return &AffiliateRepo{pool: pool}
}

func scanAffiliate(row pgx.Row) (*models.Affiliate, error) {
	var a models.Affiliate
	err := row.Scan(&a.ID, &a.UserID, &a.Tier, &a.TotalEarnings, &a.PendingEarnings, &a.PaidEarnings, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func (r *AffiliateRepo) Create(ctx context.Context, a *models.Affiliate) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO affiliates (id, user_id, tier) VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, a.ID, a.UserID, a.Tier).Scan(&a.CreatedAt, &a.UpdatedAt)
	return mapErr(err)
}

func (r *AffiliateRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Affiliate, error) {
	return scanAffiliate(r.pool.QueryRow(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE id = $1`, id))
}

// GetByIDForUpdate locks the affiliate row until tx ends.
func (r *AffiliateRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Affiliate, error) {
	return scanAffiliate(tx.QueryRow(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE id = $1 FOR UPDATE`, id))
}

// AddPendingTx credits a commission to pending and total earnings.
func (r *AffiliateRepo) AddPendingTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE affiliates
		SET pending_earnings = pending_earnings + $2, total_earnings = total_earnings + $2, updated_at = now()
		WHERE id = $1
	`, id, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeductPendingTx removes amount from pending and total earnings if pending covers it.
// It reports false, leaving the row untouched, when pending is too low.
func (r *AffiliateRepo) DeductPendingTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE affiliates
		SET pending_earnings = pending_earnings - $2, total_earnings = total_earnings - $2, updated_at = now()
		WHERE id = $1 AND pending_earnings >= $2
	`, id, amount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// PayFromPendingTx moves amount from pending to paid if pending covers it.
func (r *AffiliateRepo) PayFromPendingTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE affiliates
		SET pending_earnings = pending_earnings - $2, paid_earnings = paid_earnings + $2, updated_at = now()
		WHERE id = $1 AND pending_earnings >= $2
	`, id, amount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *AffiliateRepo) CreateReferral(ctx context.Context, ref *models.Referral) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO referrals (referred_user_id, affiliate_id) VALUES ($1, $2)
		RETURNING created_at
	`, ref.ReferredUserID, ref.AffiliateID).Scan(&ref.CreatedAt)
	return mapErr(err)
}

// GetReferral returns the referral of a user, or models.ErrNotFound if the user was not referred.
func (r *AffiliateRepo) GetReferral(ctx context.Context, referredUserID uuid.UUID) (*models.Referral, error) {
	var ref models.Referral
	err := r.pool.QueryRow(ctx, `
		SELECT referred_user_id, affiliate_id, created_at FROM referrals WHERE referred_user_id = $1
	`, referredUserID).Scan(&ref.ReferredUserID, &ref.AffiliateID, &ref.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &ref, nil
}
