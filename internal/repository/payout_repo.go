package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/credits/internal/models"
)

const payoutColumns = `id, affiliate_id, amount, method, workspace_id, status, reject_reason, decided_by, created_at, updated_at`

type PayoutRepo struct {
	pool *pgxpool.Pool
}

func NewPayoutRepo(pool *pgxpool.Pool) *PayoutRepo {
	return &PayoutRepo{pool: pool}
}

func scanPayout(row pgx.Row) (*models.PayoutRequest, error) {
	var p models.PayoutRequest
	err := row.Scan(&p.ID, &p.AffiliateID, &p.Amount, &p.Method, &p.WorkspaceID, &p.Status, &p.RejectReason, &p.DecidedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (r *PayoutRepo) CreateTx(ctx context.Context, tx pgx.Tx, p *models.PayoutRequest) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO payout_requests (id, affiliate_id, amount, method, workspace_id, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, p.ID, p.AffiliateID, p.Amount, p.Method, p.WorkspaceID, p.Status).Scan(&p.CreatedAt, &p.UpdatedAt)
	return mapErr(err)
}

func (r *PayoutRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	return scanPayout(r.pool.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payout_requests WHERE id = $1`, id))
}

func (r *PayoutRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.PayoutRequest, error) {
	return scanPayout(tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payout_requests WHERE id = $1 FOR UPDATE`, id))
}

// SumOpenTx totals the amounts of pending and approved requests of an affiliate.
func (r *PayoutRepo) SumOpenTx(ctx context.Context, tx pgx.Tx, affiliateID uuid.UUID) (int64, error) {
	var sum int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payout_requests
		WHERE affiliate_id = $1 AND status IN ('pending', 'approved')
	`, affiliateID).Scan(&sum)
	return sum, err
}

// UpdateStatusTx moves p to p.Status only if the stored status is still from.
func (r *PayoutRepo) UpdateStatusTx(ctx context.Context, tx pgx.Tx, p *models.PayoutRequest, from models.PayoutStatus) (bool, error) {
	err := tx.QueryRow(ctx, `
		UPDATE payout_requests
		SET status = $3, reject_reason = $4, decided_by = $5, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING updated_at
	`, p.ID, from, p.Status, p.RejectReason, p.DecidedBy).Scan(&p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *PayoutRepo) ListByAffiliate(ctx context.Context, affiliateID uuid.UUID, page models.Page) ([]*models.PayoutRequest, error) {
	page = page.Normalize()
	rows, err := r.pool.Query(ctx, `
		SELECT `+payoutColumns+` FROM payout_requests
		WHERE affiliate_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, affiliateID, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
