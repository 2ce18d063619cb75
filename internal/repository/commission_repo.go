package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/credits/internal/models"
)

const commissionColumns = `id, affiliate_id, referred_user_id, reference_id, transaction_kind, payment_amount, rate, amount, reversed_amount, created_at`

// CommissionRepo stores commissions, their reversals and the clawback queue.
type CommissionRepo struct {
	pool *pgxpool.Pool
}

func NewCommissionRepo(pool *pgxpool.Pool) *CommissionRepo {
	return &CommissionRepo{pool: pool}
}

func scanCommission(row pgx.Row) (*models.Commission, error) {
	var c models.Commission
	err := row.Scan(&c.ID, &c.AffiliateID, &c.ReferredUserID, &c.ReferenceID, &c.TransactionKind, &c.PaymentAmount, &c.Rate, &c.Amount, &c.ReversedAmount, &c.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

// InsertTx records a commission. One commission per (reference, transaction kind);
// a repeat fails with models.ErrDuplicate.
func (r *CommissionRepo) InsertTx(ctx context.Context, tx pgx.Tx, c *models.Commission) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO commissions (id, affiliate_id, referred_user_id, reference_id, transaction_kind, payment_amount, rate, amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, c.ID, c.AffiliateID, c.ReferredUserID, c.ReferenceID, c.TransactionKind, c.PaymentAmount, c.Rate, c.Amount).Scan(&c.CreatedAt)
	return mapErr(err)
}

// ListByReferenceForUpdateTx locks every commission earned on a payment reference.
func (r *CommissionRepo) ListByReferenceForUpdateTx(ctx context.Context, tx pgx.Tx, referenceID string) ([]*models.Commission, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+commissionColumns+` FROM commissions WHERE reference_id = $1 ORDER BY id FOR UPDATE
	`, referenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func (r *CommissionRepo) ListByAffiliate(ctx context.Context, affiliateID uuid.UUID, page models.Page) ([]*models.Commission, error) {
	page = page.Normalize()
	rows, err := r.pool.Query(ctx, `
		SELECT `+commissionColumns+` FROM commissions
		WHERE affiliate_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, affiliateID, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// InsertReversalTx records that a refund reversed part of a commission and bumps
// the commission's reversed_amount. A refund is applied to a commission at most once.
func (r *CommissionRepo) InsertReversalTx(ctx context.Context, tx pgx.Tx, rev *models.CommissionReversal) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO commission_reversals (id, commission_id, refund_reference_id, from_pending, clawback)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, rev.ID, rev.CommissionID, rev.RefundReferenceID, rev.FromPending, rev.Clawback).Scan(&rev.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE commissions SET reversed_amount = reversed_amount + $2 WHERE id = $1
	`, rev.CommissionID, rev.FromPending+rev.Clawback)
	return err
}

func (r *CommissionRepo) InsertClawbackTx(ctx context.Context, tx pgx.Tx, c *models.Clawback) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO commission_clawbacks (id, affiliate_id, commission_id, refund_reference_id, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, c.ID, c.AffiliateID, c.CommissionID, c.RefundReferenceID, c.Amount, c.Status).Scan(&c.CreatedAt)
	return mapErr(err)
}

// ListOpenClawbacks returns clawbacks awaiting manual reconciliation, oldest first.
func (r *CommissionRepo) ListOpenClawbacks(ctx context.Context, page models.Page) ([]*models.Clawback, error) {
	page = page.Normalize()
	rows, err := r.pool.Query(ctx, `
		SELECT id, affiliate_id, commission_id, refund_reference_id, amount, status, created_at
		FROM commission_clawbacks WHERE status = 'open'
		ORDER BY created_at ASC LIMIT $1 OFFSET $2
	`, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Clawback
	for rows.Next() {
		var c models.Clawback
		if err := rows.Scan(&c.ID, &c.AffiliateID, &c.CommissionID, &c.RefundReferenceID, &c.Amount, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &c)
	}
	return list, rows.Err()
}
