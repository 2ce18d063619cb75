package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/credits/internal/models"
)

// RefundRepo stores refund reconciliations and the payment links refunds resolve through.
type RefundRepo struct {
	pool *pgxpool.Pool
}

func NewRefundRepo(pool *pgxpool.Pool) *RefundRepo {
	return &RefundRepo{pool: pool}
}

// InsertReconciliationTx records a settled refund. A second record for the same
// refund fails with models.ErrDuplicate.
func (r *RefundRepo) InsertReconciliationTx(ctx context.Context, tx pgx.Tx, rec *models.RefundReconciliation) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO refund_reconciliations (refund_reference_id, workspace_id, purchase_reference_id,
			refunded_amount, total_amount, credits, shortfall, ledger_entry_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, rec.RefundReferenceID, rec.WorkspaceID, rec.PurchaseReferenceID, rec.RefundedAmount, rec.TotalAmount,
		rec.Credits, rec.Shortfall, rec.LedgerEntryID).Scan(&rec.CreatedAt)
	return mapErr(err)
}

func (r *RefundRepo) GetReconciliation(ctx context.Context, refundReferenceID string) (*models.RefundReconciliation, error) {
	var rec models.RefundReconciliation
	err := r.pool.QueryRow(ctx, `
		SELECT refund_reference_id, workspace_id, purchase_reference_id, refunded_amount, total_amount,
			credits, shortfall, ledger_entry_id, created_at
		FROM refund_reconciliations WHERE refund_reference_id = $1
	`, refundReferenceID).Scan(&rec.RefundReferenceID, &rec.WorkspaceID, &rec.PurchaseReferenceID, &rec.RefundedAmount,
		&rec.TotalAmount, &rec.Credits, &rec.Shortfall, &rec.LedgerEntryID, &rec.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &rec, nil
}

// InsertPaymentLinkTx maps a payment to the reference it funded. Repeats are ignored.
func (r *RefundRepo) InsertPaymentLinkTx(ctx context.Context, tx pgx.Tx, l *models.PaymentLink) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payment_links (payment_reference_id, workspace_id, reference_id, reference_kind, amount)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (payment_reference_id) DO NOTHING
	`, l.PaymentReferenceID, l.WorkspaceID, l.ReferenceID, l.ReferenceKind, l.Amount)
	return mapErr(err)
}

func (r *RefundRepo) GetPaymentLink(ctx context.Context, paymentReferenceID string) (*models.PaymentLink, error) {
	var l models.PaymentLink
	err := r.pool.QueryRow(ctx, `
		SELECT payment_reference_id, workspace_id, reference_id, reference_kind, amount, created_at
		FROM payment_links WHERE payment_reference_id = $1
	`, paymentReferenceID).Scan(&l.PaymentReferenceID, &l.WorkspaceID, &l.ReferenceID, &l.ReferenceKind, &l.Amount, &l.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &l, nil
}
