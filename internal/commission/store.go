package commission

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/credits/internal/models"
)

type AffiliateStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Affiliate, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Affiliate, error)
	AddPendingTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error
	DeductPendingTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (bool, error)
	PayFromPendingTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (bool, error)
	GetReferral(ctx context.Context, referredUserID uuid.UUID) (*models.Referral, error)
}

type CommissionStore interface {
	InsertTx(ctx context.Context, tx pgx.Tx, c *models.Commission) error
	ListByReferenceForUpdateTx(ctx context.Context, tx pgx.Tx, referenceID string) ([]*models.Commission, error)
	ListByAffiliate(ctx context.Context, affiliateID uuid.UUID, page models.Page) ([]*models.Commission, error)
	InsertReversalTx(ctx context.Context, tx pgx.Tx, rev *models.CommissionReversal) error
	InsertClawbackTx(ctx context.Context, tx pgx.Tx, c *models.Clawback) error
	ListOpenClawbacks(ctx context.Context, page models.Page) ([]*models.Clawback, error)
}

type PayoutStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, p *models.PayoutRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.PayoutRequest, error)
	SumOpenTx(ctx context.Context, tx pgx.Tx, affiliateID uuid.UUID) (int64, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, p *models.PayoutRequest, from models.PayoutStatus) (bool, error)
	ListByAffiliate(ctx context.Context, affiliateID uuid.UUID, page models.Page) ([]*models.PayoutRequest, error)
}
