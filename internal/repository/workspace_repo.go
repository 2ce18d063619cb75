package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/credits/internal/models"
)

const workspaceColumns = `id, name, owner_user_id, credit_balance, allocated_credits, purchased_credits, last_adjusted_at, created_at, updated_at`

type WorkspaceRepo struct {
	pool *pgxpool.Pool
}

func NewWorkspaceRepo(pool *pgxpool.Pool) *WorkspaceRepo {
	return &WorkspaceRepo{pool: pool}
}

func scanWorkspace(row pgx.Row) (*models.Workspace, error) {
	var w models.Workspace
	err := row.Scan(&w.ID, &w.Name, &w.OwnerUserID, &w.CreditBalance, &w.AllocatedCredits, &w.PurchasedCredits, &w.LastAdjustedAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &w, nil
}

// Create inserts a workspace with a zero balance. Balances only ever change through the ledger.
func (r *WorkspaceRepo) Create(ctx context.Context, w *models.Workspace) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO workspaces (id, name, owner_user_id)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, w.ID, w.Name, w.OwnerUserID).Scan(&w.CreatedAt, &w.UpdatedAt)
	return mapErr(err)
}

func (r *WorkspaceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Workspace, error) {
	return scanWorkspace(r.pool.QueryRow(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, id))
}

// GetByIDForUpdate locks the workspace row until tx ends.
func (r *WorkspaceRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Workspace, error) {
	return scanWorkspace(tx.QueryRow(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1 FOR UPDATE`, id))
}

// UpdateBalancesTx writes both buckets and the derived total. Call after GetByIDForUpdate in the same tx.
func (r *WorkspaceRepo) UpdateBalancesTx(ctx context.Context, tx pgx.Tx, w *models.Workspace) error {
	w.CreditBalance = w.AllocatedCredits + w.PurchasedCredits
	err := tx.QueryRow(ctx, `
		UPDATE workspaces
		SET allocated_credits = $2, purchased_credits = $3, credit_balance = $4,
		    last_adjusted_at = now(), updated_at = now()
		WHERE id = $1
		RETURNING last_adjusted_at, updated_at
	`, w.ID, w.AllocatedCredits, w.PurchasedCredits, w.CreditBalance).Scan(&w.LastAdjustedAt, &w.UpdatedAt)
	return mapErr(err)
}

func (r *WorkspaceRepo) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM workspaces ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
