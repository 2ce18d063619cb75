package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/credits/internal/models"
)

const ledgerColumns = `id, workspace_id, amount, kind, COALESCE(reference_id, ''), COALESCE(reference_kind, ''), balance_before, balance_after, description, actor_id, created_at`

type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.WorkspaceID, &e.Amount, &e.Kind, &e.ReferenceID, &e.ReferenceKind, &e.BalanceBefore, &e.BalanceAfter, &e.Description, &e.ActorID, &e.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

func collectEntries(rows pgx.Rows, err error) ([]*models.LedgerEntry, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// InsertTx appends an entry. A second entry for the same external reference
// fails with models.ErrDuplicate.
func (r *LedgerRepo) InsertTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (id, workspace_id, amount, kind, reference_id, reference_kind, balance_before, balance_after, description, actor_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`, e.ID, e.WorkspaceID, e.Amount, e.Kind, nullIfEmpty(e.ReferenceID), nullIfEmpty(e.ReferenceKind),
		e.BalanceBefore, e.BalanceAfter, e.Description, e.ActorID).Scan(&e.CreatedAt)
	return mapErr(err)
}

func (r *LedgerRepo) GetByReference(ctx context.Context, refID, refKind string) (*models.LedgerEntry, error) {
	return scanEntry(r.pool.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM credit_ledger WHERE reference_id = $1 AND reference_kind = $2`, refID, refKind))
}

func (r *LedgerRepo) GetByReferenceTx(ctx context.Context, tx pgx.Tx, refID, refKind string) (*models.LedgerEntry, error) {
	return scanEntry(tx.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM credit_ledger WHERE reference_id = $1 AND reference_kind = $2`, refID, refKind))
}

// ListByWorkspace returns entries newest first.
func (r *LedgerRepo) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID, page models.Page) ([]*models.LedgerEntry, error) {
	page = page.Normalize()
	return collectEntries(r.pool.Query(ctx, `
		SELECT `+ledgerColumns+` FROM credit_ledger
		WHERE workspace_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3
	`, workspaceID, page.Limit, page.Offset))
}

// ListChronological returns every entry of a workspace in insertion order.
func (r *LedgerRepo) ListChronological(ctx context.Context, workspaceID uuid.UUID) ([]*models.LedgerEntry, error) {
	return collectEntries(r.pool.Query(ctx, `
		SELECT `+ledgerColumns+` FROM credit_ledger WHERE workspace_id = $1 ORDER BY seq ASC
	`, workspaceID))
}
