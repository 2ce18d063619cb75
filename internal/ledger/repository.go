package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/credits/internal/models"
)

// WorkspaceStore is the balance store. Only the engine writes to it.
type WorkspaceStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Workspace, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Workspace, error)
	UpdateBalancesTx(ctx context.Context, tx pgx.Tx, w *models.Workspace) error
	ListIDs(ctx context.Context) ([]uuid.UUID, error)
}

// EntryStore is the append-only transaction ledger.
type EntryStore interface {
	InsertTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	GetByReference(ctx context.Context, refID, refKind string) (*models.LedgerEntry, error)
	GetByReferenceTx(ctx context.Context, tx pgx.Tx, refID, refKind string) (*models.LedgerEntry, error)
	ListByWorkspace(ctx context.Context, workspaceID uuid.UUID, page models.Page) ([]*models.LedgerEntry, error)
	ListChronological(ctx context.Context, workspaceID uuid.UUID) ([]*models.LedgerEntry, error)
}
