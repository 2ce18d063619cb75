package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/credits/internal/metrics"
	"github.com/inaiurai/credits/internal/models"
	"github.com/inaiurai/credits/internal/repository"
)

// Outcome tells callers what an apply did. AlreadyApplied is a success.
type Outcome string

const (
	Applied        Outcome = "applied"
	AlreadyApplied Outcome = "already_applied"
	// Skipped means a clamped debit had nothing left to take. No entry was written.
	Skipped Outcome = "skipped"
)

// ApplyInput describes one balance mutation. Amount is signed: positive credits, negative debits.
type ApplyInput struct {
	WorkspaceID   uuid.UUID
	Amount        int64
	Kind          models.EntryKind
	ReferenceID   string
	ReferenceKind string
	Description   string
	ActorID       *uuid.UUID

	// ClampDebit limits a debit to the balance held under the row lock instead of
	// failing with ErrInsufficientBalance. The shortfall is noted in the description.
	ClampDebit bool

	// AfterApply runs inside the same transaction once the entry is written.
	AfterApply func(ctx context.Context, tx pgx.Tx, entry *models.LedgerEntry) error
}

type Result struct {
	Entry     *models.LedgerEntry
	Outcome   Outcome
	Shortfall int64
}

type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// AdjustInput is a manual admin correction. Amount is the positive magnitude.
type AdjustInput struct {
	WorkspaceID    uuid.UUID
	Amount         int64
	Direction      Direction
	Reason         string
	AdminID        uuid.UUID
	IdempotencyKey string
}

type Service interface {
	Apply(ctx context.Context, in ApplyInput) (*Result, error)
	// ApplyTx applies inside the caller's transaction. If a concurrent writer inserts the
	// same reference first, it returns models.ErrDuplicate and the caller must roll back.
	ApplyTx(ctx context.Context, tx pgx.Tx, in ApplyInput) (*Result, error)
	ApplyCredit(ctx context.Context, workspaceID uuid.UUID, amount int64, kind models.EntryKind, referenceID, referenceKind, description string) (*Result, error)
	ApplyDebit(ctx context.Context, workspaceID uuid.UUID, amount int64, kind models.EntryKind, referenceID, referenceKind, description string) (*Result, error)
	AdjustCredits(ctx context.Context, in AdjustInput) (*Result, error)
	GetBalance(ctx context.Context, workspaceID uuid.UUID) (*models.Balance, error)
	ListLedger(ctx context.Context, workspaceID uuid.UUID, page models.Page) ([]*models.LedgerEntry, error)
	FindByReference(ctx context.Context, referenceID, referenceKind string) (*models.LedgerEntry, error)
	Verify(ctx context.Context) (*VerifyReport, error)
}

type Options struct {
	MaxCredits int64
	Logger     *slog.Logger
}

type service struct {
	db         repository.TxBeginner
	workspaces WorkspaceStore
	entries    EntryStore
	maxCredits int64
	log        *slog.Logger
}

var _ Service = (*service)(nil)

func NewService(db repository.TxBeginner, workspaces WorkspaceStore, entries EntryStore, opts Options) Service {
	if opts.MaxCredits <= 0 {
		opts.MaxCredits = 1_000_000_000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &service{db: db, workspaces: workspaces, entries: entries, maxCredits: opts.MaxCredits, log: opts.Logger}
}

// errRaced marks a unique violation on the entry insert: another writer applied the
// same reference between our pre-check and our insert.
var errRaced = errors.New("reference applied concurrently")

func (s *service) validate(in ApplyInput) error {
	if in.Amount == 0 {
		return fmt.Errorf("%w: amount must be non-zero", models.ErrInvalidAmount)
	}
	if in.Amount > s.maxCredits || in.Amount < -s.maxCredits {
		return fmt.Errorf("%w: |%d| exceeds maximum %d", models.ErrInvalidAmount, in.Amount, s.maxCredits)
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: unknown entry kind %q", models.ErrInvalidInput, in.Kind)
	}
	if (in.ReferenceID == "") != (in.ReferenceKind == "") {
		return fmt.Errorf("%w: reference id and kind must be set together", models.ErrInvalidInput)
	}
	if in.WorkspaceID == uuid.Nil {
		return fmt.Errorf("%w: workspace id required", models.ErrInvalidInput)
	}
	return nil
}

func (s *service) Apply(ctx context.Context, in ApplyInput) (*Result, error) {
	if err := s.validate(in); err != nil {
		return nil, err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := s.apply(ctx, tx, in)
	if errors.Is(err, errRaced) {
		_ = tx.Rollback(ctx)
		existing, lookupErr := s.entries.GetByReference(ctx, in.ReferenceID, in.ReferenceKind)
		if lookupErr != nil {
			// The winner rolled back after our insert failed. Let the caller retry.
			return nil, fmt.Errorf("%w: %v", models.ErrDuplicate, lookupErr)
		}
		if err := sameTarget(existing, in); err != nil {
			s.fail(in, err)
			return nil, err
		}
		return s.done(in, &Result{Entry: existing, Outcome: AlreadyApplied}), nil
	}
	if err != nil {
		s.fail(in, err)
		return nil, err
	}
	if res.Outcome != Applied {
		return s.done(in, res), nil
	}
	if err := tx.Commit(ctx); err != nil {
		s.fail(in, err)
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.done(in, res), nil
}

func (s *service) ApplyTx(ctx context.Context, tx pgx.Tx, in ApplyInput) (*Result, error) {
	if err := s.validate(in); err != nil {
		return nil, err
	}
	res, err := s.apply(ctx, tx, in)
	if errors.Is(err, errRaced) {
		return nil, fmt.Errorf("%w: %s/%s", models.ErrDuplicate, in.ReferenceKind, in.ReferenceID)
	}
	if err != nil {
		s.fail(in, err)
		return nil, err
	}
	return s.done(in, res), nil
}

// sameTarget rejects a replayed reference whose entry went to another workspace or
// in the other direction. Only a true replay is AlreadyApplied.
func sameTarget(existing *models.LedgerEntry, in ApplyInput) error {
	if existing.WorkspaceID != in.WorkspaceID || (existing.Amount > 0) != (in.Amount > 0) {
		return fmt.Errorf("%w: reference %s/%s was applied as %d credits to workspace %s",
			models.ErrInvalidInput, in.ReferenceKind, in.ReferenceID, existing.Amount, existing.WorkspaceID)
	}
	return nil
}

// apply runs the guarded read-modify-write inside tx.
func (s *service) apply(ctx context.Context, tx pgx.Tx, in ApplyInput) (*Result, error) {
	if in.ReferenceID != "" {
		existing, err := s.entries.GetByReferenceTx(ctx, tx, in.ReferenceID, in.ReferenceKind)
		if err == nil {
			if err := sameTarget(existing, in); err != nil {
				return nil, err
			}
			return &Result{Entry: existing, Outcome: AlreadyApplied}, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("check reference: %w", err)
		}
	}

	ws, err := s.workspaces.GetByIDForUpdate(ctx, tx, in.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("lock workspace %s: %w", in.WorkspaceID, err)
	}

	amount := in.Amount
	desc := in.Description
	var shortfall int64
	before := ws.CreditBalance
	if amount < 0 && -amount > before {
		if !in.ClampDebit {
			return nil, &BalanceError{WorkspaceID: ws.ID, Balance: before, Amount: amount, err: ErrInsufficientBalance}
		}
		shortfall = -amount - before
		amount = -before
		desc = withNote(desc, fmt.Sprintf("clamped to available balance, shortfall %d credits", shortfall))
		if amount == 0 {
			return &Result{Outcome: Skipped, Shortfall: shortfall}, nil
		}
	}
	if amount > 0 && before > s.maxCredits-amount {
		return nil, &BalanceError{WorkspaceID: ws.ID, Balance: before, Amount: amount, Max: s.maxCredits, err: ErrBalanceOverflow}
	}

	applyBuckets(ws, amount, in.Kind)
	if err := s.workspaces.UpdateBalancesTx(ctx, tx, ws); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	entry := &models.LedgerEntry{
		ID:            uuid.New(),
		WorkspaceID:   ws.ID,
		Amount:        amount,
		Kind:          in.Kind,
		ReferenceID:   in.ReferenceID,
		ReferenceKind: in.ReferenceKind,
		BalanceBefore: before,
		BalanceAfter:  ws.CreditBalance,
		Description:   desc,
		ActorID:       in.ActorID,
	}
	if err := s.entries.InsertTx(ctx, tx, entry); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			return nil, errRaced
		}
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	if in.AfterApply != nil {
		if err := in.AfterApply(ctx, tx, entry); err != nil {
			return nil, fmt.Errorf("after apply: %w", err)
		}
	}
	return &Result{Entry: entry, Outcome: Applied, Shortfall: shortfall}, nil
}

// applyBuckets moves amount into or out of the allocated and purchased buckets.
// Plan grants credit the allocated bucket. Refund clawbacks drain purchased credits
// first; every other debit drains allocated credits first.
func applyBuckets(ws *models.Workspace, amount int64, kind models.EntryKind) {
	if amount > 0 {
		if kind == models.EntryPlanGrant {
			ws.AllocatedCredits += amount
		} else {
			ws.PurchasedCredits += amount
		}
	} else {
		debit := -amount
		first, second := &ws.AllocatedCredits, &ws.PurchasedCredits
		if kind == models.EntryRefund {
			first, second = second, first
		}
		take := min(debit, *first)
		*first -= take
		*second -= debit - take
	}
	ws.CreditBalance = ws.AllocatedCredits + ws.PurchasedCredits
}

func withNote(desc, note string) string {
	if desc == "" {
		return note
	}
	return desc + " (" + note + ")"
}

func (s *service) done(in ApplyInput, res *Result) *Result {
	metrics.LedgerEntriesTotal.WithLabelValues(string(in.Kind), string(res.Outcome)).Inc()
	switch res.Outcome {
	case AlreadyApplied:
		s.log.Debug("ledger event already applied",
			"workspace_id", in.WorkspaceID, "reference_id", in.ReferenceID, "reference_kind", in.ReferenceKind)
	case Skipped:
		s.log.Warn("ledger debit skipped, balance empty",
			"workspace_id", in.WorkspaceID, "reference_id", in.ReferenceID, "reference_kind", in.ReferenceKind,
			"kind", in.Kind, "shortfall", res.Shortfall)
	}
	return res
}

func (s *service) fail(in ApplyInput, err error) {
	reason := "error"
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		reason = "insufficient_balance"
	case errors.Is(err, ErrBalanceOverflow):
		reason = "overflow"
	case errors.Is(err, models.ErrNotFound):
		reason = "unknown_workspace"
	}
	metrics.LedgerRejectionsTotal.WithLabelValues(reason).Inc()
	s.log.Error("ledger apply failed",
		"workspace_id", in.WorkspaceID, "reference_id", in.ReferenceID, "reference_kind", in.ReferenceKind,
		"kind", in.Kind, "amount", in.Amount, "error", err)
}

func (s *service) ApplyCredit(ctx context.Context, workspaceID uuid.UUID, amount int64, kind models.EntryKind, referenceID, referenceKind, description string) (*Result, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: credit must be positive", models.ErrInvalidAmount)
	}
	return s.Apply(ctx, ApplyInput{
		WorkspaceID: workspaceID, Amount: amount, Kind: kind,
		ReferenceID: referenceID, ReferenceKind: referenceKind, Description: description,
	})
}

func (s *service) ApplyDebit(ctx context.Context, workspaceID uuid.UUID, amount int64, kind models.EntryKind, referenceID, referenceKind, description string) (*Result, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: debit must be positive", models.ErrInvalidAmount)
	}
	return s.Apply(ctx, ApplyInput{
		WorkspaceID: workspaceID, Amount: -amount, Kind: kind,
		ReferenceID: referenceID, ReferenceKind: referenceKind, Description: description,
	})
}

// AdjustCredits applies an admin correction. The idempotency key makes repeated
// submissions of the same correction a no-op; without one every call is distinct.
func (s *service) AdjustCredits(ctx context.Context, in AdjustInput) (*Result, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: adjustment must be positive", models.ErrInvalidAmount)
	}
	if in.Reason == "" {
		return nil, fmt.Errorf("%w: reason required", models.ErrInvalidInput)
	}
	if in.AdminID == uuid.Nil {
		return nil, fmt.Errorf("%w: admin id required", models.ErrInvalidInput)
	}
	amount := in.Amount
	switch in.Direction {
	case DirectionCredit:
	case DirectionDebit:
		amount = -amount
	default:
		return nil, fmt.Errorf("%w: direction must be credit or debit", models.ErrInvalidInput)
	}
	key := in.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	adminID := in.AdminID
	res, err := s.Apply(ctx, ApplyInput{
		WorkspaceID:   in.WorkspaceID,
		Amount:        amount,
		Kind:          models.EntryAdjustment,
		ReferenceID:   key,
		ReferenceKind: models.RefAdminAdjustment,
		Description:   "admin adjustment: " + in.Reason,
		ActorID:       &adminID,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("admin credit adjustment",
		"workspace_id", in.WorkspaceID, "admin_id", in.AdminID, "amount", amount,
		"reason", in.Reason, "reference_id", key, "outcome", res.Outcome)
	return res, nil
}

func (s *service) GetBalance(ctx context.Context, workspaceID uuid.UUID) (*models.Balance, error) {
	ws, err := s.workspaces.GetByID(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	b := ws.Balance()
	return &b, nil
}

func (s *service) ListLedger(ctx context.Context, workspaceID uuid.UUID, page models.Page) ([]*models.LedgerEntry, error) {
	if _, err := s.workspaces.GetByID(ctx, workspaceID); err != nil {
		return nil, err
	}
	return s.entries.ListByWorkspace(ctx, workspaceID, page.Normalize())
}

func (s *service) FindByReference(ctx context.Context, referenceID, referenceKind string) (*models.LedgerEntry, error) {
	return s.entries.GetByReference(ctx, referenceID, referenceKind)
}
