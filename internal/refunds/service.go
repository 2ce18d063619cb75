// Package refunds turns processor refunds into proportional credit clawbacks.
package refunds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/credits/internal/commission"
	"github.com/inaiurai/credits/internal/jobs"
	"github.com/inaiurai/credits/internal/ledger"
	"github.com/inaiurai/credits/internal/models"
	"github.com/inaiurai/credits/internal/processor"
	"github.com/inaiurai/credits/internal/repository"
)

// WorkspaceStore resolves the workspace owner, who is the referred user for commissions.
type WorkspaceStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Workspace, error)
}

// RecordStore keeps one reconciliation per refund and resolves payments that funded
// a ledger reference other than their own id.
type RecordStore interface {
	InsertReconciliationTx(ctx context.Context, tx pgx.Tx, rec *models.RefundReconciliation) error
	GetReconciliation(ctx context.Context, refundReferenceID string) (*models.RefundReconciliation, error)
	GetPaymentLink(ctx context.Context, paymentReferenceID string) (*models.PaymentLink, error)
}

// Processor issues refunds at the payment processor.
type Processor interface {
	CreateRefund(ctx context.Context, paymentIntentID string, amount int64, idempotencyKey string) (*processor.Refund, error)
}

// RefundInput is one refund of a purchase. Amounts are monetary, in cents.
type RefundInput struct {
	WorkspaceID         uuid.UUID
	PurchaseReferenceID string
	RefundReferenceID   string
	RefundedAmount      int64
	TotalAmount         int64
	ActorID             *uuid.UUID
}

type IssueInput struct {
	WorkspaceID         uuid.UUID
	PurchaseReferenceID string
	Amount              int64
	AdminID             uuid.UUID
	IdempotencyKey      string
}

// IssueResult is the processor's refund and, once it settled, the local clawback.
// Result is nil while the refund is pending; the charge.refunded event reconciles it later.
type IssueResult struct {
	Refund *processor.Refund
	Result *ledger.Result
}

type Service interface {
	ReconcileRefund(ctx context.Context, in RefundInput) (*ledger.Result, error)
	IssueRefund(ctx context.Context, in IssueInput) (*IssueResult, error)
}

type service struct {
	db            repository.TxBeginner
	ledger        ledger.Service
	workspaces    WorkspaceStore
	records       RecordStore
	processor     Processor
	insertReverse jobs.InsertTxFunc
	log           *slog.Logger
}

var _ Service = (*service)(nil)

// NewService creates the refund service. insertReverse enqueues the commission reversal
// inside the clawback transaction; it may be nil when commissions are not tracked.
func NewService(db repository.TxBeginner, ledgerSvc ledger.Service, workspaces WorkspaceStore, records RecordStore,
	proc Processor, insertReverse jobs.InsertTxFunc, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{
		db: db, ledger: ledgerSvc, workspaces: workspaces, records: records,
		processor: proc, insertReverse: insertReverse, log: logger,
	}
}

// funding is the ledger side of a refunded payment.
type funding struct {
	workspaceID uuid.UUID
	// referenceID keys the commission earned on the payment: the payment intent for
	// credit packs, the invoice for subscriptions.
	referenceID string
	credits     int64
}

// purchase resolves the payment a refund points at. Credit packs are PURCHASE entries
// keyed by the payment intent; subscription invoices are reached through their payment link.
func (s *service) purchase(ctx context.Context, workspaceID uuid.UUID, referenceID string) (*funding, error) {
	f, err := s.fundingOf(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	if workspaceID != uuid.Nil && f.workspaceID != workspaceID {
		return nil, fmt.Errorf("%w: purchase %s belongs to another workspace", models.ErrInvalidInput, referenceID)
	}
	return f, nil
}

func (s *service) fundingOf(ctx context.Context, referenceID string) (*funding, error) {
	entry, err := s.ledger.FindByReference(ctx, referenceID, models.RefPaymentEvent)
	if err == nil {
		if entry.Kind != models.EntryPurchase || entry.Amount <= 0 {
			return nil, fmt.Errorf("%w: %s is a %s entry, not a purchase", models.ErrInvalidInput, referenceID, entry.Kind)
		}
		return &funding{workspaceID: entry.WorkspaceID, referenceID: referenceID, credits: entry.Amount}, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("find purchase %s: %w", referenceID, err)
	}

	link, err := s.records.GetPaymentLink(ctx, referenceID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: purchase %s not applied", models.ErrUnknownReference, referenceID)
	}
	if err != nil {
		return nil, fmt.Errorf("find payment link %s: %w", referenceID, err)
	}
	f := &funding{workspaceID: link.WorkspaceID, referenceID: link.ReferenceID}
	entry, err = s.ledger.FindByReference(ctx, link.ReferenceID, link.ReferenceKind)
	switch {
	case err == nil:
		if entry.Amount > 0 {
			f.credits = entry.Amount
		}
	case errors.Is(err, models.ErrNotFound):
		// The payment granted no credits; only the commission follows the refund.
	default:
		return nil, fmt.Errorf("find %s %s: %w", link.ReferenceKind, link.ReferenceID, err)
	}
	return f, nil
}

// ReconcileRefund debits floor(funded credits * refunded / total), clamped to the
// current balance, and records the outcome with the commission reversal in one
// transaction. A repeated notification for the same refund is AlreadyApplied, including
// one whose first delivery found nothing to claw back.
func (s *service) ReconcileRefund(ctx context.Context, in RefundInput) (*ledger.Result, error) {
	if in.TotalAmount <= 0 || in.RefundedAmount <= 0 {
		return nil, fmt.Errorf("%w: refunded %d of %d", models.ErrInvalidAmount, in.RefundedAmount, in.TotalAmount)
	}
	if in.PurchaseReferenceID == "" || in.RefundReferenceID == "" {
		return nil, fmt.Errorf("%w: purchase and refund references required", models.ErrInvalidInput)
	}
	if res, err := s.replay(ctx, in.RefundReferenceID); res != nil || err != nil {
		return res, err
	}
	f, err := s.purchase(ctx, in.WorkspaceID, in.PurchaseReferenceID)
	if err != nil {
		s.log.Warn("refund reconciliation deferred", "purchase_reference_id", in.PurchaseReferenceID,
			"reference_id", in.RefundReferenceID, "error", err)
		return nil, err
	}
	ws, err := s.workspaces.GetByID(ctx, f.workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load workspace %s: %w", f.workspaceID, err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	credits := commission.Proportion(f.credits, in.RefundedAmount, in.TotalAmount)
	res := &ledger.Result{Outcome: ledger.Skipped}
	if credits > 0 {
		res, err = s.ledger.ApplyTx(ctx, tx, ledger.ApplyInput{
			WorkspaceID:   ws.ID,
			Amount:        -credits,
			Kind:          models.EntryRefund,
			ReferenceID:   in.RefundReferenceID,
			ReferenceKind: models.RefRefundEvent,
			Description: fmt.Sprintf("refund %s of purchase %s: %s of %s",
				in.RefundReferenceID, in.PurchaseReferenceID, commission.FormatCents(in.RefundedAmount), commission.FormatCents(in.TotalAmount)),
			ActorID:    in.ActorID,
			ClampDebit: true,
		})
		if errors.Is(err, models.ErrDuplicate) {
			_ = tx.Rollback(ctx)
			return s.replayed(ctx, in.RefundReferenceID)
		}
		if err != nil {
			return nil, err
		}
		if res.Outcome == ledger.AlreadyApplied {
			return res, nil
		}
	} else {
		s.log.Info("refund too small to claw back credits", "workspace_id", ws.ID,
			"reference_id", in.RefundReferenceID, "refunded", in.RefundedAmount, "total", in.TotalAmount)
	}

	rec := &models.RefundReconciliation{
		RefundReferenceID:   in.RefundReferenceID,
		WorkspaceID:         ws.ID,
		PurchaseReferenceID: in.PurchaseReferenceID,
		RefundedAmount:      in.RefundedAmount,
		TotalAmount:         in.TotalAmount,
		Shortfall:           res.Shortfall,
	}
	if res.Entry != nil {
		rec.Credits = -res.Entry.Amount
		rec.LedgerEntryID = &res.Entry.ID
	}
	if err := s.records.InsertReconciliationTx(ctx, tx, rec); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			_ = tx.Rollback(ctx)
			return s.replayed(ctx, in.RefundReferenceID)
		}
		return nil, fmt.Errorf("record refund %s: %w", in.RefundReferenceID, err)
	}
	// The commission follows the money even when no credits were left to take.
	if err := s.enqueueReversal(ctx, tx, in, f.referenceID, ws.OwnerUserID); err != nil {
		return nil, fmt.Errorf("enqueue commission reversal: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.log.Info("refund reconciled", "workspace_id", ws.ID, "reference_id", in.RefundReferenceID,
		"purchase_reference_id", in.PurchaseReferenceID, "credits", rec.Credits, "shortfall", rec.Shortfall, "outcome", res.Outcome)
	return res, nil
}

// replay returns the recorded outcome of an already reconciled refund, or nil.
func (s *service) replay(ctx context.Context, refundReferenceID string) (*ledger.Result, error) {
	rec, err := s.records.GetReconciliation(ctx, refundReferenceID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find refund %s: %w", refundReferenceID, err)
	}
	res := &ledger.Result{Outcome: ledger.AlreadyApplied, Shortfall: rec.Shortfall}
	if rec.LedgerEntryID != nil {
		entry, err := s.ledger.FindByReference(ctx, refundReferenceID, models.RefRefundEvent)
		if err != nil {
			return nil, fmt.Errorf("find refund entry %s: %w", refundReferenceID, err)
		}
		res.Entry = entry
	}
	return res, nil
}

// replayed is replay after losing a race: the winner's record must exist by now.
func (s *service) replayed(ctx context.Context, refundReferenceID string) (*ledger.Result, error) {
	res, err := s.replay(ctx, refundReferenceID)
	if err == nil && res == nil {
		// The winner rolled back after our insert failed. Let the caller retry.
		return nil, fmt.Errorf("%w: refund %s", models.ErrDuplicate, refundReferenceID)
	}
	return res, err
}

func (s *service) enqueueReversal(ctx context.Context, tx pgx.Tx, in RefundInput, commissionRef string, owner uuid.UUID) error {
	if s.insertReverse == nil {
		return nil
	}
	return s.insertReverse(ctx, tx, jobs.ReverseCommissionArgs{
		ReferredUserID:      owner,
		OriginalReferenceID: commissionRef,
		RefundReferenceID:   in.RefundReferenceID,
		RefundedAmount:      in.RefundedAmount,
		TotalAmount:         in.TotalAmount,
	})
}

// IssueRefund refunds a purchase at the processor and reconciles once the processor
// confirms. No lock is held during the processor call.
func (s *service) IssueRefund(ctx context.Context, in IssueInput) (*IssueResult, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: refund must be positive", models.ErrInvalidAmount)
	}
	if in.AdminID == uuid.Nil {
		return nil, fmt.Errorf("%w: admin id required", models.ErrInvalidInput)
	}
	if _, err := s.purchase(ctx, in.WorkspaceID, in.PurchaseReferenceID); err != nil {
		return nil, err
	}
	key := in.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	refund, err := s.processor.CreateRefund(ctx, in.PurchaseReferenceID, in.Amount, key)
	if err != nil {
		s.log.Error("processor refund failed", "workspace_id", in.WorkspaceID,
			"purchase_reference_id", in.PurchaseReferenceID, "amount", in.Amount, "error", err)
		return nil, fmt.Errorf("create refund: %w", err)
	}
	s.log.Info("refund issued", "workspace_id", in.WorkspaceID, "admin_id", in.AdminID,
		"purchase_reference_id", in.PurchaseReferenceID, "refund_id", refund.ID, "amount", refund.Amount, "succeeded", refund.Succeeded)
	if !refund.Succeeded {
		return &IssueResult{Refund: refund}, nil
	}
	adminID := in.AdminID
	res, err := s.ReconcileRefund(ctx, RefundInput{
		WorkspaceID:         in.WorkspaceID,
		PurchaseReferenceID: in.PurchaseReferenceID,
		RefundReferenceID:   refund.ID,
		RefundedAmount:      refund.Amount,
		TotalAmount:         refund.OriginalAmount,
		ActorID:             &adminID,
	})
	if err != nil {
		return nil, err
	}
	return &IssueResult{Refund: refund, Result: res}, nil
}
