package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/inaiurai/credits/internal/commission"
	"github.com/inaiurai/credits/internal/ledger"
	"github.com/inaiurai/credits/internal/models"
	"github.com/inaiurai/credits/internal/subscription"
)

// EventProcessor applies a stored processor event to the ledger.
type EventProcessor interface {
	Process(ctx context.Context, eventID string) error
}

// Commissions is the part of the commission engine the workers drive.
type Commissions interface {
	ProcessCommission(ctx context.Context, in commission.CommissionInput) (*commission.CommissionResult, error)
	ReverseCommission(ctx context.Context, in commission.ReversalInput) (*commission.ReversalResult, error)
}

// Verifier audits balances against the ledger.
type Verifier interface {
	Verify(ctx context.Context) (*ledger.VerifyReport, error)
}

// permanent reports errors that no retry can fix.
func permanent(err error) bool {
	if models.IsRetryable(err) {
		return false
	}
	return errors.Is(err, models.ErrInvalidAmount) ||
		errors.Is(err, models.ErrInvalidInput) ||
		errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, ledger.ErrInsufficientBalance) ||
		errors.Is(err, ledger.ErrBalanceOverflow) ||
		errors.Is(err, subscription.ErrInvalidTransition)
}

// finish hands err back to River: transient errors are retried, permanent ones cancel the job.
func finish(log *slog.Logger, kind string, attempt int, err error) error {
	if err == nil {
		return nil
	}
	if permanent(err) {
		log.Error("job failed permanently", "kind", kind, "attempt", attempt, "error", err)
		return river.JobCancel(err)
	}
	log.Warn("job failed, will retry", "kind", kind, "attempt", attempt, "error", err)
	return err
}

type PaymentEventWorker struct {
	river.WorkerDefaults[ProcessPaymentEventArgs]
	events EventProcessor
	log    *slog.Logger
}

func NewPaymentEventWorker(events EventProcessor, logger *slog.Logger) *PaymentEventWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentEventWorker{events: events, log: logger}
}

func (w *PaymentEventWorker) Timeout(*river.Job[ProcessPaymentEventArgs]) time.Duration {
	return 30 * time.Second
}

func (w *PaymentEventWorker) Work(ctx context.Context, job *river.Job[ProcessPaymentEventArgs]) error {
	err := w.events.Process(ctx, job.Args.EventID)
	return finish(w.log.With("event_id", job.Args.EventID), job.Kind, job.Attempt, err)
}

type CommissionWorker struct {
	river.WorkerDefaults[ProcessCommissionArgs]
	commissions Commissions
	log         *slog.Logger
}

func NewCommissionWorker(commissions Commissions, logger *slog.Logger) *CommissionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommissionWorker{commissions: commissions, log: logger}
}

func (w *CommissionWorker) Work(ctx context.Context, job *river.Job[ProcessCommissionArgs]) error {
	args := job.Args
	res, err := w.commissions.ProcessCommission(ctx, commission.CommissionInput{
		ReferredUserID:  args.ReferredUserID,
		Amount:          args.Amount,
		TransactionKind: args.TransactionKind,
		ReferenceID:     args.ReferenceID,
	})
	if err != nil {
		return finish(w.log.With("reference_id", args.ReferenceID), job.Kind, job.Attempt, err)
	}
	w.log.Debug("commission job done", "reference_id", args.ReferenceID, "status", res.Status)
	return nil
}

type ReverseCommissionWorker struct {
	river.WorkerDefaults[ReverseCommissionArgs]
	commissions Commissions
	log         *slog.Logger
}

func NewReverseCommissionWorker(commissions Commissions, logger *slog.Logger) *ReverseCommissionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReverseCommissionWorker{commissions: commissions, log: logger}
}

func (w *ReverseCommissionWorker) Work(ctx context.Context, job *river.Job[ReverseCommissionArgs]) error {
	args := job.Args
	_, err := w.commissions.ReverseCommission(ctx, commission.ReversalInput{
		ReferredUserID:      args.ReferredUserID,
		OriginalReferenceID: args.OriginalReferenceID,
		RefundReferenceID:   args.RefundReferenceID,
		RefundedAmount:      args.RefundedAmount,
		TotalAmount:         args.TotalAmount,
	})
	return finish(w.log.With("reference_id", args.OriginalReferenceID, "refund_reference_id", args.RefundReferenceID),
		job.Kind, job.Attempt, err)
}

type VerifyBalancesWorker struct {
	river.WorkerDefaults[VerifyBalancesArgs]
	verifier Verifier
	log      *slog.Logger
}

func NewVerifyBalancesWorker(verifier Verifier, logger *slog.Logger) *VerifyBalancesWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &VerifyBalancesWorker{verifier: verifier, log: logger}
}

func (w *VerifyBalancesWorker) Timeout(*river.Job[VerifyBalancesArgs]) time.Duration {
	return 10 * time.Minute
}

// Work runs the audit. Discrepancies are reported through logs and metrics, not as a job failure.
func (w *VerifyBalancesWorker) Work(ctx context.Context, job *river.Job[VerifyBalancesArgs]) error {
	report, err := w.verifier.Verify(ctx)
	if err != nil {
		return finish(w.log, job.Kind, job.Attempt, err)
	}
	if len(report.Discrepancies) > 0 {
		w.log.Error("balance verification found discrepancies", "checked", report.Checked, "discrepancies", len(report.Discrepancies))
	}
	return nil
}

// Register adds every worker to workers.
func Register(workers *river.Workers, events EventProcessor, commissions Commissions, verifier Verifier, logger *slog.Logger) {
	river.AddWorker(workers, NewPaymentEventWorker(events, logger))
	river.AddWorker(workers, NewCommissionWorker(commissions, logger))
	river.AddWorker(workers, NewReverseCommissionWorker(commissions, logger))
	river.AddWorker(workers, NewVerifyBalancesWorker(verifier, logger))
}
