// Package jobs holds the River job kinds of the credit engine and their workers.
package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

// InsertTxFunc enqueues a job within the given transaction. Provided by main using
// river.Client.InsertTx so the job commits or rolls back with the business write.
type InsertTxFunc func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error

// ProcessPaymentEventArgs points at a stored processor webhook event.
type ProcessPaymentEventArgs struct {
	EventID string `json:"event_id"`
}

func (ProcessPaymentEventArgs) Kind() string { return "process_payment_event" }

func (ProcessPaymentEventArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 25}
}

// ProcessCommissionArgs credits the referring affiliate for a payment.
type ProcessCommissionArgs struct {
	ReferredUserID  uuid.UUID `json:"referred_user_id"`
	Amount          int64     `json:"amount"`
	TransactionKind string    `json:"transaction_kind"`
	ReferenceID     string    `json:"reference_id"`
}

func (ProcessCommissionArgs) Kind() string { return "process_commission" }

func (ProcessCommissionArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 25}
}

// ReverseCommissionArgs reverses the refunded fraction of the commissions on a payment.
type ReverseCommissionArgs struct {
	ReferredUserID      uuid.UUID `json:"referred_user_id"`
	OriginalReferenceID string    `json:"original_reference_id"`
	RefundReferenceID   string    `json:"refund_reference_id"`
	RefundedAmount      int64     `json:"refunded_amount"`
	TotalAmount         int64     `json:"total_amount"`
}

func (ReverseCommissionArgs) Kind() string { return "reverse_commission" }

func (ReverseCommissionArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 25}
}

// VerifyBalancesArgs runs the ledger audit. Only one may be queued at a time.
type VerifyBalancesArgs struct{}

func (VerifyBalancesArgs) Kind() string { return "verify_balances" }

func (VerifyBalancesArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 3,
		UniqueOpts:  river.UniqueOpts{ByPeriod: 15 * time.Minute},
	}
}

// VerifyPeriodicJob schedules the ledger audit every interval.
func VerifyPeriodicJob(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return VerifyBalancesArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: false},
	)
}
