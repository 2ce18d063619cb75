// Package processor is the narrow client of the external payment processor.
package processor

import (
	"context"
	"errors"
)

// ErrRefundFailed is returned when the processor declines or fails a refund.
var ErrRefundFailed = errors.New("processor refund failed")

// Refund is the processor's confirmation of an issued refund.
type Refund struct {
	ID              string
	PaymentIntentID string
	Amount          int64
	// OriginalAmount is the total amount of the refunded payment.
	OriginalAmount int64
	// Succeeded is false while the processor still settles the refund.
	Succeeded bool
}

// Client abstracts the payment processor operations the credit engine triggers.
type Client interface {
	// CreateRefund refunds amount (in the payment's currency minor unit) of a payment.
	CreateRefund(ctx context.Context, paymentIntentID string, amount int64, idempotencyKey string) (*Refund, error)
	// CancelSubscription cancels now, or at the end of the current period.
	CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool) error
	// ReactivateSubscription clears a scheduled cancellation.
	ReactivateSubscription(ctx context.Context, externalID string) error
}
