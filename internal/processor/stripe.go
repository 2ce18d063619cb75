package processor

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/subscription"
)

// Stripe implements Client with the Stripe API.
type Stripe struct{}

var _ Client = (*Stripe)(nil)

// NewStripe sets the package-level Stripe key and returns a client.
func NewStripe(apiKey string) *Stripe {
	stripe.Key = apiKey
	return &Stripe{}
}

func (s *Stripe) CreateRefund(_ context.Context, paymentIntentID string, amount int64, idempotencyKey string) (*Refund, error) {
	pi, err := paymentintent.Get(paymentIntentID, nil)
	if err != nil {
		return nil, fmt.Errorf("stripe: get payment intent %s: %w", paymentIntentID, err)
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Amount:        stripe.Int64(amount),
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	r, err := refund.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create refund: %w", err)
	}
	if r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
		return nil, fmt.Errorf("%w: refund %s is %s", ErrRefundFailed, r.ID, r.Status)
	}
	return &Refund{
		ID:              r.ID,
		PaymentIntentID: paymentIntentID,
		Amount:          r.Amount,
		OriginalAmount:  pi.Amount,
		Succeeded:       r.Status == stripe.RefundStatusSucceeded,
	}, nil
}

func (s *Stripe) CancelSubscription(_ context.Context, externalID string, atPeriodEnd bool) error {
	if atPeriodEnd {
		_, err := subscription.Update(externalID, &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)})
		if err != nil {
			return fmt.Errorf("stripe: schedule cancel %s: %w", externalID, err)
		}
		return nil
	}
	if _, err := subscription.Cancel(externalID, &stripe.SubscriptionCancelParams{}); err != nil {
		return fmt.Errorf("stripe: cancel %s: %w", externalID, err)
	}
	return nil
}

func (s *Stripe) ReactivateSubscription(_ context.Context, externalID string) error {
	_, err := subscription.Update(externalID, &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(false)})
	if err != nil {
		return fmt.Errorf("stripe: reactivate %s: %w", externalID, err)
	}
	return nil
}
