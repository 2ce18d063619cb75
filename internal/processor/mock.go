package processor

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a Client that records calls and returns configurable results.
// cmd/api falls back to it when no Stripe key is configured.
type Mock struct {
	mu sync.Mutex

	// Payments maps payment intent id to its original amount.
	Payments map[string]int64
	// Refunds collects issued refunds in order.
	Refunds []Refund
	// Canceled maps subscription id to whether the cancel was scheduled for period end.
	Canceled    map[string]bool
	Reactivated []string

	// PendingRefunds makes refunds come back unsettled.
	PendingRefunds bool

	CreateRefundErr           error
	CancelSubscriptionErr     error
	ReactivateSubscriptionErr error

	byKey   map[string]*Refund
	nextSeq int
}

var _ Client = (*Mock)(nil)

func NewMock() *Mock {
	return &Mock{
		Payments: make(map[string]int64),
		Canceled: make(map[string]bool),
		byKey:    make(map[string]*Refund),
	}
}

// AddPayment registers a payment that can later be refunded.
func (m *Mock) AddPayment(paymentIntentID string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Payments[paymentIntentID] = amount
}

func (m *Mock) CreateRefund(_ context.Context, paymentIntentID string, amount int64, idempotencyKey string) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateRefundErr != nil {
		return nil, m.CreateRefundErr
	}
	if r, ok := m.byKey[idempotencyKey]; ok && idempotencyKey != "" {
		cp := *r
		return &cp, nil
	}
	total, ok := m.Payments[paymentIntentID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown payment %s", ErrRefundFailed, paymentIntentID)
	}
	var refunded int64
	for _, r := range m.Refunds {
		if r.PaymentIntentID == paymentIntentID {
			refunded += r.Amount
		}
	}
	if amount <= 0 || refunded+amount > total {
		return nil, fmt.Errorf("%w: amount %d exceeds refundable %d", ErrRefundFailed, amount, total-refunded)
	}
	m.nextSeq++
	r := Refund{
		ID:              fmt.Sprintf("re_mock_%d", m.nextSeq),
		PaymentIntentID: paymentIntentID,
		Amount:          amount,
		OriginalAmount:  total,
		Succeeded:       !m.PendingRefunds,
	}
	m.Refunds = append(m.Refunds, r)
	if idempotencyKey != "" {
		m.byKey[idempotencyKey] = &r
	}
	return &r, nil
}

func (m *Mock) CancelSubscription(_ context.Context, externalID string, atPeriodEnd bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelSubscriptionErr != nil {
		return m.CancelSubscriptionErr
	}
	m.Canceled[externalID] = atPeriodEnd
	return nil
}

func (m *Mock) ReactivateSubscription(_ context.Context, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReactivateSubscriptionErr != nil {
		return m.ReactivateSubscriptionErr
	}
	delete(m.Canceled, externalID)
	m.Reactivated = append(m.Reactivated, externalID)
	return nil
}
