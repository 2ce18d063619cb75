package billing

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/credits/internal/commission"
	"github.com/inaiurai/credits/internal/jobs"
	"github.com/inaiurai/credits/internal/ledger"
	"github.com/inaiurai/credits/internal/models"
	"github.com/inaiurai/credits/internal/processor"
	"github.com/inaiurai/credits/internal/refunds"
	"github.com/inaiurai/credits/internal/repository/memory"
	"github.com/inaiurai/credits/internal/subscription"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type queue struct {
	mu   sync.Mutex
	jobs []river.JobArgs
}

func (q *queue) insert(_ context.Context, _ pgx.Tx, args river.JobArgs) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, args)
	return nil
}

func (q *queue) commissions() []jobs.ProcessCommissionArgs {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []jobs.ProcessCommissionArgs
	for _, j := range q.jobs {
		if c, ok := j.(jobs.ProcessCommissionArgs); ok {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	store  *memory.Store
	ledger ledger.Service
	subs   subscription.Service
	queue  *queue
	proc   *EventProcessor
	ws     *models.Workspace
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	ws := &models.Workspace{ID: uuid.New(), OwnerUserID: uuid.New(), Name: "acme"}
	require.NoError(t, store.Workspaces().Create(ctx, ws))
	led := ledger.NewService(store, store.Workspaces(), store.Ledger(), ledger.Options{})
	subs := subscription.NewService(store.Subscriptions(), processor.NewMock(), nil)
	q := &queue{}
	ref := refunds.NewService(store, led, store.Workspaces(), store.Refunds(), processor.NewMock(), q.insert, nil)
	proc := NewEventProcessor(store, store.Events(), store.Workspaces(), store.Refunds(), led, subs, ref, q.insert, Options{
		PlanCredits: map[string]int64{"price_pro": 1000},
	})
	return &fixture{store: store, ledger: led, subs: subs, queue: q, proc: proc, ws: ws}
}

// deliver stores an event the way the webhook receiver does and processes it.
func (f *fixture) deliver(t *testing.T, eventType string, object any) (string, error) {
	t.Helper()
	ctx := context.Background()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	id := "evt_" + uuid.NewString()
	tx, err := f.store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, f.store.Events().InsertTx(ctx, tx, &models.PaymentEvent{ID: id, Provider: "stripe", Type: eventType, Payload: raw}))
	require.NoError(t, tx.Commit(ctx))
	return id, f.proc.Process(ctx, id)
}

func (f *fixture) balance(t *testing.T) *models.Balance {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), f.ws.ID)
	require.NoError(t, err)
	return b
}

func (f *fixture) paymentCheckout(intent string, credits string) map[string]any {
	return map[string]any{
		"id": "cs_" + intent, "mode": "payment", "payment_status": "paid", "payment_intent": intent,
		"amount_total": 5000,
		"metadata":     map[string]string{"workspace_id": f.ws.ID.String(), "credits": credits},
	}
}

func invoice(id, subID string, paid int64) map[string]any {
	return map[string]any{
		"id": id, "amount_paid": paid,
		"parent": map[string]any{"subscription_details": map[string]any{"subscription": subID}},
		"lines": map[string]any{"data": []any{map[string]any{
			"pricing": map[string]any{"price_details": map[string]any{"price": "price_pro"}},
			"period":  map[string]any{"start": 1767225600, "end": 1769904000},
		}}},
	}
}

// ---------------------------------------------------------------------------
// Purchases
// ---------------------------------------------------------------------------

func TestProcess_CheckoutPurchase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.deliver(t, EventCheckoutCompleted, f.paymentCheckout("pi_1", "500"))
	require.NoError(t, err)
	assert.Equal(t, int64(500), f.balance(t).CreditBalance)
	assert.Equal(t, int64(500), f.balance(t).PurchasedCredits)

	ev, err := f.store.Events().GetByID(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, ev.ProcessedAt)
	require.NoError(t, f.proc.Process(ctx, id), "processed events are skipped")

	_, err = f.deliver(t, EventCheckoutCompleted, f.paymentCheckout("pi_1", "500"))
	require.NoError(t, err, "a second delivery under a new event id is already applied")
	assert.Equal(t, int64(500), f.balance(t).CreditBalance)

	c := f.queue.commissions()
	require.Len(t, c, 1)
	assert.Equal(t, jobs.ProcessCommissionArgs{
		ReferredUserID: f.ws.OwnerUserID, Amount: 5000, TransactionKind: commission.KindPurchase, ReferenceID: "pi_1",
	}, c[0])
}

func TestProcess_CheckoutRejectsBadMetadata(t *testing.T) {
	f := newFixture(t)

	_, err := f.deliver(t, EventCheckoutCompleted, f.paymentCheckout("pi_1", "lots"))
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	bad := f.paymentCheckout("pi_2", "10")
	bad["metadata"] = map[string]string{"credits": "10"}
	id, err := f.deliver(t, EventCheckoutCompleted, bad)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	ev, getErr := f.store.Events().GetByID(context.Background(), id)
	require.NoError(t, getErr)
	assert.Nil(t, ev.ProcessedAt)
	assert.Contains(t, ev.LastError, "workspace_id")
}

func TestProcess_MalformedPayload(t *testing.T) {
	f := newFixture(t)
	_, err := f.deliver(t, EventInvoicePaid, []int{1, 2})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = f.deliver(t, "customer.created", map[string]any{"id": "cus_1"})
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

func TestProcess_SubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.deliver(t, EventCheckoutCompleted, map[string]any{
		"id": "cs_sub", "mode": "subscription", "subscription": "sub_1",
		"metadata": map[string]string{"workspace_id": f.ws.ID.String(), "plan_id": "price_pro"},
	})
	require.NoError(t, err)
	sub, err := f.subs.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, sub.Status)

	_, err = f.deliver(t, EventInvoicePaid, invoice("in_1", "sub_1", 2900))
	require.NoError(t, err)
	b := f.balance(t)
	assert.Equal(t, int64(1000), b.AllocatedCredits)
	assert.Equal(t, int64(1000), b.CreditBalance)
	c := f.queue.commissions()
	require.Len(t, c, 1)
	assert.Equal(t, commission.KindSubscription, c[0].TransactionKind)
	assert.Equal(t, "in_1", c[0].ReferenceID)

	_, err = f.deliver(t, EventInvoicePaymentFailed, invoice("in_2", "sub_1", 0))
	require.NoError(t, err)
	sub, _ = f.subs.GetByExternalID(ctx, "sub_1")
	assert.Equal(t, models.SubscriptionPastDue, sub.Status)

	_, err = f.deliver(t, EventInvoicePaid, invoice("in_2", "sub_1", 2900))
	require.NoError(t, err)
	sub, _ = f.subs.GetByExternalID(ctx, "sub_1")
	assert.Equal(t, models.SubscriptionActive, sub.Status)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, int64(2000), f.balance(t).AllocatedCredits)

	_, err = f.deliver(t, EventSubscriptionUpdated, map[string]any{"id": "sub_1", "status": "active", "cancel_at_period_end": true})
	require.NoError(t, err)
	sub, _ = f.subs.GetByExternalID(ctx, "sub_1")
	assert.True(t, sub.CancelAtPeriodEnd)

	_, err = f.deliver(t, EventSubscriptionUpdated, map[string]any{"id": "sub_1", "status": "trialing"})
	require.NoError(t, err, "disallowed status moves are skipped")
	sub, _ = f.subs.GetByExternalID(ctx, "sub_1")
	assert.Equal(t, models.SubscriptionActive, sub.Status)
	assert.False(t, sub.CancelAtPeriodEnd, "flag follows the processor")

	_, err = f.deliver(t, EventSubscriptionDeleted, map[string]any{"id": "sub_1", "status": "canceled"})
	require.NoError(t, err)
	sub, _ = f.subs.GetByExternalID(ctx, "sub_1")
	assert.Equal(t, models.SubscriptionCanceled, sub.Status)

	_, err = f.deliver(t, EventInvoicePaymentFailed, invoice("in_3", "sub_1", 0))
	require.NoError(t, err)
	sub, _ = f.subs.GetByExternalID(ctx, "sub_1")
	assert.Equal(t, models.SubscriptionCanceled, sub.Status, "canceled is terminal")
}

func TestProcess_InvoiceBeforeCheckoutIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.deliver(t, EventInvoicePaid, invoice("in_1", "sub_late", 2900))
	require.ErrorIs(t, err, models.ErrUnknownReference)
	assert.True(t, models.IsRetryable(err))
	assert.Equal(t, int64(0), f.balance(t).CreditBalance)

	_, err = f.deliver(t, EventCheckoutCompleted, map[string]any{
		"id": "cs_sub", "mode": "subscription", "subscription": "sub_late",
		"metadata": map[string]string{"workspace_id": f.ws.ID.String()},
	})
	require.NoError(t, err)
	require.NoError(t, f.proc.Process(ctx, id))
	assert.Equal(t, int64(1000), f.balance(t).CreditBalance)
}

// ---------------------------------------------------------------------------
// Refunds
// ---------------------------------------------------------------------------

func TestProcess_ChargeRefunded(t *testing.T) {
	f := newFixture(t)
	_, err := f.deliver(t, EventCheckoutCompleted, f.paymentCheckout("pi_1", "500"))
	require.NoError(t, err)

	charge := map[string]any{
		"id": "ch_1", "payment_intent": "pi_1", "amount": 5000, "amount_refunded": 2500,
		"refunds": map[string]any{"data": []any{
			map[string]any{"id": "re_1", "amount": 2500, "status": "succeeded"},
			map[string]any{"id": "re_2", "amount": 1000, "status": "pending"},
		}},
	}
	_, err = f.deliver(t, EventChargeRefunded, charge)
	require.NoError(t, err)
	assert.Equal(t, int64(250), f.balance(t).CreditBalance)

	_, err = f.deliver(t, EventChargeRefunded, charge)
	require.NoError(t, err)
	assert.Equal(t, int64(250), f.balance(t).CreditBalance)
}

func TestProcess_RefundForUnknownPurchase(t *testing.T) {
	f := newFixture(t)
	_, err := f.deliver(t, EventChargeRefunded, map[string]any{
		"id": "ch_9", "payment_intent": "pi_9", "amount": 100,
		"refunds": map[string]any{"data": []any{map[string]any{"id": "re_9", "amount": 100, "status": "succeeded"}}},
	})
	assert.ErrorIs(t, err, models.ErrUnknownReference)
	assert.True(t, models.IsRetryable(err))
}

func TestProcess_SubscriptionInvoiceRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.deliver(t, EventCheckoutCompleted, map[string]any{
		"id": "cs_sub", "mode": "subscription", "subscription": "sub_1",
		"metadata": map[string]string{"workspace_id": f.ws.ID.String(), "plan_id": "price_pro"},
	})
	require.NoError(t, err)

	inv := invoice("in_1", "sub_1", 2900)
	inv["payment_intent"] = "pi_inv1"
	_, err = f.deliver(t, EventInvoicePaid, inv)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), f.balance(t).CreditBalance)

	link, err := f.store.Refunds().GetPaymentLink(ctx, "pi_inv1")
	require.NoError(t, err)
	assert.Equal(t, "in_1", link.ReferenceID)
	assert.Equal(t, models.RefInvoice, link.ReferenceKind)

	charge := map[string]any{
		"id": "ch_inv1", "payment_intent": "pi_inv1", "amount": 2900, "amount_refunded": 1450,
		"refunds": map[string]any{"data": []any{map[string]any{"id": "re_inv1", "amount": 1450, "status": "succeeded"}}},
	}
	_, err = f.deliver(t, EventChargeRefunded, charge)
	require.NoError(t, err)
	assert.Equal(t, int64(500), f.balance(t).CreditBalance)

	_, err = f.deliver(t, EventChargeRefunded, charge)
	require.NoError(t, err)
	assert.Equal(t, int64(500), f.balance(t).CreditBalance)

	var reversals []jobs.ReverseCommissionArgs
	for _, j := range f.queue.jobs {
		if r, ok := j.(jobs.ReverseCommissionArgs); ok {
			reversals = append(reversals, r)
		}
	}
	require.Len(t, reversals, 1)
	assert.Equal(t, "in_1", reversals[0].OriginalReferenceID, "commission was keyed by the invoice")
	assert.Equal(t, "re_inv1", reversals[0].RefundReferenceID)
}

func TestProcess_InvoicePaymentsListIsLinked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.deliver(t, EventCheckoutCompleted, map[string]any{
		"id": "cs_sub", "mode": "subscription", "subscription": "sub_1",
		"metadata": map[string]string{"workspace_id": f.ws.ID.String(), "plan_id": "price_pro"},
	})
	require.NoError(t, err)

	inv := invoice("in_2", "sub_1", 2900)
	inv["payments"] = map[string]any{"data": []any{
		map[string]any{"payment": map[string]any{"type": "payment_intent", "payment_intent": "pi_inv2"}},
	}}
	_, err = f.deliver(t, EventInvoicePaid, inv)
	require.NoError(t, err)

	link, err := f.store.Refunds().GetPaymentLink(ctx, "pi_inv2")
	require.NoError(t, err)
	assert.Equal(t, "in_2", link.ReferenceID)
	assert.Equal(t, f.ws.ID, link.WorkspaceID)
	assert.Equal(t, int64(2900), link.Amount)
}
