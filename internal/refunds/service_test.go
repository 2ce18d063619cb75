package refunds

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/credits/internal/jobs"
	"github.com/inaiurai/credits/internal/ledger"
	"github.com/inaiurai/credits/internal/models"
	"github.com/inaiurai/credits/internal/processor"
	"github.com/inaiurai/credits/internal/repository/memory"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type enqueued struct {
	mu   sync.Mutex
	args []jobs.ReverseCommissionArgs
	err  error
}

func (e *enqueued) insert(_ context.Context, _ pgx.Tx, args river.JobArgs) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.args = append(e.args, args.(jobs.ReverseCommissionArgs))
	return nil
}

type fixture struct {
	store  *memory.Store
	ledger ledger.Service
	proc   *processor.Mock
	jobs   *enqueued
	svc    Service
	ws     *models.Workspace
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	ws := &models.Workspace{ID: uuid.New(), OwnerUserID: uuid.New(), Name: "acme"}
	require.NoError(t, store.Workspaces().Create(context.Background(), ws))
	led := ledger.NewService(store, store.Workspaces(), store.Ledger(), ledger.Options{})
	proc := processor.NewMock()
	q := &enqueued{}
	return &fixture{
		store:  store,
		ledger: led,
		proc:   proc,
		jobs:   q,
		svc:    NewService(store, led, store.Workspaces(), store.Refunds(), proc, q.insert, nil),
		ws:     ws,
	}
}

func (f *fixture) credit(t *testing.T, amount int64, ref string) {
	t.Helper()
	_, err := f.ledger.ApplyCredit(context.Background(), f.ws.ID, amount, models.EntryPurchase, ref, models.RefPaymentEvent, "credit pack")
	require.NoError(t, err)
}

// invoice grants plan credits for an invoice paid by intent.
func (f *fixture) invoice(t *testing.T, credits int64, invoiceID, intent string) {
	t.Helper()
	ctx := context.Background()
	if credits > 0 {
		_, err := f.ledger.ApplyCredit(ctx, f.ws.ID, credits, models.EntryPlanGrant, invoiceID, models.RefInvoice, "plan allocation")
		require.NoError(t, err)
	}
	tx, err := f.store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, f.store.Refunds().InsertPaymentLinkTx(ctx, tx, &models.PaymentLink{
		PaymentReferenceID: intent, WorkspaceID: f.ws.ID, ReferenceID: invoiceID, ReferenceKind: models.RefInvoice, Amount: 2900,
	}))
	require.NoError(t, tx.Commit(ctx))
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), f.ws.ID)
	require.NoError(t, err)
	return b.CreditBalance
}

// ---------------------------------------------------------------------------
// ReconcileRefund
// ---------------------------------------------------------------------------

func TestReconcileRefund_PartialRefundScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, 1000, "pi_seed")
	f.credit(t, 500, "pi_1")
	f.credit(t, 500, "pi_1")
	assert.Equal(t, int64(1500), f.balance(t))
	_, err := f.ledger.ApplyDebit(ctx, f.ws.ID, 200, models.EntryUsage, "", "", "api calls")
	require.NoError(t, err)
	assert.Equal(t, int64(1300), f.balance(t))

	in := RefundInput{WorkspaceID: f.ws.ID, PurchaseReferenceID: "pi_1", RefundReferenceID: "re_1", RefundedAmount: 2500, TotalAmount: 5000}
	res, err := f.svc.ReconcileRefund(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, ledger.Applied, res.Outcome)
	assert.Equal(t, int64(-250), res.Entry.Amount)
	assert.Equal(t, models.EntryRefund, res.Entry.Kind)
	assert.Equal(t, int64(1050), f.balance(t))

	again, err := f.svc.ReconcileRefund(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, ledger.AlreadyApplied, again.Outcome)
	assert.Equal(t, int64(1050), f.balance(t))

	require.Len(t, f.jobs.args, 1)
	assert.Equal(t, jobs.ReverseCommissionArgs{
		ReferredUserID: f.ws.OwnerUserID, OriginalReferenceID: "pi_1", RefundReferenceID: "re_1",
		RefundedAmount: 2500, TotalAmount: 5000,
	}, f.jobs.args[0])
}

func TestReconcileRefund_FullRefundClawsMoreThanPartial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, 999, "pi_1")

	res, err := f.svc.ReconcileRefund(ctx, RefundInput{PurchaseReferenceID: "pi_1", RefundReferenceID: "re_part", RefundedAmount: 1, TotalAmount: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(-333), res.Entry.Amount)

	res, err = f.svc.ReconcileRefund(ctx, RefundInput{PurchaseReferenceID: "pi_1", RefundReferenceID: "re_over", RefundedAmount: 9, TotalAmount: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(-666), res.Entry.Amount, "fraction clamps to one, debit clamps to balance")
	assert.Equal(t, int64(333), res.Shortfall)
	assert.Contains(t, res.Entry.Description, "shortfall 333 credits")
	assert.Equal(t, int64(0), f.balance(t))
}

func TestReconcileRefund_OverspentWorkspace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, 500, "pi_1")
	_, err := f.ledger.ApplyDebit(ctx, f.ws.ID, 500, models.EntryUsage, "", "", "")
	require.NoError(t, err)

	res, err := f.svc.ReconcileRefund(ctx, RefundInput{PurchaseReferenceID: "pi_1", RefundReferenceID: "re_1", RefundedAmount: 5000, TotalAmount: 5000})
	require.NoError(t, err)
	assert.Equal(t, ledger.Skipped, res.Outcome)
	assert.Equal(t, int64(0), f.balance(t))
	require.Len(t, f.jobs.args, 1, "commission reversal is still queued")
}

func TestReconcileRefund_SkippedRefundIsNotReappliedLater(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, 500, "pi_1")
	_, err := f.ledger.ApplyDebit(ctx, f.ws.ID, 500, models.EntryUsage, "", "", "")
	require.NoError(t, err)

	in := RefundInput{PurchaseReferenceID: "pi_1", RefundReferenceID: "re_1", RefundedAmount: 2500, TotalAmount: 5000}
	res, err := f.svc.ReconcileRefund(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, ledger.Skipped, res.Outcome)
	assert.Equal(t, int64(0), f.balance(t))

	rec, err := f.store.Refunds().GetReconciliation(ctx, "re_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Credits)
	assert.Equal(t, int64(250), rec.Shortfall)
	assert.Nil(t, rec.LedgerEntryID)

	f.credit(t, 1000, "pi_2")
	again, err := f.svc.ReconcileRefund(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, ledger.AlreadyApplied, again.Outcome)
	assert.Nil(t, again.Entry)
	assert.Equal(t, int64(250), again.Shortfall)
	assert.Equal(t, int64(1000), f.balance(t), "a later purchase is not clawed for an old refund")
	assert.Len(t, f.jobs.args, 1)
}

func TestReconcileRefund_ConcurrentSkippedDeliveries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, 500, "pi_1")
	_, err := f.ledger.ApplyDebit(ctx, f.ws.ID, 500, models.EntryUsage, "", "", "")
	require.NoError(t, err)

	in := RefundInput{PurchaseReferenceID: "pi_1", RefundReferenceID: "re_1", RefundedAmount: 5000, TotalAmount: 5000}
	var wg sync.WaitGroup
	outcomes := make(chan ledger.Outcome, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.ReconcileRefund(ctx, in)
			if err == nil {
				outcomes <- res.Outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	skipped := 0
	for o := range outcomes {
		if o == ledger.Skipped {
			skipped++
		}
	}
	assert.Equal(t, 1, skipped)
	assert.Len(t, f.jobs.args, 1)
}

func TestReconcileRefund_SubscriptionInvoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.invoice(t, 1000, "in_1", "pi_inv1")

	res, err := f.svc.ReconcileRefund(ctx, RefundInput{
		WorkspaceID: f.ws.ID, PurchaseReferenceID: "pi_inv1", RefundReferenceID: "re_1", RefundedAmount: 1450, TotalAmount: 2900,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.Applied, res.Outcome)
	assert.Equal(t, int64(-500), res.Entry.Amount)
	assert.Equal(t, int64(500), f.balance(t))

	require.Len(t, f.jobs.args, 1)
	assert.Equal(t, "in_1", f.jobs.args[0].OriginalReferenceID)

	_, err = f.svc.ReconcileRefund(ctx, RefundInput{
		WorkspaceID: uuid.New(), PurchaseReferenceID: "pi_inv1", RefundReferenceID: "re_2", RefundedAmount: 1, TotalAmount: 2900,
	})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestReconcileRefund_InvoiceWithoutPlanCredits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, 300, "pi_1")
	f.invoice(t, 0, "in_1", "pi_inv1")

	res, err := f.svc.ReconcileRefund(ctx, RefundInput{PurchaseReferenceID: "pi_inv1", RefundReferenceID: "re_1", RefundedAmount: 2900, TotalAmount: 2900})
	require.NoError(t, err)
	assert.Equal(t, ledger.Skipped, res.Outcome)
	assert.Equal(t, int64(300), f.balance(t))
	require.Len(t, f.jobs.args, 1, "the commission is still reversed")
	assert.Equal(t, "in_1", f.jobs.args[0].OriginalReferenceID)
}

func TestReconcileRefund_UnknownPurchaseIsRetryable(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ReconcileRefund(context.Background(), RefundInput{
		WorkspaceID: f.ws.ID, PurchaseReferenceID: "pi_later", RefundReferenceID: "re_1", RefundedAmount: 10, TotalAmount: 10,
	})
	require.ErrorIs(t, err, models.ErrUnknownReference)
	assert.True(t, models.IsRetryable(err))
	assert.Empty(t, f.jobs.args)
}

func TestReconcileRefund_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, 100, "pi_1")

	_, err := f.svc.ReconcileRefund(ctx, RefundInput{PurchaseReferenceID: "pi_1", RefundReferenceID: "re_1", RefundedAmount: 0, TotalAmount: 10})
	assert.ErrorIs(t, err, models.ErrInvalidAmount)
	_, err = f.svc.ReconcileRefund(ctx, RefundInput{PurchaseReferenceID: "pi_1", RefundedAmount: 1, TotalAmount: 10})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = f.svc.ReconcileRefund(ctx, RefundInput{WorkspaceID: uuid.New(), PurchaseReferenceID: "pi_1", RefundReferenceID: "re_1", RefundedAmount: 1, TotalAmount: 10})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestReconcileRefund_EnqueueFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, 100, "pi_1")
	f.jobs.err = errors.New("queue unavailable")

	_, err := f.svc.ReconcileRefund(ctx, RefundInput{PurchaseReferenceID: "pi_1", RefundReferenceID: "re_1", RefundedAmount: 10, TotalAmount: 10})
	require.Error(t, err)
	assert.Equal(t, int64(100), f.balance(t))
	_, err = f.ledger.FindByReference(ctx, "re_1", models.RefRefundEvent)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

// ---------------------------------------------------------------------------
// IssueRefund
// ---------------------------------------------------------------------------

func TestIssueRefund_ReconcilesAfterConfirmation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, 800, "pi_1")
	f.proc.AddPayment("pi_1", 4000)

	out, err := f.svc.IssueRefund(ctx, IssueInput{WorkspaceID: f.ws.ID, PurchaseReferenceID: "pi_1", Amount: 1000, AdminID: uuid.New(), IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, int64(-200), out.Result.Entry.Amount)
	assert.Equal(t, out.Refund.ID, out.Result.Entry.ReferenceID)
	require.NotNil(t, out.Result.Entry.ActorID)
	assert.Equal(t, int64(600), f.balance(t))

	again, err := f.svc.IssueRefund(ctx, IssueInput{WorkspaceID: f.ws.ID, PurchaseReferenceID: "pi_1", Amount: 1000, AdminID: uuid.New(), IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, ledger.AlreadyApplied, again.Result.Outcome)
	assert.Equal(t, int64(600), f.balance(t))
}

func TestIssueRefund_PendingIsNotReconciled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, 800, "pi_1")
	f.proc.AddPayment("pi_1", 4000)
	f.proc.PendingRefunds = true

	out, err := f.svc.IssueRefund(ctx, IssueInput{WorkspaceID: f.ws.ID, PurchaseReferenceID: "pi_1", Amount: 4000, AdminID: uuid.New()})
	require.NoError(t, err)
	assert.Nil(t, out.Result)
	assert.False(t, out.Refund.Succeeded)
	assert.Equal(t, int64(800), f.balance(t))
}

func TestIssueRefund_ProcessorFailureLeavesBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, 800, "pi_1")
	f.proc.CreateRefundErr = processor.ErrRefundFailed

	_, err := f.svc.IssueRefund(ctx, IssueInput{WorkspaceID: f.ws.ID, PurchaseReferenceID: "pi_1", Amount: 100, AdminID: uuid.New()})
	assert.ErrorIs(t, err, processor.ErrRefundFailed)
	assert.Equal(t, int64(800), f.balance(t))

	_, err = f.svc.IssueRefund(ctx, IssueInput{WorkspaceID: f.ws.ID, PurchaseReferenceID: "pi_missing", Amount: 100, AdminID: uuid.New()})
	assert.ErrorIs(t, err, models.ErrUnknownReference)
}
