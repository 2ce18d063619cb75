package commission

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/credits/internal/ledger"
	"github.com/inaiurai/credits/internal/models"
	"github.com/inaiurai/credits/internal/repository/memory"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func tierRates() map[int]decimal.Decimal {
	return map[int]decimal.Decimal{
		0: decimal.NewFromInt(10),
		1: decimal.NewFromInt(20),
		2: decimal.NewFromInt(25),
		3: decimal.NewFromInt(30),
	}
}

type fixture struct {
	store  *memory.Store
	ledger ledger.Service
	svc    Service
	aff    *models.Affiliate
	user   uuid.UUID
}

func newFixture(t *testing.T, tier int) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	led := ledger.NewService(store, store.Workspaces(), store.Ledger(), ledger.Options{})
	svc := NewService(store, store.Affiliates(), store.Commissions(), store.Payouts(), led, Options{
		TierRates: tierRates(), MinPayoutCents: 1000,
	})
	aff := &models.Affiliate{ID: uuid.New(), UserID: uuid.New(), Tier: tier}
	require.NoError(t, store.Affiliates().Create(ctx, aff))
	user := uuid.New()
	require.NoError(t, store.Affiliates().CreateReferral(ctx, &models.Referral{ReferredUserID: user, AffiliateID: aff.ID}))
	return &fixture{store: store, ledger: led, svc: svc, aff: aff, user: user}
}

func (f *fixture) affiliate(t *testing.T) *AffiliateSummary {
	t.Helper()
	a, err := f.svc.GetAffiliate(context.Background(), f.aff.ID)
	require.NoError(t, err)
	return a
}

func (f *fixture) earn(t *testing.T, amount int64, ref string) {
	t.Helper()
	_, err := f.svc.ProcessCommission(context.Background(), CommissionInput{
		ReferredUserID: f.user, Amount: amount, TransactionKind: KindPurchase, ReferenceID: ref,
	})
	require.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Calculation properties
// ---------------------------------------------------------------------------

func TestCalculateCommission(t *testing.T) {
	assert.Equal(t, int64(2000), CalculateCommission(10000, decimal.NewFromInt(20)))
	assert.Equal(t, int64(1), CalculateCommission(19, decimal.NewFromInt(10)), "floors")
	assert.Equal(t, int64(1249), CalculateCommission(9999, decimal.RequireFromString("12.5")))
	assert.Equal(t, int64(0), CalculateCommission(-5, decimal.NewFromInt(20)))
	assert.Equal(t, int64(500), CalculateCommission(500, decimal.NewFromInt(150)), "rate clamped to 100")
	assert.Equal(t, int64(0), CalculateCommission(500, decimal.NewFromInt(-3)))
}

func TestCalculateCommission_Conservation(t *testing.T) {
	rates := []string{"0", "7.5", "10", "20", "33.33", "100"}
	for _, r := range rates {
		rate := decimal.RequireFromString(r)
		for a := int64(0); a < 400; a += 37 {
			for b := int64(0); b < 400; b += 41 {
				whole := CalculateCommission(a+b, rate)
				parts := CalculateCommission(a, rate) + CalculateCommission(b, rate)
				diff := whole - parts
				assert.True(t, diff >= 0 && diff <= 1, "rate %s a=%d b=%d whole=%d parts=%d", r, a, b, whole, parts)
				assert.LessOrEqual(t, whole, a+b)
			}
		}
	}
}

func TestRateForTier_Monotonic(t *testing.T) {
	f := newFixture(t, 0)
	prev := decimal.NewFromInt(-1)
	for tier := 0; tier <= 6; tier++ {
		rate := f.svc.RateForTier(tier)
		assert.True(t, rate.GreaterThanOrEqual(prev), "tier %d", tier)
		prev = rate
	}
	assert.True(t, f.svc.RateForTier(5).Equal(decimal.NewFromInt(30)), "tiers above the table use the top rate")
}

func TestProportion(t *testing.T) {
	assert.Equal(t, int64(250), Proportion(500, 5000, 10000))
	assert.Equal(t, int64(500), Proportion(500, 20000, 10000), "fraction clamped to 1")
	assert.Equal(t, int64(0), Proportion(500, 0, 10000))
	assert.Equal(t, int64(333), Proportion(1000, 1, 3))
}

// ---------------------------------------------------------------------------
// ProcessCommission
// ---------------------------------------------------------------------------

func TestProcessCommission_TierOneScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	res, err := f.svc.ProcessCommission(ctx, CommissionInput{
		ReferredUserID: f.user, Amount: 10000, TransactionKind: KindPurchase, ReferenceID: "pi_1",
	})
	require.NoError(t, err)
	assert.Equal(t, Credited, res.Status)
	assert.Equal(t, int64(2000), res.Commission.Amount)

	a := f.affiliate(t)
	assert.Equal(t, int64(2000), a.PendingEarnings)
	assert.Equal(t, int64(2000), a.TotalEarnings)

	again, err := f.svc.ProcessCommission(ctx, CommissionInput{
		ReferredUserID: f.user, Amount: 10000, TransactionKind: KindPurchase, ReferenceID: "pi_1",
	})
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, again.Status)
	assert.Equal(t, int64(2000), f.affiliate(t).PendingEarnings)
}

func TestProcessCommission_NotReferredAndInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	res, err := f.svc.ProcessCommission(ctx, CommissionInput{
		ReferredUserID: uuid.New(), Amount: 100, TransactionKind: KindPurchase, ReferenceID: "pi_x",
	})
	require.NoError(t, err)
	assert.Equal(t, NotReferred, res.Status)

	_, err = f.svc.ProcessCommission(ctx, CommissionInput{
		ReferredUserID: f.user, Amount: 0, TransactionKind: KindPurchase, ReferenceID: "pi_y",
	})
	assert.ErrorIs(t, err, models.ErrInvalidAmount)
}

// ---------------------------------------------------------------------------
// ReverseCommission
// ---------------------------------------------------------------------------

func TestReverseCommission_FromPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.earn(t, 10000, "pi_1")

	in := ReversalInput{ReferredUserID: f.user, OriginalReferenceID: "pi_1", RefundReferenceID: "re_1", RefundedAmount: 5000, TotalAmount: 10000}
	res, err := f.svc.ReverseCommission(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.FromPending)
	assert.Equal(t, int64(0), res.Clawback)

	again, err := f.svc.ReverseCommission(ctx, in)
	require.NoError(t, err)
	assert.True(t, again.AlreadyApplied)

	a := f.affiliate(t)
	assert.Equal(t, int64(1000), a.PendingEarnings)
	assert.Equal(t, int64(1000), a.TotalEarnings)
}

func TestReverseCommission_AfterPayoutQueuesClawback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.earn(t, 10000, "pi_1")

	p, err := f.svc.RequestPayout(ctx, PayoutInput{AffiliateID: f.aff.ID, Amount: 1500, Method: models.PayoutMethodBankTransfer})
	require.NoError(t, err)
	_, err = f.svc.ProcessPayout(ctx, p.ID, uuid.New())
	require.NoError(t, err)

	res, err := f.svc.ReverseCommission(ctx, ReversalInput{
		ReferredUserID: f.user, OriginalReferenceID: "pi_1", RefundReferenceID: "re_1", RefundedAmount: 10000, TotalAmount: 10000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.FromPending)
	assert.Equal(t, int64(1500), res.Clawback)

	a := f.affiliate(t)
	assert.Equal(t, int64(0), a.PendingEarnings)
	assert.Equal(t, int64(1500), a.PaidEarnings)
	assert.Equal(t, a.PendingEarnings+a.PaidEarnings, a.TotalEarnings)

	open, err := f.svc.ListOpenClawbacks(ctx, models.Page{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(1500), open[0].Amount)
	assert.Equal(t, f.aff.ID, open[0].AffiliateID)
}

func TestReverseCommission_PartialRefundsNeverExceedCommission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.earn(t, 999, "pi_1") // commission 99

	for i, amount := range []int64{333, 333, 333} {
		_, err := f.svc.ReverseCommission(ctx, ReversalInput{
			ReferredUserID: f.user, OriginalReferenceID: "pi_1",
			RefundReferenceID: "re_" + string(rune('a'+i)), RefundedAmount: amount, TotalAmount: 999,
		})
		require.NoError(t, err)
	}
	a := f.affiliate(t)
	assert.GreaterOrEqual(t, a.PendingEarnings, int64(0))
	assert.LessOrEqual(t, a.PendingEarnings, int64(1))
}

func TestReverseCommission_CommissionNotYetProcessed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	_, err := f.svc.ReverseCommission(ctx, ReversalInput{
		ReferredUserID: f.user, OriginalReferenceID: "pi_late", RefundReferenceID: "re_1", RefundedAmount: 10, TotalAmount: 10,
	})
	assert.ErrorIs(t, err, models.ErrUnknownReference)
	assert.True(t, models.IsRetryable(err))

	res, err := f.svc.ReverseCommission(ctx, ReversalInput{
		ReferredUserID: uuid.New(), OriginalReferenceID: "pi_other", RefundReferenceID: "re_2", RefundedAmount: 10, TotalAmount: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.FromPending+res.Clawback)
}

// ---------------------------------------------------------------------------
// Payouts
// ---------------------------------------------------------------------------

func TestRequestPayout_Limits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.earn(t, 10000, "pi_1") // 2000 pending

	_, err := f.svc.RequestPayout(ctx, PayoutInput{AffiliateID: f.aff.ID, Amount: 999, Method: models.PayoutMethodPayPal})
	require.ErrorIs(t, err, ErrPayoutBelowMinimum)
	var minErr *MinimumError
	require.True(t, errors.As(err, &minErr))
	assert.Equal(t, "minimum payout amount is $10.00", err.Error())

	_, err = f.svc.RequestPayout(ctx, PayoutInput{AffiliateID: f.aff.ID, Amount: 2001, Method: models.PayoutMethodPayPal})
	assert.ErrorIs(t, err, ErrPayoutExceedsBalance)

	_, err = f.svc.RequestPayout(ctx, PayoutInput{AffiliateID: f.aff.ID, Amount: 1500, Method: models.PayoutMethodPayPal})
	require.NoError(t, err)
	assert.Equal(t, int64(500), f.affiliate(t).Available)

	_, err = f.svc.RequestPayout(ctx, PayoutInput{AffiliateID: f.aff.ID, Amount: 1000, Method: models.PayoutMethodPayPal})
	assert.ErrorIs(t, err, ErrPayoutExceedsBalance, "open requests reserve pending earnings")

	_, err = f.svc.RequestPayout(ctx, PayoutInput{AffiliateID: f.aff.ID, Amount: 1000, Method: "cheque"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestPayout_ExactlyPendingSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.earn(t, 10000, "pi_1")

	p, err := f.svc.RequestPayout(ctx, PayoutInput{AffiliateID: f.aff.ID, Amount: 2000, Method: models.PayoutMethodBankTransfer})
	require.NoError(t, err)
	admin := uuid.New()
	p, err = f.svc.ApprovePayout(ctx, p.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutApproved, p.Status)

	p, err = f.svc.ProcessPayout(ctx, p.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutPaid, p.Status)

	a := f.affiliate(t)
	assert.Equal(t, int64(0), a.PendingEarnings)
	assert.Equal(t, int64(2000), a.PaidEarnings)
	assert.Equal(t, int64(2000), a.TotalEarnings)

	_, err = f.svc.RejectPayout(ctx, p.ID, admin, "too late")
	assert.ErrorIs(t, err, ErrPayoutFinalized)
	_, err = f.svc.ProcessPayout(ctx, p.ID, admin)
	assert.ErrorIs(t, err, ErrPayoutFinalized)
}

func TestRejectPayout_LeavesBalances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.earn(t, 10000, "pi_1")

	p, err := f.svc.RequestPayout(ctx, PayoutInput{AffiliateID: f.aff.ID, Amount: 2000, Method: models.PayoutMethodPayPal})
	require.NoError(t, err)
	p, err = f.svc.RejectPayout(ctx, p.ID, uuid.New(), "kyc incomplete")
	require.NoError(t, err)
	assert.Equal(t, models.PayoutRejected, p.Status)
	assert.Equal(t, "kyc incomplete", p.RejectReason)

	a := f.affiliate(t)
	assert.Equal(t, int64(2000), a.PendingEarnings)
	assert.Equal(t, int64(2000), a.Available)
	assert.Equal(t, int64(0), a.PaidEarnings)

	_, err = f.svc.ApprovePayout(ctx, p.ID, uuid.New())
	assert.ErrorIs(t, err, ErrPayoutFinalized)
}

func TestProcessPayout_AsCredits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.earn(t, 10000, "pi_1")
	ws := &models.Workspace{ID: uuid.New(), OwnerUserID: f.aff.UserID}
	require.NoError(t, f.store.Workspaces().Create(ctx, ws))

	p, err := f.svc.RequestPayout(ctx, PayoutInput{AffiliateID: f.aff.ID, Amount: 1200, Method: models.PayoutMethodCredits, WorkspaceID: &ws.ID})
	require.NoError(t, err)
	_, err = f.svc.ProcessPayout(ctx, p.ID, uuid.New())
	require.NoError(t, err)

	b, err := f.ledger.GetBalance(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), b.CreditBalance)
	entry, err := f.ledger.FindByReference(ctx, p.ID.String(), models.RefPayout)
	require.NoError(t, err)
	assert.Equal(t, models.EntryPayout, entry.Kind)
	assert.Equal(t, int64(800), f.affiliate(t).PendingEarnings)
}

func TestProcessPayout_CreditsFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.earn(t, 10000, "pi_1")
	missing := uuid.New()

	p, err := f.svc.RequestPayout(ctx, PayoutInput{AffiliateID: f.aff.ID, Amount: 1200, Method: models.PayoutMethodCredits, WorkspaceID: &missing})
	require.NoError(t, err)
	_, err = f.svc.ProcessPayout(ctx, p.ID, uuid.New())
	require.ErrorIs(t, err, models.ErrNotFound)

	a := f.affiliate(t)
	assert.Equal(t, int64(2000), a.PendingEarnings)
	assert.Equal(t, int64(0), a.PaidEarnings)
	got, err := f.store.Payouts().GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutPending, got.Status)
}
