package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/credits/internal/ledger"
	"github.com/inaiurai/credits/internal/metrics"
	"github.com/inaiurai/credits/internal/models"
	"github.com/inaiurai/credits/internal/repository"
)

var hundred = decimal.NewFromInt(100)

// CalculateCommission returns floor(amount * rate / 100) in cents. The rate is a
// percentage clamped to [0,100], so the result is never negative and never above amount.
func CalculateCommission(amount int64, rate decimal.Decimal) int64 {
	if amount <= 0 {
		return 0
	}
	if rate.IsNegative() {
		rate = decimal.Zero
	}
	if rate.GreaterThan(hundred) {
		rate = hundred
	}
	return decimal.NewFromInt(amount).Mul(rate).Shift(-2).Floor().IntPart()
}

// Proportion returns floor(whole * part / total) with part/total clamped to [0,1].
func Proportion(whole, part, total int64) int64 {
	if whole <= 0 || part <= 0 || total <= 0 {
		return 0
	}
	if part > total {
		part = total
	}
	q, _ := decimal.NewFromInt(whole).Mul(decimal.NewFromInt(part)).QuoRem(decimal.NewFromInt(total), 0)
	return q.IntPart()
}

// Transaction kinds a commission can be earned on.
const (
	KindPurchase     = "purchase"
	KindSubscription = "subscription"
)

type Status string

const (
	Credited         Status = "credited"
	NotReferred      Status = "not_referred"
	AlreadyProcessed Status = "already_processed"
)

type CommissionInput struct {
	ReferredUserID  uuid.UUID
	Amount          int64
	TransactionKind string
	ReferenceID     string
}

type CommissionResult struct {
	Status     Status
	Commission *models.Commission
}

type ReversalInput struct {
	ReferredUserID      uuid.UUID
	OriginalReferenceID string
	RefundReferenceID   string
	RefundedAmount      int64
	TotalAmount         int64
}

type ReversalResult struct {
	FromPending    int64
	Clawback       int64
	AlreadyApplied bool
}

// AffiliateSummary is an affiliate with the amount it can still request.
type AffiliateSummary struct {
	*models.Affiliate
	Rate      decimal.Decimal `json:"rate"`
	Available int64           `json:"available_for_payout"`
}

type PayoutInput struct {
	AffiliateID uuid.UUID
	Amount      int64
	Method      string
	WorkspaceID *uuid.UUID
}

type Service interface {
	RateForTier(tier int) decimal.Decimal
	ProcessCommission(ctx context.Context, in CommissionInput) (*CommissionResult, error)
	ReverseCommission(ctx context.Context, in ReversalInput) (*ReversalResult, error)
	GetAffiliate(ctx context.Context, id uuid.UUID) (*AffiliateSummary, error)
	ListCommissions(ctx context.Context, affiliateID uuid.UUID, page models.Page) ([]*models.Commission, error)
	ListPayouts(ctx context.Context, affiliateID uuid.UUID, page models.Page) ([]*models.PayoutRequest, error)
	RequestPayout(ctx context.Context, in PayoutInput) (*models.PayoutRequest, error)
	ApprovePayout(ctx context.Context, payoutID, adminID uuid.UUID) (*models.PayoutRequest, error)
	RejectPayout(ctx context.Context, payoutID, adminID uuid.UUID, reason string) (*models.PayoutRequest, error)
	ProcessPayout(ctx context.Context, payoutID, adminID uuid.UUID) (*models.PayoutRequest, error)
	ListOpenClawbacks(ctx context.Context, page models.Page) ([]*models.Clawback, error)
}

type Options struct {
	// TierRates maps tier to percent. Rates must not decrease with tier.
	TierRates      map[int]decimal.Decimal
	MinPayoutCents int64
	Logger         *slog.Logger
}

type service struct {
	db          repository.TxBeginner
	affiliates  AffiliateStore
	commissions CommissionStore
	payouts     PayoutStore
	ledger      ledger.Service
	tiers       []int
	rates       map[int]decimal.Decimal
	minPayout   int64
	log         *slog.Logger
}

var _ Service = (*service)(nil)

func NewService(db repository.TxBeginner, affiliates AffiliateStore, commissions CommissionStore, payouts PayoutStore, ledgerSvc ledger.Service, opts Options) Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	tiers := make([]int, 0, len(opts.TierRates))
	for t := range opts.TierRates {
		tiers = append(tiers, t)
	}
	sort.Ints(tiers)
	return &service{
		db: db, affiliates: affiliates, commissions: commissions, payouts: payouts, ledger: ledgerSvc,
		tiers: tiers, rates: opts.TierRates, minPayout: opts.MinPayoutCents, log: opts.Logger,
	}
}

// RateForTier returns the rate of the highest configured tier not above tier.
func (s *service) RateForTier(tier int) decimal.Decimal {
	rate := decimal.Zero
	for _, t := range s.tiers {
		if t > tier {
			break
		}
		rate = s.rates[t]
	}
	return rate
}

func (s *service) ProcessCommission(ctx context.Context, in CommissionInput) (*CommissionResult, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: payment amount must be positive", models.ErrInvalidAmount)
	}
	if in.ReferenceID == "" || in.TransactionKind == "" {
		return nil, fmt.Errorf("%w: reference and transaction kind required", models.ErrInvalidInput)
	}
	ref, err := s.affiliates.GetReferral(ctx, in.ReferredUserID)
	if errors.Is(err, models.ErrNotFound) {
		return &CommissionResult{Status: NotReferred}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup referral: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	aff, err := s.affiliates.GetByIDForUpdate(ctx, tx, ref.AffiliateID)
	if err != nil {
		return nil, fmt.Errorf("lock affiliate %s: %w", ref.AffiliateID, err)
	}
	rate := s.RateForTier(aff.Tier)
	c := &models.Commission{
		ID:              uuid.New(),
		AffiliateID:     aff.ID,
		ReferredUserID:  in.ReferredUserID,
		ReferenceID:     in.ReferenceID,
		TransactionKind: in.TransactionKind,
		PaymentAmount:   in.Amount,
		Rate:            rate,
		Amount:          CalculateCommission(in.Amount, rate),
	}
	if err := s.commissions.InsertTx(ctx, tx, c); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			s.log.Debug("commission already processed", "reference_id", in.ReferenceID, "transaction_kind", in.TransactionKind)
			return &CommissionResult{Status: AlreadyProcessed}, nil
		}
		return nil, fmt.Errorf("insert commission: %w", err)
	}
	if c.Amount > 0 {
		if err := s.affiliates.AddPendingTx(ctx, tx, aff.ID, c.Amount); err != nil {
			return nil, fmt.Errorf("credit affiliate: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	metrics.CommissionCentsTotal.WithLabelValues("credited").Add(float64(c.Amount))
	s.log.Info("commission credited", "affiliate_id", aff.ID, "reference_id", in.ReferenceID,
		"transaction_kind", in.TransactionKind, "payment_amount", in.Amount, "rate", rate.String(), "commission", c.Amount)
	return &CommissionResult{Status: Credited, Commission: c}, nil
}

// ReverseCommission reverses the refunded fraction of every commission earned on the
// original payment. The reversal is taken from unreserved pending earnings; whatever
// was already paid out or reserved by a payout request is queued as a clawback.
func (s *service) ReverseCommission(ctx context.Context, in ReversalInput) (*ReversalResult, error) {
	if in.TotalAmount <= 0 || in.RefundedAmount < 0 {
		return nil, fmt.Errorf("%w: refunded %d of %d", models.ErrInvalidAmount, in.RefundedAmount, in.TotalAmount)
	}
	if in.OriginalReferenceID == "" || in.RefundReferenceID == "" {
		return nil, fmt.Errorf("%w: original and refund references required", models.ErrInvalidInput)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	list, err := s.commissions.ListByReferenceForUpdateTx(ctx, tx, in.OriginalReferenceID)
	if err != nil {
		return nil, fmt.Errorf("load commissions: %w", err)
	}
	if len(list) == 0 {
		if _, err := s.affiliates.GetReferral(ctx, in.ReferredUserID); err == nil {
			// Referred payment whose commission has not been processed yet.
			return nil, fmt.Errorf("%w: no commission for %s yet", models.ErrUnknownReference, in.OriginalReferenceID)
		} else if !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("lookup referral: %w", err)
		}
		return &ReversalResult{}, nil
	}

	res := &ReversalResult{}
	for _, c := range list {
		target := min(Proportion(c.Amount, in.RefundedAmount, in.TotalAmount), c.Amount-c.ReversedAmount)
		aff, err := s.affiliates.GetByIDForUpdate(ctx, tx, c.AffiliateID)
		if err != nil {
			return nil, fmt.Errorf("lock affiliate %s: %w", c.AffiliateID, err)
		}
		reserved, err := s.payouts.SumOpenTx(ctx, tx, aff.ID)
		if err != nil {
			return nil, fmt.Errorf("sum open payouts: %w", err)
		}
		fromPending := min(target, max(aff.PendingEarnings-reserved, 0))
		rev := &models.CommissionReversal{
			ID:                uuid.New(),
			CommissionID:      c.ID,
			RefundReferenceID: in.RefundReferenceID,
			FromPending:       fromPending,
			Clawback:          target - fromPending,
		}
		if err := s.commissions.InsertReversalTx(ctx, tx, rev); err != nil {
			if errors.Is(err, models.ErrDuplicate) {
				return &ReversalResult{AlreadyApplied: true}, nil
			}
			return nil, fmt.Errorf("insert reversal: %w", err)
		}
		if fromPending > 0 {
			ok, err := s.affiliates.DeductPendingTx(ctx, tx, aff.ID, fromPending)
			if err != nil {
				return nil, fmt.Errorf("debit affiliate: %w", err)
			}
			if !ok {
				return nil, fmt.Errorf("debit affiliate %s: pending earnings changed under lock", aff.ID)
			}
		}
		if rev.Clawback > 0 {
			if err := s.commissions.InsertClawbackTx(ctx, tx, &models.Clawback{
				ID:                uuid.New(),
				AffiliateID:       aff.ID,
				CommissionID:      c.ID,
				RefundReferenceID: in.RefundReferenceID,
				Amount:            rev.Clawback,
				Status:            models.ClawbackOpen,
			}); err != nil {
				return nil, fmt.Errorf("queue clawback: %w", err)
			}
		}
		res.FromPending += rev.FromPending
		res.Clawback += rev.Clawback
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	metrics.CommissionCentsTotal.WithLabelValues("reversed").Add(float64(res.FromPending))
	metrics.CommissionCentsTotal.WithLabelValues("clawback").Add(float64(res.Clawback))
	s.log.Info("commission reversed", "reference_id", in.OriginalReferenceID, "refund_reference_id", in.RefundReferenceID,
		"from_pending", res.FromPending, "clawback", res.Clawback)
	if res.Clawback > 0 {
		s.log.Warn("commission clawback queued for manual reconciliation",
			"reference_id", in.OriginalReferenceID, "refund_reference_id", in.RefundReferenceID, "amount", res.Clawback)
	}
	return res, nil
}

func (s *service) ListCommissions(ctx context.Context, affiliateID uuid.UUID, page models.Page) ([]*models.Commission, error) {
	return s.commissions.ListByAffiliate(ctx, affiliateID, page.Normalize())
}

func (s *service) ListOpenClawbacks(ctx context.Context, page models.Page) ([]*models.Clawback, error) {
	return s.commissions.ListOpenClawbacks(ctx, page.Normalize())
}
