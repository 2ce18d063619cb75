package commission

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/credits/internal/ledger"
	"github.com/inaiurai/credits/internal/metrics"
	"github.com/inaiurai/credits/internal/models"
)

func validMethod(m string) bool {
	switch m {
	case models.PayoutMethodBankTransfer, models.PayoutMethodPayPal, models.PayoutMethodCredits:
		return true
	}
	return false
}

func (s *service) GetAffiliate(ctx context.Context, id uuid.UUID) (*AffiliateSummary, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	aff, err := s.affiliates.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	open, err := s.payouts.SumOpenTx(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("sum open payouts: %w", err)
	}
	return &AffiliateSummary{Affiliate: aff, Rate: s.RateForTier(aff.Tier), Available: max(aff.PendingEarnings-open, 0)}, nil
}

func (s *service) ListPayouts(ctx context.Context, affiliateID uuid.UUID, page models.Page) ([]*models.PayoutRequest, error) {
	return s.payouts.ListByAffiliate(ctx, affiliateID, page.Normalize())
}

// RequestPayout reserves amount out of the affiliate's unreserved pending earnings.
// Counters move only when the request is processed.
func (s *service) RequestPayout(ctx context.Context, in PayoutInput) (*models.PayoutRequest, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: payout must be positive", models.ErrInvalidAmount)
	}
	if in.Amount < s.minPayout {
		return nil, &MinimumError{Minimum: s.minPayout}
	}
	if !validMethod(in.Method) {
		return nil, fmt.Errorf("%w: unknown payout method %q", models.ErrInvalidInput, in.Method)
	}
	if in.Method == models.PayoutMethodCredits && (in.WorkspaceID == nil || *in.WorkspaceID == uuid.Nil) {
		return nil, fmt.Errorf("%w: credits payout needs a workspace", models.ErrInvalidInput)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	aff, err := s.affiliates.GetByIDForUpdate(ctx, tx, in.AffiliateID)
	if err != nil {
		return nil, fmt.Errorf("lock affiliate %s: %w", in.AffiliateID, err)
	}
	open, err := s.payouts.SumOpenTx(ctx, tx, aff.ID)
	if err != nil {
		return nil, fmt.Errorf("sum open payouts: %w", err)
	}
	if available := aff.PendingEarnings - open; in.Amount > available {
		return nil, fmt.Errorf("%w: requested %s, available %s", ErrPayoutExceedsBalance, FormatCents(in.Amount), FormatCents(max(available, 0)))
	}

	p := &models.PayoutRequest{
		ID:          uuid.New(),
		AffiliateID: aff.ID,
		Amount:      in.Amount,
		Method:      in.Method,
		Status:      models.PayoutPending,
	}
	if in.Method == models.PayoutMethodCredits {
		p.WorkspaceID = in.WorkspaceID
	}
	if err := s.payouts.CreateTx(ctx, tx, p); err != nil {
		return nil, fmt.Errorf("create payout request: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	metrics.PayoutsTotal.WithLabelValues(string(p.Status), p.Method).Inc()
	s.log.Info("payout requested", "payout_id", p.ID, "affiliate_id", aff.ID, "amount", p.Amount, "method", p.Method)
	return p, nil
}

// decide runs fn against the locked payout request inside one transaction.
func (s *service) decide(ctx context.Context, payoutID uuid.UUID, fn func(ctx context.Context, tx pgx.Tx, p *models.PayoutRequest) (from models.PayoutStatus, err error)) (*models.PayoutRequest, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.payouts.GetByIDForUpdate(ctx, tx, payoutID)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrPayoutFinalized, p.ID, p.Status)
	}
	from, err := fn(ctx, tx, p)
	if err != nil {
		return nil, err
	}
	if from == p.Status {
		// Nothing to write.
		return p, nil
	}
	ok, err := s.payouts.UpdateStatusTx(ctx, tx, p, from)
	if err != nil {
		return nil, fmt.Errorf("update payout: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s changed concurrently", ErrPayoutFinalized, p.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	metrics.PayoutsTotal.WithLabelValues(string(p.Status), p.Method).Inc()
	return p, nil
}

func (s *service) ApprovePayout(ctx context.Context, payoutID, adminID uuid.UUID) (*models.PayoutRequest, error) {
	p, err := s.decide(ctx, payoutID, func(_ context.Context, _ pgx.Tx, p *models.PayoutRequest) (models.PayoutStatus, error) {
		if p.Status == models.PayoutApproved {
			return p.Status, nil
		}
		from := p.Status
		p.Status = models.PayoutApproved
		p.DecidedBy = &adminID
		return from, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("payout approved", "payout_id", payoutID, "admin_id", adminID)
	return p, nil
}

// RejectPayout releases the reservation. Earnings counters are not touched.
func (s *service) RejectPayout(ctx context.Context, payoutID, adminID uuid.UUID, reason string) (*models.PayoutRequest, error) {
	p, err := s.decide(ctx, payoutID, func(_ context.Context, _ pgx.Tx, p *models.PayoutRequest) (models.PayoutStatus, error) {
		from := p.Status
		p.Status = models.PayoutRejected
		p.RejectReason = reason
		p.DecidedBy = &adminID
		return from, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("payout rejected", "payout_id", payoutID, "admin_id", adminID, "reason", reason)
	return p, nil
}

// ProcessPayout pays a pending or approved request: pending earnings move to paid, and
// a credits payout is deposited into the target workspace in the same transaction.
func (s *service) ProcessPayout(ctx context.Context, payoutID, adminID uuid.UUID) (*models.PayoutRequest, error) {
	p, err := s.decide(ctx, payoutID, func(ctx context.Context, tx pgx.Tx, p *models.PayoutRequest) (models.PayoutStatus, error) {
		if _, err := s.affiliates.GetByIDForUpdate(ctx, tx, p.AffiliateID); err != nil {
			return "", fmt.Errorf("lock affiliate %s: %w", p.AffiliateID, err)
		}
		ok, err := s.affiliates.PayFromPendingTx(ctx, tx, p.AffiliateID, p.Amount)
		if err != nil {
			return "", fmt.Errorf("pay affiliate: %w", err)
		}
		if !ok {
			return "", fmt.Errorf("%w: pending earnings below %s", ErrPayoutExceedsBalance, FormatCents(p.Amount))
		}
		if p.Method == models.PayoutMethodCredits {
			if _, err := s.ledger.ApplyTx(ctx, tx, ledger.ApplyInput{
				WorkspaceID:   *p.WorkspaceID,
				Amount:        p.Amount,
				Kind:          models.EntryPayout,
				ReferenceID:   p.ID.String(),
				ReferenceKind: models.RefPayout,
				Description:   "affiliate payout as credits",
				ActorID:       &adminID,
			}); err != nil {
				return "", fmt.Errorf("deposit credits: %w", err)
			}
		}
		from := p.Status
		p.Status = models.PayoutPaid
		p.DecidedBy = &adminID
		return from, nil
	})
	if err != nil {
		s.log.Error("payout processing failed", "payout_id", payoutID, "admin_id", adminID, "error", err)
		return nil, err
	}
	metrics.CommissionCentsTotal.WithLabelValues("paid").Add(float64(p.Amount))
	s.log.Info("payout processed", "payout_id", payoutID, "admin_id", adminID, "amount", p.Amount, "method", p.Method)
	return p, nil
}
