// Package billing applies stored payment processor events to the credit engine.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/credits/internal/commission"
	"github.com/inaiurai/credits/internal/jobs"
	"github.com/inaiurai/credits/internal/ledger"
	"github.com/inaiurai/credits/internal/metrics"
	"github.com/inaiurai/credits/internal/models"
	"github.com/inaiurai/credits/internal/refunds"
	"github.com/inaiurai/credits/internal/repository"
	"github.com/inaiurai/credits/internal/subscription"
)

const transitionAttempts = 5

type EventStore interface {
	GetByID(ctx context.Context, id string) (*models.PaymentEvent, error)
	MarkProcessed(ctx context.Context, id string, procErr error) error
}

type WorkspaceStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Workspace, error)
}

// PaymentLinkStore maps invoice payments to the invoice so their refunds resolve.
type PaymentLinkStore interface {
	InsertPaymentLinkTx(ctx context.Context, tx pgx.Tx, l *models.PaymentLink) error
}

type Options struct {
	// PlanCredits maps a processor price id to the credits granted per paid invoice.
	PlanCredits map[string]int64
	Logger      *slog.Logger
}

// EventProcessor turns processor events into ledger entries, subscription transitions,
// refund reconciliations and commission jobs.
type EventProcessor struct {
	db            repository.TxBeginner
	events        EventStore
	workspaces    WorkspaceStore
	payments      PaymentLinkStore
	ledger        ledger.Service
	subscriptions subscription.Service
	refunds       refunds.Service
	insert        jobs.InsertTxFunc
	planCredits   map[string]int64
	log           *slog.Logger
}

// NewEventProcessor wires the processor. insert enqueues commission jobs in the ledger
// transaction; it may be nil when commissions are not tracked.
func NewEventProcessor(db repository.TxBeginner, events EventStore, workspaces WorkspaceStore, payments PaymentLinkStore,
	ledgerSvc ledger.Service, subs subscription.Service, refundSvc refunds.Service, insert jobs.InsertTxFunc, opts Options) *EventProcessor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &EventProcessor{
		db: db, events: events, workspaces: workspaces, payments: payments, ledger: ledgerSvc, subscriptions: subs,
		refunds: refundSvc, insert: insert, planCredits: opts.PlanCredits, log: opts.Logger,
	}
}

// Process applies a stored event once. The outcome is recorded on the event row;
// the error is returned so the job can be retried.
func (p *EventProcessor) Process(ctx context.Context, eventID string) error {
	ev, err := p.events.GetByID(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load event %s: %w", eventID, err)
	}
	if ev.ProcessedAt != nil {
		return nil
	}
	log := p.log.With("event_id", ev.ID, "event_type", ev.Type)
	err = p.handle(ctx, log, ev)
	result := "ok"
	switch {
	case err == nil:
	case models.IsRetryable(err):
		result = "retry"
	default:
		result = "error"
	}
	metrics.PaymentEventsTotal.WithLabelValues(ev.Type, result).Inc()
	if markErr := p.events.MarkProcessed(ctx, ev.ID, err); markErr != nil {
		log.Error("failed to record event outcome", "error", markErr)
		if err == nil {
			return fmt.Errorf("mark event %s processed: %w", ev.ID, markErr)
		}
	}
	return err
}

func (p *EventProcessor) handle(ctx context.Context, log *slog.Logger, ev *models.PaymentEvent) error {
	switch ev.Type {
	case EventCheckoutCompleted:
		var session CheckoutSession
		if err := decode(ev, &session); err != nil {
			return err
		}
		return p.checkoutCompleted(ctx, log, &session)
	case EventInvoicePaid:
		var inv Invoice
		if err := decode(ev, &inv); err != nil {
			return err
		}
		return p.invoicePaid(ctx, log, &inv)
	case EventInvoicePaymentFailed:
		var inv Invoice
		if err := decode(ev, &inv); err != nil {
			return err
		}
		return p.invoicePaymentFailed(ctx, log, &inv)
	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub Subscription
		if err := decode(ev, &sub); err != nil {
			return err
		}
		if ev.Type == EventSubscriptionDeleted {
			sub.Status = "canceled"
		}
		return p.subscriptionChanged(ctx, log, &sub)
	case EventChargeRefunded:
		var ch Charge
		if err := decode(ev, &ch); err != nil {
			return err
		}
		return p.chargeRefunded(ctx, log, &ch)
	default:
		log.Info("payment event ignored (unhandled type)")
		return nil
	}
}

func decode(ev *models.PaymentEvent, v any) error {
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", models.ErrInvalidInput, ev.Type, err)
	}
	return nil
}

func (p *EventProcessor) checkoutCompleted(ctx context.Context, log *slog.Logger, s *CheckoutSession) error {
	wsID, ok := metadataUUID(s.Metadata, "workspace_id")
	if !ok {
		return fmt.Errorf("%w: checkout %s has no workspace_id metadata", models.ErrInvalidInput, s.ID)
	}
	switch s.Mode {
	case "subscription":
		status := models.SubscriptionActive
		if s.Metadata["trial"] == "true" {
			status = models.SubscriptionTrialing
		}
		sub, created, err := p.subscriptions.Create(ctx, &models.Subscription{
			WorkspaceID: wsID,
			ExternalID:  s.Subscription,
			PlanID:      s.Metadata["plan_id"],
			Status:      status,
		})
		if err != nil {
			return fmt.Errorf("create subscription %s: %w", s.Subscription, err)
		}
		log.Info("checkout subscription recorded", "workspace_id", wsID, "subscription_id", sub.ID, "created", created)
		return nil
	case "payment":
		if s.PaymentStatus != "paid" {
			log.Info("checkout not paid yet", "workspace_id", wsID, "payment_status", s.PaymentStatus)
			return nil
		}
		credits, err := strconv.ParseInt(s.Metadata["credits"], 10, 64)
		if err != nil || credits <= 0 {
			return fmt.Errorf("%w: checkout %s credits metadata %q", models.ErrInvalidAmount, s.ID, s.Metadata["credits"])
		}
		if s.PaymentIntent == "" {
			return fmt.Errorf("%w: checkout %s has no payment intent", models.ErrInvalidInput, s.ID)
		}
		ws, err := p.workspaces.GetByID(ctx, wsID)
		if err != nil {
			return fmt.Errorf("load workspace %s: %w", wsID, err)
		}
		res, err := p.ledger.Apply(ctx, ledger.ApplyInput{
			WorkspaceID:   ws.ID,
			Amount:        credits,
			Kind:          models.EntryPurchase,
			ReferenceID:   s.PaymentIntent,
			ReferenceKind: models.RefPaymentEvent,
			Description:   fmt.Sprintf("credit purchase, checkout %s", s.ID),
			AfterApply:    p.commissionJob(ws.OwnerUserID, s.AmountTotal, commission.KindPurchase, s.PaymentIntent),
		})
		if err != nil {
			return err
		}
		log.Info("credit purchase applied", "workspace_id", ws.ID, "reference_id", s.PaymentIntent, "credits", credits, "outcome", res.Outcome)
		return nil
	default:
		log.Info("checkout mode ignored", "mode", s.Mode)
		return nil
	}
}

// commissionJob returns an AfterApply hook that enqueues the commission for a payment.
func (p *EventProcessor) commissionJob(referredUserID uuid.UUID, amount int64, kind, referenceID string) func(context.Context, pgx.Tx, *models.LedgerEntry) error {
	return func(ctx context.Context, tx pgx.Tx, _ *models.LedgerEntry) error {
		if p.insert == nil || amount <= 0 {
			return nil
		}
		return p.insert(ctx, tx, jobs.ProcessCommissionArgs{
			ReferredUserID:  referredUserID,
			Amount:          amount,
			TransactionKind: kind,
			ReferenceID:     referenceID,
		})
	}
}

// subscriptionFor returns the local subscription. A missing row means the checkout
// event has not been processed yet, so the caller retries later.
func (p *EventProcessor) subscriptionFor(ctx context.Context, externalID string) (*models.Subscription, error) {
	if externalID == "" {
		return nil, fmt.Errorf("%w: event has no subscription id", models.ErrInvalidInput)
	}
	sub, err := p.subscriptions.GetByExternalID(ctx, externalID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: subscription %s", models.ErrUnknownReference, externalID)
	}
	return sub, err
}

func (p *EventProcessor) invoicePaid(ctx context.Context, log *slog.Logger, inv *Invoice) error {
	sub, err := p.subscriptionFor(ctx, inv.SubscriptionID())
	if err != nil {
		return err
	}
	ws, err := p.workspaces.GetByID(ctx, sub.WorkspaceID)
	if err != nil {
		return fmt.Errorf("load workspace %s: %w", sub.WorkspaceID, err)
	}

	price := inv.PriceID()
	if price == "" {
		price = sub.PlanID
	}
	commissionHook := p.commissionJob(ws.OwnerUserID, inv.AmountPaid, commission.KindSubscription, inv.ID)
	hook := func(ctx context.Context, tx pgx.Tx, entry *models.LedgerEntry) error {
		if err := p.linkPayment(ctx, tx, ws.ID, inv); err != nil {
			return err
		}
		return commissionHook(ctx, tx, entry)
	}
	if credits := p.planCredits[price]; credits > 0 {
		res, err := p.ledger.Apply(ctx, ledger.ApplyInput{
			WorkspaceID:   ws.ID,
			Amount:        credits,
			Kind:          models.EntryPlanGrant,
			ReferenceID:   inv.ID,
			ReferenceKind: models.RefInvoice,
			Description:   fmt.Sprintf("plan allocation for %s", price),
			AfterApply:    hook,
		})
		if err != nil {
			return err
		}
		log.Info("plan credits granted", "workspace_id", ws.ID, "reference_id", inv.ID, "credits", credits, "outcome", res.Outcome)
	} else {
		log.Warn("no plan credits configured for price", "price_id", price, "reference_id", inv.ID)
		if err := p.inTx(ctx, func(tx pgx.Tx) error { return hook(ctx, tx, nil) }); err != nil {
			return err
		}
	}

	start, end := inv.Period()
	_, err = p.subscriptions.TransitionWithRetry(ctx, sub.ID, func(cur *models.Subscription) (subscription.Change, error) {
		change := subscription.Change{CurrentPeriodStart: start, CurrentPeriodEnd: end}
		if cur.Status == models.SubscriptionCanceled {
			return subscription.Change{}, nil
		}
		if inv.AmountPaid > 0 || cur.Status == models.SubscriptionPastDue {
			active := models.SubscriptionActive
			change.Status = &active
		}
		return change, nil
	}, transitionAttempts)
	return err
}

// linkPayment records which invoice a payment intent paid. charge.refunded only
// names the payment intent.
func (p *EventProcessor) linkPayment(ctx context.Context, tx pgx.Tx, workspaceID uuid.UUID, inv *Invoice) error {
	intent := inv.PaymentIntentID()
	if intent == "" || inv.AmountPaid <= 0 {
		return nil
	}
	err := p.payments.InsertPaymentLinkTx(ctx, tx, &models.PaymentLink{
		PaymentReferenceID: intent,
		WorkspaceID:        workspaceID,
		ReferenceID:        inv.ID,
		ReferenceKind:      models.RefInvoice,
		Amount:             inv.AmountPaid,
	})
	if err != nil {
		return fmt.Errorf("link payment %s to invoice %s: %w", intent, inv.ID, err)
	}
	return nil
}

func (p *EventProcessor) invoicePaymentFailed(ctx context.Context, log *slog.Logger, inv *Invoice) error {
	sub, err := p.subscriptionFor(ctx, inv.SubscriptionID())
	if err != nil {
		return err
	}
	next, err := p.subscriptions.TransitionWithRetry(ctx, sub.ID, func(cur *models.Subscription) (subscription.Change, error) {
		if cur.Status == models.SubscriptionCanceled {
			return subscription.Change{}, nil
		}
		return subscription.ToStatus(models.SubscriptionPastDue), nil
	}, transitionAttempts)
	if err != nil {
		return err
	}
	log.Info("invoice payment failed", "subscription_id", next.ID, "status", next.Status)
	return nil
}

// subscriptionChanged syncs status, the period-end flag, plan and period. Status moves the
// lifecycle does not allow are skipped, not failed, so out-of-order deliveries settle.
func (p *EventProcessor) subscriptionChanged(ctx context.Context, log *slog.Logger, s *Subscription) error {
	sub, err := p.subscriptionFor(ctx, s.ID)
	if err != nil {
		return err
	}
	target, known := LocalStatus(s.Status)
	start, end := s.Period()
	price := s.PriceID()
	next, err := p.subscriptions.TransitionWithRetry(ctx, sub.ID, func(cur *models.Subscription) (subscription.Change, error) {
		change := subscription.Change{CurrentPeriodStart: start, CurrentPeriodEnd: end}
		if price != "" {
			change.PlanID = &price
		}
		status := cur.Status
		if known && target != cur.Status {
			if subscription.CanTransition(cur.Status, target) {
				status = target
				change.Status = &target
			} else {
				log.Warn("subscription status change skipped", "subscription_id", cur.ID, "from", cur.Status, "to", target)
			}
		}
		if status == models.SubscriptionActive || status == models.SubscriptionPastDue {
			flag := s.CancelAtPeriodEnd
			change.CancelAtPeriodEnd = &flag
		}
		return change, nil
	}, transitionAttempts)
	if err != nil {
		return err
	}
	log.Info("subscription synced", "subscription_id", next.ID, "status", next.Status,
		"cancel_at_period_end", next.CancelAtPeriodEnd, "version", next.Version)
	return nil
}

// chargeRefunded reconciles each settled refund on the charge. Refund ids make
// redelivery and the admin refund path converge on one ledger entry.
func (p *EventProcessor) chargeRefunded(ctx context.Context, log *slog.Logger, ch *Charge) error {
	if ch.PaymentIntent == "" || ch.Amount <= 0 {
		return fmt.Errorf("%w: charge %s has no payment intent or amount", models.ErrInvalidInput, ch.ID)
	}
	wsID, _ := metadataUUID(ch.Metadata, "workspace_id")
	if len(ch.Refunds.Data) == 0 {
		log.Warn("charge.refunded without expanded refunds", "charge_id", ch.ID, "amount_refunded", ch.AmountRefunded)
		return nil
	}
	var errs []error
	for _, r := range ch.Refunds.Data {
		if r.Status != "succeeded" {
			continue
		}
		res, err := p.refunds.ReconcileRefund(ctx, refunds.RefundInput{
			WorkspaceID:         wsID,
			PurchaseReferenceID: ch.PaymentIntent,
			RefundReferenceID:   r.ID,
			RefundedAmount:      r.Amount,
			TotalAmount:         ch.Amount,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("refund %s: %w", r.ID, err))
			continue
		}
		log.Info("refund event reconciled", "refund_id", r.ID, "reference_id", ch.PaymentIntent, "outcome", res.Outcome)
	}
	return errors.Join(errs...)
}

func (p *EventProcessor) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
