package billing

import (
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/credits/internal/models"
)

// Processor event types the engine reacts to.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventChargeRefunded       = "charge.refunded"
)

// Handled reports whether events of this type are stored and processed.
func Handled(eventType string) bool {
	switch eventType {
	case EventCheckoutCompleted, EventInvoicePaid, EventInvoicePaymentFailed,
		EventSubscriptionUpdated, EventSubscriptionDeleted, EventChargeRefunded:
		return true
	}
	return false
}

// CheckoutSession is a minimal representation of a Stripe checkout.session object.
type CheckoutSession struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	PaymentStatus string            `json:"payment_status"`
	PaymentIntent string            `json:"payment_intent"`
	Subscription  string            `json:"subscription"`
	AmountTotal   int64             `json:"amount_total"`
	Metadata      map[string]string `json:"metadata"`
}

// Invoice is a minimal representation of a Stripe invoice object. Newer API versions
// moved the subscription under parent.subscription_details and the payment intent
// under payments.
type Invoice struct {
	ID            string `json:"id"`
	Subscription  string `json:"subscription"`
	PaymentIntent string `json:"payment_intent"`
	AmountPaid    int64  `json:"amount_paid"`
	Payments      struct {
		Data []struct {
			Payment struct {
				PaymentIntent string `json:"payment_intent"`
			} `json:"payment"`
		} `json:"data"`
	} `json:"payments"`
	Parent struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []InvoiceLine `json:"data"`
	} `json:"lines"`
}

type InvoiceLine struct {
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
	Pricing struct {
		PriceDetails struct {
			Price string `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
	Period struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
}

func (inv *Invoice) SubscriptionID() string {
	if inv.Subscription != "" {
		return inv.Subscription
	}
	return inv.Parent.SubscriptionDetails.Subscription
}

// PaymentIntentID returns the payment intent that paid the invoice, if any.
func (inv *Invoice) PaymentIntentID() string {
	if inv.PaymentIntent != "" {
		return inv.PaymentIntent
	}
	for _, p := range inv.Payments.Data {
		if p.Payment.PaymentIntent != "" {
			return p.Payment.PaymentIntent
		}
	}
	return ""
}

// PriceID returns the price of the first line that names one.
func (inv *Invoice) PriceID() string {
	for _, l := range inv.Lines.Data {
		if l.Price.ID != "" {
			return l.Price.ID
		}
		if l.Pricing.PriceDetails.Price != "" {
			return l.Pricing.PriceDetails.Price
		}
	}
	return ""
}

// Period returns the billing period of the first line.
func (inv *Invoice) Period() (start, end *time.Time) {
	for _, l := range inv.Lines.Data {
		if l.Period.Start > 0 && l.Period.End > 0 {
			return unix(l.Period.Start), unix(l.Period.End)
		}
	}
	return nil, nil
}

// Subscription is a minimal representation of a Stripe subscription object.
type Subscription struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Subscription) PriceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

func (s *Subscription) Period() (start, end *time.Time) {
	if s.CurrentPeriodStart > 0 && s.CurrentPeriodEnd > 0 {
		return unix(s.CurrentPeriodStart), unix(s.CurrentPeriodEnd)
	}
	if len(s.Items.Data) > 0 && s.Items.Data[0].CurrentPeriodEnd > 0 {
		return unix(s.Items.Data[0].CurrentPeriodStart), unix(s.Items.Data[0].CurrentPeriodEnd)
	}
	return nil, nil
}

// Charge is a minimal representation of a Stripe charge object with its refunds expanded.
type Charge struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Metadata       map[string]string `json:"metadata"`
	Refunds        struct {
		Data []struct {
			ID     string `json:"id"`
			Amount int64  `json:"amount"`
			Status string `json:"status"`
		} `json:"data"`
	} `json:"refunds"`
}

// LocalStatus maps a Stripe subscription status. ok is false for statuses the
// lifecycle does not track (incomplete, paused).
func LocalStatus(stripeStatus string) (status models.SubscriptionStatus, ok bool) {
	switch stripeStatus {
	case "trialing":
		return models.SubscriptionTrialing, true
	case "active":
		return models.SubscriptionActive, true
	case "past_due", "unpaid":
		return models.SubscriptionPastDue, true
	case "canceled", "incomplete_expired":
		return models.SubscriptionCanceled, true
	}
	return "", false
}

func unix(sec int64) *time.Time {
	t := time.Unix(sec, 0).UTC()
	return &t
}

func metadataUUID(md map[string]string, key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(md[key])
	return id, err == nil && id != uuid.Nil
}
