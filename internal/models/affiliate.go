package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Affiliate earnings are integer cents. TotalEarnings = PendingEarnings + PaidEarnings.
type Affiliate struct {
	ID              uuid.UUID `json:"id"`
	UserID          uuid.UUID `json:"user_id"`
	Tier            int       `json:"tier"`
	TotalEarnings   int64     `json:"total_earnings"`
	PendingEarnings int64     `json:"pending_earnings"`
	PaidEarnings    int64     `json:"paid_earnings"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Referral links a referred user to the affiliate who brought them in.
type Referral struct {
	ReferredUserID uuid.UUID `json:"referred_user_id"`
	AffiliateID    uuid.UUID `json:"affiliate_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Commission is one commission credited to an affiliate for a qualifying payment.
type Commission struct {
	ID              uuid.UUID       `json:"id"`
	AffiliateID     uuid.UUID       `json:"affiliate_id"`
	ReferredUserID  uuid.UUID       `json:"referred_user_id"`
	ReferenceID     string          `json:"reference_id"`
	TransactionKind string          `json:"transaction_kind"`
	PaymentAmount   int64           `json:"payment_amount"`
	Rate            decimal.Decimal `json:"rate"`
	Amount          int64           `json:"amount"`
	ReversedAmount  int64           `json:"reversed_amount"`
	CreatedAt       time.Time       `json:"created_at"`
}

// CommissionReversal records the proportional reversal caused by one refund.
type CommissionReversal struct {
	ID                uuid.UUID `json:"id"`
	CommissionID      uuid.UUID `json:"commission_id"`
	RefundReferenceID string    `json:"refund_reference_id"`
	FromPending       int64     `json:"from_pending"`
	Clawback          int64     `json:"clawback"`
	CreatedAt         time.Time `json:"created_at"`
}

type ClawbackStatus string

const (
	ClawbackOpen     ClawbackStatus = "open"
	ClawbackResolved ClawbackStatus = "resolved"
)

// Clawback is a reversal that could not be taken from pending earnings because
// the commission was already paid out. It waits for manual reconciliation.
type Clawback struct {
	ID                uuid.UUID      `json:"id"`
	AffiliateID       uuid.UUID      `json:"affiliate_id"`
	CommissionID      uuid.UUID      `json:"commission_id"`
	RefundReferenceID string         `json:"refund_reference_id"`
	Amount            int64          `json:"amount"`
	Status            ClawbackStatus `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
}

type PayoutStatus string

const (
	PayoutPending  PayoutStatus = "pending"
	PayoutApproved PayoutStatus = "approved"
	PayoutPaid     PayoutStatus = "paid"
	PayoutRejected PayoutStatus = "rejected"
)

// Terminal reports whether the payout can no longer change.
func (s PayoutStatus) Terminal() bool {
	return s == PayoutPaid || s == PayoutRejected
}

const (
	PayoutMethodBankTransfer = "bank_transfer"
	PayoutMethodPayPal       = "paypal"
	PayoutMethodCredits      = "credits"
)

type PayoutRequest struct {
	ID           uuid.UUID    `json:"id"`
	AffiliateID  uuid.UUID    `json:"affiliate_id"`
	Amount       int64        `json:"amount"`
	Method       string       `json:"method"`
	WorkspaceID  *uuid.UUID   `json:"workspace_id,omitempty"`
	Status       PayoutStatus `json:"status"`
	RejectReason string       `json:"reject_reason,omitempty"`
	DecidedBy    *uuid.UUID   `json:"decided_by,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
