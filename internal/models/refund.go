package models

import (
	"time"

	"github.com/google/uuid"
)

// RefundReconciliation is the recorded outcome of one settled refund. It is written
// even when nothing could be clawed back, so a redelivery never reapplies the refund.
type RefundReconciliation struct {
	RefundReferenceID   string     `json:"refund_reference_id"`
	WorkspaceID         uuid.UUID  `json:"workspace_id"`
	PurchaseReferenceID string     `json:"purchase_reference_id"`
	RefundedAmount      int64      `json:"refunded_amount"`
	TotalAmount         int64      `json:"total_amount"`
	Credits             int64      `json:"credits"`
	Shortfall           int64      `json:"shortfall"`
	LedgerEntryID       *uuid.UUID `json:"ledger_entry_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// PaymentLink maps a processor payment to the ledger reference it funded when the
// two differ, e.g. the payment intent of a subscription invoice.
type PaymentLink struct {
	PaymentReferenceID string    `json:"payment_reference_id"`
	WorkspaceID        uuid.UUID `json:"workspace_id"`
	ReferenceID        string    `json:"reference_id"`
	ReferenceKind      string    `json:"reference_kind"`
	Amount             int64     `json:"amount"`
	CreatedAt          time.Time `json:"created_at"`
}
