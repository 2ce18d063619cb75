package models

import (
	"time"

	"github.com/google/uuid"
)

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryPurchase   EntryKind = "purchase"
	EntryUsage      EntryKind = "usage"
	EntryRefund     EntryKind = "refund"
	EntryAdjustment EntryKind = "adjustment"
	EntryPlanGrant  EntryKind = "plan_grant"
	EntryPayout     EntryKind = "payout"
)

func (k EntryKind) Valid() bool {
	switch k {
	case EntryPurchase, EntryUsage, EntryRefund, EntryAdjustment, EntryPlanGrant, EntryPayout:
		return true
	}
	return false
}

// Reference kinds name the source of the event that caused an entry.
const (
	RefPaymentEvent    = "payment-event"
	RefRefundEvent     = "refund-event"
	RefInvoice         = "invoice"
	RefAdminAdjustment = "admin-adjustment"
	RefPayout          = "payout"
	RefUsage           = "usage"
)

// LedgerEntry is one immutable row of credit_ledger.
// BalanceAfter = BalanceBefore + Amount.
type LedgerEntry struct {
	ID            uuid.UUID  `json:"id"`
	WorkspaceID   uuid.UUID  `json:"workspace_id"`
	Amount        int64      `json:"amount"`
	Kind          EntryKind  `json:"kind"`
	ReferenceID   string     `json:"reference_id,omitempty"`
	ReferenceKind string     `json:"reference_kind,omitempty"`
	BalanceBefore int64      `json:"balance_before"`
	BalanceAfter  int64      `json:"balance_after"`
	Description   string     `json:"description"`
	ActorID       *uuid.UUID `json:"actor_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// HasReference reports whether the entry is tied to an external event and
// therefore subject to the (reference_id, reference_kind) uniqueness rule.
func (e *LedgerEntry) HasReference() bool {
	return e.ReferenceID != "" && e.ReferenceKind != ""
}

// Page is offset pagination for list endpoints.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
