package models

import (
	"time"

	"github.com/google/uuid"
)

// Workspace is the balance row of a tenant workspace. CreditBalance is always
// AllocatedCredits + PurchasedCredits.
type Workspace struct {
	ID               uuid.UUID  `json:"id"`
	Name             string     `json:"name"`
	OwnerUserID      uuid.UUID  `json:"owner_user_id"`
	CreditBalance    int64      `json:"credit_balance"`
	AllocatedCredits int64      `json:"allocated_credits"`
	PurchasedCredits int64      `json:"purchased_credits"`
	LastAdjustedAt   *time.Time `json:"last_adjusted_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Balance is the read model returned to callers.
type Balance struct {
	WorkspaceID      uuid.UUID  `json:"workspace_id"`
	CreditBalance    int64      `json:"credit_balance"`
	AllocatedCredits int64      `json:"allocated_credits"`
	PurchasedCredits int64      `json:"purchased_credits"`
	LastAdjustedAt   *time.Time `json:"last_adjusted_at,omitempty"`
}

func (w *Workspace) Balance() Balance {
	return Balance{
		WorkspaceID:      w.ID,
		CreditBalance:    w.CreditBalance,
		AllocatedCredits: w.AllocatedCredits,
		PurchasedCredits: w.PurchasedCredits,
		LastAdjustedAt:   w.LastAdjustedAt,
	}
}
