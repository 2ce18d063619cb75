package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientBalance is returned when a debit would drive the balance negative.
	ErrInsufficientBalance = errors.New("insufficient credits")

	// ErrBalanceOverflow is returned when a credit would push the balance past the maximum.
	ErrBalanceOverflow = errors.New("balance would exceed maximum")
)

// BalanceError carries the numbers behind a rejected apply. It unwraps to
// ErrInsufficientBalance or ErrBalanceOverflow.
type BalanceError struct {
	WorkspaceID uuid.UUID
	Balance     int64
	Amount      int64
	Max         int64
	err         error
}

func (e *BalanceError) Error() string {
	if e.err == ErrBalanceOverflow {
		return fmt.Sprintf("workspace %s: %v (balance %d, amount %d, max %d)", e.WorkspaceID, e.err, e.Balance, e.Amount, e.Max)
	}
	return fmt.Sprintf("workspace %s: %v (balance %d, amount %d)", e.WorkspaceID, e.err, e.Balance, e.Amount)
}

func (e *BalanceError) Unwrap() error { return e.err }
