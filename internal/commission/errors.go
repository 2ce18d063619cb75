package commission

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrPayoutBelowMinimum   = errors.New("payout below minimum")
	ErrPayoutExceedsBalance = errors.New("payout exceeds available earnings")
	// ErrPayoutFinalized is returned for any change to a PAID or REJECTED request.
	ErrPayoutFinalized = errors.New("payout request is already finalized")
)

// MinimumError reports the configured minimum payout. It unwraps to ErrPayoutBelowMinimum.
type MinimumError struct {
	Minimum int64
}

func (e *MinimumError) Error() string {
	return fmt.Sprintf("minimum payout amount is %s", FormatCents(e.Minimum))
}

func (e *MinimumError) Unwrap() error { return ErrPayoutBelowMinimum }

// FormatCents renders an amount in cents as a dollar string.
func FormatCents(cents int64) string {
	return "$" + decimal.New(cents, -2).StringFixed(2)
}
