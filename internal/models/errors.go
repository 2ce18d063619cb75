package models

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by repositories when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned by repositories on a unique constraint violation.
	ErrDuplicate = errors.New("duplicate")

	// ErrUnknownReference is returned when a refund or commission reversal
	// points at a purchase that has not been applied (yet).
	ErrUnknownReference = errors.New("unknown reference")

	// ErrInvalidAmount is returned for zero, negative or out-of-range amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidInput is returned for malformed requests other than amounts.
	ErrInvalidInput = errors.New("invalid input")
)

// retryable is implemented by errors that expect a later attempt to succeed.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err is transient or caused by event ordering,
// so a job or caller may try again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownReference) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var r retryable
	return errors.As(err, &r) && r.Retryable()
}
