package models

import (
	"errors"
	"fmt"
)

// Error classes. Specific errors below wrap exactly one of them.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrConflict          = errors.New("concurrency conflict")
	ErrUpstream          = errors.New("upstream store error")
)

var (
	ErrInvalidCoordinate = fmt.Errorf("%w: invalid coordinate", ErrValidation)
	ErrInvalidCategory   = fmt.Errorf("%w: invalid category", ErrValidation)
	ErrUnknownWorker     = fmt.Errorf("%w: unknown worker", ErrNotFound)
	ErrBookingNotFound   = fmt.Errorf("%w: booking not found", ErrNotFound)
	ErrStatsUpdateFailed = errors.New("worker stats update failed")
)

// Upstream wraps a backing-store failure.
func Upstream(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUpstream, op, err)
}
