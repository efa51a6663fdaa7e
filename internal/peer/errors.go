package peer

import (
	"errors"
	"fmt"
)

var (
	ErrConflict        = errors.New("resource already claimed")
	ErrClaimTimeout    = errors.New("claim request timed out")
	ErrClaimInProgress = errors.New("claim already in progress")
	ErrDraining        = errors.New("coordinator is draining")
	ErrNotHeld         = errors.New("claim not held")
	ErrLeaseLost       = errors.New("lease lost")
	ErrNotRunning      = errors.New("coordinator not running")
	ErrInvalidKey      = errors.New("invalid resource key")
	ErrInvalidConfig   = errors.New("invalid coordinator config")
)

// ConflictError is returned when another claim wins. Holder and Epoch name
// the winning claim.
type ConflictError struct {
	Key    string
	Holder string
	Epoch  uint64
	Reason string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("%v: %s held by %s at epoch %d", ErrConflict, e.Key, e.Holder, e.Epoch)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return ErrConflict }
