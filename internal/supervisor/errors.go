package supervisor

import (
	"errors"
	"fmt"
)

var (
	ErrStartAborted = errors.New("startup aborted")
	ErrStartTimeout = errors.New("start timed out")
	ErrStopTimeout  = errors.New("stop timed out")
	ErrClosed       = errors.New("supervisor closed")
)

// CriticalFailure is raised when a critical service exhausted its restart
// budget, during StartAll or later.
type CriticalFailure struct {
	Service  string
	Attempts int
	Err      error
}

func (e *CriticalFailure) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("critical service %s failed after %d restart attempts: %v", e.Service, e.Attempts, e.Err)
	}
	return fmt.Sprintf("critical service %s failed: %v", e.Service, e.Err)
}

func (e *CriticalFailure) Unwrap() error { return e.Err }
