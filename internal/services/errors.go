package services

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors for registry operations
var (
	ErrDuplicateService   = errors.New("duplicate service")
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrCyclicDependency   = errors.New("cyclic dependency")
	ErrNotFound           = errors.New("service not found")
	ErrInvalidDescriptor  = errors.New("invalid service descriptor")
	ErrInvalidOption      = errors.New("invalid config option")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrDependencyFailed   = errors.New("dependency failed")
	ErrClaimsNotAvailable = errors.New("claims not available")
	ErrEventsNotAvailable = errors.New("events not available")
)

// CycleError names the services forming a dependency cycle.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	path := append(append([]string(nil), e.Members...), e.Members[0])
	return fmt.Sprintf("%v: %s", ErrCyclicDependency, strings.Join(path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCyclicDependency }

// OptionError reports a setting that the service does not declare, or whose
// value cannot be used.
type OptionError struct {
	Service string
	Option  string
	Reason  string
}

func (e *OptionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%v: %s.%s", ErrInvalidOption, e.Service, e.Option)
	}
	return fmt.Sprintf("%v: %s.%s: %s", ErrInvalidOption, e.Service, e.Option, e.Reason)
}

func (e *OptionError) Unwrap() error { return ErrInvalidOption }
