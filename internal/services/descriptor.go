package services

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Factory creates a service instance. It is called by the supervisor every
// time the service is (re)started.
type Factory func(env Env) (Service, error)

// RestartMode selects when a failed service is restarted.
type RestartMode string

const (
	RestartNever     RestartMode = "never"
	RestartAlways    RestartMode = "always"
	RestartOnFailure RestartMode = "on-failure"
)

// RestartPolicy bounds automatic restarts of one service.
type RestartPolicy struct {
	Mode           RestartMode
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Factor         float64
	Jitter         float64
}

// Default restart settings, used for zero fields.
const (
	DefaultMaxRetries     = 5
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultFactor         = 2.0
	DefaultJitter         = 0.2
)

// WithDefaults fills unset fields.
func (p RestartPolicy) WithDefaults() RestartPolicy {
	if p.Mode == "" {
		p.Mode = RestartOnFailure
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.Factor == 0 {
		p.Factor = DefaultFactor
	}
	return p
}

// Validate checks the policy after defaults were applied.
func (p RestartPolicy) Validate() error {
	switch p.Mode {
	case RestartNever, RestartAlways, RestartOnFailure:
	default:
		return fmt.Errorf("unknown restart mode %q", p.Mode)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must not be negative")
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if p.Factor < 1 {
		return fmt.Errorf("backoff factor must be >= 1")
	}
	if p.Jitter < 0 {
		return fmt.Errorf("jitter must not be negative")
	}
	return nil
}

// Option declares one configuration key a service accepts.
type Option struct {
	Default     any
	Description string
}

// Descriptor describes a service to the registry. It is immutable once
// registered.
type Descriptor struct {
	Name         string
	Dependencies []string
	Factory      Factory
	Restart      RestartPolicy
	// Critical services escalate to a process shutdown once their restart
	// budget is exhausted.
	Critical bool
	Options  map[string]Option
	// HealthInterval enables periodic Health checks when positive.
	HealthInterval time.Duration
	Description    string
}

// ValidateName checks a service name. Names become bus topic tokens, so
// dots and wildcards are not allowed.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDescriptor)
	}
	if strings.ContainsAny(name, ".*> \t") {
		return fmt.Errorf("%w: name %q must not contain dots, wildcards or spaces", ErrInvalidDescriptor, name)
	}
	return nil
}

func (d Descriptor) validate() error {
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	if d.Factory == nil {
		return fmt.Errorf("%w: %s has no factory", ErrInvalidDescriptor, d.Name)
	}
	seen := make(map[string]bool, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		if err := ValidateName(dep); err != nil {
			return fmt.Errorf("%s dependency: %w", d.Name, err)
		}
		if seen[dep] {
			return fmt.Errorf("%w: %s lists %s twice", ErrInvalidDescriptor, d.Name, dep)
		}
		seen[dep] = true
	}
	if err := d.Restart.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("%w: %s restart policy: %v", ErrInvalidDescriptor, d.Name, err)
	}
	return nil
}

// clone returns a copy that shares nothing mutable with d.
func (d Descriptor) clone() Descriptor {
	d.Dependencies = slices.Clone(d.Dependencies)
	d.Options = maps.Clone(d.Options)
	d.Restart = d.Restart.WithDefaults()
	return d
}

// OptionNames returns the declared option keys, sorted.
func (d Descriptor) OptionNames() []string {
	return slices.Sorted(maps.Keys(d.Options))
}
