package services

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"scalestack/internal/dependency"
	"scalestack/pkg/logging"
)

// Snapshot is a read-only copy of one entry of the state table.
type Snapshot struct {
	Name         string       `json:"name"`
	State        State        `json:"state"`
	Health       HealthStatus `json:"health"`
	Dependencies []string     `json:"dependencies,omitempty"`
	Critical     bool         `json:"critical,omitempty"`
	Restarts     int          `json:"restarts"`
	LastError    string       `json:"lastError,omitempty"`
	StopReason   StopReason   `json:"stopReason,omitempty"`
	Since        time.Time    `json:"since"`
}

// Registry holds the service descriptors and the state table of their
// instances. Descriptors never change once registered; the state table is
// written by the supervisor only.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	graph       *dependency.Graph
	states      map[string]*Snapshot
	now         func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		graph:       dependency.New(),
		states:      make(map[string]*Snapshot),
		now:         time.Now,
	}
}

// Register adds a descriptor whose dependencies are already registered.
func (r *Registry) Register(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateService, d.Name)
	}
	for _, dep := range d.Dependencies {
		if _, ok := r.descriptors[dep]; !ok {
			return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, d.Name, dep)
		}
	}
	r.add(d)
	logging.Debug("Registry", "Registered service %s (deps: %v)", d.Name, d.Dependencies)
	return nil
}

// RegisterAll registers a batch atomically. Dependencies may refer to
// services registered earlier or to any member of the batch, in any order.
// On error nothing is registered.
func (r *Registry) RegisterAll(ds []Descriptor) error {
	batch := make(map[string]bool, len(ds))
	for _, d := range ds {
		if err := d.validate(); err != nil {
			return err
		}
		if batch[d.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateService, d.Name)
		}
		batch[d.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range ds {
		if _, exists := r.descriptors[d.Name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateService, d.Name)
		}
		for _, dep := range d.Dependencies {
			if _, ok := r.descriptors[dep]; !ok && !batch[dep] {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, d.Name, dep)
			}
		}
	}
	for _, d := range ds {
		r.add(d)
	}
	logging.Debug("Registry", "Registered %d services", len(ds))
	return nil
}

func (r *Registry) add(d Descriptor) {
	d = d.clone()
	r.descriptors[d.Name] = d

	deps := make([]dependency.NodeID, len(d.Dependencies))
	for i, dep := range d.Dependencies {
		deps[i] = dependency.NodeID(dep)
	}
	r.graph.AddNode(dependency.Node{ID: dependency.NodeID(d.Name), FriendlyName: d.Name, DependsOn: deps})

	r.states[d.Name] = &Snapshot{
		Name:         d.Name,
		State:        StateRegistered,
		Health:       HealthUnknown,
		Dependencies: d.Dependencies,
		Critical:     d.Critical,
		Since:        r.now(),
	}
}

// ResolveStartOrder returns every service name so that each appears after
// all of its dependencies. Ties are broken by registration order.
func (r *Registry) ResolveStartOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, err := r.graph.TopologicalOrder()
	if err != nil {
		var cycle *dependency.CycleError
		if errors.As(err, &cycle) {
			members := make([]string, len(cycle.Members))
			for i, m := range cycle.Members {
				members[i] = string(m)
			}
			return nil, &CycleError{Members: members}
		}
		return nil, err
	}
	return nodeNames(order), nil
}

// Lookup returns the current state of a service.
func (r *Registry) Lookup(name string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[name]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s.copy(), nil
}

// Descriptor returns a copy of the registered descriptor.
func (r *Registry) Descriptor(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return d.clone(), nil
}

// Names returns every registered service in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return nodeNames(r.graph.Nodes())
}

// Descriptors returns copies of all descriptors in registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, id := range r.graph.Nodes() {
		out = append(out, r.descriptors[string(id)].clone())
	}
	return out
}

// DirectDependents returns the services that list name as a dependency.
func (r *Registry) DirectDependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return nodeNames(r.graph.Dependents(dependency.NodeID(name)))
}

// Dependents returns every service depending on name directly or
// transitively, in registration order.
func (r *Registry) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return nodeNames(r.graph.TransitiveDependents(dependency.NodeID(name)))
}

// Snapshots returns the whole state table in registration order.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.states))
	for _, id := range r.graph.Nodes() {
		out = append(out, r.states[string(id)].copy())
	}
	return out
}

// Update applies fn to the state entry of name and returns the previous and
// the new snapshot. Since is refreshed when the state changes. Reserved for
// the supervisor.
func (r *Registry) Update(name string, fn func(s *Snapshot)) (before, after Snapshot, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[name]
	if !ok {
		return Snapshot{}, Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	before = s.copy()
	fn(s)
	s.Name = before.Name
	s.Dependencies = before.Dependencies
	s.Critical = before.Critical
	if s.State != before.State {
		s.Since = r.now()
	}
	return before, s.copy(), nil
}

func (s *Snapshot) copy() Snapshot {
	c := *s
	c.Dependencies = slices.Clone(s.Dependencies)
	return c
}

func nodeNames(ids []dependency.NodeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
