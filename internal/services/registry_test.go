package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopService struct{}

func (nopService) Start(context.Context) error  { return nil }
func (nopService) Stop(context.Context) error   { return nil }
func (nopService) Health(context.Context) error { return nil }

func nopFactory(Env) (Service, error) { return nopService{}, nil }

func desc(name string, deps ...string) Descriptor {
	return Descriptor{Name: name, Dependencies: deps, Factory: nopFactory}
}

func TestRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(desc("A")))
	require.NoError(t, r.Register(desc("B", "A")))

	snap, err := r.Lookup("B")
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, snap.State)
	assert.Equal(t, []string{"A"}, snap.Dependencies)
	assert.Equal(t, []string{"A", "B"}, r.Names())
}

func TestRegister_Duplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(desc("A")))
	require.NoError(t, r.Register(desc("B", "A")))
	before := r.Snapshots()

	err := r.Register(desc("A", "B"))
	assert.ErrorIs(t, err, ErrDuplicateService)

	// The registry is unchanged.
	assert.Equal(t, before, r.Snapshots())
	d, err := r.Descriptor("A")
	require.NoError(t, err)
	assert.Empty(t, d.Dependencies)
	assert.Empty(t, r.Dependents("B"))
}

func TestRegister_UnknownDependency(t *testing.T) {
	r := NewRegistry()
	err := r.Register(desc("api", "db"))
	assert.ErrorIs(t, err, ErrUnknownDependency)
	assert.Empty(t, r.Names())
}

func TestRegister_InvalidDescriptor(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name string
		d    Descriptor
	}{
		{"empty name", Descriptor{Factory: nopFactory}},
		{"dotted name", Descriptor{Name: "a.b", Factory: nopFactory}},
		{"wildcard name", Descriptor{Name: "a*", Factory: nopFactory}},
		{"no factory", Descriptor{Name: "a"}},
		{"bad restart mode", Descriptor{Name: "a", Factory: nopFactory, Restart: RestartPolicy{Mode: "sometimes"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, r.Register(tt.d), ErrInvalidDescriptor)
		})
	}
}

func TestRegisterAll_AnyOrder(t *testing.T) {
	r := NewRegistry()
	err := r.RegisterAll([]Descriptor{desc("C", "B"), desc("B", "A"), desc("A")})
	require.NoError(t, err)

	order, err := r.ResolveStartOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestRegisterAll_Atomic(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(desc("base")))

	err := r.RegisterAll([]Descriptor{desc("x", "base"), desc("y", "ghost")})
	assert.ErrorIs(t, err, ErrUnknownDependency)
	assert.Equal(t, []string{"base"}, r.Names())

	err = r.RegisterAll([]Descriptor{desc("x"), desc("x")})
	assert.ErrorIs(t, err, ErrDuplicateService)
	assert.Equal(t, []string{"base"}, r.Names())
}

func TestResolveStartOrder_Cycle(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(desc("root")))
	err := r.RegisterAll([]Descriptor{desc("a", "root", "c"), desc("b", "a"), desc("c", "b")})
	require.NoError(t, err)

	_, err = r.ResolveStartOrder()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCyclicDependency))

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycleErr.Members)
	assert.Contains(t, err.Error(), "->")
}

func TestResolveStartOrder_DependenciesFirst(t *testing.T) {
	r := NewRegistry()
	err := r.RegisterAll([]Descriptor{
		desc("web", "api"),
		desc("api", "db", "cache"),
		desc("worker", "db", "queue"),
		desc("cache"),
		desc("db"),
		desc("queue", "db"),
	})
	require.NoError(t, err)

	order, err := r.ResolveStartOrder()
	require.NoError(t, err)
	require.Len(t, order, 6)
	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	for _, d := range r.Descriptors() {
		for _, dep := range d.Dependencies {
			assert.Less(t, pos[dep], pos[d.Name], "%s before %s", dep, d.Name)
		}
	}
}

func TestLookup_NotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Descriptor("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDescriptorImmutable(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(desc("A")))
	d := desc("B", "A")
	require.NoError(t, r.Register(d))

	d.Dependencies[0] = "mutated"
	got, err := r.Descriptor("B")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, got.Dependencies)

	got.Dependencies[0] = "again"
	got2, _ := r.Descriptor("B")
	assert.Equal(t, []string{"A"}, got2.Dependencies)
}

func TestDependents(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterAll([]Descriptor{desc("A"), desc("B", "A"), desc("C", "B"), desc("D", "A")}))
	assert.Equal(t, []string{"B", "D"}, r.DirectDependents("A"))
	assert.Equal(t, []string{"B", "C", "D"}, r.Dependents("A"))
}

func TestUpdate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(desc("A")))

	before, after, err := r.Update("A", func(s *Snapshot) {
		s.State = StateRunning
		s.Health = HealthHealthy
		s.Name = "hijacked"
	})
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, before.State)
	assert.Equal(t, StateRunning, after.State)
	assert.Equal(t, "A", after.Name)
	assert.False(t, after.Since.Before(before.Since))

	_, _, err = r.Update("missing", func(*Snapshot) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestartPolicyDefaults(t *testing.T) {
	p := RestartPolicy{}.WithDefaults()
	assert.Equal(t, RestartOnFailure, p.Mode)
	assert.Equal(t, DefaultMaxRetries, p.MaxRetries)
	assert.Equal(t, DefaultFactor, p.Factor)
	require.NoError(t, p.Validate())

	assert.Error(t, RestartPolicy{Mode: RestartAlways, Factor: 0.5}.Validate())
}
