// Package supervisor drives service instances through their lifecycle:
// start in dependency order, failure detection, restarts with backoff and
// shutdown in reverse order.
//
// All lifecycle operations are serialized by one mutex. The registry state
// table is the only place other components read service state from; every
// transition is also published on the bus as a service.state.<name> event.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"scalestack/internal/events"
	"scalestack/internal/metrics"
	"scalestack/internal/services"
	"scalestack/pkg/logging"
)

const subsystem = "Supervisor"

// Source is the event source of everything the supervisor publishes. It is
// also its subscriber identity on the bus.
const Source = "supervisor"

// Default timeouts.
const (
	DefaultStartTimeout           = 30 * time.Second
	DefaultStopTimeout            = 10 * time.Second
	DefaultHealthFailureThreshold = 3
)

// Config holds the supervisor settings.
type Config struct {
	// StartTimeout bounds the factory call plus Service.Start.
	StartTimeout time.Duration
	// StopTimeout bounds Service.Stop. A service that does not stop in time
	// is recorded as Stopped anyway.
	StopTimeout time.Duration
	// HealthFailureThreshold is the number of consecutive failed health
	// checks that count as a service failure.
	HealthFailureThreshold int
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.HealthFailureThreshold <= 0 {
		c.HealthFailureThreshold = DefaultHealthFailureThreshold
	}
	return c
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithCoordinator gives services access to cross-peer claims.
func WithCoordinator(c Coordinator) Option {
	return func(s *Supervisor) { s.coord = c }
}

// WithSettings sets the per-service configuration values, keyed by service
// name. They are validated against the declared options when the service
// starts.
func WithSettings(values map[string]map[string]any) Option {
	return func(s *Supervisor) { s.settings = values }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *metrics.SupervisorMetrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithClock replaces the clock used for backoff and health checks.
func WithClock(clk clock.WithTicker) Option {
	return func(s *Supervisor) { s.clock = clk }
}

type instance struct {
	desc   services.Descriptor
	svc    services.Service
	claims *claimClient
	// gen increases on every start; callbacks of older generations are
	// ignored.
	gen          int
	cancel       context.CancelFunc
	runningSince time.Time

	attempts int
	backoff  wait.Backoff
}

func (i *instance) resetBackoff() {
	i.attempts = 0
	i.backoff = wait.Backoff{}
}

// Supervisor owns the service instances of one orchestrator.
type Supervisor struct {
	cfg      Config
	registry *services.Registry
	bus      Bus
	coord    Coordinator
	settings map[string]map[string]any
	metrics  *metrics.SupervisorMetrics
	clock    clock.WithTicker

	// mu serializes lifecycle operations.
	mu        sync.Mutex
	instances map[string]*instance
	order     []string
	closed    bool
	watching  bool

	// ctx bounds restart timers, run loops and health checks.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	fatal     chan error
	fatalOnce sync.Once
}

// New creates a supervisor for the services of reg. bus may be nil.
func New(cfg Config, reg *services.Registry, bus Bus, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:       cfg.withDefaults(),
		registry:  reg,
		bus:       bus,
		clock:     clock.RealClock{},
		instances: make(map[string]*instance),
		ctx:       ctx,
		cancel:    cancel,
		fatal:     make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fatal delivers the first *CriticalFailure. A critical service that runs
// out of retries during StartAll is also returned by StartAll.
func (s *Supervisor) Fatal() <-chan error { return s.fatal }

// StartAll starts every registered service in dependency order. Services
// whose dependencies are not Running are marked Failed without being
// started. A critical service that fails to start is retried under its
// restart policy before its dependents are considered. Cancelling ctx
// aborts the remaining startups.
func (s *Supervisor) StartAll(ctx context.Context) error {
	order, err := s.registry.ResolveStartOrder()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.order = order
	s.watchHandlerFailuresLocked()

	logging.Info(subsystem, "Starting %d services: %s", len(order), strings.Join(order, ", "))
	for i, name := range order {
		if err := ctx.Err(); err != nil {
			logging.Warn(subsystem, "Startup aborted, %d services not started", len(order)-i)
			return fmt.Errorf("%w: %w", ErrStartAborted, err)
		}
		snap, err := s.registry.Lookup(name)
		if err != nil {
			return err
		}
		if snap.State == services.StateRunning || snap.StopReason == services.StopReasonManual {
			continue
		}
		if dep, blocked := s.unavailableDependency(name); blocked {
			s.blockLocked(name, dep)
			continue
		}
		if err := s.startLocked(ctx, name); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s: %w", ErrStartAborted, name, err)
			}
			if s.instances[name].desc.Critical {
				if err := s.retryStartLocked(ctx, name, err); err != nil {
					return err
				}
				continue
			}
			s.scheduleRestartLocked(name, err)
		}
	}
	return nil
}

// StopAll stops every active service in reverse start order and disables
// restarts. Each stop is bounded by the stop timeout and by ctx.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.cancel()

	order := s.orderLocked()
	logging.Info(subsystem, "Stopping services")
	var errs []error
	for _, name := range slices.Backward(order) {
		if err := s.stopLocked(ctx, name, services.StopReasonShutdown); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
	}
	if s.bus != nil {
		s.bus.UnsubscribeAll(Source)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for background tasks: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

// StartService starts one service whose dependencies are Running. Services
// that were stopped because of it are started again afterwards.
func (s *Supervisor) StartService(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	inst, err := s.instanceLocked(name)
	if err != nil {
		return err
	}
	snap, err := s.registry.Lookup(name)
	if err != nil {
		return err
	}
	switch snap.State {
	case services.StateRunning:
		return nil
	case services.StateStarting, services.StateStopping:
		return fmt.Errorf("%w: %s is %s", services.ErrInvalidTransition, name, snap.State)
	}
	if dep, blocked := s.unavailableDependency(name); blocked {
		return fmt.Errorf("%w: %s is %s", services.ErrDependencyFailed, dep.Name, dep.State)
	}
	inst.resetBackoff()
	if err := s.startLocked(ctx, name); err != nil {
		return err
	}
	s.resumeDependentsLocked(name)
	return nil
}

// StopService stops a service after its running dependents. The service
// stays stopped until started again; its dependents resume with it.
func (s *Supervisor) StopService(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.instanceLocked(name); err != nil {
		return err
	}
	s.stopDependentsLocked(ctx, name)
	return s.stopLocked(ctx, name, services.StopReasonManual)
}

// RestartService stops and starts a service and its dependents.
func (s *Supervisor) RestartService(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	inst, err := s.instanceLocked(name)
	if err != nil {
		return err
	}
	s.stopDependentsLocked(ctx, name)
	if err := s.stopLocked(ctx, name, services.StopReasonManual); err != nil {
		logging.Warn(subsystem, "Stopping %s for restart: %v", name, err)
	}
	if dep, blocked := s.unavailableDependency(name); blocked {
		return fmt.Errorf("%w: %s is %s", services.ErrDependencyFailed, dep.Name, dep.State)
	}
	inst.resetBackoff()
	if err := s.startLocked(ctx, name); err != nil {
		return err
	}
	s.resumeDependentsLocked(name)
	return nil
}

// ServiceData returns the extra data of a running service implementing
// services.DataProvider.
func (s *Supervisor) ServiceData(name string) (map[string]any, bool) {
	s.mu.Lock()
	inst, ok := s.instances[name]
	var svc services.Service
	if ok {
		svc = inst.svc
	}
	s.mu.Unlock()
	if dp, ok := svc.(services.DataProvider); ok {
		return dp.ServiceData(), true
	}
	return nil, false
}

func (s *Supervisor) instanceLocked(name string) (*instance, error) {
	if inst, ok := s.instances[name]; ok {
		return inst, nil
	}
	d, err := s.registry.Descriptor(name)
	if err != nil {
		return nil, err
	}
	inst := &instance{desc: d}
	s.instances[name] = inst
	return inst, nil
}

func (s *Supervisor) orderLocked() []string {
	if s.order != nil {
		return s.order
	}
	if order, err := s.registry.ResolveStartOrder(); err == nil {
		s.order = order
		return order
	}
	return s.registry.Names()
}

// unavailableDependency returns the first dependency of name that is not
// Running.
func (s *Supervisor) unavailableDependency(name string) (services.Snapshot, bool) {
	d, err := s.registry.Descriptor(name)
	if err != nil {
		return services.Snapshot{}, false
	}
	for _, dep := range d.Dependencies {
		snap, err := s.registry.Lookup(dep)
		if err != nil || snap.State != services.StateRunning {
			return snap, true
		}
	}
	return services.Snapshot{}, false
}

// blockLocked marks name Failed because dep is not Running. It is started
// again once dep runs.
func (s *Supervisor) blockLocked(name string, dep services.Snapshot) {
	inst, err := s.instanceLocked(name)
	if err != nil {
		return
	}
	cause := fmt.Errorf("%w: %s is %s", services.ErrDependencyFailed, dep.Name, dep.State)
	logging.Warn(subsystem, "Not starting %s: %v", name, cause)
	s.transition(name, services.StateFailed, services.StopReasonDependency, cause, inst.gen)
}

func (s *Supervisor) startLocked(ctx context.Context, name string) error {
	inst, err := s.instanceLocked(name)
	if err != nil {
		return err
	}
	desc := inst.desc
	inst.gen++
	gen := inst.gen
	s.transition(name, services.StateStarting, services.StopReasonNone, nil, gen)
	started := s.clock.Now()

	var (
		svc    services.Service
		claims *claimClient
	)
	settings, err := services.NewSettings(name, s.settings[name], desc.Options)
	if err == nil {
		var cc services.ClaimClient = noClaims{}
		if s.coord != nil {
			claims = newClaimClient(s.coord, name)
			cc = claims
		}
		env := services.NewEnv(name, settings, eventClient{bus: s.bus, name: name}, cc, func(err error) {
			go s.fail(name, gen, fmt.Errorf("reported: %w", err))
		})
		err = s.bounded(ctx, s.cfg.StartTimeout, ErrStartTimeout, func(ctx context.Context) error {
			created, err := desc.Factory(env)
			if err != nil {
				return fmt.Errorf("factory: %w", err)
			}
			if err := created.Start(ctx); err != nil {
				return err
			}
			svc = created
			return nil
		})
	}
	s.metrics.ObserveStart(name, s.clock.Since(started))

	if err != nil {
		s.cleanupLocked(ctx, name, claims)
		logging.Error(subsystem, err, "Failed to start %s", name)
		s.transition(name, services.StateFailed, services.StopReasonNone, err, gen)
		return err
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	inst.svc = svc
	inst.claims = claims
	inst.cancel = cancel
	inst.runningSince = s.clock.Now()
	s.transition(name, services.StateRunning, services.StopReasonNone, nil, gen)
	logging.Info(subsystem, "Started %s", name)
	s.watch(runCtx, name, gen, svc, desc.HealthInterval)
	return nil
}

// stopLocked stops one service. Inactive services are left alone; a manual
// stop is still recorded so pending restarts are skipped.
func (s *Supervisor) stopLocked(ctx context.Context, name string, reason services.StopReason) error {
	inst, err := s.instanceLocked(name)
	if err != nil {
		return err
	}
	snap, err := s.registry.Lookup(name)
	if err != nil {
		return err
	}
	if !snap.State.IsActive() {
		if reason == services.StopReasonManual || reason == services.StopReasonShutdown {
			_, _, _ = s.registry.Update(name, func(sn *services.Snapshot) { sn.StopReason = reason })
		}
		return nil
	}

	s.transition(name, services.StateStopping, reason, nil, inst.gen)
	err = s.teardownLocked(ctx, name, inst)
	s.transition(name, services.StateStopped, reason, err, inst.gen)
	if err == nil {
		logging.Info(subsystem, "Stopped %s (%s)", name, reason)
	}
	return err
}

// stopDependentsLocked stops the active services depending on name, last
// started first, recording them as stopped by dependency.
func (s *Supervisor) stopDependentsLocked(ctx context.Context, name string) {
	dependents := s.registry.Dependents(name)
	if len(dependents) == 0 {
		return
	}
	for _, dep := range slices.Backward(s.inStartOrder(dependents)) {
		if err := s.stopLocked(ctx, dep, services.StopReasonDependency); err != nil {
			logging.Warn(subsystem, "Stopping %s after %s: %v", dep, name, err)
		}
	}
}

// resumeDependentsLocked starts the services that were stopped or blocked
// because of name and whose dependencies are all Running again.
func (s *Supervisor) resumeDependentsLocked(name string) {
	for _, dep := range s.inStartOrder(s.registry.Dependents(name)) {
		snap, err := s.registry.Lookup(dep)
		if err != nil || snap.State.IsActive() || snap.State == services.StateRunning {
			continue
		}
		if snap.StopReason != services.StopReasonDependency {
			continue
		}
		if _, blocked := s.unavailableDependency(dep); blocked {
			continue
		}
		logging.Info(subsystem, "Resuming %s after %s", dep, name)
		if err := s.startLocked(s.ctx, dep); err != nil {
			s.scheduleRestartLocked(dep, err)
		}
	}
}

func (s *Supervisor) inStartOrder(names []string) []string {
	order := s.orderLocked()
	out := slices.Clone(names)
	slices.SortStableFunc(out, func(a, b string) int {
		return slices.Index(order, a) - slices.Index(order, b)
	})
	return out
}

// teardownLocked stops the running instance and releases what the
// supervisor acquired on its behalf.
func (s *Supervisor) teardownLocked(ctx context.Context, name string, inst *instance) error {
	if inst.cancel != nil {
		inst.cancel()
		inst.cancel = nil
	}
	var err error
	if inst.svc != nil {
		err = s.bounded(ctx, s.cfg.StopTimeout, ErrStopTimeout, inst.svc.Stop)
		if errors.Is(err, ErrStopTimeout) {
			logging.Warn(subsystem, "%s did not stop within %s, its resources may leak", name, s.cfg.StopTimeout)
		}
		inst.svc = nil
	}
	s.cleanupLocked(ctx, name, inst.claims)
	inst.claims = nil
	inst.runningSince = time.Time{}
	return err
}

func (s *Supervisor) cleanupLocked(ctx context.Context, name string, claims *claimClient) {
	if s.bus != nil {
		if n := s.bus.UnsubscribeAll(name); n > 0 {
			logging.Debug(subsystem, "Removed %d subscriptions of %s", n, name)
		}
	}
	if claims != nil {
		if err := claims.releaseAll(ctx); err != nil {
			logging.Warn(subsystem, "Releasing claims of %s: %v", name, err)
		}
	}
}

// bounded runs fn with a deadline. fn keeps running in the background when
// it ignores its context; the caller gets timeoutErr.
func (s *Supervisor) bounded(ctx context.Context, timeout time.Duration, timeoutErr error, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %w", timeoutErr, timeout, err)
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", timeoutErr, timeout)
		}
		return ctx.Err()
	}
}

// transition records a state change in the registry and publishes it.
func (s *Supervisor) transition(name string, to services.State, reason services.StopReason, cause error, gen int) {
	before, after, err := s.registry.Update(name, func(sn *services.Snapshot) {
		sn.State = to
		switch to {
		case services.StateStarting:
			sn.Health = services.HealthUnknown
		case services.StateRunning:
			sn.Health = services.HealthHealthy
			sn.StopReason = services.StopReasonNone
			sn.LastError = ""
		case services.StateStopping:
			sn.StopReason = reason
		case services.StateStopped:
			sn.Health = services.HealthUnknown
			sn.StopReason = reason
		case services.StateFailed:
			sn.Health = services.HealthUnhealthy
			sn.StopReason = reason
		}
		if cause != nil {
			sn.LastError = cause.Error()
		}
	})
	if err != nil {
		logging.Error(subsystem, err, "Failed to record %s for %s", to, name)
		return
	}

	s.metrics.Transition(name, string(to), to == services.StateRunning)
	logging.Debug(subsystem, "%s: %s -> %s", name, before.State, to)

	change := services.StateChange{
		Service:    name,
		OldState:   before.State,
		NewState:   to,
		Health:     after.Health,
		Reason:     after.StopReason,
		Time:       after.Since,
		InState:    after.Since.Sub(before.Since),
		Generation: gen,
	}
	if cause != nil {
		change.Error = cause.Error()
	}
	s.publish(services.StateTopic(name), change)
}

func (s *Supervisor) publish(topic string, payload any) {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Publish(Source, topic, payload); err != nil && !errors.Is(err, events.ErrBusClosed) {
		logging.Error(subsystem, err, "Failed to publish %s", topic)
	}
}
