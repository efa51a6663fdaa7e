package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"scalestack/internal/events"
	"scalestack/internal/metrics"
	"scalestack/internal/peer"
	"scalestack/internal/services"
	"scalestack/internal/supervisor"
	"scalestack/internal/transport"
	"scalestack/pkg/logging"
)

const subsystem = "Orchestrator"

// Phase is the lifecycle phase of an Orchestrator.
type Phase string

const (
	PhaseCreated     Phase = "Created"
	PhaseInitialized Phase = "Initialized"
	PhaseRunning     Phase = "Running"
	PhaseDraining    Phase = "Draining"
	PhaseStopped     Phase = "Stopped"
)

// Default deadlines.
const (
	DefaultDrainTimeout    = 5 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// Config holds everything an orchestrator needs to run one instance.
type Config struct {
	// Listen is the peer transport address. Peer coordination is disabled
	// when it is empty and no transport was given with WithTransport.
	Listen string
	// EpochDir keeps epochs and generations in a badger database so they
	// survive restarts. Memory is used when empty.
	EpochDir string
	// Peer holds the node id, the seed addresses and the peer timing.
	Peer peer.Config
	// DiscoveryTimeout bounds the wait for a first peer before services
	// start. It only applies when seeds are configured and defaults to the
	// liveness window.
	DiscoveryTimeout time.Duration

	Supervisor supervisor.Config
	Bus        events.Options
	// Restart fills the unset restart policy fields of every descriptor.
	Restart services.RestartPolicy

	// Load names the services to run, with their dependencies. Empty means
	// every known service.
	Load []string
	// Settings are the per-service option values, keyed by service name.
	Settings map[string]map[string]any

	DrainTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDescriptors adds services next to the built-in catalog.
func WithDescriptors(ds ...services.Descriptor) Option {
	return func(o *Orchestrator) { o.extra = append(o.extra, ds...) }
}

// WithTransport sets the peer transport instead of listening on
// Config.Listen. The orchestrator closes it on shutdown.
func WithTransport(tr transport.Transport) Option {
	return func(o *Orchestrator) { o.tr = tr }
}

// WithMetrics records bus, supervisor and coordinator metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator owns the bus, registry, supervisor and coordinator of one
// instance.
type Orchestrator struct {
	cfg     Config
	extra   []services.Descriptor
	tr      transport.Transport
	metrics *metrics.Metrics

	mu       sync.Mutex
	phase    Phase
	bus      *events.Bus
	registry *services.Registry
	sup      *supervisor.Supervisor
	coord    *peer.Coordinator
	store    peer.EpochStore

	stopCoord context.CancelFunc
	group     *errgroup.Group

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an orchestrator. Nothing is built before Init.
func New(cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:   cfg.withDefaults(),
		phase: PhaseCreated,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Init builds the bus, the registry and the coordinator.
func (o *Orchestrator) Init(ctx context.Context) (err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != PhaseCreated {
		return fmt.Errorf("%w: cannot init while %s", ErrInvalidPhase, o.phase)
	}

	descs, err := selectServices(append(Catalog(), o.extra...), o.cfg.Load)
	if err != nil {
		return &ConfigError{Field: "load", Err: err}
	}
	reg := services.NewRegistry()
	if err := reg.RegisterAll(withDefaultRestart(descs, o.cfg.Restart)); err != nil {
		return &ConfigError{Field: "services", Err: err}
	}
	if _, err := reg.ResolveStartOrder(); err != nil {
		return &ConfigError{Field: "services", Err: err}
	}
	for name := range o.cfg.Settings {
		if _, err := reg.Descriptor(name); err != nil {
			return &ConfigError{Field: "services." + name, Err: err}
		}
	}

	busOpts := o.cfg.Bus
	if o.metrics != nil {
		busOpts.Metrics = o.metrics.Bus
	}
	bus := events.NewBus(busOpts)
	defer func() {
		if err != nil {
			_ = bus.Close(context.WithoutCancel(ctx))
		}
	}()

	var coord *peer.Coordinator
	if o.tr != nil || o.cfg.Listen != "" {
		coord, err = o.newCoordinator(bus)
		if err != nil {
			return err
		}
	}

	supOpts := []supervisor.Option{supervisor.WithSettings(o.cfg.Settings)}
	if o.metrics != nil {
		supOpts = append(supOpts, supervisor.WithMetrics(o.metrics.Supervisor))
	}
	if coord != nil {
		supOpts = append(supOpts, supervisor.WithCoordinator(coord))
	}

	o.bus = bus
	o.registry = reg
	o.coord = coord
	o.sup = supervisor.New(o.cfg.Supervisor, reg, bus, supOpts...)
	o.phase = PhaseInitialized
	logging.Info(subsystem, "Initialized with %d services", len(descs))
	return nil
}

func (o *Orchestrator) newCoordinator(bus *events.Bus) (coord *peer.Coordinator, err error) {
	if o.tr == nil {
		tr, err := transport.ListenUDP(o.cfg.Listen)
		if err != nil {
			return nil, fmt.Errorf("peer transport: %w", err)
		}
		o.tr = tr
	}

	var store peer.EpochStore = peer.NewMemoryEpochStore()
	if o.cfg.EpochDir != "" {
		bs, err := peer.OpenBadgerEpochStore(o.cfg.EpochDir)
		if err != nil {
			_ = o.tr.Close()
			return nil, fmt.Errorf("epoch store: %w", err)
		}
		store = bs
	}

	opts := []peer.Option{peer.WithEpochStore(store)}
	if o.metrics != nil {
		opts = append(opts, peer.WithMetrics(o.metrics.Coordinator))
	}
	coord, err = peer.New(o.cfg.Peer, o.tr, bus, opts...)
	if err != nil {
		_ = store.Close()
		_ = o.tr.Close()
		if errors.Is(err, peer.ErrInvalidConfig) {
			return nil, &ConfigError{Field: "timeouts", Err: err}
		}
		return nil, err
	}
	o.store = store
	return coord, nil
}

// Run starts everything and blocks until ctx is cancelled or a critical
// service fails for good. It calls Init when needed and always returns
// after Drain and Shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.Phase() == PhaseCreated {
		if err := o.Init(ctx); err != nil {
			return err
		}
	}

	o.mu.Lock()
	if o.phase != PhaseInitialized {
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot run while %s", ErrInvalidPhase, o.phase)
	}
	o.phase = PhaseRunning
	coordCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(coordCtx)
	o.stopCoord = stop
	o.group = g
	if o.coord != nil {
		g.Go(func() error { return o.coord.Run(gctx) })
	}
	o.mu.Unlock()

	runErr := o.start(ctx)
	if runErr == nil {
		runErr = o.wait(ctx, gctx)
	}

	cleanup := context.WithoutCancel(ctx)
	if err := o.Drain(cleanup); err != nil {
		logging.Warn(subsystem, "Drain incomplete: %v", err)
	}
	if err := o.Shutdown(cleanup); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

func (o *Orchestrator) start(ctx context.Context) error {
	o.awaitPeers(ctx)
	err := o.sup.StartAll(ctx)
	if errors.Is(err, supervisor.ErrStartAborted) {
		logging.Info(subsystem, "Shutdown requested during startup")
		return nil
	}
	if err != nil {
		logging.Error(subsystem, err, "Startup failed")
	}
	return err
}

// awaitPeers gives the seeds a chance to answer before services start
// claiming resources.
func (o *Orchestrator) awaitPeers(ctx context.Context) {
	if o.coord == nil || len(o.cfg.Peer.Seeds) == 0 {
		return
	}
	pcfg := o.coord.Config()
	timeout := o.cfg.DiscoveryTimeout
	if timeout <= 0 {
		timeout = pcfg.LivenessWindow
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pcfg.HeartbeatInterval / 2)
	defer ticker.Stop()
	for {
		for _, rec := range o.coord.Peers() {
			if !rec.Departed {
				logging.Debug(subsystem, "Discovered peer %s", rec.ID)
				return
			}
		}
		select {
		case <-ctx.Done():
			logging.Info(subsystem, "No peer answered within %s, starting alone", timeout)
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) wait(ctx, coordDone context.Context) error {
	logging.Info(subsystem, "Running")
	select {
	case <-ctx.Done():
		logging.Info(subsystem, "Shutdown requested")
		return nil
	case err := <-o.sup.Fatal():
		return err
	case <-coordDone.Done():
		err := o.group.Wait()
		logging.Error(subsystem, err, "Peer coordinator stopped")
		return fmt.Errorf("peer coordinator: %w", err)
	}
}

// Drain stops accepting new claims and waits for the queued events, up to
// the drain deadline.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.mu.Lock()
	if o.phase != PhaseRunning {
		o.mu.Unlock()
		return nil
	}
	o.phase = PhaseDraining
	o.mu.Unlock()

	logging.Info(subsystem, "Draining")
	if o.coord != nil {
		o.coord.StopClaims()
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.DrainTimeout)
	defer cancel()
	if err := o.bus.Drain(ctx); err != nil {
		return fmt.Errorf("%d events still pending: %w", o.bus.Pending(), err)
	}
	return nil
}

// Shutdown stops every service in reverse start order, releases the claims
// still held, leaves the peer set and closes the bus. Only the first call
// does the work; later calls return its result.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.shutdownErr = o.shutdown(ctx)
	})
	return o.shutdownErr
}

func (o *Orchestrator) shutdown(ctx context.Context) error {
	o.mu.Lock()
	from := o.phase
	o.phase = PhaseStopped
	o.mu.Unlock()
	if from == PhaseCreated {
		return nil
	}

	logging.Info(subsystem, "Shutting down from %s", from)
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := o.sup.StopAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if o.coord != nil {
		if err := o.coord.ReleaseAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("release claims: %w", err))
		}
		o.coord.Leave(ctx)
	}
	if o.stopCoord != nil {
		o.stopCoord()
		if err := o.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			logging.Warn(subsystem, "Peer coordinator exited with: %v", err)
		}
	}
	if o.tr != nil {
		if err := o.tr.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	if o.store != nil {
		if err := o.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close epoch store: %w", err))
		}
	}
	if err := o.bus.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}

	err := errors.Join(errs...)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		logging.Error(subsystem, err, "Shutdown did not finish within %s", o.cfg.ShutdownTimeout)
		if err == nil {
			return fmt.Errorf("%w after %s", ErrShutdownTimeout, o.cfg.ShutdownTimeout)
		}
		return fmt.Errorf("%w after %s: %w", ErrShutdownTimeout, o.cfg.ShutdownTimeout, err)
	}
	logging.Info(subsystem, "Stopped in %s", time.Since(start).Round(time.Millisecond))
	return err
}

// Phase returns the current lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}
