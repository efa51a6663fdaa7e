// Package peer implements leaderless coordination between scalestack
// instances: membership and liveness through heartbeats, and arbitration of
// exclusive, leased resource claims.
//
// Every instance heartbeats its identity and held claims every
// HeartbeatInterval. A peer silent for LivenessWindow is departed; after a
// further GraceWindow its claims are released and its record dropped.
//
// A claim is granted only when every live peer accepts it. Competing
// requests are ranked by (epoch, peer id): the higher epoch wins and equal
// epochs go to the lower id, so every peer picks the same winner without
// a leader. Under partition both sides may end up holding the same key;
// this is reported as split ownership and left to the owning service.
package peer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"scalestack/internal/events"
	"scalestack/internal/metrics"
	"scalestack/internal/transport"
	"scalestack/pkg/logging"
)

const subsystem = "Coordinator"

// Default timing values.
const (
	DefaultHeartbeatInterval = time.Second
	DefaultLivenessWindow    = 5 * time.Second
	DefaultGraceWindow       = 5 * time.Second
	DefaultLeaseTimeout      = 15 * time.Second
	DefaultClaimTimeout      = 2 * time.Second
)

// Publisher is the part of the event bus the coordinator needs.
type Publisher interface {
	Publish(source, topic string, payload any) (events.Event, error)
}

// Config holds the coordinator settings.
type Config struct {
	// ID identifies this instance. A random id is used when empty.
	ID string
	// Seeds are addresses heartbeated even before they are known peers.
	Seeds []string

	HeartbeatInterval time.Duration
	LivenessWindow    time.Duration
	GraceWindow       time.Duration
	LeaseTimeout      time.Duration
	ClaimTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = DefaultLivenessWindow
	}
	if c.GraceWindow < 0 {
		c.GraceWindow = 0
	} else if c.GraceWindow == 0 {
		c.GraceWindow = DefaultGraceWindow
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = DefaultClaimTimeout
	}
	return c
}

// Validate checks the relations between the timing values.
func (c Config) Validate() error {
	if c.LivenessWindow <= c.HeartbeatInterval {
		return fmt.Errorf("%w: liveness window (%s) must be longer than the heartbeat interval (%s)", ErrInvalidConfig, c.LivenessWindow, c.HeartbeatInterval)
	}
	if c.LeaseTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%w: lease timeout (%s) must be longer than the heartbeat interval (%s)", ErrInvalidConfig, c.LeaseTimeout, c.HeartbeatInterval)
	}
	return nil
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the real clock, for tests.
func WithClock(clk clock.WithTicker) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithEpochStore sets where observed epochs are persisted.
func WithEpochStore(s EpochStore) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *metrics.CoordinatorMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

type localClaim struct {
	key       string
	owner     string
	epoch     uint64
	expiresAt time.Time
	done      chan struct{}
}

type pendingClaim struct {
	id       string
	key      string
	owner    string
	epoch    uint64
	waiting  sets.Set[string]
	conflict *ConflictError
	finished bool
	done     chan struct{}
}

func (p *pendingClaim) finishLocked() {
	if !p.finished {
		p.finished = true
		close(p.done)
	}
}

type outEvent struct {
	topic   string
	payload any
}

// Coordinator tracks peers and arbitrates claims. The peer and claim tables
// are only mutated under mu.
type Coordinator struct {
	cfg     Config
	tr      transport.Transport
	bus     Publisher
	clock   clock.WithTicker
	store   EpochStore
	metrics *metrics.CoordinatorMetrics

	mu           sync.Mutex
	generation   uint64
	peers        map[string]*Record
	local        map[string]*localClaim
	observed     map[string]uint64
	pending      map[string]*pendingClaim
	pendingByKey map[string]*pendingClaim
	splits       map[string]string
	draining     bool
	running      bool
	stopped      bool
}

// New creates a coordinator on top of tr. Events are published on bus,
// which may be nil.
func New(cfg Config, tr transport.Transport, bus Publisher, opts ...Option) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:          cfg,
		tr:           tr,
		bus:          bus,
		clock:        clock.RealClock{},
		peers:        make(map[string]*Record),
		local:        make(map[string]*localClaim),
		observed:     make(map[string]uint64),
		pending:      make(map[string]*pendingClaim),
		pendingByKey: make(map[string]*pendingClaim),
		splits:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewMemoryEpochStore()
	}

	gen, err := c.store.NextGeneration(context.Background(), uint64(c.clock.Now().UnixNano()))
	if err != nil {
		return nil, fmt.Errorf("mint generation: %w", err)
	}
	c.generation = gen
	logging.Info(subsystem, "Peer %s (generation %d) on %s", cfg.ID, gen, tr.LocalAddr())
	return c, nil
}

// ID returns this instance's peer id.
func (c *Coordinator) ID() string { return c.cfg.ID }

// Generation returns the incarnation number minted at construction.
func (c *Coordinator) Generation() uint64 { return c.generation }

// LocalAddr returns the transport address peers reach this instance on.
func (c *Coordinator) LocalAddr() string { return c.tr.LocalAddr() }

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// Run heartbeats, receives peer messages and expires peers and leases until
// ctx is cancelled. It returns transport.ErrClosed when the transport is
// closed underneath it. Claim fails with ErrNotRunning once Run returned.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("coordinator already running")
	}
	c.running = true
	c.stopped = false
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.stopped = true
		c.mu.Unlock()
	}()

	heartbeat := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := c.clock.NewTicker(c.sweepInterval())
	defer sweep.Stop()

	c.sendHeartbeats(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-c.tr.Receive():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				logging.Warn(subsystem, "Transport closed, no longer heartbeating")
				return transport.ErrClosed
			}
			c.handlePacket(ctx, pkt)
		case <-heartbeat.C():
			c.sendHeartbeats(ctx)
		case <-sweep.C():
			c.sweep(c.clock.Now())
		}
	}
}

func (c *Coordinator) sweepInterval() time.Duration {
	d := min(c.cfg.HeartbeatInterval, c.cfg.LivenessWindow/4)
	if d <= 0 {
		d = c.cfg.HeartbeatInterval
	}
	return d
}

func (c *Coordinator) handlePacket(ctx context.Context, pkt transport.Packet) {
	env, err := Decode(pkt.Data)
	if err != nil {
		c.metrics.DecodeError()
		logging.Debug(subsystem, "Dropping datagram from %s: %v", pkt.From, err)
		return
	}
	switch env.Kind {
	case KindHeartbeat:
		c.handleHeartbeat(env.Heartbeat, pkt.From)
	case KindClaimRequest:
		c.handleClaimRequest(ctx, env.ClaimRequest, pkt.From)
	case KindClaimResponse:
		c.handleClaimResponse(env.ClaimResponse)
	case KindRelease:
		c.handleRelease(env.Release)
	case KindLeave:
		c.handleLeave(env.Leave)
	}
}

// sendHeartbeats announces liveness and held claims to the seeds and every
// known peer.
func (c *Coordinator) sendHeartbeats(ctx context.Context) {
	now := c.clock.Now()
	self := c.tr.LocalAddr()

	c.mu.Lock()
	hb := &Heartbeat{
		From:       c.cfg.ID,
		Addr:       self,
		Generation: c.generation,
		Timestamp:  now.UnixNano(),
		Claims:     make(map[string]uint64, len(c.local)),
		Draining:   c.draining,
	}
	for key, lc := range c.local {
		if now.Before(lc.expiresAt) {
			hb.Claims[key] = lc.epoch
		}
	}
	targets := sets.New(c.cfg.Seeds...)
	for _, rec := range c.peers {
		if rec.Addr != "" {
			targets.Insert(rec.Addr)
		}
	}
	targets.Delete(self)
	c.mu.Unlock()

	data, err := Encode(&Envelope{Kind: KindHeartbeat, Heartbeat: hb})
	if err != nil {
		logging.Error(subsystem, err, "Failed to encode heartbeat")
		return
	}
	for _, addr := range sets.List(targets) {
		if err := c.tr.Send(ctx, addr, data); err != nil {
			logging.Debug(subsystem, "Heartbeat to %s failed: %v", addr, err)
			continue
		}
		c.metrics.HeartbeatSent()
	}
}

func (c *Coordinator) handleHeartbeat(hb *Heartbeat, from string) {
	if hb.From == "" || hb.From == c.cfg.ID {
		return
	}
	now := c.clock.Now()
	var out []outEvent

	c.mu.Lock()
	rec, known := c.peers[hb.From]
	switch {
	case !known:
		rec = &Record{ID: hb.From, Generation: hb.Generation, Claims: map[string]uint64{}}
		c.peers[hb.From] = rec
		logging.Info(subsystem, "Peer %s joined", hb.From)
		out = append(out, outEvent{TopicPeerJoined, PeerEvent{ID: hb.From, Addr: hb.Addr, Generation: hb.Generation}})
	case hb.Generation < rec.Generation:
		// Delayed heartbeat of a previous incarnation.
		c.mu.Unlock()
		return
	case hb.Generation > rec.Generation:
		logging.Info(subsystem, "Peer %s restarted (generation %d -> %d)", hb.From, rec.Generation, hb.Generation)
		for _, key := range slices.Sorted(maps.Keys(rec.Claims)) {
			out = append(out, outEvent{TopicClaimReleased, ClaimEvent{Key: key, Holder: rec.ID, Epoch: rec.Claims[key], Reason: ReleaseRestarted}})
		}
		rec.Claims = map[string]uint64{}
		rec.Generation = hb.Generation
		out = append(out, outEvent{TopicPeerJoined, PeerEvent{ID: hb.From, Addr: hb.Addr, Generation: hb.Generation}})
	case rec.Departed:
		logging.Info(subsystem, "Peer %s is back", hb.From)
		out = append(out, outEvent{TopicPeerJoined, PeerEvent{ID: hb.From, Addr: hb.Addr, Generation: hb.Generation}})
	}

	rec.Addr = hb.Addr
	if rec.Addr == "" {
		rec.Addr = from
	}
	rec.LastSeen = now
	rec.Departed = false
	rec.Draining = hb.Draining

	// Claims that disappeared from the heartbeat were released or expired
	// on the holder.
	for _, key := range slices.Sorted(maps.Keys(rec.Claims)) {
		if _, still := hb.Claims[key]; !still {
			out = append(out, outEvent{TopicClaimReleased, ClaimEvent{Key: key, Holder: rec.ID, Epoch: rec.Claims[key], Reason: ReleaseExplicit}})
		}
	}
	rec.Claims = make(map[string]uint64, len(hb.Claims))
	for key, epoch := range hb.Claims {
		rec.Claims[key] = epoch
		c.observeLocked(key, epoch)
		if ev, ok := c.checkSplitLocked(key, rec.ID, epoch, now); ok {
			out = append(out, ev)
		}
	}
	live := c.liveCountLocked()
	c.mu.Unlock()

	c.metrics.HeartbeatReceived()
	c.metrics.SetLivePeers(live)
	c.emit(out)
}

// checkSplitLocked reports a remote claim on a key this instance holds.
// Each (key, remote, epoch) combination is reported once.
func (c *Coordinator) checkSplitLocked(key, remote string, remoteEpoch uint64, now time.Time) (outEvent, bool) {
	lc, ok := c.local[key]
	if !ok || !now.Before(lc.expiresAt) {
		return outEvent{}, false
	}
	id := fmt.Sprintf("%s/%d/%d", remote, remoteEpoch, lc.epoch)
	if c.splits[key] == id {
		return outEvent{}, false
	}
	c.splits[key] = id

	winner := remote
	if outranks(lc.epoch, c.cfg.ID, remoteEpoch, remote) {
		winner = c.cfg.ID
	}
	c.metrics.SplitOwnership()
	logging.Warn(subsystem, "Split ownership of %s: local epoch %d, %s epoch %d", key, lc.epoch, remote, remoteEpoch)

	topic := SplitTopic(lc.owner)
	if events.ValidateTopic(topic) != nil {
		topic = SplitTopic("unowned")
	}
	return outEvent{topic, SplitOwnership{
		Key:         key,
		Owner:       lc.owner,
		LocalEpoch:  lc.epoch,
		Remote:      remote,
		RemoteEpoch: remoteEpoch,
		Winner:      winner,
	}}, true
}

// sweep marks silent peers departed, drops them after the grace window and
// expires local leases.
func (c *Coordinator) sweep(now time.Time) {
	var out []outEvent
	departed := 0

	c.mu.Lock()
	for _, id := range slices.Sorted(maps.Keys(c.peers)) {
		rec := c.peers[id]
		age := now.Sub(rec.LastSeen)
		if !rec.Departed && age >= c.cfg.LivenessWindow {
			rec.Departed = true
			departed++
			logging.Warn(subsystem, "Peer %s departed (silent for %s)", id, age.Round(time.Millisecond))
			out = append(out, outEvent{TopicPeerDeparted, PeerEvent{ID: id, Addr: rec.Addr, Generation: rec.Generation}})
			c.dropFromPendingLocked(id)
		}
		if age >= c.cfg.LivenessWindow+c.cfg.GraceWindow {
			for _, key := range slices.Sorted(maps.Keys(rec.Claims)) {
				out = append(out, outEvent{TopicClaimReleased, ClaimEvent{Key: key, Holder: id, Epoch: rec.Claims[key], Reason: ReleasePeerDeparted}})
			}
			delete(c.peers, id)
			logging.Info(subsystem, "Dropped peer %s after grace window", id)
		}
	}
	for _, key := range slices.Sorted(maps.Keys(c.local)) {
		lc := c.local[key]
		if now.Before(lc.expiresAt) {
			continue
		}
		delete(c.local, key)
		delete(c.splits, key)
		close(lc.done)
		logging.Warn(subsystem, "Lease on %s (epoch %d, owner %s) expired", key, lc.epoch, lc.owner)
		out = append(out, outEvent{TopicClaimExpired, ClaimEvent{Key: key, Holder: c.cfg.ID, Epoch: lc.epoch, Owner: lc.owner}})
	}
	live := c.liveCountLocked()
	held := len(c.local)
	c.mu.Unlock()

	for range departed {
		c.metrics.PeerDeparted()
	}
	c.metrics.SetLivePeers(live)
	c.metrics.SetClaimsHeld(held)
	c.emit(out)
}

func (c *Coordinator) handleRelease(rel *Release) {
	var out []outEvent
	c.mu.Lock()
	if rec, ok := c.peers[rel.From]; ok {
		if epoch, held := rec.Claims[rel.Key]; held && epoch <= rel.Epoch {
			delete(rec.Claims, rel.Key)
			out = append(out, outEvent{TopicClaimReleased, ClaimEvent{Key: rel.Key, Holder: rel.From, Epoch: epoch, Reason: ReleaseExplicit}})
		}
	}
	c.mu.Unlock()
	c.emit(out)
}

func (c *Coordinator) handleLeave(l *Leave) {
	var out []outEvent
	c.mu.Lock()
	rec, ok := c.peers[l.From]
	if !ok || l.Generation < rec.Generation {
		c.mu.Unlock()
		return
	}
	for _, key := range slices.Sorted(maps.Keys(rec.Claims)) {
		out = append(out, outEvent{TopicClaimReleased, ClaimEvent{Key: key, Holder: rec.ID, Epoch: rec.Claims[key], Reason: ReleasePeerLeft}})
	}
	delete(c.peers, l.From)
	c.dropFromPendingLocked(l.From)
	live := c.liveCountLocked()
	c.mu.Unlock()

	logging.Info(subsystem, "Peer %s left", l.From)
	c.metrics.SetLivePeers(live)
	c.emit(append(out, outEvent{TopicPeerLeft, PeerEvent{ID: rec.ID, Addr: rec.Addr, Generation: rec.Generation}}))
}

// dropFromPendingLocked stops waiting for a peer that is no longer live.
func (c *Coordinator) dropFromPendingLocked(id string) {
	for _, p := range c.pending {
		if p.waiting.Has(id) {
			p.waiting.Delete(id)
			if p.waiting.Len() == 0 {
				p.finishLocked()
			}
		}
	}
}

func (c *Coordinator) liveCountLocked() int {
	n := 0
	for _, rec := range c.peers {
		if !rec.Departed {
			n++
		}
	}
	return n
}

func (c *Coordinator) observeLocked(key string, epoch uint64) {
	if epoch <= c.observed[key] {
		return
	}
	c.observed[key] = epoch
	if err := c.store.Observe(context.Background(), key, epoch); err != nil {
		logging.Error(subsystem, err, "Failed to persist epoch %d for %s", epoch, key)
	}
}

func (c *Coordinator) liveAddrsLocked() []string {
	addrs := make([]string, 0, len(c.peers))
	for _, id := range slices.Sorted(maps.Keys(c.peers)) {
		rec := c.peers[id]
		if !rec.Departed && rec.Addr != "" {
			addrs = append(addrs, rec.Addr)
		}
	}
	return addrs
}

func (c *Coordinator) broadcast(ctx context.Context, addrs []string, env *Envelope) {
	data, err := Encode(env)
	if err != nil {
		logging.Error(subsystem, err, "Failed to encode %s", env.Kind)
		return
	}
	for _, addr := range addrs {
		if err := c.tr.Send(ctx, addr, data); err != nil {
			logging.Debug(subsystem, "Sending %s to %s failed: %v", env.Kind, addr, err)
		}
	}
}

func (c *Coordinator) emit(out []outEvent) {
	if c.bus == nil {
		return
	}
	for _, ev := range out {
		if _, err := c.bus.Publish(SourceCoordinator, ev.topic, ev.payload); err != nil && !errors.Is(err, events.ErrBusClosed) {
			logging.Error(subsystem, err, "Failed to publish %s", ev.topic)
		}
	}
}

// Peers returns a snapshot of every known peer, sorted by id.
func (c *Coordinator) Peers() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.peers))
	for _, id := range slices.Sorted(maps.Keys(c.peers)) {
		out = append(out, c.peers[id].copy())
	}
	return out
}

// Draining reports whether StopClaims was called.
func (c *Coordinator) Draining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

// StopClaims makes every later Claim fail with ErrDraining. Held claims are
// kept until released.
func (c *Coordinator) StopClaims() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.draining {
		c.draining = true
		logging.Info(subsystem, "No longer accepting new claims")
	}
}

// Leave tells every known peer and seed that this instance is going away so
// they can drop it without waiting for the liveness window.
func (c *Coordinator) Leave(ctx context.Context) {
	c.mu.Lock()
	targets := sets.New(c.cfg.Seeds...)
	for _, rec := range c.peers {
		if rec.Addr != "" {
			targets.Insert(rec.Addr)
		}
	}
	targets.Delete(c.tr.LocalAddr())
	gen := c.generation
	c.mu.Unlock()

	c.broadcast(ctx, sets.List(targets), &Envelope{Kind: KindLeave, Leave: &Leave{From: c.cfg.ID, Generation: gen}})
	logging.Info(subsystem, "Left the peer set")
}
