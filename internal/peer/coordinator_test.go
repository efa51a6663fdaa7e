package peer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"scalestack/internal/events"
	"scalestack/internal/transport"
)

// recorder is a Publisher that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(source, topic string, payload any) (events.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := events.Event{Topic: topic, Payload: payload, Source: source, Seq: uint64(len(r.events) + 1)}
	r.events = append(r.events, ev)
	return ev, nil
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Topic)
	}
	return out
}

func (r *recorder) find(topic string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

var testStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig(id string) Config {
	return Config{
		ID:                id,
		HeartbeatInterval: time.Second,
		LivenessWindow:    5 * time.Second,
		GraceWindow:       5 * time.Second,
		LeaseTimeout:      15 * time.Second,
		ClaimTimeout:      2 * time.Second,
	}
}

// newFakeCoordinator builds a coordinator on a fake clock that is driven
// directly through its handlers instead of Run.
func newFakeCoordinator(t *testing.T, net *transport.Network, id string) (*Coordinator, *testingclock.FakeClock, *recorder) {
	t.Helper()
	tr, err := net.Listen(id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	clk := testingclock.NewFakeClock(testStart)
	rec := &recorder{}
	c, err := New(testConfig(id), tr, rec, WithClock(clk))
	require.NoError(t, err)
	return c, clk, rec
}

func heartbeat(from string, gen uint64, claims map[string]uint64) *Heartbeat {
	if claims == nil {
		claims = map[string]uint64{}
	}
	return &Heartbeat{From: from, Addr: from, Generation: gen, Claims: claims}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{HeartbeatInterval: time.Second, LivenessWindow: time.Second}.withDefaults()
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = Config{HeartbeatInterval: time.Second, LivenessWindow: 3 * time.Second, LeaseTimeout: time.Second}.withDefaults()
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = Config{}.withDefaults()
	assert.NoError(t, cfg.Validate())
	assert.NotEmpty(t, cfg.ID)
	assert.Equal(t, DefaultGraceWindow, cfg.GraceWindow)
}

func TestNew_GenerationIncreasesAcrossRestarts(t *testing.T) {
	net := transport.NewNetwork()
	store := NewMemoryEpochStore()

	tr1, err := net.Listen("a")
	require.NoError(t, err)
	clk := testingclock.NewFakeClock(testStart)
	c1, err := New(testConfig("a"), tr1, nil, WithClock(clk), WithEpochStore(store))
	require.NoError(t, err)
	require.NoError(t, tr1.Close())

	// Same wall clock: the stored generation still forces progress.
	tr2, err := net.Listen("a")
	require.NoError(t, err)
	defer tr2.Close()
	c2, err := New(testConfig("a"), tr2, nil, WithClock(clk), WithEpochStore(store))
	require.NoError(t, err)

	assert.Greater(t, c2.Generation(), c1.Generation())
}

func TestHeartbeat_JoinDepartDrop(t *testing.T) {
	net := transport.NewNetwork()
	c, clk, rec := newFakeCoordinator(t, net, "a")

	c.handleHeartbeat(heartbeat("b", 1, map[string]uint64{"shard-1": 4}), "b")
	peers := c.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "b", peers[0].ID)
	assert.False(t, peers[0].Departed)
	assert.Equal(t, []string{TopicPeerJoined}, rec.topics())

	clk.Step(4 * time.Second)
	c.sweep(clk.Now())
	assert.False(t, c.Peers()[0].Departed)

	clk.Step(time.Second)
	c.sweep(clk.Now())
	require.Len(t, c.Peers(), 1)
	assert.True(t, c.Peers()[0].Departed)
	assert.Len(t, rec.find(TopicPeerDeparted), 1)

	// Claims of a departed peer are honoured during the grace window.
	holder, ok := c.Holder("shard-1")
	require.True(t, ok)
	assert.Equal(t, "b", holder.Holder)
	_, err := c.Claim(context.Background(), "shard-1", "svc")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "b", conflict.Holder)
	assert.Equal(t, uint64(4), conflict.Epoch)

	clk.Step(5 * time.Second)
	c.sweep(clk.Now())
	assert.Empty(t, c.Peers())
	released := rec.find(TopicClaimReleased)
	require.Len(t, released, 1)
	assert.Equal(t, ClaimEvent{Key: "shard-1", Holder: "b", Epoch: 4, Reason: ReleasePeerDeparted}, released[0].Payload)

	_, ok = c.Holder("shard-1")
	assert.False(t, ok)
}

func TestClaim_RemoteClaimLapsesBeforeSweep(t *testing.T) {
	net := transport.NewNetwork()
	c, clk, _ := newFakeCoordinator(t, net, "a")

	c.handleHeartbeat(heartbeat("b", 1, map[string]uint64{"shard-1": 4}), "b")
	clk.Step(10*time.Second + 500*time.Millisecond)

	// No sweep ran: the record of b is still there, its claim is not.
	require.Len(t, c.Peers(), 1)
	_, ok := c.Holder("shard-1")
	assert.False(t, ok)
	assert.Empty(t, c.Claims())

	lease, err := c.Claim(context.Background(), "shard-1", "svc")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), lease.Epoch())
	holder, ok := c.Holder("shard-1")
	require.True(t, ok)
	assert.True(t, holder.Local)
}

func TestRun_TransportClosed(t *testing.T) {
	net := transport.NewNetwork()
	c, _, _ := newFakeCoordinator(t, net, "a")

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.running
	}, time.Second, time.Millisecond)

	require.NoError(t, c.tr.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, transport.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}

	_, err := c.Claim(context.Background(), "k", "svc")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRun_CancelledReturnsNil(t *testing.T) {
	net := transport.NewNetwork()
	c, _, _ := newFakeCoordinator(t, net, "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx))

	_, err := c.Claim(context.Background(), "k", "svc")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestHeartbeat_DepartedPeerReturns(t *testing.T) {
	net := transport.NewNetwork()
	c, clk, rec := newFakeCoordinator(t, net, "a")

	c.handleHeartbeat(heartbeat("b", 1, nil), "b")
	clk.Step(6 * time.Second)
	c.sweep(clk.Now())
	require.True(t, c.Peers()[0].Departed)

	c.handleHeartbeat(heartbeat("b", 1, nil), "b")
	assert.False(t, c.Peers()[0].Departed)
	assert.Len(t, rec.find(TopicPeerJoined), 2)
}

func TestHeartbeat_Restart(t *testing.T) {
	net := transport.NewNetwork()
	c, _, rec := newFakeCoordinator(t, net, "a")

	c.handleHeartbeat(heartbeat("b", 10, map[string]uint64{"k1": 1, "k2": 2}), "b")
	c.handleHeartbeat(heartbeat("b", 11, map[string]uint64{"k3": 1}), "b")

	released := rec.find(TopicClaimReleased)
	require.Len(t, released, 2)
	for _, ev := range released {
		assert.Equal(t, ReleaseRestarted, ev.Payload.(ClaimEvent).Reason)
	}
	peers := c.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, uint64(11), peers[0].Generation)
	assert.Equal(t, map[string]uint64{"k3": 1}, peers[0].Claims)

	// A delayed heartbeat of the previous incarnation is ignored.
	c.handleHeartbeat(heartbeat("b", 10, map[string]uint64{"k1": 1}), "b")
	assert.Equal(t, map[string]uint64{"k3": 1}, c.Peers()[0].Claims)
}

func TestHeartbeat_ClaimDroppedIsReleased(t *testing.T) {
	net := transport.NewNetwork()
	c, _, rec := newFakeCoordinator(t, net, "a")

	c.handleHeartbeat(heartbeat("b", 1, map[string]uint64{"k": 3}), "b")
	c.handleHeartbeat(heartbeat("b", 1, nil), "b")

	released := rec.find(TopicClaimReleased)
	require.Len(t, released, 1)
	assert.Equal(t, ReleaseExplicit, released[0].Payload.(ClaimEvent).Reason)
}

func TestHeartbeat_IgnoresSelf(t *testing.T) {
	net := transport.NewNetwork()
	c, _, rec := newFakeCoordinator(t, net, "a")
	c.handleHeartbeat(heartbeat("a", 1, nil), "a")
	assert.Empty(t, c.Peers())
	assert.Empty(t, rec.topics())
}

func TestClaim_NoPeers(t *testing.T) {
	net := transport.NewNetwork()
	c, clk, rec := newFakeCoordinator(t, net, "a")
	ctx := context.Background()

	lease, err := c.Claim(ctx, "shard-3", "worker")
	require.NoError(t, err)
	assert.Equal(t, "shard-3", lease.Key())
	assert.Equal(t, uint64(1), lease.Epoch())
	assert.Equal(t, "worker", lease.Owner())

	holder, ok := c.Holder("shard-3")
	require.True(t, ok)
	assert.True(t, holder.Local)
	assert.Equal(t, "a", holder.Holder)
	assert.Equal(t, clk.Now().Add(15*time.Second), holder.ExpiresAt)
	assert.Equal(t, []string{TopicClaimAcquired}, rec.topics())

	_, err = c.Claim(ctx, "shard-3", "other")
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, lease.Release(ctx))
	_, ok = c.Holder("shard-3")
	assert.False(t, ok)
	assert.Len(t, rec.find(TopicClaimReleased), 1)

	// Releasing twice is harmless; a new claim gets a higher epoch.
	require.NoError(t, lease.Release(ctx))
	again, err := c.Claim(ctx, "shard-3", "worker")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), again.Epoch())
}

func TestClaim_InvalidKeyAndDraining(t *testing.T) {
	net := transport.NewNetwork()
	c, _, _ := newFakeCoordinator(t, net, "a")

	_, err := c.Claim(context.Background(), "", "svc")
	assert.ErrorIs(t, err, ErrInvalidKey)

	c.StopClaims()
	assert.True(t, c.Draining())
	_, err = c.Claim(context.Background(), "k", "svc")
	assert.ErrorIs(t, err, ErrDraining)
}

func TestLease_ExpiresWithoutRenewal(t *testing.T) {
	net := transport.NewNetwork()
	c, clk, rec := newFakeCoordinator(t, net, "a")

	lease, err := c.Claim(context.Background(), "k", "svc")
	require.NoError(t, err)

	clk.Step(10 * time.Second)
	require.NoError(t, lease.Renew())
	assert.Equal(t, clk.Now().Add(15*time.Second), lease.ExpiresAt())

	clk.Step(10 * time.Second)
	c.sweep(clk.Now())
	_, ok := c.Holder("k")
	assert.True(t, ok, "renewed lease is still valid")

	clk.Step(5 * time.Second)
	c.sweep(clk.Now())
	_, ok = c.Holder("k")
	assert.False(t, ok)
	assert.Len(t, rec.find(TopicClaimExpired), 1)

	select {
	case <-lease.Done():
	default:
		t.Fatal("lease done channel not closed")
	}
	assert.ErrorIs(t, lease.Renew(), ErrLeaseLost)
	assert.NoError(t, lease.Release(context.Background()))
}

func TestLease_KeepAlive(t *testing.T) {
	net := transport.NewNetwork()
	c, clk, _ := newFakeCoordinator(t, net, "a")

	lease, err := c.Claim(context.Background(), "k", "svc")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lease.KeepAlive(ctx) }()

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	for range 6 {
		clk.Step(5 * time.Second)
		require.Eventually(t, func() bool {
			return lease.ExpiresAt().Equal(clk.Now().Add(15 * time.Second))
		}, time.Second, time.Millisecond)
	}
	c.sweep(clk.Now())
	_, ok := c.Holder("k")
	assert.True(t, ok)

	cancel()
	assert.NoError(t, <-done)
}

func TestLease_KeepAliveStopsWhenLost(t *testing.T) {
	net := transport.NewNetwork()
	c, _, _ := newFakeCoordinator(t, net, "a")

	lease, err := c.Claim(context.Background(), "k", "svc")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- lease.KeepAlive(context.Background()) }()

	require.NoError(t, c.Release(context.Background(), "k"))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrLeaseLost)
	case <-time.After(2 * time.Second):
		t.Fatal("KeepAlive did not return")
	}
}

func TestReleaseAll(t *testing.T) {
	net := transport.NewNetwork()
	c, _, rec := newFakeCoordinator(t, net, "a")
	ctx := context.Background()

	for i := range 3 {
		_, err := c.Claim(ctx, fmt.Sprintf("k%d", i), "svc")
		require.NoError(t, err)
	}
	require.Len(t, c.Claims(), 3)
	require.NoError(t, c.ReleaseAll(ctx))
	assert.Empty(t, c.Claims())
	assert.Len(t, rec.find(TopicClaimReleased), 3)

	assert.ErrorIs(t, c.Release(ctx, "k0"), ErrNotHeld)
}

func TestClaimRequest_Responses(t *testing.T) {
	net := transport.NewNetwork()
	c, _, _ := newFakeCoordinator(t, net, "a")
	ctx := context.Background()

	b, err := net.Listen("b")
	require.NoError(t, err)
	defer b.Close()

	respond := func(key string, epoch uint64) *ClaimResponse {
		t.Helper()
		c.handleClaimRequest(ctx, &ClaimRequest{RequestID: "r-" + key, Key: key, From: "b", Addr: "b", Epoch: epoch}, "b")
		select {
		case pkt := <-b.Receive():
			env, err := Decode(pkt.Data)
			require.NoError(t, err)
			require.Equal(t, KindClaimResponse, env.Kind)
			return env.ClaimResponse
		case <-time.After(time.Second):
			t.Fatal("no response")
			return nil
		}
	}

	resp := respond("free", 1)
	assert.True(t, resp.Accept)
	assert.Equal(t, "r-free", resp.RequestID)

	_, err = c.Claim(ctx, "mine", "svc")
	require.NoError(t, err)
	resp = respond("mine", 9)
	assert.False(t, resp.Accept)
	assert.Equal(t, ReasonHeld, resp.Reason)
	assert.Equal(t, "a", resp.Holder)

	// A claim known to be held by a third peer.
	c.handleHeartbeat(heartbeat("c", 1, map[string]uint64{"theirs": 2}), "c")
	resp = respond("theirs", 3)
	assert.False(t, resp.Accept)
	assert.Equal(t, "c", resp.Holder)
	assert.Equal(t, uint64(2), resp.HolderEpoch)

	// The epoch seen in a request is never reused.
	_ = respond("observed", 40)
	c.mu.Lock()
	epoch := c.nextEpochLocked(ctx, "observed")
	c.mu.Unlock()
	assert.Equal(t, uint64(41), epoch)
}

func TestClaimRequest_PendingRanking(t *testing.T) {
	net := transport.NewNetwork()
	c, _, _ := newFakeCoordinator(t, net, "b")
	ctx := context.Background()

	a, err := net.Listen("a")
	require.NoError(t, err)
	defer a.Close()
	z, err := net.Listen("z")
	require.NoError(t, err)
	defer z.Close()

	pending := func(epoch uint64) *pendingClaim {
		p := &pendingClaim{id: "p", key: "k", epoch: epoch, done: make(chan struct{})}
		c.mu.Lock()
		c.pendingByKey["k"] = p
		c.mu.Unlock()
		return p
	}
	read := func(tr *transport.MemoryTransport) *ClaimResponse {
		t.Helper()
		pkt := <-tr.Receive()
		env, err := Decode(pkt.Data)
		require.NoError(t, err)
		return env.ClaimResponse
	}

	// Equal epochs: the lower id wins.
	p := pending(5)
	c.handleClaimRequest(ctx, &ClaimRequest{Key: "k", From: "z", Addr: "z", Epoch: 5}, "z")
	resp := read(z)
	assert.False(t, resp.Accept)
	assert.Equal(t, ReasonContended, resp.Reason)
	assert.False(t, p.finished)

	c.handleClaimRequest(ctx, &ClaimRequest{Key: "k", From: "a", Addr: "a", Epoch: 5}, "a")
	assert.True(t, read(a).Accept)
	require.True(t, p.finished)
	require.NotNil(t, p.conflict)
	assert.Equal(t, "a", p.conflict.Holder)

	// A higher epoch beats a lower id.
	p = pending(5)
	c.handleClaimRequest(ctx, &ClaimRequest{Key: "k", From: "z", Addr: "z", Epoch: 6}, "z")
	assert.True(t, read(z).Accept)
	assert.True(t, p.finished)

	// Won but not yet installed counts as held.
	p = pending(8)
	c.mu.Lock()
	p.finishLocked()
	c.mu.Unlock()
	c.handleClaimRequest(ctx, &ClaimRequest{Key: "k", From: "a", Addr: "a", Epoch: 20}, "a")
	resp = read(a)
	assert.False(t, resp.Accept)
	assert.Equal(t, ReasonHeld, resp.Reason)
}

func TestSplitOwnership_Reported(t *testing.T) {
	net := transport.NewNetwork()
	c, _, rec := newFakeCoordinator(t, net, "a")

	_, err := c.Claim(context.Background(), "k", "indexer")
	require.NoError(t, err)

	c.handleHeartbeat(heartbeat("b", 1, map[string]uint64{"k": 3}), "b")
	c.handleHeartbeat(heartbeat("b", 1, map[string]uint64{"k": 3}), "b")

	splits := rec.find(SplitTopic("indexer"))
	require.Len(t, splits, 1)
	assert.Equal(t, SplitOwnership{Key: "k", Owner: "indexer", LocalEpoch: 1, Remote: "b", RemoteEpoch: 3, Winner: "b"}, splits[0].Payload)

	// The local claim is still the one reported locally.
	holder, ok := c.Holder("k")
	require.True(t, ok)
	assert.True(t, holder.Local)
	assert.Len(t, c.Claims(), 2)
}

func TestSplitOwnership_InvalidOwnerTopic(t *testing.T) {
	net := transport.NewNetwork()
	c, _, rec := newFakeCoordinator(t, net, "a")

	_, err := c.Claim(context.Background(), "k", "")
	require.NoError(t, err)
	c.handleHeartbeat(heartbeat("b", 1, map[string]uint64{"k": 1}), "b")

	splits := rec.find(SplitTopic("unowned"))
	require.Len(t, splits, 1)
	assert.Equal(t, "a", splits[0].Payload.(SplitOwnership).Winner)
}

func TestLeaveAndRelease(t *testing.T) {
	net := transport.NewNetwork()
	c, _, rec := newFakeCoordinator(t, net, "a")

	c.handleHeartbeat(heartbeat("b", 2, map[string]uint64{"x": 1, "y": 2}), "b")

	c.handleRelease(&Release{From: "b", Key: "x", Epoch: 1})
	_, ok := c.Holder("x")
	assert.False(t, ok)

	// Stale generation leave is ignored.
	c.handleLeave(&Leave{From: "b", Generation: 1})
	require.Len(t, c.Peers(), 1)

	c.handleLeave(&Leave{From: "b", Generation: 2})
	assert.Empty(t, c.Peers())
	require.Len(t, rec.find(TopicPeerLeft), 1)

	released := rec.find(TopicClaimReleased)
	require.Len(t, released, 2)
	assert.Equal(t, ReleasePeerLeft, released[1].Payload.(ClaimEvent).Reason)
}

func TestHandlePacket_DropsGarbage(t *testing.T) {
	net := transport.NewNetwork()
	c, _, rec := newFakeCoordinator(t, net, "a")
	c.handlePacket(context.Background(), transport.Packet{From: "x", Data: []byte("not cbor")})
	assert.Empty(t, c.Peers())
	assert.Empty(t, rec.topics())
}

// cluster runs n coordinators on a shared in-memory network with real
// time and short windows.
func cluster(t *testing.T, ids ...string) []*Coordinator {
	t.Helper()
	net := transport.NewNetwork()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	out := make([]*Coordinator, 0, len(ids))
	for _, id := range ids {
		tr, err := net.Listen(id)
		require.NoError(t, err)
		t.Cleanup(func() { _ = tr.Close() })

		var seeds []string
		for _, other := range ids {
			if other != id {
				seeds = append(seeds, other)
			}
		}
		c, err := New(Config{
			ID:                id,
			Seeds:             seeds,
			HeartbeatInterval: 20 * time.Millisecond,
			LivenessWindow:    300 * time.Millisecond,
			GraceWindow:       300 * time.Millisecond,
			LeaseTimeout:      2 * time.Second,
			ClaimTimeout:      time.Second,
		}, tr, &recorder{})
		require.NoError(t, err)
		out = append(out, c)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Run(ctx)
		}()
	}

	require.Eventually(t, func() bool {
		for _, c := range out {
			if len(c.Peers()) != len(ids)-1 {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
	return out
}

func TestCluster_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	nodes := cluster(t, "node-a", "node-b", "node-c")

	type result struct {
		id    string
		lease *Lease
		err   error
	}
	results := make(chan result, len(nodes))
	start := make(chan struct{})
	for _, c := range nodes {
		go func() {
			<-start
			l, err := c.Claim(context.Background(), "shard-3", "worker")
			results <- result{c.ID(), l, err}
		}()
	}
	close(start)

	var winners []string
	for range nodes {
		r := <-results
		if r.err == nil {
			winners = append(winners, r.id)
			continue
		}
		assert.ErrorIs(t, r.err, ErrConflict, "node %s", r.id)
	}
	require.Len(t, winners, 1)

	// Every peer converges on the winner.
	require.Eventually(t, func() bool {
		for _, c := range nodes {
			h, ok := c.Holder("shard-3")
			if !ok || h.Holder != winners[0] {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	// A later claim names the winner.
	for _, c := range nodes {
		if c.ID() == winners[0] {
			continue
		}
		_, err := c.Claim(context.Background(), "shard-3", "worker")
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, winners[0], conflict.Holder)
	}
}

func TestCluster_ReleaseLetsAnotherPeerClaim(t *testing.T) {
	nodes := cluster(t, "node-a", "node-b")
	ctx := context.Background()

	lease, err := nodes[0].Claim(ctx, "db", "svc")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := nodes[1].Holder("db")
		return ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, lease.Release(ctx))
	require.Eventually(t, func() bool {
		_, ok := nodes[1].Holder("db")
		return !ok
	}, time.Second, 10*time.Millisecond)

	next, err := nodes[1].Claim(ctx, "db", "svc")
	require.NoError(t, err)
	assert.Greater(t, next.Epoch(), lease.Epoch())
}

func TestCluster_LeaveDropsPeerImmediately(t *testing.T) {
	nodes := cluster(t, "node-a", "node-b")

	nodes[1].Leave(context.Background())
	// Heartbeats keep flowing from node-b, so only the immediate effect is
	// checked: a peer.left event reached node-a.
	require.Eventually(t, func() bool {
		rec := nodes[0].bus.(*recorder)
		return len(rec.find(TopicPeerLeft)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestClaim_UnansweredPeer(t *testing.T) {
	net := transport.NewNetwork()
	a, clkA, _ := newFakeCoordinator(t, net, "a")

	// ghost is live but never answers.
	a.handleHeartbeat(heartbeat("ghost", 1, nil), "ghost")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Claim(ctx, "k", "svc")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		_, err := a.Claim(context.Background(), "k2", "svc")
		done <- err
	}()
	require.Eventually(t, clkA.HasWaiters, time.Second, time.Millisecond)
	clkA.Step(3 * time.Second)
	assert.ErrorIs(t, <-done, ErrClaimTimeout)
}
