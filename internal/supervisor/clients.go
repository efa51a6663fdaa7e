package supervisor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"scalestack/internal/events"
	"scalestack/internal/peer"
	"scalestack/internal/services"
)

// Bus is the part of the event bus the supervisor uses.
type Bus interface {
	Publish(source, topic string, payload any) (events.Event, error)
	Subscribe(subscriber, pattern string, handler events.Handler) (*events.Subscription, error)
	UnsubscribeAll(subscriber string) int
}

// Coordinator is the part of the peer coordinator handed to services.
type Coordinator interface {
	Claim(ctx context.Context, key, owner string) (*peer.Lease, error)
	Holder(key string) (peer.Claim, bool)
}

var (
	_ services.EventClient = eventClient{}
	_ services.ClaimClient = (*claimClient)(nil)
	_ services.ClaimClient = noClaims{}
	_ services.Lease       = (*peer.Lease)(nil)
)

// eventClient publishes and subscribes on behalf of one service.
type eventClient struct {
	bus  Bus
	name string
}

func (c eventClient) Publish(topic string, payload any) (events.Event, error) {
	if c.bus == nil {
		return events.Event{}, services.ErrEventsNotAvailable
	}
	return c.bus.Publish(c.name, topic, payload)
}

func (c eventClient) Subscribe(pattern string, handler events.Handler) (*events.Subscription, error) {
	if c.bus == nil {
		return nil, services.ErrEventsNotAvailable
	}
	return c.bus.Subscribe(c.name, pattern, handler)
}

// claimClient tracks the leases one service instance acquired so they can
// be released when the instance stops.
type claimClient struct {
	coord Coordinator
	owner string

	mu     sync.Mutex
	leases map[string]*peer.Lease
}

func newClaimClient(coord Coordinator, owner string) *claimClient {
	return &claimClient{coord: coord, owner: owner, leases: make(map[string]*peer.Lease)}
}

func (c *claimClient) Claim(ctx context.Context, key string) (services.Lease, error) {
	lease, err := c.coord.Claim(ctx, key, c.owner)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.leases[key] = lease
	c.mu.Unlock()
	return lease, nil
}

func (c *claimClient) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	lease, ok := c.leases[key]
	delete(c.leases, key)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", peer.ErrNotHeld, key)
	}
	return lease.Release(ctx)
}

func (c *claimClient) Holder(key string) (string, uint64, bool) {
	h, ok := c.coord.Holder(key)
	return h.Holder, h.Epoch, ok
}

// releaseAll gives up every lease still held by the instance.
func (c *claimClient) releaseAll(ctx context.Context) error {
	c.mu.Lock()
	leases := c.leases
	c.leases = make(map[string]*peer.Lease)
	c.mu.Unlock()

	var errs []error
	for _, key := range slices.Sorted(maps.Keys(leases)) {
		if err := leases[key].Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// noClaims is used when the orchestrator runs without a coordinator.
type noClaims struct{}

func (noClaims) Claim(context.Context, string) (services.Lease, error) {
	return nil, services.ErrClaimsNotAvailable
}

func (noClaims) Release(context.Context, string) error { return services.ErrClaimsNotAvailable }

func (noClaims) Holder(string) (string, uint64, bool) { return "", 0, false }
