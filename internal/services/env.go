package services

import (
	"context"

	"scalestack/internal/events"
)

// EventClient is the bus as seen by one service. Published events carry the
// service name as source, and subscriptions are owned by the service so they
// are removed when it stops.
type EventClient interface {
	Publish(topic string, payload any) (events.Event, error)
	Subscribe(pattern string, handler events.Handler) (*events.Subscription, error)
}

// Lease is an exclusive, leased ownership claim on a resource key.
type Lease interface {
	Key() string
	Epoch() uint64
	// Renew extends the lease by the configured lease timeout.
	Renew() error
	// KeepAlive renews the lease until ctx ends or the lease is lost.
	KeepAlive(ctx context.Context) error
	Release(ctx context.Context) error
}

// ClaimClient gives a service access to cross-peer resource ownership.
type ClaimClient interface {
	Claim(ctx context.Context, key string) (Lease, error)
	Release(ctx context.Context, key string) error
	// Holder returns the peer currently holding key, if any.
	Holder(key string) (peerID string, epoch uint64, ok bool)
}

// Env is what a Factory receives: the service's identity, its settings and
// handles to the shared infrastructure.
type Env struct {
	Name     string
	Settings Settings
	Events   EventClient
	Claims   ClaimClient

	fail func(error)
}

// NewEnv builds an Env. fail is invoked by Env.Fail and may be nil.
func NewEnv(name string, settings Settings, ev EventClient, claims ClaimClient, fail func(error)) Env {
	return Env{
		Name:     name,
		Settings: settings,
		Events:   ev,
		Claims:   claims,
		fail:     fail,
	}
}

// Fail reports an unrecoverable runtime error. The supervisor moves the
// service to Failed and applies its restart policy.
func (e Env) Fail(err error) {
	if e.fail != nil && err != nil {
		e.fail(err)
	}
}
