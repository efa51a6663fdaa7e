package peer

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Lease is a claim held by this instance. It stays valid until it is
// released or its expiry passes without a renewal.
type Lease struct {
	c     *Coordinator
	key   string
	owner string
	epoch uint64
	done  chan struct{}

	mu        sync.Mutex
	expiresAt time.Time
}

func (l *Lease) Key() string   { return l.key }
func (l *Lease) Epoch() uint64 { return l.epoch }
func (l *Lease) Owner() string { return l.owner }

// Done is closed when the lease is released or expires.
func (l *Lease) Done() <-chan struct{} { return l.done }

// ExpiresAt returns the expiry set at acquisition or by the latest Renew.
func (l *Lease) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

// Renew pushes the expiry LeaseTimeout into the future. It returns
// ErrLeaseLost when the lease already expired or was released.
func (l *Lease) Renew() error {
	exp, err := l.c.renew(l.key, l.epoch)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.expiresAt = exp
	l.mu.Unlock()
	return nil
}

// KeepAlive renews the lease every third of the lease timeout until ctx ends
// (returns nil) or the lease is lost (returns ErrLeaseLost).
func (l *Lease) KeepAlive(ctx context.Context) error {
	t := l.c.clock.NewTicker(l.c.cfg.LeaseTimeout / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.done:
			return ErrLeaseLost
		case <-t.C():
			if err := l.Renew(); err != nil {
				return err
			}
		}
	}
}

// Release gives the claim up. Releasing a lease that is already gone is not
// an error.
func (l *Lease) Release(ctx context.Context) error {
	err := l.c.release(ctx, l.key, l.epoch)
	if errors.Is(err, ErrNotHeld) {
		return nil
	}
	return err
}
