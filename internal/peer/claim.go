package peer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"

	"scalestack/pkg/logging"
)

// Claim acquires an exclusive lease on key for owner (normally the name of
// the local service asking). The request carries an epoch greater than any
// epoch observed for key and succeeds only when every live peer accepts
// it. Losing to another claim returns a *ConflictError naming the winner.
func (c *Coordinator) Claim(ctx context.Context, key, owner string) (*Lease, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	start := c.clock.Now()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrNotRunning
	}
	if c.draining {
		c.mu.Unlock()
		return nil, ErrDraining
	}
	if lc, ok := c.local[key]; ok && start.Before(lc.expiresAt) {
		c.mu.Unlock()
		c.metrics.ClaimAttempt("conflict", 0)
		return nil, &ConflictError{Key: key, Holder: c.cfg.ID, Epoch: lc.epoch, Reason: "held by " + lc.owner}
	}
	if holder, epoch, ok := c.remoteHolderLocked(key, "", start); ok {
		c.mu.Unlock()
		c.metrics.ClaimAttempt("conflict", 0)
		return nil, &ConflictError{Key: key, Holder: holder, Epoch: epoch, Reason: ReasonHeld}
	}
	if _, busy := c.pendingByKey[key]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrClaimInProgress, key)
	}

	epoch := c.nextEpochLocked(ctx, key)
	p := &pendingClaim{
		id:      uuid.NewString(),
		key:     key,
		owner:   owner,
		epoch:   epoch,
		waiting: sets.New[string](),
		done:    make(chan struct{}),
	}
	for id, rec := range c.peers {
		if !rec.Departed && start.Sub(rec.LastSeen) < c.cfg.LivenessWindow {
			p.waiting.Insert(id)
		}
	}
	targets := c.liveAddrsLocked()
	c.pending[p.id] = p
	c.pendingByKey[key] = p
	if p.waiting.Len() == 0 {
		p.finishLocked()
	}
	c.mu.Unlock()

	logging.Debug(subsystem, "Claiming %s at epoch %d for %s (%d peers)", key, epoch, owner, len(targets))
	c.broadcast(ctx, targets, &Envelope{Kind: KindClaimRequest, ClaimRequest: &ClaimRequest{
		RequestID: p.id,
		Key:       key,
		From:      c.cfg.ID,
		Addr:      c.tr.LocalAddr(),
		Epoch:     epoch,
	}})

	timer := c.clock.NewTimer(c.cfg.ClaimTimeout)
	defer timer.Stop()
	var waitErr error
	select {
	case <-p.done:
	case <-timer.C():
		waitErr = ErrClaimTimeout
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	now := c.clock.Now()
	c.mu.Lock()
	delete(c.pending, p.id)
	if c.pendingByKey[key] == p {
		delete(c.pendingByKey, key)
	}
	if p.finished {
		waitErr = nil
	}

	switch {
	case waitErr != nil:
		missing := sets.List(p.waiting)
		c.mu.Unlock()
		if errors.Is(waitErr, ErrClaimTimeout) {
			c.metrics.ClaimAttempt("timeout", now.Sub(start))
			return nil, fmt.Errorf("%w: %s (no answer from %v)", ErrClaimTimeout, key, missing)
		}
		c.metrics.ClaimAttempt("error", now.Sub(start))
		return nil, waitErr
	case p.conflict != nil:
		c.mu.Unlock()
		c.metrics.ClaimAttempt("conflict", now.Sub(start))
		logging.Debug(subsystem, "Lost claim on %s: %v", key, p.conflict)
		return nil, p.conflict
	case c.draining:
		c.mu.Unlock()
		c.metrics.ClaimAttempt("error", now.Sub(start))
		return nil, ErrDraining
	}
	// A peer that joined while we waited may already hold the key.
	if holder, hEpoch, ok := c.remoteHolderLocked(key, "", now); ok {
		c.mu.Unlock()
		c.metrics.ClaimAttempt("conflict", now.Sub(start))
		return nil, &ConflictError{Key: key, Holder: holder, Epoch: hEpoch, Reason: ReasonHeld}
	}

	lc := &localClaim{
		key:       key,
		owner:     owner,
		epoch:     epoch,
		expiresAt: now.Add(c.cfg.LeaseTimeout),
		done:      make(chan struct{}),
	}
	c.local[key] = lc
	delete(c.splits, key)
	held := len(c.local)
	c.mu.Unlock()

	c.metrics.ClaimAttempt("won", now.Sub(start))
	c.metrics.SetClaimsHeld(held)
	logging.Info(subsystem, "Claimed %s at epoch %d for %s", key, epoch, owner)
	c.emit([]outEvent{{TopicClaimAcquired, ClaimEvent{Key: key, Holder: c.cfg.ID, Epoch: epoch, Owner: owner}}})
	c.sendHeartbeats(ctx)

	return &Lease{c: c, key: key, owner: owner, epoch: epoch, done: lc.done, expiresAt: lc.expiresAt}, nil
}

// nextEpochLocked mints the epoch for a new request on key and records it
// as observed, so a retry always proposes a higher one.
func (c *Coordinator) nextEpochLocked(ctx context.Context, key string) uint64 {
	highest := c.observed[key]
	stored, err := c.store.Highest(ctx, key)
	if err != nil {
		logging.Error(subsystem, err, "Failed to read stored epoch for %s", key)
	}
	epoch := max(highest, stored) + 1
	c.observeLocked(key, epoch)
	return epoch
}

// remoteHolderLocked returns the best ranked remote claim on key, ignoring
// the peer exclude. Claims of a peer silent for LivenessWindow+GraceWindow
// are no longer valid, whether or not the sweep has dropped it yet.
func (c *Coordinator) remoteHolderLocked(key, exclude string, now time.Time) (string, uint64, bool) {
	var (
		holder string
		best   uint64
		found  bool
	)
	for id, rec := range c.peers {
		if id == exclude || !c.claimsValidLocked(rec, now) {
			continue
		}
		epoch, ok := rec.Claims[key]
		if !ok {
			continue
		}
		if !found || outranks(epoch, id, best, holder) {
			holder, best, found = id, epoch, true
		}
	}
	return holder, best, found
}

// claimsValidLocked reports whether the claims listed in rec still count.
func (c *Coordinator) claimsValidLocked(rec *Record, now time.Time) bool {
	return now.Sub(rec.LastSeen) < c.cfg.LivenessWindow+c.cfg.GraceWindow
}

func (c *Coordinator) handleClaimRequest(ctx context.Context, req *ClaimRequest, from string) {
	if req.From == "" || req.From == c.cfg.ID {
		return
	}
	addr := req.Addr
	if addr == "" {
		addr = from
	}
	resp := &ClaimResponse{RequestID: req.RequestID, Key: req.Key, From: c.cfg.ID, Accept: true}
	now := c.clock.Now()

	c.mu.Lock()
	c.observeLocked(req.Key, req.Epoch)
	if lc, ok := c.local[req.Key]; ok && now.Before(lc.expiresAt) {
		resp.Accept, resp.Reason, resp.Holder, resp.HolderEpoch = false, ReasonHeld, c.cfg.ID, lc.epoch
	} else if holder, epoch, ok := c.remoteHolderLocked(req.Key, req.From, now); ok {
		resp.Accept, resp.Reason, resp.Holder, resp.HolderEpoch = false, ReasonHeld, holder, epoch
	} else if p, ok := c.pendingByKey[req.Key]; ok {
		switch {
		case p.finished && p.conflict == nil:
			// Won, about to install the claim.
			resp.Accept, resp.Reason, resp.Holder, resp.HolderEpoch = false, ReasonHeld, c.cfg.ID, p.epoch
		case p.finished:
		case outranks(p.epoch, c.cfg.ID, req.Epoch, req.From):
			resp.Accept, resp.Reason, resp.Holder, resp.HolderEpoch = false, ReasonContended, c.cfg.ID, p.epoch
		default:
			p.conflict = &ConflictError{Key: req.Key, Holder: req.From, Epoch: req.Epoch, Reason: ReasonContended}
			p.finishLocked()
		}
	}
	c.mu.Unlock()

	if !resp.Accept {
		logging.Debug(subsystem, "Rejecting claim on %s by %s (epoch %d): %s by %s", req.Key, req.From, req.Epoch, resp.Reason, resp.Holder)
	}
	c.broadcast(ctx, []string{addr}, &Envelope{Kind: KindClaimResponse, ClaimResponse: resp})
}

func (c *Coordinator) handleClaimResponse(resp *ClaimResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[resp.RequestID]
	if !ok || p.finished {
		return
	}
	if resp.HolderEpoch > 0 {
		c.observeLocked(p.key, resp.HolderEpoch)
	}
	if !resp.Accept {
		p.conflict = &ConflictError{Key: p.key, Holder: resp.Holder, Epoch: resp.HolderEpoch, Reason: resp.Reason}
		p.finishLocked()
		return
	}
	p.waiting.Delete(resp.From)
	if p.waiting.Len() == 0 {
		p.finishLocked()
	}
}

// Release gives up a locally held claim and tells the live peers.
func (c *Coordinator) Release(ctx context.Context, key string) error {
	return c.release(ctx, key, 0)
}

// ReleaseAll releases every locally held claim.
func (c *Coordinator) ReleaseAll(ctx context.Context) error {
	c.mu.Lock()
	keys := slices.Sorted(maps.Keys(c.local))
	c.mu.Unlock()

	var errs []error
	for _, key := range keys {
		if err := c.release(ctx, key, 0); err != nil && !errors.Is(err, ErrNotHeld) {
			errs = append(errs, err)
		}
	}
	if len(keys) > 0 {
		logging.Info(subsystem, "Released %d claims", len(keys))
	}
	return errors.Join(errs...)
}

// release drops the local claim on key. A non-zero epoch must match the
// held claim.
func (c *Coordinator) release(ctx context.Context, key string, epoch uint64) error {
	c.mu.Lock()
	lc, ok := c.local[key]
	if !ok || (epoch != 0 && lc.epoch != epoch) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotHeld, key)
	}
	delete(c.local, key)
	delete(c.splits, key)
	close(lc.done)
	targets := c.liveAddrsLocked()
	held := len(c.local)
	c.mu.Unlock()

	c.broadcast(ctx, targets, &Envelope{Kind: KindRelease, Release: &Release{From: c.cfg.ID, Key: key, Epoch: lc.epoch}})
	c.metrics.SetClaimsHeld(held)
	logging.Info(subsystem, "Released %s (epoch %d)", key, lc.epoch)
	c.emit([]outEvent{{TopicClaimReleased, ClaimEvent{Key: key, Holder: c.cfg.ID, Epoch: lc.epoch, Owner: lc.owner, Reason: ReleaseExplicit}}})
	return nil
}

func (c *Coordinator) renew(key string, epoch uint64) (time.Time, error) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	lc, ok := c.local[key]
	if !ok || lc.epoch != epoch || !now.Before(lc.expiresAt) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrLeaseLost, key)
	}
	lc.expiresAt = now.Add(c.cfg.LeaseTimeout)
	return lc.expiresAt, nil
}

// Claims returns every valid claim known to this instance, local and
// remote, sorted by key and holder.
func (c *Coordinator) Claims() []Claim {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Claim
	for _, lc := range c.local {
		if now.Before(lc.expiresAt) {
			out = append(out, Claim{Key: lc.key, Holder: c.cfg.ID, Epoch: lc.epoch, Owner: lc.owner, ExpiresAt: lc.expiresAt, Local: true})
		}
	}
	for id, rec := range c.peers {
		if !c.claimsValidLocked(rec, now) {
			continue
		}
		for key, epoch := range rec.Claims {
			out = append(out, Claim{Key: key, Holder: id, Epoch: epoch})
		}
	}
	slices.SortFunc(out, func(a, b Claim) int {
		if a.Key != b.Key {
			if a.Key < b.Key {
				return -1
			}
			return 1
		}
		if a.Holder < b.Holder {
			return -1
		}
		if a.Holder > b.Holder {
			return 1
		}
		return 0
	})
	return out
}

// Holder returns the claim currently considered valid for key. When the
// key is split between this instance and a peer, the local claim is
// returned.
func (c *Coordinator) Holder(key string) (Claim, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if lc, ok := c.local[key]; ok && now.Before(lc.expiresAt) {
		return Claim{Key: key, Holder: c.cfg.ID, Epoch: lc.epoch, Owner: lc.owner, ExpiresAt: lc.expiresAt, Local: true}, true
	}
	if holder, epoch, ok := c.remoteHolderLocked(key, "", now); ok {
		return Claim{Key: key, Holder: holder, Epoch: epoch}, true
	}
	return Claim{}, false
}
