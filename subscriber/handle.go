/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package subscriber

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/launix-de/quiver/quivererr"
)

// Handle is a registered subscriber's handle into the registry: the
// long-lived object a caller holds across many claim/ack cycles.
type Handle struct {
	registry *Registry
	sub      *subscriberState
}

// ID returns the subscriber's id.
func (h *Handle) ID() uuid.UUID { return h.sub.id }

// State returns the subscriber's current lifecycle state.
func (h *Handle) State() State {
	h.sub.mu.Lock()
	defer h.sub.mu.Unlock()
	return h.sub.state
}

// Claim synchronously attempts to claim the next available bundle.
func (h *Handle) Claim() (*ClaimedBundle, error) {
	return h.registry.ClaimBundle(h.sub.id)
}

// NextBundle awaits the next available bundle, suspending on the registry's
// notifier until one arrives, the cancel channel fires, or timeout elapses.
func (h *Handle) NextBundle(ctx context.Context, timeout time.Duration, cancel <-chan struct{}) (*ClaimedBundle, error) {
	return h.registry.NextBundle(ctx, h.sub.id, timeout, cancel)
}

// ClaimedBundle is a scoped acquisition: construction is the claim, and
// explicit ack/reject/defer is the resolution, so no bundle is ever left
// in limbo. Exactly one of Ack, Reject, or Defer must be called; Close is the
// fallback a caller defers to catch the "forgot to resolve" case.
type ClaimedBundle struct {
	registry *Registry
	sub      *subscriberState
	ref      BundleRef

	once     sync.Once
	resolved bool
}

// Ref returns the (segment, bundle-index) this handle refers to.
func (c *ClaimedBundle) Ref() BundleRef { return c.ref }

// Load materializes the bundle payload through the registry's configured
// BundleLoader (backed by the segment store).
func (c *ClaimedBundle) Load() (interface{}, error) {
	if c.registry.loader == nil {
		return nil, quivererr.New(quivererr.IO, "subscriber.ClaimedBundle.Load", fmt.Errorf("no loader configured"))
	}
	return c.registry.loader(c.ref)
}

// Ack resolves this claim by advancing the subscriber's cursor past it.
func (c *ClaimedBundle) Ack() {
	c.once.Do(func() {
		c.resolved = true
		s := c.sub
		s.mu.Lock()
		delete(s.claimed, c.ref)
		s.acked[c.ref] = true
		s.dirty = true
		c.registry.advanceAckedLocked(s)
		s.mu.Unlock()
	})
}

// Reject resolves this claim as a fatal failure: the subscriber transitions
// to the terminal Rejected state and all further claims fail with NotActive.
func (c *ClaimedBundle) Reject() {
	c.once.Do(func() {
		c.resolved = true
		s := c.sub
		s.mu.Lock()
		delete(s.claimed, c.ref)
		s.state = Rejected
		s.dirty = true
		s.mu.Unlock()
	})
}

// Defer returns this bundle to the deferred queue, eligible for a later
// Claim/NextBundle call by the same subscriber.
func (c *ClaimedBundle) Defer() {
	c.once.Do(func() {
		c.resolved = true
		s := c.sub
		s.mu.Lock()
		delete(s.claimed, c.ref)
		s.deferred = append(s.deferred, c.ref)
		s.dirty = true
		s.mu.Unlock()
	})
}

// Close is the drop-without-resolution fallback: if nothing resolved this
// claim yet, it is treated as Reject and logged.
func (c *ClaimedBundle) Close() {
	if c.resolved {
		return
	}
	fmt.Printf("subscriber %s: bundle %+v dropped without resolution, treating as reject\n", c.sub.id, c.ref)
	c.Reject()
}
