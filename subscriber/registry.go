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

// Package subscriber implements the per-subscriber claim/ack/defer/reject
// state machine of the consume path: a registered actor with a lifecycle
// state, a mutex-guarded overlay of claimed and deferred bundle sets, and
// an explicit resolution for every claim. Progress persistence (dirty-bit
// + atomic rename) mirrors walio's cursor sidecar.
package subscriber

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/launix-de/quiver/internal/idgen"
	"github.com/launix-de/quiver/quivererr"
)

// State is a subscriber's lifecycle state: registered -> active ->
// (draining) -> unregistered, with rejection as a terminal branch.
type State int

const (
	Registered State = iota
	Active
	Draining
	Unregistered
	Rejected // terminal: a claimed handle was rejected; fatal for this subscriber
)

// BundleLoader materializes the actual bundle payload for a claimed
// reference, backed by the segment store in the engine orchestrator.
type BundleLoader func(ref BundleRef) (interface{}, error)

// SegmentInfo is the minimal view of the segment registry the subscriber
// registry needs: how many bundles a segment holds and which sequences
// currently exist, in ascending order.
type SegmentInfo interface {
	Sequences() []uint64
	BundleCount(seq uint64) int
}

type subscriberState struct {
	mu           sync.Mutex
	id           uuid.UUID
	state        State
	generation   uint64
	highestAcked BundleRef
	claimed      map[BundleRef]struct{}
	deferred     []BundleRef
	acked        map[BundleRef]bool // out-of-order completions pending prefix advance
	dirty        bool
}

// Registry tracks every subscriber and hands out claims. Interior
// synchronization: the map of subscribers is guarded by one mutex; each
// subscriber's own state is guarded by its own mutex so one subscriber's
// claim/ack traffic never blocks another's.
type Registry struct {
	progressDir string
	store       SegmentInfo
	loader      BundleLoader

	mu          sync.Mutex
	subscribers map[uuid.UUID]*subscriberState

	notifyMu sync.Mutex
	notifyCh chan struct{}
}

// Open restores every subscriber with a progress file under progressDir.
func Open(progressDir string, store SegmentInfo, loader BundleLoader) (*Registry, error) {
	r := &Registry{
		progressDir: progressDir,
		store:       store,
		loader:      loader,
		subscribers: make(map[uuid.UUID]*subscriberState),
		notifyCh:    make(chan struct{}),
	}
	ids, err := listProgressFiles(progressDir)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		doc, ok, err := loadProgress(progressDir, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		s := &subscriberState{
			id:           id,
			state:        Active,
			generation:   doc.Generation,
			highestAcked: doc.HighestAcked,
			claimed:      make(map[BundleRef]struct{}),
			acked:        make(map[BundleRef]bool),
		}
		for _, c := range doc.Claimed {
			s.claimed[c] = struct{}{}
		}
		s.deferred = append(s.deferred, doc.Deferred...)
		r.subscribers[id] = s
	}
	return r, nil
}

// broadcast wakes every goroutine blocked in NextBundle: close the
// current channel (waking all waiters) and replace it with a fresh one.
func (r *Registry) broadcast() {
	r.notifyMu.Lock()
	close(r.notifyCh)
	r.notifyCh = make(chan struct{})
	r.notifyMu.Unlock()
}

func (r *Registry) waitChannel() chan struct{} {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	return r.notifyCh
}

// OnNewSegment is the callback the engine wires to segstore.Store.OnNewSegment
// so that a newly registered segment wakes any subscriber blocked in
// NextBundle. Subscribers never observe a bundle before its segment is
// registered with the store.
func (r *Registry) OnNewSegment(uint64) {
	r.broadcast()
}

// Register creates a brand-new subscriber with a fresh id and generation 0.
func (r *Registry) Register() *Handle {
	s := &subscriberState{
		id:      idgen.NewSubscriberID(),
		state:   Active,
		claimed: make(map[BundleRef]struct{}),
		acked:   make(map[BundleRef]bool),
		dirty:   true,
	}
	r.mu.Lock()
	r.subscribers[s.id] = s
	r.mu.Unlock()
	return &Handle{registry: r, sub: s}
}

// Lookup returns the handle for an existing subscriber id, or
// SubscriberNotFound.
func (r *Registry) Lookup(id uuid.UUID) (*Handle, error) {
	r.mu.Lock()
	s, ok := r.subscribers[id]
	r.mu.Unlock()
	if !ok {
		return nil, quivererr.New(quivererr.SubscriberNotFound, "subscriber.Lookup", nil)
	}
	return &Handle{registry: r, sub: s}, nil
}

// Unregister removes a subscriber and its in-memory state (progress file on
// disk is left as-is; a caller that wants it gone calls RemoveProgress).
func (r *Registry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	s, ok := r.subscribers[id]
	delete(r.subscribers, id)
	r.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.state = Unregistered
		s.mu.Unlock()
	}
}

// claimNextLocked finds the next bundle ref this subscriber has not yet
// claimed or acked, in ascending (segment, manifest_order) order. Deferred
// refs are offered first since they are already-seen bundles the subscriber
// explicitly asked to revisit.
func (r *Registry) claimNextLocked(s *subscriberState) (BundleRef, bool) {
	for i, ref := range s.deferred {
		if _, claimed := s.claimed[ref]; claimed {
			continue
		}
		if s.acked[ref] {
			continue
		}
		s.deferred = append(s.deferred[:i:i], s.deferred[i+1:]...)
		return ref, true
	}

	seqs := r.store.Sequences()
	for _, seq := range seqs {
		if seq < s.highestAcked.Segment {
			continue
		}
		count := r.store.BundleCount(seq)
		if count < 0 {
			continue
		}
		start := 0
		if seq == s.highestAcked.Segment {
			start = s.highestAcked.Bundle + 1
		}
		for idx := start; idx < count; idx++ {
			ref := BundleRef{Segment: seq, Bundle: idx}
			if _, claimed := s.claimed[ref]; claimed {
				continue
			}
			if s.acked[ref] {
				continue
			}
			return ref, true
		}
	}
	return BundleRef{}, false
}

// advanceAckedLocked advances highestAcked through the contiguous prefix of
// acked refs, bounding the memory the out-of-order ack set needs.
func (r *Registry) advanceAckedLocked(s *subscriberState) {
	for {
		next := s.nextRefAfterLocked(r, s.highestAcked)
		if next == nil {
			return
		}
		if !s.acked[*next] {
			return
		}
		delete(s.acked, *next)
		s.highestAcked = *next
	}
}

// nextRefAfterLocked returns the ref immediately following cur in delivery
// order, or nil if cur is the last bundle currently known to the store.
// "Immediately following" skips empty segments, matching how claimNextLocked
// walks the same order.
func (s *subscriberState) nextRefAfterLocked(r *Registry, cur BundleRef) *BundleRef {
	seqs := r.store.Sequences()
	for _, seq := range seqs {
		if seq < cur.Segment {
			continue
		}
		count := r.store.BundleCount(seq)
		if count < 0 {
			continue
		}
		start := 0
		if seq == cur.Segment {
			start = cur.Bundle + 1
		}
		if start < count {
			ref := BundleRef{Segment: seq, Bundle: start}
			return &ref
		}
	}
	return nil
}

// ClaimBundle synchronously attempts to claim the next available bundle for
// subscriber id. Returns (nil, nil) if nothing is currently available.
func (r *Registry) ClaimBundle(id uuid.UUID) (*ClaimedBundle, error) {
	r.mu.Lock()
	s, ok := r.subscribers[id]
	r.mu.Unlock()
	if !ok {
		return nil, quivererr.New(quivererr.SubscriberNotFound, "subscriber.ClaimBundle", nil)
	}
	s.mu.Lock()
	if s.state != Active {
		st := s.state
		s.mu.Unlock()
		if st == Rejected {
			return nil, quivererr.New(quivererr.NotActive, "subscriber.ClaimBundle", nil)
		}
		return nil, quivererr.New(quivererr.NotActive, "subscriber.ClaimBundle", nil)
	}
	ref, ok := r.claimNextLocked(s)
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	s.claimed[ref] = struct{}{}
	s.dirty = true
	s.mu.Unlock()

	return &ClaimedBundle{registry: r, sub: s, ref: ref}, nil
}

// NextBundle is the async delivery primitive: cooperatively awaits the store's new-segment notifier, the cancellation
// token, or the timeout, whichever fires first. Returns (nil, nil) on
// timeout and Cancelled on cancellation.
func (r *Registry) NextBundle(ctx context.Context, id uuid.UUID, timeout time.Duration, cancel <-chan struct{}) (*ClaimedBundle, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		cb, err := r.ClaimBundle(id)
		if err != nil {
			return nil, err
		}
		if cb != nil {
			return cb, nil
		}
		wait := r.waitChannel()
		select {
		case <-wait:
			continue
		case <-cancel:
			return nil, quivererr.New(quivererr.Cancelled, "subscriber.NextBundle", nil)
		case <-ctx.Done():
			return nil, quivererr.New(quivererr.Cancelled, "subscriber.NextBundle", ctx.Err())
		case <-deadline.C:
			return nil, nil
		}
	}
}

// ForceCompleteSegments abandons any outstanding claims on the given
// sequences across every subscriber and advances each subscriber's cursor
// past them, used right before those segment files are deleted.
func (r *Registry) ForceCompleteSegments(seqs []uint64) {
	if len(seqs) == 0 {
		return
	}
	set := make(map[uint64]struct{}, len(seqs))
	maxSeq := uint64(0)
	for _, s := range seqs {
		set[s] = struct{}{}
		if s > maxSeq {
			maxSeq = s
		}
	}
	// The cursor must land past the last bundle of maxSeq, not at its
	// start. If the store no longer knows the segment (file already gone),
	// any index works: claimNextLocked skips unknown sequences.
	lastBundle := r.store.BundleCount(maxSeq) - 1
	if lastBundle < 0 {
		lastBundle = int(^uint(0) >> 2)
	}
	past := BundleRef{Segment: maxSeq, Bundle: lastBundle}
	r.mu.Lock()
	subs := make([]*subscriberState, 0, len(r.subscribers))
	for _, s := range r.subscribers {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		for ref := range s.claimed {
			if _, ok := set[ref.Segment]; ok {
				delete(s.claimed, ref)
			}
		}
		for i := 0; i < len(s.deferred); {
			if _, ok := set[s.deferred[i].Segment]; ok {
				s.deferred = append(s.deferred[:i], s.deferred[i+1:]...)
				continue
			}
			i++
		}
		for ref := range s.acked {
			if _, ok := set[ref.Segment]; ok {
				delete(s.acked, ref)
			}
		}
		if s.highestAcked.Less(past) {
			s.highestAcked = past
			s.dirty = true
		}
		s.mu.Unlock()
	}
	r.broadcast()
}

// FlushProgress writes every dirty subscriber's progress file and clears
// the dirty flag.
func (r *Registry) FlushProgress() error {
	r.mu.Lock()
	subs := make([]*subscriberState, 0, len(r.subscribers))
	for _, s := range r.subscribers {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		if !s.dirty {
			s.mu.Unlock()
			continue
		}
		doc := progressDoc{
			SubscriberID: s.id.String(),
			Generation:   s.generation,
			HighestAcked: s.highestAcked,
			Deferred:     append([]BundleRef(nil), s.deferred...),
		}
		for ref := range s.claimed {
			doc.Claimed = append(doc.Claimed, ref)
		}
		s.dirty = false
		s.mu.Unlock()

		if err := persistProgress(r.progressDir, s.id, doc); err != nil {
			return err
		}
	}
	return nil
}

// MinHighestTrackedSegment returns the minimum highest-acked segment across
// every registered subscriber, whatever its state, or (0, false) if there
// are none — the engine
// uses this to know which finalized segments no subscriber still needs.
func (r *Registry) MinHighestTrackedSegment() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var min uint64
	found := false
	for _, s := range r.subscribers {
		s.mu.Lock()
		seq := s.highestAcked.Segment
		s.mu.Unlock()
		if !found || seq < min {
			min = seq
			found = true
		}
	}
	return min, found
}

// OldestIncompleteSegment returns the lowest sequence number that at least
// one subscriber has not yet fully acknowledged, or (0, false) if every
// subscriber has acknowledged every bundle the store currently holds.
func (r *Registry) OldestIncompleteSegment() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest uint64
	found := false
	for _, s := range r.subscribers {
		s.mu.Lock()
		next := s.nextRefAfterLocked(r, s.highestAcked)
		s.mu.Unlock()
		if next != nil && (!found || next.Segment < oldest) {
			oldest = next.Segment
			found = true
		}
	}
	return oldest, found
}

// Subscribers returns every currently registered subscriber id, for
// maintenance sweeps.
func (r *Registry) Subscribers() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uuid.UUID, 0, len(r.subscribers))
	for id := range r.subscribers {
		out = append(out, id)
	}
	return out
}
