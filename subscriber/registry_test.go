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
	"sort"
	"testing"
	"time"

	"github.com/launix-de/quiver/quivererr"
)

// fakeStore is an in-memory SegmentInfo for registry tests.
type fakeStore struct {
	counts map[uint64]int
}

func (f *fakeStore) Sequences() []uint64 {
	var out []uint64
	for seq := range f.counts {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f *fakeStore) BundleCount(seq uint64) int {
	c, ok := f.counts[seq]
	if !ok {
		return -1
	}
	return c
}

func openTestRegistry(t *testing.T, store *fakeStore) *Registry {
	t.Helper()
	r, err := Open(t.TempDir(), store, nil)
	if err != nil {
		t.Fatalf("registry open: %v", err)
	}
	return r
}

func TestClaimDeliversInSegmentManifestOrder(t *testing.T) {
	store := &fakeStore{counts: map[uint64]int{1: 2, 2: 1}}
	r := openTestRegistry(t, store)
	h := r.Register()

	want := []BundleRef{{1, 0}, {1, 1}, {2, 0}}
	for i, w := range want {
		cb, err := h.Claim()
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if cb == nil {
			t.Fatalf("claim %d: nothing available, want %+v", i, w)
		}
		if cb.Ref() != w {
			t.Fatalf("claim %d = %+v, want %+v", i, cb.Ref(), w)
		}
		cb.Ack()
	}
	cb, err := h.Claim()
	if err != nil {
		t.Fatalf("claim after drain: %v", err)
	}
	if cb != nil {
		t.Fatalf("claim after drain = %+v, want nil", cb.Ref())
	}
}

func TestClaimedBundleIsExclusive(t *testing.T) {
	store := &fakeStore{counts: map[uint64]int{1: 1}}
	r := openTestRegistry(t, store)
	h := r.Register()

	cb, err := h.Claim()
	if err != nil || cb == nil {
		t.Fatalf("claim: %v %v", cb, err)
	}
	// The same bundle must not be claimable twice while outstanding.
	cb2, err := h.Claim()
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if cb2 != nil {
		t.Fatalf("bundle claimed twice: %+v", cb2.Ref())
	}
	cb.Ack()
}

func TestDeferReturnsBundleForLaterClaim(t *testing.T) {
	store := &fakeStore{counts: map[uint64]int{1: 2}}
	r := openTestRegistry(t, store)
	h := r.Register()

	cb, _ := h.Claim()
	if cb.Ref() != (BundleRef{1, 0}) {
		t.Fatalf("first claim = %+v", cb.Ref())
	}
	cb.Defer()

	// The deferred ref is offered again before fresh bundles.
	cb2, _ := h.Claim()
	if cb2.Ref() != (BundleRef{1, 0}) {
		t.Fatalf("after defer, claim = %+v, want the deferred {1 0}", cb2.Ref())
	}
	cb2.Ack()
	cb3, _ := h.Claim()
	if cb3.Ref() != (BundleRef{1, 1}) {
		t.Fatalf("next claim = %+v, want {1 1}", cb3.Ref())
	}
	cb3.Ack()
}

func TestRejectIsFatalForSubscriber(t *testing.T) {
	store := &fakeStore{counts: map[uint64]int{1: 2}}
	r := openTestRegistry(t, store)
	h := r.Register()

	cb, _ := h.Claim()
	cb.Reject()
	if _, err := h.Claim(); !quivererr.Is(err, quivererr.NotActive) {
		t.Fatalf("claim after reject: %v, want NotActive", err)
	}
}

func TestDropWithoutResolutionIsReject(t *testing.T) {
	store := &fakeStore{counts: map[uint64]int{1: 1}}
	r := openTestRegistry(t, store)
	h := r.Register()

	cb, _ := h.Claim()
	cb.Close() // never resolved
	if _, err := h.Claim(); !quivererr.Is(err, quivererr.NotActive) {
		t.Fatalf("claim after dropped handle: %v, want NotActive", err)
	}
}

func TestCloseAfterResolutionIsNoOp(t *testing.T) {
	store := &fakeStore{counts: map[uint64]int{1: 2}}
	r := openTestRegistry(t, store)
	h := r.Register()

	cb, _ := h.Claim()
	cb.Ack()
	cb.Close()
	if h.State() != Active {
		t.Fatalf("state = %v after ack+close, want Active", h.State())
	}
}

func TestOutOfOrderAckAdvancesPrefix(t *testing.T) {
	store := &fakeStore{counts: map[uint64]int{1: 3}}
	r := openTestRegistry(t, store)
	h := r.Register()

	cb0, _ := h.Claim()
	cb1, _ := h.Claim()
	cb2, _ := h.Claim()

	cb2.Ack() // out of order: cursor must not jump past unacked 0 and 1
	min, ok := r.MinHighestTrackedSegment()
	if !ok || min != 0 {
		t.Fatalf("cursor advanced past unacked bundles: min=%d", min)
	}
	cb0.Ack()
	cb1.Ack()
	min, _ = r.MinHighestTrackedSegment()
	if min != 1 {
		t.Fatalf("after full ack, min tracked = %d, want 1", min)
	}
}

func TestForceCompleteSegmentsAdvancesPast(t *testing.T) {
	store := &fakeStore{counts: map[uint64]int{1: 2, 2: 2}}
	r := openTestRegistry(t, store)
	h := r.Register()

	cb, _ := h.Claim() // {1 0} outstanding
	r.ForceCompleteSegments([]uint64{1})

	next, _ := h.Claim()
	if next == nil || next.Ref().Segment != 2 {
		t.Fatalf("after force-complete of 1, claim = %+v, want segment 2", next)
	}
	next.Ack()
	cb.Ack() // resolving the abandoned claim must not corrupt state
}

func TestProgressFlushAndRestore(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{counts: map[uint64]int{1: 2}}
	r, err := Open(dir, store, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	h := r.Register()
	cb, _ := h.Claim()
	cb.Ack()
	if err := r.FlushProgress(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	r2, err := Open(dir, store, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	h2, err := r2.Lookup(h.ID())
	if err != nil {
		t.Fatalf("restored subscriber not found: %v", err)
	}
	cb2, err := h2.Claim()
	if err != nil {
		t.Fatalf("claim after restore: %v", err)
	}
	if cb2 == nil || cb2.Ref() != (BundleRef{1, 1}) {
		t.Fatalf("restored cursor delivered %+v, want {1 1}", cb2)
	}
	cb2.Ack()
}

func TestLookupUnknownSubscriber(t *testing.T) {
	store := &fakeStore{counts: map[uint64]int{}}
	r := openTestRegistry(t, store)
	h := r.Register()
	r.Unregister(h.ID())
	if _, err := r.Lookup(h.ID()); !quivererr.Is(err, quivererr.SubscriberNotFound) {
		t.Fatalf("lookup after unregister: %v, want SubscriberNotFound", err)
	}
}

func TestNextBundleTimeoutAndCancel(t *testing.T) {
	store := &fakeStore{counts: map[uint64]int{}}
	r := openTestRegistry(t, store)
	h := r.Register()

	cb, err := h.NextBundle(context.Background(), 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("timeout wait: %v", err)
	}
	if cb != nil {
		t.Fatalf("empty store delivered %+v", cb.Ref())
	}

	cancel := make(chan struct{})
	close(cancel)
	if _, err := h.NextBundle(context.Background(), time.Second, cancel); !quivererr.Is(err, quivererr.Cancelled) {
		t.Fatalf("cancelled wait: %v, want Cancelled", err)
	}
}

func TestNextBundleWokenByNewSegment(t *testing.T) {
	store := &fakeStore{counts: map[uint64]int{}}
	r := openTestRegistry(t, store)
	h := r.Register()

	go func() {
		time.Sleep(10 * time.Millisecond)
		store.counts[1] = 1
		r.OnNewSegment(1)
	}()
	cb, err := h.NextBundle(context.Background(), 2*time.Second, nil)
	if err != nil {
		t.Fatalf("next bundle: %v", err)
	}
	if cb == nil || cb.Ref() != (BundleRef{1, 0}) {
		t.Fatalf("woken claim = %+v, want {1 0}", cb)
	}
	cb.Ack()
}
