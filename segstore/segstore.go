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

// Package segstore is the on-disk registry of finalized segment files.
// It scans its directory once at open, keeps a
// read-optimized index of every known segment keyed by sequence number, and
// a second index ordered by finalization time for the retention sweep.
//
// The sequence index is a NonLockingReadMap: reads are lock-free binary
// search over an atomically-swapped sorted slice, writes rebuild the
// slice. Segment metadata is read far more often than it's written (one
// write per finalized segment, many reads per query and per subscriber
// poll), which is exactly the access pattern that structure is built for.
//
// The finalization-time index is a google/btree BTreeG, answering
// "segments older than duration d" without a full scan.
package segstore

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/btree"

	NonLockingReadMap "github.com/launix-de/NonLockingReadMap"

	"github.com/launix-de/quiver/quivererr"
	"github.com/launix-de/quiver/segment"
)

// Handle is one finalized segment's registry entry.
type Handle struct {
	Sequence    uint64
	Path        string
	FinalizedAt time.Time
	Manifest    segment.Manifest
	SizeBytes   uint64
}

// GetKey satisfies NonLockingReadMap.KeyGetter[uint64].
func (h Handle) GetKey() uint64 { return h.Sequence }

// ComputeSize satisfies NonLockingReadMap.Sizable; an approximation is fine
// since it is only used by callers that want a rough memory accounting, not
// by the map itself for correctness.
func (h Handle) ComputeSize() uint {
	sz := uint(64) + uint(len(h.Path))
	sz += 64 * uint(len(h.Manifest.Streams))
	return sz
}

type timeItem struct {
	finalizedAt time.Time
	sequence    uint64
}

func lessByTime(a, b timeItem) bool {
	if !a.finalizedAt.Equal(b.finalizedAt) {
		return a.finalizedAt.Before(b.finalizedAt)
	}
	return a.sequence < b.sequence
}

// NewHook is called once per segment added through Register, so a
// subscriber registry can wake up any consumer waiting on fresh data.
// Segments found by Open's directory scan do not trigger it.
type NewHook func(seq uint64)

// Store is the segment registry.
type Store struct {
	dir string

	bySeq NonLockingReadMap.NonLockingReadMap[Handle, uint64]

	mu             sync.Mutex // guards byTime, onNew and pendingDeletes only
	byTime         *btree.BTreeG[timeItem]
	onNew          []NewHook
	pendingDeletes []string
	watcher        *fsnotify.Watcher
	watchErr       chan error
}

// ScanResult reports what Open found besides the live registry: sequences
// whose files were expired by mtime and deleted without ever being opened,
// and sequences whose files failed manifest validation and were skipped.
// Both still contribute to the caller's "next sequence" computation so
// sequence numbers are never reused after a mass expiry.
type ScanResult struct {
	Deleted []uint64
	Corrupt []uint64
}

// Open scans dir for segment files ("*.qseg") and builds the registry.
// Files with an mtime older than maxAge (0 disables the filter) are deleted
// during the scan without being opened; the caller must
// force-complete their sequences before relying on subscriber cursors.
func Open(dir string, maxAge time.Duration) (*Store, ScanResult, error) {
	entries, rerr := os.ReadDir(dir)
	if rerr != nil && !os.IsNotExist(rerr) {
		return nil, ScanResult{}, quivererr.NewPath(quivererr.IO, "segstore.Open", dir, rerr)
	}

	s := &Store{
		dir:    dir,
		bySeq:  NonLockingReadMap.New[Handle, uint64](),
		byTime: btree.NewG[timeItem](32, lessByTime),
	}

	var scan ScanResult
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, ok := segment.ParseFileName(e.Name())
		if !ok {
			continue // not one of ours
		}
		path := filepath.Join(dir, e.Name())
		info, ierr := e.Info()
		finalizedAt := time.Now()
		var size uint64
		if ierr == nil {
			finalizedAt = info.ModTime()
			size = uint64(info.Size())
		}

		if maxAge > 0 && ierr == nil && time.Since(finalizedAt) > maxAge {
			// Expired by mtime: deleted without being opened.
			if derr := os.Remove(path); derr != nil && !os.IsNotExist(derr) {
				s.mu.Lock()
				s.pendingDeletes = append(s.pendingDeletes, path)
				s.mu.Unlock()
			}
			scan.Deleted = append(scan.Deleted, seq)
			continue
		}

		m, merr := segment.ReadManifest(path)
		if merr != nil {
			// A partially-written or corrupt segment file found on scan is
			// logged by the caller and skipped rather than aborting startup.
			scan.Corrupt = append(scan.Corrupt, seq)
			continue
		}
		h := &Handle{Sequence: seq, Path: path, FinalizedAt: finalizedAt, Manifest: m, SizeBytes: size}
		s.bySeq.Set(h)
		s.byTime.ReplaceOrInsert(timeItem{finalizedAt: finalizedAt, sequence: seq})
	}

	return s, scan, nil
}

// OnNewSegment registers a callback invoked every time Register adds a
// segment. Used by the subscriber registry to wake blocked next_bundle
// waiters.
func (s *Store) OnNewSegment(hook NewHook) {
	s.mu.Lock()
	s.onNew = append(s.onNew, hook)
	s.mu.Unlock()
}

// Register adds a newly finalized segment to the store.
func (s *Store) Register(seq uint64, path string, m segment.Manifest, sizeBytes uint64) {
	now := time.Now()
	h := &Handle{Sequence: seq, Path: path, FinalizedAt: now, Manifest: m, SizeBytes: sizeBytes}
	s.bySeq.Set(h)

	s.mu.Lock()
	s.byTime.ReplaceOrInsert(timeItem{finalizedAt: now, sequence: seq})
	hooks := append([]NewHook(nil), s.onNew...)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(seq)
	}
}

// Get returns the handle for sequence seq, or nil if unknown.
func (s *Store) Get(seq uint64) *Handle {
	return s.bySeq.Get(seq)
}

// Sequences returns every known sequence number in ascending order.
// NonLockingReadMap.GetAll already returns entries sorted by key, so this
// is a single pass, no extra sort.
func (s *Store) Sequences() []uint64 {
	all := s.bySeq.GetAll()
	out := make([]uint64, 0, len(all))
	for _, h := range all {
		out = append(out, h.Sequence)
	}
	return out
}

// BundleCount returns how many bundles segment seq contains, or -1 if seq
// is unknown.
func (s *Store) BundleCount(seq uint64) int {
	h := s.bySeq.Get(seq)
	if h == nil {
		return -1
	}
	return len(h.Manifest.Entries)
}

// DeleteSegment removes sequence seq's handle and its backing file. Safe to
// call on an already-deleted sequence (no-op).
func (s *Store) DeleteSegment(seq uint64) error {
	h := s.bySeq.Get(seq)
	if h == nil {
		return nil
	}
	s.bySeq.Remove(seq)

	s.mu.Lock()
	s.byTime.Delete(timeItem{finalizedAt: h.FinalizedAt, sequence: seq})
	s.mu.Unlock()

	if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
		// Some platforms forbid deleting a file while it is still mapped;
		// defer the unlink and let RetryPendingDeletes pick it up.
		s.mu.Lock()
		s.pendingDeletes = append(s.pendingDeletes, h.Path)
		s.mu.Unlock()
		return quivererr.NewPath(quivererr.IO, "segstore.DeleteSegment", h.Path, err)
	}
	return nil
}

// RetryPendingDeletes retries every deferred unlink and returns how many
// are still pending afterward.
func (s *Store) RetryPendingDeletes() int {
	s.mu.Lock()
	pending := s.pendingDeletes
	s.pendingDeletes = nil
	s.mu.Unlock()

	var remaining []string
	for _, path := range pending {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			remaining = append(remaining, path)
		}
	}
	s.mu.Lock()
	s.pendingDeletes = append(s.pendingDeletes, remaining...)
	n := len(s.pendingDeletes)
	s.mu.Unlock()
	return n
}

// SegmentsOlderThan returns, in ascending finalization-time order, every
// sequence number whose segment finalized more than d ago. Backed by the
// btree index, so this is O(k + log n) rather than a full scan over bySeq.
func (s *Store) SegmentsOlderThan(d time.Duration) []uint64 {
	cutoff := timeItem{finalizedAt: time.Now().Add(-d), sequence: ^uint64(0)}
	var out []uint64
	s.mu.Lock()
	s.byTime.AscendLessThan(cutoff, func(item timeItem) bool {
		out = append(out, item.sequence)
		return true
	})
	s.mu.Unlock()
	return out
}

// Oldest returns the lowest sequence number currently registered, and false
// if the store is empty.
func (s *Store) Oldest() (uint64, bool) {
	seqs := s.Sequences()
	if len(seqs) == 0 {
		return 0, false
	}
	return seqs[0], true
}

// Watch starts an fsnotify watch on the store's directory so externally
// deleted segment files (e.g. by an operator, or an archival tier's own
// retention) are noticed and evicted from the in-memory registry even
// though this process never issued the delete itself.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return quivererr.New(quivererr.IO, "segstore.Watch", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return quivererr.NewPath(quivererr.IO, "segstore.Watch", s.dir, err)
	}
	s.watcher = w
	s.watchErr = make(chan error, 1)
	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			seq, ok := segment.ParseFileName(filepath.Base(ev.Name))
			if !ok {
				continue
			}
			if h := s.bySeq.Get(seq); h != nil {
				s.bySeq.Remove(seq)
				s.mu.Lock()
				s.byTime.Delete(timeItem{finalizedAt: h.FinalizedAt, sequence: seq})
				s.mu.Unlock()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			select {
			case s.watchErr <- err:
			default:
			}
		}
	}
}

// Close stops the fsnotify watch, if one was started.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

// sortedHandles reports whether hs is ordered by ascending sequence number.
func sortedHandles(hs []*Handle) bool {
	return sort.SliceIsSorted(hs, func(i, j int) bool { return hs[i].Sequence < hs[j].Sequence })
}
