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

// Package engine is the orchestrator tying the persistence components
// together: the ingest path through budget gate, WAL and open segment;
// finalization and its triggers; retention; startup replay; and the
// subscriber-facing consume path.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/dc0d/onexit"

	"github.com/launix-de/quiver/archive"
	"github.com/launix-de/quiver/budget"
	"github.com/launix-de/quiver/bundle"
	"github.com/launix-de/quiver/quivererr"
	"github.com/launix-de/quiver/segment"
	"github.com/launix-de/quiver/segstore"
	"github.com/launix-de/quiver/subscriber"
	"github.com/launix-de/quiver/walio"
)

// Engine is one durable telemetry store rooted at a data directory. It
// exclusively owns the open segment accumulator and the WAL writer; the
// segment store and subscriber registry are interior-synchronized shared
// state; the disk budget may be shared with other engines.
type Engine struct {
	cfg Config
	mem memory.Allocator
	bud *budget.Budget

	wal   *walio.Writer // nil when durability is SegmentOnly
	acc   *segment.Accumulator
	store *segstore.Store
	subs  *subscriber.Registry
	arch  *archive.Archiver // nil when no archive backend configured

	finalizeMu sync.Mutex
	nextSeq    uint64 // atomic; sequence assigned to the next finalized segment
	walSeq     uint64 // atomic; sequence stamped on the next WAL entry

	permSupported bool

	ingestAttempts       uint64
	expiredBundles       uint64
	expiredSegments      uint64
	forceDroppedSegments uint64
	forceDroppedBundles  uint64
	cumulativeWalBytes   uint64
	segmentsFinalized    uint64
}

// Metrics is a point-in-time snapshot of the operational counters. No
// data is ever discarded without one of these moving.
type Metrics struct {
	IngestAttempts       uint64
	ExpiredBundles       uint64
	ExpiredSegments      uint64
	ForceDroppedSegments uint64
	ForceDroppedBundles  uint64
	CumulativeWalBytes   uint64
	SegmentsFinalized    uint64
	WalRotations         uint64
	WalPurges            uint64
	BudgetUsedBytes      uint64
}

func (e *Engine) walDir() string      { return filepath.Join(e.cfg.DataDir, "wal") }
func (e *Engine) segmentDir() string  { return filepath.Join(e.cfg.DataDir, "segments") }
func (e *Engine) progressDir() string { return filepath.Join(e.cfg.DataDir, "progress") }

// Open validates cfg and brings the engine up: directories, permission
// probe, WAL, segment scan, subscriber restore, then WAL replay. A nil bud constructs a
// private budget from cfg; passing a shared one lets several engines split
// a single disk.
func Open(ctx context.Context, cfg Config, bud *budget.Budget) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bud == nil {
		var err error
		bud, err = budget.New(budget.Config{
			HardCap:           cfg.BudgetHardCapBytes,
			WalMax:            cfg.WalMaxSizeBytes,
			SegmentTargetSize: cfg.SegmentTargetSizeBytes,
			Policy:            cfg.RetentionPolicy,
		})
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{cfg: cfg, mem: memory.NewGoAllocator(), bud: bud, nextSeq: 1, walSeq: 1}

	for _, dir := range []string{e.walDir(), e.segmentDir(), e.progressDir()} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, quivererr.NewPath(quivererr.IO, "engine.Open", dir, err)
		}
	}
	e.permSupported = probeSetPermissions(e.segmentDir())

	if cfg.Durability == Wal {
		w, err := walio.Open(e.walDir(), e.mem, walio.Config{
			MaxSizeBytes:    cfg.WalMaxSizeBytes,
			RotationTarget:  cfg.WalRotationTarget,
			MaxRotatedFiles: cfg.WalMaxRotatedFiles,
			FlushInterval:   cfg.WalFlushInterval,
		}, bud)
		if err != nil {
			return nil, err
		}
		e.wal = w
		bud.Add(w.DiskBytes())
	}

	store, scan, err := segstore.Open(e.segmentDir(), cfg.RetentionMaxAge)
	if err != nil {
		return nil, err
	}
	e.store = store
	highest := uint64(0)
	for _, seq := range store.Sequences() {
		if h := store.Get(seq); h != nil {
			bud.Add(h.SizeBytes)
		}
		if seq > highest {
			highest = seq
		}
	}
	// Deleted and corrupt sequences still advance the sequence space so no
	// sequence is ever reused after a mass expiry.
	for _, seq := range append(append([]uint64(nil), scan.Deleted...), scan.Corrupt...) {
		if seq > highest {
			highest = seq
		}
	}
	atomic.StoreUint64(&e.nextSeq, highest+1)
	atomic.AddUint64(&e.expiredSegments, uint64(len(scan.Deleted)))
	if len(scan.Corrupt) > 0 {
		fmt.Printf("engine: %d corrupt segment file(s) skipped during scan\n", len(scan.Corrupt))
	}

	subs, err := subscriber.Open(e.progressDir(), store, e.loadBundle)
	if err != nil {
		return nil, err
	}
	e.subs = subs
	store.OnNewSegment(subs.OnNewSegment)
	// Restored subscribers must not reference files the scan deleted.
	subs.ForceCompleteSegments(append(append([]uint64(nil), scan.Deleted...), scan.Corrupt...))

	if cfg.ArchiveBackend != "" {
		backend, err := archive.NewBackend(cfg.ArchiveBackend, cfg.ArchiveConfig)
		if err != nil {
			return nil, quivererr.New(quivererr.InvalidConfig, "engine.Open", err)
		}
		e.arch = archive.New(backend)
	}

	e.acc = segment.NewAccumulator(e.mem)

	if e.wal != nil {
		if err := e.replay(ctx); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// OpenManaged opens the engine and registers its Shutdown as a process
// exit hook.
func OpenManaged(ctx context.Context, cfg Config, bud *budget.Budget) (*Engine, error) {
	e, err := Open(ctx, cfg, bud)
	if err != nil {
		return nil, err
	}
	onexit.Register(func() {
		if err := e.Shutdown(context.Background()); err != nil {
			fmt.Printf("engine: shutdown hook: %v\n", err)
		}
	})
	return e, nil
}

// replay iterates WAL entries from the persisted cursor and delivers them
// through the same append path live ingest uses, so finalization behavior
// is identical between recovery and steady state.
func (e *Engine) replay(ctx context.Context) error {
	var maxAge *time.Duration
	if e.cfg.RetentionMaxAge > 0 {
		d := e.cfg.RetentionMaxAge
		maxAge = &d
	}
	if _, ok := e.wal.LoadCursor(); !ok && e.wal.EndPosition() > 0 {
		fmt.Printf("engine: WAL cursor sidecar missing or unreadable, replaying from 0, duplicates possible\n")
	}
	results, finalCursor, expired, corrupted, err := e.wal.Replay(maxAge, time.Now())
	if err != nil {
		return err
	}
	if corrupted {
		fmt.Printf("engine: WAL corruption detected, replay stopped at the corruption boundary\n")
	}
	atomic.AddUint64(&e.expiredBundles, uint64(expired))
	if expired > 0 {
		fmt.Printf("engine: %d expired WAL entries skipped during replay\n", expired)
	}

	maxSeq := uint64(0)
	for _, res := range results {
		if res.Sequence > maxSeq {
			maxSeq = res.Sequence
		}
		err := e.appendToSegmentAndMaybeFinalize(ctx, res.Bundle, walio.Cursor{Position: res.Range.End})
		res.Bundle.Release()
		if err != nil {
			// Disk full while re-ingesting replayed data is a critical-path
			// failure; startup aborts rather than silently dropping entries.
			return err
		}
	}
	if maxSeq > 0 {
		atomic.StoreUint64(&e.walSeq, maxSeq+1)
	}

	// A replay that only skipped entries leaves nothing in the open segment
	// to carry the cursor forward at finalization, so persist it here; a
	// replay with live entries may safely advance past the expired prefix
	// preceding the first of them.
	if expired > 0 {
		skipTo := finalCursor
		if len(results) > 0 {
			skipTo = walio.Cursor{Position: results[0].Range.Start}
		}
		if err := e.wal.PersistCursor(ctx, skipTo); err != nil {
			return err
		}
		if err := e.wal.PurgeBelow(ctx, skipTo); err != nil {
			return err
		}
	}
	return nil
}

// Ingest persists one bundle: budget gate, WAL append, then the shared
// segment-append path. The bundle's batches are fully consumed by the time Ingest
// returns; callers keep their own references if they need them afterward.
func (e *Engine) Ingest(ctx context.Context, b bundle.Bundle) error {
	atomic.AddUint64(&e.ingestAttempts, 1)
	if b.IngestedAt.IsZero() {
		b.IngestedAt = time.Now()
	}

	if e.bud.IsOverSoftCap() {
		e.CleanupCompletedSegments()
		if e.bud.IsOverSoftCap() && e.bud.Policy() == budget.DropOldest {
			for e.bud.IsOverSoftCap() {
				if !e.forceDropOldestPending() {
					break
				}
			}
		}
		if e.bud.IsOverSoftCap() {
			return quivererr.New(quivererr.StorageAtCapacity, "engine.Ingest", nil)
		}
	}

	var cursor walio.Cursor
	if e.wal != nil {
		seq := atomic.AddUint64(&e.walSeq, 1) - 1
		rng, err := e.wal.Append(ctx, seq, b)
		if err != nil && quivererr.Is(err, quivererr.StorageAtCapacity) {
			// The WAL is full of entries whose segments are not yet durable:
			// finalize (advancing the cursor and purging), then retry once.
			if ferr := e.Finalize(ctx); ferr != nil {
				return ferr
			}
			rng, err = e.wal.Append(ctx, seq, b)
		}
		if err != nil {
			return err
		}
		atomic.AddUint64(&e.cumulativeWalBytes, rng.End-rng.Start)
		cursor = walio.Cursor{Position: rng.End}
	}
	return e.appendToSegmentAndMaybeFinalize(ctx, b, cursor)
}

// appendToSegmentAndMaybeFinalize is the single shared path between live
// ingest and WAL replay, so recovery finalizes exactly the way steady
// state does.
func (e *Engine) appendToSegmentAndMaybeFinalize(ctx context.Context, b bundle.Bundle, cursor walio.Cursor) error {
	if _, err := e.acc.Append(b, cursor); err != nil {
		return err
	}
	open := e.acc.Peek()
	trigger := open.EstimatedSizeBytes() >= e.cfg.SegmentTargetSizeBytes ||
		open.StreamCount() >= e.cfg.SegmentMaxStreamCount ||
		(e.cfg.SegmentMaxOpenDuration > 0 && time.Since(open.OpenedAt()) >= e.cfg.SegmentMaxOpenDuration)
	if !trigger {
		return nil
	}
	return e.Finalize(ctx)
}

// Finalize flushes the current open segment to disk. Serialized by a
// single lock; a concurrent ingest appends to the fresh
// accumulator the swap installs and is never blocked by the file I/O here.
func (e *Engine) Finalize(ctx context.Context) error {
	e.finalizeMu.Lock()
	defer e.finalizeMu.Unlock()

	open, cursor := e.acc.Swap()
	if open.IsEmpty() {
		return nil
	}

	seq := atomic.AddUint64(&e.nextSeq, 1) - 1
	path := segment.FileName(e.segmentDir(), seq)
	n, manifest, err := segment.Write(path, open)
	if err != nil {
		if e.wal != nil {
			fmt.Printf("engine: segment %d finalization failed (will replay from WAL): %v\n", seq, err)
		} else {
			fmt.Printf("engine: segment %d finalization failed, data lost: %v\n", seq, err)
		}
		return err
	}
	// The budget's segment headroom invariant guarantees this Add never
	// exceeds the hard cap for a finalization that was already decided.
	e.bud.Add(n)
	if e.permSupported {
		_ = os.Chmod(path, 0444)
	}

	if e.wal != nil && cursor.Position > 0 {
		if err := e.wal.PersistCursor(ctx, cursor); err != nil {
			return err
		}
		// Only after the cursor is durable are the WAL bytes reclaimable.
		if cursor.Position >= e.wal.EndPosition() {
			if err := e.wal.Rotate(ctx); err != nil {
				return err
			}
		}
		if err := e.wal.PurgeBelow(ctx, cursor); err != nil {
			return err
		}
	}

	e.store.Register(seq, path, manifest, n)
	atomic.AddUint64(&e.segmentsFinalized, 1)
	fmt.Printf("engine: finalized segment %d (%d bundles, %d bytes)\n", seq, len(manifest.Entries), n)

	if e.arch != nil {
		e.arch.SegmentFinalized(path)
	}
	return nil
}

// Flush finalizes any buffered data and persists subscriber progress.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.Finalize(ctx); err != nil {
		return err
	}
	return e.subs.FlushProgress()
}

// CleanupCompletedSegments deletes every segment whose sequence is below the
// lowest segment holding a subscriber's highest acked bundle, releasing its
// bytes back to the budget. That segment itself is kept even when fully
// acked, and nothing is deleted while no subscriber is registered. Returns
// how many segments were reclaimed.
func (e *Engine) CleanupCompletedSegments() int {
	min, ok := e.subs.MinHighestTrackedSegment()
	if !ok {
		return 0
	}
	reclaimed := 0
	for _, seq := range e.store.Sequences() {
		if seq >= min {
			break
		}
		h := e.store.Get(seq)
		if err := e.store.DeleteSegment(seq); err != nil {
			fmt.Printf("engine: delete of completed segment %d deferred: %v\n", seq, err)
		}
		if h != nil {
			e.bud.Release(h.SizeBytes)
		}
		reclaimed++
	}
	return reclaimed
}

// forceDropOldestPending drops the oldest pending (unconsumed) segment
// under the DropOldest policy. Returns false when nothing is reclaimable.
func (e *Engine) forceDropOldestPending() bool {
	oldest, ok := e.store.Oldest()
	if !ok {
		return false
	}
	bundles := e.store.BundleCount(oldest)
	h := e.store.Get(oldest)
	e.subs.ForceCompleteSegments([]uint64{oldest})
	if err := e.store.DeleteSegment(oldest); err != nil {
		fmt.Printf("engine: force-drop of segment %d deferred: %v\n", oldest, err)
	}
	if h != nil {
		e.bud.Release(h.SizeBytes)
	}
	atomic.AddUint64(&e.forceDroppedSegments, 1)
	if bundles > 0 {
		atomic.AddUint64(&e.forceDroppedBundles, uint64(bundles))
	}
	fmt.Printf("engine: force-dropped segment %d (%d bundles) under DropOldest\n", oldest, bundles)
	return true
}

// CleanupExpiredSegments deletes every segment older than the retention
// max age. Idempotent: a second call with no ingest in between returns 0.
func (e *Engine) CleanupExpiredSegments() int {
	if e.cfg.RetentionMaxAge == 0 {
		return 0
	}
	seqs := e.store.SegmentsOlderThan(e.cfg.RetentionMaxAge)
	if len(seqs) == 0 {
		return 0
	}
	e.subs.ForceCompleteSegments(seqs)
	for _, seq := range seqs {
		h := e.store.Get(seq)
		bundles := e.store.BundleCount(seq)
		if err := e.store.DeleteSegment(seq); err != nil {
			fmt.Printf("engine: delete of expired segment %d deferred: %v\n", seq, err)
		}
		if h != nil {
			e.bud.Release(h.SizeBytes)
		}
		if bundles > 0 {
			atomic.AddUint64(&e.expiredBundles, uint64(bundles))
		}
		atomic.AddUint64(&e.expiredSegments, 1)
	}
	return len(seqs)
}

// Maintenance runs the periodic housekeeping pass: retention sweep,
// completed-segment cleanup, deferred deletes and progress flush.
func (e *Engine) Maintenance() error {
	e.CleanupExpiredSegments()
	e.CleanupCompletedSegments()
	e.store.RetryPendingDeletes()
	return e.subs.FlushProgress()
}

// Shutdown finalizes any non-empty open segment, flushes progress and
// closes every file handle. With WAL durability a finalization failure is
// only a warning (the data will replay); without it the data is lost and
// logged as an error.
func (e *Engine) Shutdown(ctx context.Context) error {
	ferr := e.Finalize(ctx)
	if ferr != nil {
		if e.wal != nil {
			fmt.Printf("engine: warning: final segment flush failed, entries will replay from WAL: %v\n", ferr)
		} else {
			fmt.Printf("engine: error: final segment flush failed and WAL durability is disabled, data lost: %v\n", ferr)
		}
	}
	if perr := e.subs.FlushProgress(); perr != nil && ferr == nil {
		ferr = perr
	}
	if e.arch != nil {
		e.arch.Wait()
	}
	if e.wal != nil {
		if cerr := e.wal.Close(); cerr != nil && ferr == nil {
			ferr = cerr
		}
	}
	if serr := e.store.Close(); serr != nil && ferr == nil {
		ferr = serr
	}
	return ferr
}

// Registry exposes the subscriber registry for the consume path.
func (e *Engine) Registry() *subscriber.Registry { return e.subs }

// Store exposes the segment store, mainly for monitoring and tests.
func (e *Engine) Store() *segstore.Store { return e.store }

// Budget exposes the shared disk budget.
func (e *Engine) Budget() *budget.Budget { return e.bud }

// OpenBundleCount reports how many bundles sit in the open segment, not
// yet finalized.
func (e *Engine) OpenBundleCount() int { return e.acc.Peek().BundleCount() }

// SetPermissionsSupported reports the result of the startup filesystem
// capability probe.
func (e *Engine) SetPermissionsSupported() bool { return e.permSupported }

// Snapshot returns the current operational counters.
func (e *Engine) Snapshot() Metrics {
	m := Metrics{
		IngestAttempts:       atomic.LoadUint64(&e.ingestAttempts),
		ExpiredBundles:       atomic.LoadUint64(&e.expiredBundles),
		ExpiredSegments:      atomic.LoadUint64(&e.expiredSegments),
		ForceDroppedSegments: atomic.LoadUint64(&e.forceDroppedSegments),
		ForceDroppedBundles:  atomic.LoadUint64(&e.forceDroppedBundles),
		CumulativeWalBytes:   atomic.LoadUint64(&e.cumulativeWalBytes),
		SegmentsFinalized:    atomic.LoadUint64(&e.segmentsFinalized),
		BudgetUsedBytes:      e.bud.Used(),
	}
	if e.wal != nil {
		m.WalRotations = e.wal.Rotations()
		m.WalPurges = e.wal.Purges()
	}
	return m
}
