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

// Package walio implements the segmented, append-only write-ahead log:
// append, rotate, replay, and a cursor sidecar. The log is a sequence of
// rotated read-only files plus one active file; offsets are global across
// all of them, so a cursor survives any number of rotations.
package walio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow/go/v12/arrow/memory"
	"golang.org/x/sync/semaphore"

	"github.com/launix-de/quiver/budget"
	"github.com/launix-de/quiver/bundle"
	"github.com/launix-de/quiver/quivererr"
)

const activeFileName = "quiver.wal"

// Range is the global byte range an appended entry occupies, spanning all
// rotated files plus the active one.
type Range struct {
	Start uint64
	End   uint64
}

// Config mirrors the wal.* configuration keys.
type Config struct {
	MaxSizeBytes      uint64 // wal.max_size_bytes
	RotationTarget    uint64 // wal.rotation_target_bytes
	MaxRotatedFiles   int    // wal.max_rotated_files
	FlushInterval     time.Duration
}

type fileSpan struct {
	path  string
	start uint64
	end   uint64
}

// Writer is the exclusive owner of one WAL directory. It holds an async
// mutex across append/flush/persist-cursor/purge so the whole WAL
// lifecycle serializes and suspends cooperatively instead
// of blocking other goroutines outright; realized here with
// golang.org/x/sync/semaphore.Weighted(1), which is acquired with a
// context.Context so waiters suspend cancellably.
type Writer struct {
	dir string
	mem memory.Allocator
	cfg Config
	bud *budget.Budget

	sem *semaphore.Weighted

	mu          sync.Mutex // guards the fields below; never held across I/O
	active      *os.File
	activeStart uint64
	activeSize  uint64
	spans       []fileSpan // rotated files, ascending by start offset
	nextSeq     uint64     // next rotated-file suffix
	lastFlush   time.Time

	rotations uint64
	purges    uint64
}

// Open scans dir for rotated files, computes global offsets, and opens (or
// creates) the active file for appending.
func Open(dir string, mem memory.Allocator, cfg Config, bud *budget.Budget) (*Writer, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, quivererr.NewPath(quivererr.IO, "wal.Open", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, quivererr.NewPath(quivererr.IO, "wal.Open", dir, err)
	}
	type rotatedFile struct {
		seq  uint64
		path string
		size uint64
	}
	var rotated []rotatedFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		prefix := activeFileName + "."
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimPrefix(name, prefix), 10, 64)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		rotated = append(rotated, rotatedFile{seq: seq, path: filepath.Join(dir, name), size: uint64(info.Size())})
	}
	sort.Slice(rotated, func(i, j int) bool { return rotated[i].seq < rotated[j].seq })

	w := &Writer{dir: dir, mem: mem, cfg: cfg, bud: bud, sem: semaphore.NewWeighted(1)}
	var offset uint64
	for _, rf := range rotated {
		w.spans = append(w.spans, fileSpan{path: rf.path, start: offset, end: offset + rf.size})
		offset += rf.size
		if rf.seq >= w.nextSeq {
			w.nextSeq = rf.seq + 1
		}
	}
	w.activeStart = offset

	activePath := filepath.Join(dir, activeFileName)
	f, err := os.OpenFile(activePath, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, quivererr.NewPath(quivererr.IO, "wal.Open", activePath, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, quivererr.NewPath(quivererr.IO, "wal.Open", activePath, err)
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		f.Close()
		return nil, quivererr.NewPath(quivererr.IO, "wal.Open", activePath, err)
	}
	w.active = f
	w.activeSize = uint64(info.Size())
	return w, nil
}

// totalBytesLocked returns bytes currently on disk across rotated spans and
// the active file. Caller holds w.mu.
func (w *Writer) totalBytesLocked() uint64 {
	var total uint64
	if len(w.spans) > 0 {
		total = w.spans[len(w.spans)-1].end - w.spans[0].start
	}
	return total + w.activeSize
}

// DiskBytes returns how many un-purged bytes the WAL currently occupies on
// disk (rotated files plus the active one); the engine charges this against
// the shared budget when reopening an existing directory.
func (w *Writer) DiskBytes() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalBytesLocked()
}

// EndPosition returns the current global end-of-log offset.
func (w *Writer) EndPosition() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeStart + w.activeSize
}

// Append serializes bundle b, appends it to the active file, and returns
// its global byte range. Returns a StorageAtCapacity error if this would
// push total un-purged WAL bytes past cfg.MaxSizeBytes: the caller (engine
// orchestrator) is expected to finalize a segment (which purges) and retry
// exactly once.
func (w *Writer) Append(ctx context.Context, sequence uint64, b bundle.Bundle) (Range, error) {
	entry, err := encodeEntry(w.mem, sequence, b)
	if err != nil {
		return Range{}, err
	}
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return Range{}, quivererr.New(quivererr.Cancelled, "wal.Append", err)
	}
	defer w.sem.Release(1)

	w.mu.Lock()
	if w.cfg.MaxSizeBytes > 0 && w.totalBytesLocked()+uint64(len(entry.bytes)) > w.cfg.MaxSizeBytes {
		w.mu.Unlock()
		return Range{}, quivererr.New(quivererr.StorageAtCapacity, "wal.Append", nil)
	}
	if w.cfg.RotationTarget > 0 && w.activeSize+uint64(len(entry.bytes)) > w.cfg.RotationTarget && w.activeSize > 0 {
		if err := w.rotateLocked(); err != nil {
			w.mu.Unlock()
			return Range{}, err
		}
	}
	if w.cfg.MaxRotatedFiles > 0 && len(w.spans) > w.cfg.MaxRotatedFiles {
		w.mu.Unlock()
		return Range{}, quivererr.New(quivererr.StorageAtCapacity, "wal.Append", nil)
	}

	start := w.activeStart + w.activeSize
	if _, err := w.active.Write(entry.bytes); err != nil {
		w.mu.Unlock()
		return Range{}, quivererr.NewPath(quivererr.IO, "wal.Append", w.active.Name(), err)
	}
	w.activeSize += uint64(len(entry.bytes))
	end := w.activeStart + w.activeSize

	var flushErr error
	if w.cfg.FlushInterval <= 0 {
		flushErr = w.active.Sync()
	} else if time.Since(w.lastFlush) >= w.cfg.FlushInterval {
		flushErr = w.active.Sync()
		w.lastFlush = time.Now()
	}
	w.mu.Unlock()
	if flushErr != nil {
		return Range{}, quivererr.NewPath(quivererr.IO, "wal.Append", w.active.Name(), flushErr)
	}
	if w.bud != nil {
		w.bud.Add(uint64(len(entry.bytes)))
	}
	return Range{Start: start, End: end}, nil
}

// Flush forces a sync of the active file regardless of the configured
// flush interval.
func (w *Writer) Flush(ctx context.Context) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return quivererr.New(quivererr.Cancelled, "wal.Flush", err)
	}
	defer w.sem.Release(1)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.active.Sync(); err != nil {
		return quivererr.NewPath(quivererr.IO, "wal.Flush", w.active.Name(), err)
	}
	return nil
}

// rotateLocked closes the active file (marking it read-only where the
// filesystem supports it), renames it into the rotated sequence, and opens
// a fresh active file. Caller holds w.mu.
func (w *Writer) rotateLocked() error {
	activePath := w.active.Name()
	if err := w.active.Close(); err != nil {
		return quivererr.NewPath(quivererr.IO, "wal.rotate", activePath, err)
	}
	rotatedPath := filepath.Join(w.dir, fmt.Sprintf("%s.%d", activeFileName, w.nextSeq))
	if err := os.Rename(activePath, rotatedPath); err != nil {
		return quivererr.NewPath(quivererr.IO, "wal.rotate", rotatedPath, err)
	}
	_ = os.Chmod(rotatedPath, 0440) // best effort; read-only "where supported"
	w.spans = append(w.spans, fileSpan{path: rotatedPath, start: w.activeStart, end: w.activeStart + w.activeSize})
	w.nextSeq++
	w.activeStart += w.activeSize
	w.activeSize = 0

	f, err := os.OpenFile(activePath, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return quivererr.NewPath(quivererr.IO, "wal.rotate", activePath, err)
	}
	w.active = f
	w.rotations++
	return nil
}

// Rotate rotates the active file onto the stack of rotated files, even if
// it has not crossed the rotation target. Exposed for the engine's explicit
// flush()/shutdown() and for tests.
func (w *Writer) Rotate(ctx context.Context) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return quivererr.New(quivererr.Cancelled, "wal.Rotate", err)
	}
	defer w.sem.Release(1)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSize == 0 {
		return nil
	}
	return w.rotateLocked()
}

// PersistCursor writes the cursor sidecar via write-to-temp + rename. Only
// after this call does the WAL consider the entries at or below c
// reclaimable.
func (w *Writer) PersistCursor(ctx context.Context, c Cursor) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return quivererr.New(quivererr.Cancelled, "wal.PersistCursor", err)
	}
	defer w.sem.Release(1)
	return persistCursor(w.dir, c)
}

// LoadCursor reads the cursor sidecar, clamped to [0, EndPosition()]. A
// missing or undecodable sidecar returns (Cursor{}, false): replay should
// start from 0 and warn that duplicates are possible.
func (w *Writer) LoadCursor() (Cursor, bool) {
	c, ok := loadCursor(w.dir)
	if !ok {
		return Cursor{}, false
	}
	end := w.EndPosition()
	if c.Position > end {
		c.Position = end
	}
	return c, true
}

// PurgeBelow deletes rotated files whose entire byte range lies below c and
// releases their bytes from the shared disk budget.
func (w *Writer) PurgeBelow(ctx context.Context, c Cursor) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return quivererr.New(quivererr.Cancelled, "wal.PurgeBelow", err)
	}
	defer w.sem.Release(1)
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.spans[:0:0]
	for _, span := range w.spans {
		if span.end <= c.Position {
			if err := os.Remove(span.path); err != nil && !os.IsNotExist(err) {
				return quivererr.NewPath(quivererr.IO, "wal.PurgeBelow", span.path, err)
			}
			if w.bud != nil {
				w.bud.Release(span.end - span.start)
			}
			w.purges++
			continue
		}
		kept = append(kept, span)
	}
	w.spans = kept
	return nil
}

// Rotations returns how many times the active file was rotated, whether by
// Append crossing the rotation target or by an explicit Rotate, for
// monitoring.
func (w *Writer) Rotations() uint64 { w.mu.Lock(); defer w.mu.Unlock(); return w.rotations }

// Purges returns the number of rotated files deleted by PurgeBelow.
func (w *Writer) Purges() uint64 { w.mu.Lock(); defer w.mu.Unlock(); return w.purges }

// Close closes the active file handle without rotating or flushing.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active.Close()
}

// ReplayResult is one decoded, materialized bundle plus metadata a caller
// needs to rebuild a consumer cursor identical to the one live ingest would
// have produced for the same entry.
type ReplayResult struct {
	Sequence  uint64
	Bundle    bundle.Bundle
	Range     Range
}

// Replay iterates every WAL entry from the persisted cursor (or from 0 if
// the sidecar is missing/undecodable) to the end of the log. Entries older
// than maxAge (if non-nil) are filtered by timestamp before IPC
// deserialization and contribute to expiredCount; the caller should persist
// the post-replay cursor afterward so a restart does not rescan them.
//
// UnexpectedEof during replay is not an error: it marks the end of the last
// fully-written entry (a crash mid-write). Corruption stops replay at the
// boundary; entries decoded before the boundary are returned.
func (w *Writer) Replay(maxAge *time.Duration, now time.Time) (results []ReplayResult, finalCursor Cursor, expiredCount int, corrupted bool, err error) {
	w.mu.Lock()
	spans := append([]fileSpan(nil), w.spans...)
	activePath := w.active.Name()
	activeStart := w.activeStart
	activeSize := w.activeSize
	w.mu.Unlock()

	start, ok := w.LoadCursor()
	cursorPos := uint64(0)
	if ok {
		cursorPos = start.Position
	}

	type file struct {
		path  string
		start uint64
		end   uint64
	}
	files := make([]file, 0, len(spans)+1)
	for _, s := range spans {
		files = append(files, file{path: s.path, start: s.start, end: s.end})
	}
	files = append(files, file{path: activePath, start: activeStart, end: activeStart + activeSize})

	pos := cursorPos
outer:
	for _, f := range files {
		if f.end <= pos {
			continue
		}
		fh, ferr := os.Open(f.path)
		if ferr != nil {
			return results, Cursor{Position: pos}, expiredCount, corrupted, quivererr.NewPath(quivererr.IO, "wal.Replay", f.path, ferr)
		}
		skip := int64(0)
		if pos > f.start {
			skip = int64(pos - f.start)
		}
		if _, serr := fh.Seek(skip, os.SEEK_SET); serr != nil {
			fh.Close()
			return results, Cursor{Position: pos}, expiredCount, corrupted, quivererr.NewPath(quivererr.IO, "wal.Replay", f.path, serr)
		}
		br := bufio.NewReader(fh)
		cur := f.start + uint64(skip)
		for {
			raw, n, derr := decodeEntryAt(br)
			if derr != nil {
				fh.Close()
				if derr == io.ErrUnexpectedEOF {
					pos = cur
					break
				}
				corrupted = true
				pos = cur
				break outer
			}
			cur += uint64(n)
			if maxAge != nil && now.Sub(raw.Timestamp) > *maxAge {
				expiredCount++
				pos = cur
				continue
			}
			b, merr := materialize(w.mem, raw)
			if merr != nil {
				fh.Close()
				corrupted = true
				pos = cur
				break outer
			}
			results = append(results, ReplayResult{Sequence: raw.Sequence, Bundle: b, Range: Range{Start: cur - uint64(n), End: cur}})
			pos = cur
		}
	}
	return results, Cursor{Position: pos}, expiredCount, corrupted, nil
}
