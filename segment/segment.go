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

// Package segment implements the open segment accumulator and the
// immutable segment file it is flushed to.
//
// A single mutex guards the live accumulator, and finalization swaps it
// for an empty replacement before doing the (potentially slow) flush
// work, so concurrent Append calls are never blocked by an in-flight
// finalize.
package segment

import (
	"bytes"
	"sync"
	"time"

	"github.com/apache/arrow/go/v12/arrow/ipc"
	"github.com/apache/arrow/go/v12/arrow/memory"

	"github.com/launix-de/quiver/bundle"
	"github.com/launix-de/quiver/quivererr"
	"github.com/launix-de/quiver/walio"
)

// ManifestEntry records one bundle's slot bitmap plus, for each occupied
// slot, the stream index and row offset within that stream.
type ManifestEntry struct {
	SlotBitmap []byte
	Rows       []SlotStreamOffset
}

// SlotStreamOffset names a stream by its index in the segment's stream
// table and the row at which one bundle's contribution begins.
type SlotStreamOffset struct {
	Slot        bundle.SlotID
	StreamIndex uint32
	Offset      uint64
}

type streamState struct {
	key      bundle.StreamKey
	buf      bytes.Buffer
	writer   *ipc.Writer
	rowCount uint64
}

// OpenSegment is the mutable accumulator collecting bundles across
// heterogeneous schemas. Each stream's payloads are
// written incrementally to an Arrow IPC stream writer as bundles arrive,
// rather than buffered and concatenated at finalize time: an IPC stream
// writer already supports multiple record batches sharing one schema, so
// "the per-stream concatenated batch" falls out of writing each arriving
// batch to the same ipc.Writer in order.
type OpenSegment struct {
	mu             sync.Mutex
	mem            memory.Allocator
	streams        map[bundle.StreamKey]*streamState
	streamOrder    []bundle.StreamKey
	manifest       []ManifestEntry
	openedAt       time.Time
	estimatedBytes uint64
}

// NewOpenSegment creates an empty accumulator.
func NewOpenSegment(mem memory.Allocator) *OpenSegment {
	return &OpenSegment{
		mem:      mem,
		streams:  make(map[bundle.StreamKey]*streamState),
		openedAt: time.Now(),
	}
}

// Append appends bundle b to each slot's stream and returns its manifest
// entry.
func (s *OpenSegment) Append(b bundle.Bundle) (ManifestEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := ManifestEntry{SlotBitmap: b.SlotBitmap()}
	for _, p := range b.Payloads {
		key := bundle.StreamKey{Slot: p.Slot, Fingerprint: p.Fingerprint}
		st, ok := s.streams[key]
		if !ok {
			st = &streamState{key: key}
			st.writer = ipc.NewWriter(&st.buf, ipc.WithSchema(p.Batch.Schema()), ipc.WithAllocator(s.mem))
			s.streams[key] = st
			s.streamOrder = append(s.streamOrder, key)
		}
		before := st.buf.Len()
		if err := st.writer.Write(p.Batch); err != nil {
			return ManifestEntry{}, quivererr.New(quivererr.Encoding, "segment.Append", err)
		}
		s.estimatedBytes += uint64(st.buf.Len() - before)
		offset := st.rowCount
		st.rowCount += uint64(p.Batch.NumRows())
		idx := uint32(0)
		for i, k := range s.streamOrder {
			if k == key {
				idx = uint32(i)
				break
			}
		}
		entry.Rows = append(entry.Rows, SlotStreamOffset{Slot: p.Slot, StreamIndex: idx, Offset: offset})
	}
	s.manifest = append(s.manifest, entry)
	return entry, nil
}

// EstimatedSizeBytes is the running total of IPC bytes written to every
// stream so far; one of the finalization triggers.
func (s *OpenSegment) EstimatedSizeBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estimatedBytes
}

// StreamCount is the number of distinct (slot_id, fingerprint) pairs seen;
// another finalization trigger.
func (s *OpenSegment) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streamOrder)
}

// OpenedAt is when this accumulator was created; used for the
// max_open_duration finalization trigger.
func (s *OpenSegment) OpenedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openedAt
}

// IsEmpty guards against writing empty segment files.
func (s *OpenSegment) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.manifest) == 0
}

// BundleCount returns how many bundles have been appended so far.
func (s *OpenSegment) BundleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.manifest)
}

// Accumulator pairs an OpenSegment with the WAL cursor that would become
// durable once the segment is finalized. Both are swapped atomically under
// one lock, acquired segment state first, cursor second, released before
// any blocking call.
type Accumulator struct {
	mu     sync.Mutex
	mem    memory.Allocator
	open   *OpenSegment
	cursor walio.Cursor
}

// NewAccumulator creates an Accumulator with a fresh empty OpenSegment.
func NewAccumulator(mem memory.Allocator) *Accumulator {
	return &Accumulator{mem: mem, open: NewOpenSegment(mem)}
}

// Append appends bundle b to the live open segment and advances the
// pending cursor to cursor if it is further along; the pending cursor
// never moves backward.
func (a *Accumulator) Append(b bundle.Bundle, cursor walio.Cursor) (ManifestEntry, error) {
	// Holding a.mu across the in-memory append keeps the bundle and its
	// cursor in the same accumulator generation: Swap cannot slip in between.
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, err := a.open.Append(b)
	if err != nil {
		return ManifestEntry{}, err
	}
	if cursor.Position > a.cursor.Position {
		a.cursor = cursor
	}
	return entry, nil
}

// Peek returns the live open segment without swapping it out, for trigger
// evaluation.
func (a *Accumulator) Peek() *OpenSegment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

// Swap atomically replaces the live open segment and cursor with empty
// defaults and returns the previous values, ready to be flushed to disk.
func (a *Accumulator) Swap() (*OpenSegment, walio.Cursor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prevOpen, prevCursor := a.open, a.cursor
	a.open = NewOpenSegment(a.mem)
	a.cursor = walio.Cursor{}
	return prevOpen, prevCursor
}
