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

package segment

import (
	"os"
	"testing"
	"time"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"

	"github.com/launix-de/quiver/bundle"
	"github.com/launix-de/quiver/walio"
)

var logsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "severity", Type: arrow.BinaryTypes.String},
}, nil)

var attrsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "parent_id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "key", Type: arrow.BinaryTypes.String},
}, nil)

func logsBatch(mem memory.Allocator, rows int) arrow.Record {
	idB := array.NewInt64Builder(mem)
	defer idB.Release()
	sevB := array.NewStringBuilder(mem)
	defer sevB.Release()
	for i := 0; i < rows; i++ {
		idB.Append(int64(i))
		sevB.Append("INFO")
	}
	return array.NewRecord(logsSchema, []arrow.Array{idB.NewArray(), sevB.NewArray()}, int64(rows))
}

func attrsBatch(mem memory.Allocator, rows int) arrow.Record {
	pidB := array.NewInt64Builder(mem)
	defer pidB.Release()
	keyB := array.NewStringBuilder(mem)
	defer keyB.Release()
	for i := 0; i < rows; i++ {
		pidB.Append(int64(i))
		keyB.Append("k")
	}
	return array.NewRecord(attrsSchema, []arrow.Array{pidB.NewArray(), keyB.NewArray()}, int64(rows))
}

func twoSlotBundle(mem memory.Allocator, logRows, attrRows int) bundle.Bundle {
	return bundle.Bundle{
		IngestedAt: time.Now(),
		Payloads: []bundle.SlotPayload{
			{Slot: 1, Fingerprint: bundle.Fingerprint{1}, Batch: logsBatch(mem, logRows)},
			{Slot: 2, Fingerprint: bundle.Fingerprint{2}, Batch: attrsBatch(mem, attrRows)},
		},
	}
}

func TestOpenSegmentAccumulation(t *testing.T) {
	mem := memory.NewGoAllocator()
	s := NewOpenSegment(mem)
	if !s.IsEmpty() {
		t.Fatalf("fresh segment not empty")
	}

	entry1, err := s.Append(twoSlotBundle(mem, 3, 5))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	entry2, err := s.Append(twoSlotBundle(mem, 2, 1))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if s.StreamCount() != 2 {
		t.Fatalf("stream count = %d, want 2", s.StreamCount())
	}
	if s.BundleCount() != 2 {
		t.Fatalf("bundle count = %d, want 2", s.BundleCount())
	}
	if s.EstimatedSizeBytes() == 0 {
		t.Fatalf("estimated size should grow with appends")
	}

	// Second bundle's offsets start where the first bundle's rows ended.
	if entry1.Rows[0].Offset != 0 || entry1.Rows[1].Offset != 0 {
		t.Fatalf("first bundle offsets = %+v, want zeros", entry1.Rows)
	}
	if entry2.Rows[0].Offset != 3 {
		t.Fatalf("second bundle log offset = %d, want 3", entry2.Rows[0].Offset)
	}
	if entry2.Rows[1].Offset != 5 {
		t.Fatalf("second bundle attrs offset = %d, want 5", entry2.Rows[1].Offset)
	}
}

func TestDistinctFingerprintsSplitStreams(t *testing.T) {
	mem := memory.NewGoAllocator()
	s := NewOpenSegment(mem)

	b := bundle.Bundle{IngestedAt: time.Now(), Payloads: []bundle.SlotPayload{
		{Slot: 1, Fingerprint: bundle.Fingerprint{1}, Batch: logsBatch(mem, 1)},
	}}
	if _, err := s.Append(b); err != nil {
		t.Fatalf("append: %v", err)
	}
	b2 := bundle.Bundle{IngestedAt: time.Now(), Payloads: []bundle.SlotPayload{
		{Slot: 1, Fingerprint: bundle.Fingerprint{9}, Batch: logsBatch(mem, 1)},
	}}
	if _, err := s.Append(b2); err != nil {
		t.Fatalf("append: %v", err)
	}
	if s.StreamCount() != 2 {
		t.Fatalf("same slot with different fingerprints must form 2 streams, got %d", s.StreamCount())
	}
}

func TestWriteAndReadBack(t *testing.T) {
	mem := memory.NewGoAllocator()
	s := NewOpenSegment(mem)
	for i := 0; i < 3; i++ {
		if _, err := s.Append(twoSlotBundle(mem, 2, 4)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	dir := t.TempDir()
	path := FileName(dir, 7)
	n, m, err := Write(path, s)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n == 0 {
		t.Fatalf("zero bytes written")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if uint64(info.Size()) != n {
		t.Fatalf("reported %d bytes, file has %d", n, info.Size())
	}
	if len(m.Entries) != 3 || len(m.Streams) != 2 {
		t.Fatalf("returned manifest: %d entries / %d streams, want 3 / 2", len(m.Entries), len(m.Streams))
	}

	rm, err := ReadManifest(path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if len(rm.Entries) != 3 || len(rm.Streams) != 2 {
		t.Fatalf("reread manifest: %d entries / %d streams, want 3 / 2", len(rm.Entries), len(rm.Streams))
	}
	if rm.Streams[0].RowCount != 6 || rm.Streams[1].RowCount != 12 {
		t.Fatalf("stream row counts = %d/%d, want 6/12", rm.Streams[0].RowCount, rm.Streams[1].RowCount)
	}

	recs, err := ReadStream(mem, path, 0)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("stream 0 holds %d batches, want 3 (one per bundle)", len(recs))
	}
	var rows int64
	for _, r := range recs {
		rows += r.NumRows()
		r.Release()
	}
	if rows != 6 {
		t.Fatalf("stream 0 rows = %d, want 6", rows)
	}
}

func TestFileNameRoundTrip(t *testing.T) {
	path := FileName("/tmp/x", 0xabc)
	seq, ok := ParseFileName("0000000000000abc.qseg")
	if !ok || seq != 0xabc {
		t.Fatalf("ParseFileName = (%d, %v)", seq, ok)
	}
	if path != "/tmp/x/0000000000000abc.qseg" {
		t.Fatalf("FileName = %s", path)
	}
	if _, ok := ParseFileName("abc.qseg"); ok {
		t.Fatalf("short stem accepted")
	}
	if _, ok := ParseFileName("0000000000000abc.tmp"); ok {
		t.Fatalf("wrong suffix accepted")
	}
}

func TestReadManifestDetectsCorruption(t *testing.T) {
	mem := memory.NewGoAllocator()
	s := NewOpenSegment(mem)
	if _, err := s.Append(twoSlotBundle(mem, 1, 1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	dir := t.TempDir()
	path := FileName(dir, 1)
	if _, _, err := Write(path, s); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data[len(data)/2] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := ReadManifest(path); err == nil {
		t.Fatalf("expected CRC failure on a flipped byte")
	}
}

func TestAccumulatorSwap(t *testing.T) {
	mem := memory.NewGoAllocator()
	a := NewAccumulator(mem)

	if _, err := a.Append(twoSlotBundle(mem, 1, 1), walio.Cursor{Position: 100}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// A stale cursor must not move the pending cursor backward.
	if _, err := a.Append(twoSlotBundle(mem, 1, 1), walio.Cursor{Position: 50}); err != nil {
		t.Fatalf("append: %v", err)
	}

	open, cursor := a.Swap()
	if open.BundleCount() != 2 {
		t.Fatalf("swapped segment has %d bundles, want 2", open.BundleCount())
	}
	if cursor.Position != 100 {
		t.Fatalf("swapped cursor = %d, want monotonic max 100", cursor.Position)
	}
	if !a.Peek().IsEmpty() {
		t.Fatalf("accumulator not empty after swap")
	}
	if _, cursor2 := a.Swap(); cursor2.Position != 0 {
		t.Fatalf("second swap cursor = %d, want 0", cursor2.Position)
	}
}
