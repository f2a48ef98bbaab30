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

package segstore

import (
	"os"
	"testing"
	"time"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"

	"github.com/launix-de/quiver/bundle"
	"github.com/launix-de/quiver/segment"
)

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
}, nil)

func writeSegmentFile(t *testing.T, dir string, seq uint64, bundles int) (string, segment.Manifest, uint64) {
	t.Helper()
	mem := memory.NewGoAllocator()
	s := segment.NewOpenSegment(mem)
	for i := 0; i < bundles; i++ {
		b := array.NewInt64Builder(mem)
		b.Append(int64(i))
		rec := array.NewRecord(testSchema, []arrow.Array{b.NewArray()}, 1)
		b.Release()
		_, err := s.Append(bundle.Bundle{IngestedAt: time.Now(), Payloads: []bundle.SlotPayload{
			{Slot: 1, Fingerprint: bundle.Fingerprint{1}, Batch: rec},
		}})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	path := segment.FileName(dir, seq)
	n, m, err := segment.Write(path, s)
	if err != nil {
		t.Fatalf("segment write: %v", err)
	}
	return path, m, n
}

func TestScanOnOpenAndQueries(t *testing.T) {
	dir := t.TempDir()
	writeSegmentFile(t, dir, 3, 2)
	writeSegmentFile(t, dir, 1, 1)
	writeSegmentFile(t, dir, 2, 4)

	store, scan, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if len(scan.Deleted) != 0 || len(scan.Corrupt) != 0 {
		t.Fatalf("unexpected scan losses: %+v", scan)
	}

	seqs := store.Sequences()
	want := []uint64{1, 2, 3}
	if len(seqs) != len(want) {
		t.Fatalf("sequences = %v, want %v", seqs, want)
	}
	for i := range want {
		if seqs[i] != want[i] {
			t.Fatalf("sequences = %v, want ascending %v", seqs, want)
		}
	}
	if got := store.BundleCount(2); got != 4 {
		t.Fatalf("bundle count(2) = %d, want 4", got)
	}
	if got := store.BundleCount(99); got != -1 {
		t.Fatalf("bundle count of unknown seq = %d, want -1", got)
	}
}

func TestExpiredFilesDeletedWithoutOpening(t *testing.T) {
	dir := t.TempDir()
	oldPath, _, _ := writeSegmentFile(t, dir, 1, 1)
	writeSegmentFile(t, dir, 2, 1)

	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	store, scan, err := Open(dir, time.Minute)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if len(scan.Deleted) != 1 || scan.Deleted[0] != 1 {
		t.Fatalf("deleted = %v, want [1]", scan.Deleted)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatalf("expired file still on disk")
	}
	if store.Get(1) != nil {
		t.Fatalf("expired sequence still registered")
	}
	if store.Get(2) == nil {
		t.Fatalf("live sequence missing")
	}
}

func TestCorruptFileSkippedOnScan(t *testing.T) {
	dir := t.TempDir()
	path, _, _ := writeSegmentFile(t, dir, 5, 1)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	store, scan, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if len(scan.Corrupt) != 1 || scan.Corrupt[0] != 5 {
		t.Fatalf("corrupt = %v, want [5]", scan.Corrupt)
	}
	if store.Get(5) != nil {
		t.Fatalf("corrupt sequence registered")
	}
}

func TestRegisterFiresHooksAndDelete(t *testing.T) {
	dir := t.TempDir()
	store, _, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	var notified []uint64
	store.OnNewSegment(func(seq uint64) { notified = append(notified, seq) })

	path, m, n := writeSegmentFile(t, dir, 9, 3)
	store.Register(9, path, m, n)
	if len(notified) != 1 || notified[0] != 9 {
		t.Fatalf("hook calls = %v, want [9]", notified)
	}
	if got := store.BundleCount(9); got != 3 {
		t.Fatalf("bundle count = %d, want 3", got)
	}

	if err := store.DeleteSegment(9); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file survived DeleteSegment")
	}
	if store.Get(9) != nil {
		t.Fatalf("handle survived DeleteSegment")
	}
	if err := store.DeleteSegment(9); err != nil {
		t.Fatalf("double delete should be a no-op, got %v", err)
	}
}

func TestSegmentsOlderThanAndOldest(t *testing.T) {
	dir := t.TempDir()
	store, _, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if _, ok := store.Oldest(); ok {
		t.Fatalf("empty store has an oldest segment")
	}

	for seq := uint64(1); seq <= 3; seq++ {
		path, m, n := writeSegmentFile(t, dir, seq, 1)
		store.Register(seq, path, m, n)
	}
	oldest, ok := store.Oldest()
	if !ok || oldest != 1 {
		t.Fatalf("oldest = (%d, %v), want (1, true)", oldest, ok)
	}

	if got := store.SegmentsOlderThan(time.Hour); len(got) != 0 {
		t.Fatalf("nothing should be an hour old yet, got %v", got)
	}
	if got := store.SegmentsOlderThan(-time.Second); len(got) != 3 {
		t.Fatalf("all three should be 'older than -1s', got %v", got)
	}
}
