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

package transport

import (
	"testing"

	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
)

func int64Array(mem memory.Allocator, vals []int64, nulls []int) *array.Int64 {
	b := array.NewInt64Builder(mem)
	defer b.Release()
	nullSet := map[int]bool{}
	for _, n := range nulls {
		nullSet[n] = true
	}
	for i, v := range vals {
		if nullSet[i] {
			b.AppendNull()
			continue
		}
		b.Append(v)
	}
	return b.NewArray().(*array.Int64)
}

func int64Values(arr *array.Int64) []int64 {
	out := make([]int64, arr.Len())
	copy(out, arr.Int64Values())
	return out
}

func TestEncodeDecodeDeltaRoundTrip(t *testing.T) {
	mem := memory.NewGoAllocator()
	src := int64Array(mem, []int64{10, 12, 13, 13, 20}, nil)

	enc, err := EncodeDelta(mem, src)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := int64Values(enc.(*array.Int64))
	want := []int64{10, 2, 1, 0, 7}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delta[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	dec, err := DecodeDelta(mem, enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	roundtrip := int64Values(dec.(*array.Int64))
	for i, v := range roundtrip {
		if v != int64Values(src)[i] {
			t.Fatalf("roundtrip[%d] = %d, want %d", i, v, int64Values(src)[i])
		}
	}
}

// TestDeltaRemappedChildPropagation: root IDs [3,1,0,2] get dense new IDs
// encoded as delta [0,1,1,1], and the emitted remapping carries child
// parent-ids [1,1,3,0,2] to [1,1,0,2,3].
func TestDeltaRemappedChildPropagation(t *testing.T) {
	mem := memory.NewGoAllocator()
	root := int64Array(mem, []int64{3, 1, 0, 2}, nil)

	encoded, remap, err := EncodeDeltaRemapped(mem, root)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if remap == nil {
		t.Fatalf("expected a remapping, got none")
	}
	gotDelta := int64Values(encoded.(*array.Int64))
	wantDelta := []int64{0, 1, 1, 1}
	for i := range wantDelta {
		if gotDelta[i] != wantDelta[i] {
			t.Fatalf("delta[%d] = %d, want %d", i, gotDelta[i], wantDelta[i])
		}
	}

	child := int64Array(mem, []int64{1, 1, 3, 0, 2}, nil)
	remapped, err := ApplyRemapping(mem, child, remap)
	if err != nil {
		t.Fatalf("apply remap: %v", err)
	}
	gotChild := int64Values(remapped.(*array.Int64))
	wantChild := []int64{1, 1, 0, 2, 3}
	for i := range wantChild {
		if gotChild[i] != wantChild[i] {
			t.Fatalf("child[%d] = %d, want %d", i, gotChild[i], wantChild[i])
		}
	}

	decoded, err := DecodeDeltaRemapped(mem, encoded, remap)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	gotRoot := int64Values(decoded.(*array.Int64))
	wantRoot := []int64{3, 1, 0, 2}
	for i := range wantRoot {
		if gotRoot[i] != wantRoot[i] {
			t.Fatalf("root[%d] = %d, want %d", i, gotRoot[i], wantRoot[i])
		}
	}
}

func TestDeltaRemappedAlreadyDenseNoRemap(t *testing.T) {
	mem := memory.NewGoAllocator()
	src := int64Array(mem, []int64{0, 1, 2, 3}, nil)
	_, remap, err := EncodeDeltaRemapped(mem, src)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if remap != nil {
		t.Fatalf("expected nil remapping for an already-dense sequence, got %v", remap)
	}
}

func TestApplyRemappingPreservesNulls(t *testing.T) {
	mem := memory.NewGoAllocator()
	child := int64Array(mem, []int64{0, 0, 1}, []int{1})
	remap := Remapping{10, 20}
	out, err := ApplyRemapping(mem, child, remap)
	if err != nil {
		t.Fatalf("apply remap: %v", err)
	}
	arr := out.(*array.Int64)
	if !arr.IsNull(1) {
		t.Fatalf("expected row 1 to remain null")
	}
	if arr.Value(0) != 10 || arr.Value(2) != 20 {
		t.Fatalf("unexpected remapped values: %v", int64Values(arr))
	}
}
