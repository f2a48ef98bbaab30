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

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
)

func strArray(mem memory.Allocator, vals []string, nulls []int) *array.String {
	b := array.NewStringBuilder(mem)
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
	return b.NewArray().(*array.String)
}

func uint8Array(mem memory.Allocator, vals []uint8) *array.Uint8 {
	b := array.NewUint8Builder(mem)
	defer b.Release()
	for _, v := range vals {
		b.Append(v)
	}
	return b.NewArray().(*array.Uint8)
}

// TestAttributeQuasiDeltaWorkedExample: rows (Str,"a","a",0), (Str,"a","a",3), (Str,"a","b",1),
// (Str,"b","x",2), already sorted by (type, key, value, parent_id).
func TestAttributeQuasiDeltaWorkedExample(t *testing.T) {
	mem := memory.NewGoAllocator()

	cols := AttributeColumns{
		Type: uint8Array(mem, []uint8{uint8(AttrStr), uint8(AttrStr), uint8(AttrStr), uint8(AttrStr)}),
		Key:  strArray(mem, []string{"a", "a", "a", "b"}, nil),
		Values: map[AttrValueType]arrow.Array{
			AttrStr: strArray(mem, []string{"a", "a", "b", "x"}, nil),
		},
		ParentID: int64Array(mem, []int64{0, 3, 1, 2}, nil),
	}

	encoded, err := EncodeAttributeQuasiDelta(mem, cols)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := int64Values(encoded.(*array.Int64))
	want := []int64{0, 3, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("encoded[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	decodeCols := cols
	decodeCols.ParentID = encoded
	decoded, err := DecodeAttributeQuasiDelta(mem, decodeCols)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	gotDecoded := int64Values(decoded.(*array.Int64))
	wantDecoded := []int64{0, 3, 1, 2}
	for i := range wantDecoded {
		if gotDecoded[i] != wantDecoded[i] {
			t.Fatalf("decoded[%d] = %d, want %d", i, gotDecoded[i], wantDecoded[i])
		}
	}
}

// TestAttributeQuasiDeltaNullBreaksRun verifies that a null in the value
// column prevents two otherwise-matching rows from forming a delta run, so
// no row is encoded as a difference from a null-valued neighbour.
func TestAttributeQuasiDeltaNullBreaksRun(t *testing.T) {
	mem := memory.NewGoAllocator()
	cols := AttributeColumns{
		Type: uint8Array(mem, []uint8{uint8(AttrStr), uint8(AttrStr), uint8(AttrStr)}),
		Key:  strArray(mem, []string{"a", "a", "a"}, nil),
		Values: map[AttrValueType]arrow.Array{
			AttrStr: strArray(mem, []string{"x", "", "x"}, []int{1}),
		},
		ParentID: int64Array(mem, []int64{5, 6, 7}, nil),
	}

	encoded, err := EncodeAttributeQuasiDelta(mem, cols)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := int64Values(encoded.(*array.Int64))
	// Row 1 breaks on the null value; row 2 also starts a fresh run since
	// its predecessor (row 1, null) cannot be compared.
	want := []int64{5, 6, 7}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("encoded[%d] = %d, want %d (nulls must not form a delta run)", i, got[i], want[i])
		}
	}
}

func TestColumnarQuasiDeltaRoundTrip(t *testing.T) {
	mem := memory.NewGoAllocator()
	names := strArray(mem, []string{"start", "start", "end", "end", "end"}, nil)
	parent := int64Array(mem, []int64{10, 12, 4, 5, 9}, nil)

	encoded, err := EncodeColumnarQuasiDelta(mem, ColumnarColumns{
		RunColumns: []arrow.Array{names},
		ParentID:   parent,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := int64Values(encoded.(*array.Int64))
	want := []int64{10, 2, 4, 1, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("encoded[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	decoded, err := DecodeColumnarQuasiDelta(mem, ColumnarColumns{
		RunColumns: []arrow.Array{names},
		ParentID:   encoded,
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	gotDecoded := int64Values(decoded.(*array.Int64))
	wantDecoded := int64Values(parent)
	for i := range wantDecoded {
		if gotDecoded[i] != wantDecoded[i] {
			t.Fatalf("decoded[%d] = %d, want %d", i, gotDecoded[i], wantDecoded[i])
		}
	}
}
