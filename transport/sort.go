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
	"sort"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"

	"github.com/launix-de/quiver/quivererr"
)

// SortKey returns the declared sort-key column names for a payload type.
// Attributes sort by (type, key, value, parent_id);
// span events and span links by (name, parent_id); everything else sorts by its
// resource/scope lineage columns.
func SortKey(p PayloadType) []string {
	if p.IsAttributeTable() {
		return []string{"attribute_type", "key", "value", "parent_id"}
	}
	switch p {
	case SpanEvents, SpanLinks:
		return []string{"name", "parent_id"}
	default:
		return []string{"resource_id", "scope_id"}
	}
}

// permutation computes a stable ascending-sort permutation of rec's rows
// over the named columns. Integer columns compare by numeric value; every
// other column compares by its cellText string, so the same equality notion
// drives both sorting and quasi-delta run detection.
func permutation(rec arrow.Record, keyCols []string) []int {
	n := int(rec.NumRows())
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	cols := make([]arrow.Array, 0, len(keyCols))
	for _, name := range keyCols {
		idx := rec.Schema().FieldIndices(name)
		if len(idx) == 0 {
			continue
		}
		cols = append(cols, rec.Column(idx[0]))
	}
	sort.SliceStable(perm, func(a, b int) bool {
		ra, rb := perm[a], perm[b]
		for _, c := range cols {
			va, oka := cellText(c, ra)
			vb, okb := cellText(c, rb)
			if oka != okb {
				return okb // nulls sort first
			}
			if ia, isInt := readScalarInt(c, ra); isInt && oka {
				if ib, _ := readScalarInt(c, rb); ia != ib {
					return ia < ib
				}
				continue
			}
			if va != vb {
				return va < vb
			}
		}
		return false
	})
	return perm
}

// IsIdentityPermutation reports whether perm is already 0..n-1 in order,
// i.e. sorting was a no-op.
func IsIdentityPermutation(perm []int) bool {
	for i, v := range perm {
		if v != i {
			return false
		}
	}
	return true
}

// Take reorders every column of rec according to perm (perm[i] names the
// source row that becomes output row i). Supports the integer array types
// this package's encoders operate over plus plain passthrough types
// (String, Binary, Boolean, Float64, Uint8); a column of any other type,
// dictionary-encoded columns included, makes Take return an Encoding error
// rather than panic.
func Take(mem memory.Allocator, rec arrow.Record, perm []int) (arrow.Record, error) {
	cols := make([]arrow.Array, rec.NumCols())
	for c := 0; c < int(rec.NumCols()); c++ {
		out, err := takeColumn(mem, rec.Column(c), perm)
		if err != nil {
			return nil, quivererr.New(quivererr.Encoding, "transport.Take", err)
		}
		cols[c] = out
	}
	return array.NewRecord(rec.Schema(), cols, int64(len(perm))), nil
}

func takeColumn(mem memory.Allocator, arr arrow.Array, perm []int) (arrow.Array, error) {
	switch a := arr.(type) {
	case *array.Int64, *array.Uint64, *array.Int32, *array.Uint32, *array.Uint16:
		col, err := readIntColumn(arr)
		if err != nil {
			return nil, err
		}
		reordered := intColumn{dtype: col.dtype, values: make([]int64, len(perm))}
		var validity []bool
		if col.validity != nil {
			validity = make([]bool, len(perm))
		}
		for i, src := range perm {
			reordered.values[i] = col.values[src]
			if validity != nil {
				validity[i] = col.validity[src]
			}
		}
		reordered.validity = validity
		return reordered.build(mem)
	case *array.String:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		for _, src := range perm {
			if a.IsNull(src) {
				b.AppendNull()
			} else {
				b.Append(a.Value(src))
			}
		}
		return b.NewArray(), nil
	case *array.Binary:
		b := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
		defer b.Release()
		for _, src := range perm {
			if a.IsNull(src) {
				b.AppendNull()
			} else {
				b.Append(a.Value(src))
			}
		}
		return b.NewArray(), nil
	case *array.Boolean:
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		for _, src := range perm {
			if a.IsNull(src) {
				b.AppendNull()
			} else {
				b.Append(a.Value(src))
			}
		}
		return b.NewArray(), nil
	case *array.Float64:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		for _, src := range perm {
			if a.IsNull(src) {
				b.AppendNull()
			} else {
				b.Append(a.Value(src))
			}
		}
		return b.NewArray(), nil
	case *array.Uint8:
		b := array.NewUint8Builder(mem)
		defer b.Release()
		for _, src := range perm {
			if a.IsNull(src) {
				b.AppendNull()
			} else {
				b.Append(a.Value(src))
			}
		}
		return b.NewArray(), nil
	default:
		return nil, errUnsupportedIDType(arr.DataType())
	}
}
