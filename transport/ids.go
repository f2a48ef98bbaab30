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
	"fmt"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"

	"github.com/launix-de/quiver/quivererr"
)

// intColumn is the logical, width-erased form of an ID/parent-id column:
// every width (u16/u32/u64, signed or not) the catalogue uses is widened to
// int64 for the duration of the encode/decode pass and narrowed back to its
// original Arrow type on build, keeping remappings typed per column width
// without duplicating every transform per width.
type intColumn struct {
	dtype    arrow.DataType
	values   []int64
	validity []bool // nil means "no nulls"
}

// errUnsupportedIDType builds the error returned when a column is not one of
// the integer widths the ID/parent-id encodings operate over.
func errUnsupportedIDType(dt arrow.DataType) error {
	return fmt.Errorf("transport: unsupported id column type %s", dt)
}

// readIntColumn widens any supported integer Arrow array into an intColumn.
func readIntColumn(arr arrow.Array) (intColumn, error) {
	n := arr.Len()
	col := intColumn{dtype: arr.DataType(), values: make([]int64, n)}
	hasNull := false
	switch a := arr.(type) {
	case *array.Int64:
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				hasNull = true
				continue
			}
			col.values[i] = a.Value(i)
		}
	case *array.Uint64:
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				hasNull = true
				continue
			}
			col.values[i] = int64(a.Value(i))
		}
	case *array.Int32:
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				hasNull = true
				continue
			}
			col.values[i] = int64(a.Value(i))
		}
	case *array.Uint32:
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				hasNull = true
				continue
			}
			col.values[i] = int64(a.Value(i))
		}
	case *array.Uint16:
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				hasNull = true
				continue
			}
			col.values[i] = int64(a.Value(i))
		}
	default:
		return intColumn{}, quivererr.New(quivererr.Encoding, "transport.readIntColumn", errUnsupportedIDType(arr.DataType()))
	}
	if hasNull {
		col.validity = make([]bool, n)
		for i := 0; i < n; i++ {
			col.validity[i] = !arr.IsNull(i)
		}
	}
	return col, nil
}

// isValid reports whether row i is non-null.
func (c intColumn) isValid(i int) bool {
	return c.validity == nil || c.validity[i]
}

// build narrows an intColumn back to its original Arrow type.
func (c intColumn) build(mem memory.Allocator) (arrow.Array, error) {
	switch c.dtype.ID() {
	case arrow.INT64:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		for i, v := range c.values {
			if !c.isValid(i) {
				b.AppendNull()
				continue
			}
			b.Append(v)
		}
		return b.NewArray(), nil
	case arrow.UINT64:
		b := array.NewUint64Builder(mem)
		defer b.Release()
		for i, v := range c.values {
			if !c.isValid(i) {
				b.AppendNull()
				continue
			}
			b.Append(uint64(v))
		}
		return b.NewArray(), nil
	case arrow.INT32:
		b := array.NewInt32Builder(mem)
		defer b.Release()
		for i, v := range c.values {
			if !c.isValid(i) {
				b.AppendNull()
				continue
			}
			b.Append(int32(v))
		}
		return b.NewArray(), nil
	case arrow.UINT32:
		b := array.NewUint32Builder(mem)
		defer b.Release()
		for i, v := range c.values {
			if !c.isValid(i) {
				b.AppendNull()
				continue
			}
			b.Append(uint32(v))
		}
		return b.NewArray(), nil
	case arrow.UINT16:
		b := array.NewUint16Builder(mem)
		defer b.Release()
		for i, v := range c.values {
			if !c.isValid(i) {
				b.AppendNull()
				continue
			}
			b.Append(uint16(v))
		}
		return b.NewArray(), nil
	default:
		return nil, quivererr.New(quivererr.Encoding, "transport.intColumn.build", errUnsupportedIDType(c.dtype))
	}
}

// EncodeDelta replaces arr's values with successive differences:
// v[i] -> v[i] - v[i-1], v[0] unchanged. Nulls pass
// through unchanged and do not participate in the running difference
// (the next valid value deltas against the last valid predecessor).
func EncodeDelta(mem memory.Allocator, arr arrow.Array) (arrow.Array, error) {
	col, err := readIntColumn(arr)
	if err != nil {
		return nil, err
	}
	var prev int64
	havePrev := false
	out := make([]int64, len(col.values))
	for i, v := range col.values {
		if !col.isValid(i) {
			continue
		}
		if !havePrev {
			out[i] = v
		} else {
			out[i] = v - prev
		}
		prev = v
		havePrev = true
	}
	col.values = out
	return col.build(mem)
}

// DecodeDelta is the inverse of EncodeDelta: a running cumulative sum over
// valid values.
func DecodeDelta(mem memory.Allocator, arr arrow.Array) (arrow.Array, error) {
	col, err := readIntColumn(arr)
	if err != nil {
		return nil, err
	}
	var cum int64
	havePrev := false
	out := make([]int64, len(col.values))
	for i, v := range col.values {
		if !col.isValid(i) {
			continue
		}
		if !havePrev {
			cum = v
		} else {
			cum += v
		}
		out[i] = cum
		havePrev = true
	}
	col.values = out
	return col.build(mem)
}

// Remapping is "index is the old ID, value is the new ID". It is typed
// per the original column's width only insofar as the
// caller narrows it back on apply; internally it is carried as []int64.
type Remapping []int64

// EncodeDeltaRemapped assigns new, strictly increasing IDs in iteration
// order (new_id[i] = i), emits the old->new remapping, and returns the new
// sequence delta-encoded. If the input was already a
// contiguous [0..n) sequence in order, no remapping is necessary and the
// second return value is nil — the caller still gets a (no-op) delta
// encoding of the identity sequence.
func EncodeDeltaRemapped(mem memory.Allocator, arr arrow.Array) (arrow.Array, Remapping, error) {
	col, err := readIntColumn(arr)
	if err != nil {
		return nil, nil, err
	}
	n := len(col.values)

	alreadyDense := true
	maxID := int64(-1)
	for i, v := range col.values {
		if !col.isValid(i) {
			alreadyDense = false
			continue
		}
		if v != int64(i) {
			alreadyDense = false
		}
		if v > maxID {
			maxID = v
		}
	}

	newSeq := make([]int64, n)
	for i := range newSeq {
		newSeq[i] = int64(i)
	}

	var remap Remapping
	if !alreadyDense {
		remap = make(Remapping, maxID+1)
		for i, v := range col.values {
			if !col.isValid(i) {
				continue
			}
			remap[v] = int64(i)
		}
	}

	encCol := col
	encCol.values = newSeq
	encoded, err := EncodeDelta(mem, mustBuild(encCol))
	if err != nil {
		return nil, nil, err
	}
	return encoded, remap, nil
}

// mustBuild builds an intColumn's current values into an Arrow array using
// the Go allocator; used internally where the build cannot fail for the
// widths this package supports.
func mustBuild(c intColumn) arrow.Array {
	arr, err := c.build(memory.NewGoAllocator())
	if err != nil {
		panic(err)
	}
	return arr
}

// DecodeDeltaRemapped is the inverse of EncodeDeltaRemapped: it decodes the
// delta-encoded new-id sequence (which is always 0..n-1 by construction)
// and, if a remapping was emitted, inverts it to recover the original ID at
// each position. A nil remapping means the column was already the identity
// sequence, so the decoded sequence is the answer as-is.
func DecodeDeltaRemapped(mem memory.Allocator, arr arrow.Array, remap Remapping) (arrow.Array, error) {
	decoded, err := DecodeDelta(mem, arr)
	if err != nil {
		return nil, err
	}
	if remap == nil {
		return decoded, nil
	}
	col, err := readIntColumn(decoded)
	if err != nil {
		return nil, err
	}
	inv := make([]int64, len(remap))
	for old, nw := range remap {
		if nw < 0 || int(nw) >= len(col.values) {
			continue
		}
		inv[nw] = int64(old)
	}
	out := make([]int64, len(col.values))
	for i, v := range col.values {
		if !col.isValid(i) {
			continue
		}
		if int(v) < 0 || int(v) >= len(inv) {
			return nil, quivererr.New(quivererr.Encoding, "transport.DecodeDeltaRemapped", fmt.Errorf("new id %d out of remapping range", v))
		}
		out[i] = inv[v]
	}
	col.values = out
	return col.build(mem)
}

// ApplyRemapping rewrites every valid value in a child batch's parent-id
// column through remap (old ID -> new ID), preserving nulls. An
// out-of-range input value is a logic error: the caller's remapping and
// child batch must agree on ID space, so this asserts rather than
// returning a recoverable error.
func ApplyRemapping(mem memory.Allocator, parentID arrow.Array, remap Remapping) (arrow.Array, error) {
	col, err := readIntColumn(parentID)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(col.values))
	for i, v := range col.values {
		if !col.isValid(i) {
			continue
		}
		if v < 0 || int(v) >= len(remap) {
			panic(fmt.Sprintf("transport.ApplyRemapping: parent id %d out of range [0,%d)", v, len(remap)))
		}
		out[i] = remap[v]
	}
	col.values = out
	return col.build(mem)
}
