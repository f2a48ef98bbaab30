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

// cellText reads row i of arr as a comparable string plus its validity.
// Equality of the returned strings stands in for Arrow value equality for
// the purpose of quasi-delta run detection: the exact representation does
// not matter, only that equal logical values produce equal strings.
// Dictionary arrays are resolved through their dictionary.
func cellText(arr arrow.Array, i int) (string, bool) {
	if arr.IsNull(i) {
		return "", false
	}
	switch a := arr.(type) {
	case *array.Dictionary:
		code := a.GetValueIndex(i)
		return cellText(a.Dictionary(), code)
	case *array.String:
		return a.Value(i), true
	case *array.Binary:
		return string(a.Value(i)), true
	case *array.Uint8:
		return fmt.Sprint(a.Value(i)), true
	case *array.Int64:
		return fmt.Sprint(a.Value(i)), true
	case *array.Uint64:
		return fmt.Sprint(a.Value(i)), true
	case *array.Int32:
		return fmt.Sprint(a.Value(i)), true
	case *array.Uint32:
		return fmt.Sprint(a.Value(i)), true
	case *array.Float64:
		return fmt.Sprint(a.Value(i)), true
	case *array.Boolean:
		return fmt.Sprint(a.Value(i)), true
	default:
		return fmt.Sprintf("%v", arr.ValueStr(i)), true
	}
}

// runBreaks computes, for a run defined by requiring equality across
// several "identity" columns (type+key for attributes, explicit named
// columns for ColumnarQuasiDelta) plus one value column selected per row,
// whether row i starts a new delta run. breaks[0] is always true.
func runBreaks(n int, identityEq func(i int) bool, valueEq func(i int) bool) []bool {
	breaks := make([]bool, n)
	if n == 0 {
		return breaks
	}
	breaks[0] = true
	for i := 1; i < n; i++ {
		breaks[i] = !(identityEq(i) && valueEq(i))
	}
	return breaks
}

// deltaWithBreaks delta-encodes values in place, resetting the running
// difference at every index where breaks[i] is true, so the first element
// of every run stays a plain parent_id.
func deltaWithBreaks(col intColumn, breaks []bool) intColumn {
	out := make([]int64, len(col.values))
	var prev int64
	for i, v := range col.values {
		if !col.isValid(i) {
			continue
		}
		if breaks[i] {
			out[i] = v
		} else {
			out[i] = v - prev
		}
		prev = v
	}
	col.values = out
	return col
}

// materializeWithBreaks is the inverse of deltaWithBreaks: additive
// reconstruction within each run.
func materializeWithBreaks(col intColumn, breaks []bool) intColumn {
	out := make([]int64, len(col.values))
	var prev int64
	for i, v := range col.values {
		if !col.isValid(i) {
			continue
		}
		if breaks[i] {
			out[i] = v
		} else {
			out[i] = prev + v
		}
		prev = out[i]
	}
	col.values = out
	return col
}

// AttributeColumns names the columns of an attribute table required to
// compute AttributeQuasiDelta: the attribute type tag, the attribute key,
// one value column per type that participates in delta runs (Map/Slice/
// Empty never do), and the parent-id column.
type AttributeColumns struct {
	Type     arrow.Array // uint8, AttrValueType per row
	Key      arrow.Array
	Values   map[AttrValueType]arrow.Array
	ParentID arrow.Array
}

func attrTypeAt(typeArr arrow.Array, i int) AttrValueType {
	switch a := typeArr.(type) {
	case *array.Uint8:
		return AttrValueType(a.Value(i))
	default:
		v, _ := cellText(typeArr, i)
		var t uint8
		fmt.Sscanf(v, "%d", &t)
		return AttrValueType(t)
	}
}

// EncodeAttributeQuasiDelta delta-encodes the parent-id column within
// every run of equal (type, key, typed value). Rows must already be sorted by
// (type, key, value, parent_id) — AttributeQuasiDelta never sorts.
func EncodeAttributeQuasiDelta(mem memory.Allocator, cols AttributeColumns) (arrow.Array, error) {
	return encodeAttributeQuasiDelta(mem, cols, false)
}

// DecodeAttributeQuasiDelta is the inverse of EncodeAttributeQuasiDelta.
func DecodeAttributeQuasiDelta(mem memory.Allocator, cols AttributeColumns) (arrow.Array, error) {
	return encodeAttributeQuasiDelta(mem, cols, true)
}

func encodeAttributeQuasiDelta(mem memory.Allocator, cols AttributeColumns, inverse bool) (arrow.Array, error) {
	n := cols.Type.Len()
	if cols.Key.Len() != n || cols.ParentID.Len() != n {
		return nil, quivererr.New(quivererr.Encoding, "transport.AttributeQuasiDelta", fmt.Errorf("column length mismatch"))
	}

	dictType, parentArr := unwrapDictionary(cols.ParentID)
	col, err := readIntColumn(parentArr)
	if err != nil {
		return nil, err
	}

	identityEq := func(i int) bool {
		ta, tok := cellText(cols.Type, i-1)
		tb, tokb := cellText(cols.Type, i)
		if tok != tokb || ta != tb {
			return false
		}
		ka, kok := cellText(cols.Key, i-1)
		kb, kokb := cellText(cols.Key, i)
		return kok == kokb && ka == kb
	}
	valueEq := func(i int) bool {
		t := attrTypeAt(cols.Type, i)
		if !t.IsDeltaEligible() {
			return false
		}
		valCol, ok := cols.Values[t]
		if !ok {
			return false
		}
		a, aok := cellText(valCol, i-1)
		b, bok := cellText(valCol, i)
		return aok && bok && a == b
	}
	breaks := runBreaks(n, identityEq, valueEq)

	var outCol intColumn
	if inverse {
		outCol = materializeWithBreaks(col, breaks)
	} else {
		outCol = deltaWithBreaks(col, breaks)
	}

	result, err := outCol.build(mem)
	if err != nil {
		return nil, err
	}
	if dictType != nil {
		return rewrapDictionary(mem, dictType, outCol)
	}
	return result, nil
}

// ColumnarColumns names the run-defining columns and parent-id column for
// ColumnarQuasiDelta, where the run-defining columns are given explicitly
// (e.g. [name] for span events).
type ColumnarColumns struct {
	RunColumns []arrow.Array
	ParentID   arrow.Array
}

// EncodeColumnarQuasiDelta implements ColumnarQuasiDelta: identical to
// AttributeQuasiDelta except the run is defined by equality across an
// explicit, caller-provided list of columns instead of (type, key, value).
func EncodeColumnarQuasiDelta(mem memory.Allocator, cols ColumnarColumns) (arrow.Array, error) {
	return encodeColumnarQuasiDelta(mem, cols, false)
}

// DecodeColumnarQuasiDelta is the inverse of EncodeColumnarQuasiDelta.
func DecodeColumnarQuasiDelta(mem memory.Allocator, cols ColumnarColumns) (arrow.Array, error) {
	return encodeColumnarQuasiDelta(mem, cols, true)
}

func encodeColumnarQuasiDelta(mem memory.Allocator, cols ColumnarColumns, inverse bool) (arrow.Array, error) {
	n := cols.ParentID.Len()
	for _, c := range cols.RunColumns {
		if c.Len() != n {
			return nil, quivererr.New(quivererr.Encoding, "transport.ColumnarQuasiDelta", fmt.Errorf("column length mismatch"))
		}
	}
	dictType, parentArr := unwrapDictionary(cols.ParentID)
	col, err := readIntColumn(parentArr)
	if err != nil {
		return nil, err
	}

	runEq := func(i int) bool {
		for _, c := range cols.RunColumns {
			a, aok := cellText(c, i-1)
			b, bok := cellText(c, i)
			if !aok || !bok || a != b {
				return false
			}
		}
		return true
	}
	breaks := runBreaks(n, runEq, func(int) bool { return true })

	var outCol intColumn
	if inverse {
		outCol = materializeWithBreaks(col, breaks)
	} else {
		outCol = deltaWithBreaks(col, breaks)
	}
	result, err := outCol.build(mem)
	if err != nil {
		return nil, err
	}
	if dictType != nil {
		return rewrapDictionary(mem, dictType, outCol)
	}
	return result, nil
}

// unwrapDictionary returns the dictionary type and underlying logical
// integer array if arr is a dictionary-encoded array, so the id encodings
// can operate on logical values and the caller can re-dictionary-encode
// the result: a dictionary parent-id column must come back as the same
// dictionary type.
func unwrapDictionary(arr arrow.Array) (*arrow.DictionaryType, arrow.Array) {
	d, ok := arr.(*array.Dictionary)
	if !ok {
		return nil, arr
	}
	dt := d.DataType().(*arrow.DictionaryType)
	n := d.Len()
	dict := d.Dictionary()
	// Materialize a plain array of logical values by indirecting through
	// the dictionary; width is taken from the dictionary's value type.
	switch dict.(type) {
	case *array.Int64, *array.Uint64, *array.Int32, *array.Uint32, *array.Uint16:
	default:
		return nil, arr // not an integer dictionary; nothing to unwrap
	}
	mem := memory.NewGoAllocator()
	b := array.NewInt64Builder(mem)
	defer b.Release()
	for i := 0; i < n; i++ {
		if d.IsNull(i) {
			b.AppendNull()
			continue
		}
		code := d.GetValueIndex(i)
		v, _ := readScalarInt(dict, code)
		b.Append(v)
	}
	return dt, b.NewArray()
}

func readScalarInt(arr arrow.Array, i int) (int64, bool) {
	switch a := arr.(type) {
	case *array.Int64:
		return a.Value(i), true
	case *array.Uint64:
		return int64(a.Value(i)), true
	case *array.Int32:
		return int64(a.Value(i)), true
	case *array.Uint32:
		return int64(a.Value(i)), true
	case *array.Uint16:
		return int64(a.Value(i)), true
	}
	return 0, false
}

// rewrapDictionary rebuilds a dictionary-encoded array of dt's value type
// from col's logical int64 values. The index type is reset to Int32
// (documented simplification in DESIGN.md: the original index width is not
// preserved, only the dictionary's value type).
func rewrapDictionary(mem memory.Allocator, dt *arrow.DictionaryType, col intColumn) (arrow.Array, error) {
	valueType := dt.ValueType
	b := array.NewDictionaryBuilderWithDict(mem, &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int32, ValueType: valueType}, nil)
	defer b.Release()
	switch vb := b.(type) {
	case *array.Int64DictionaryBuilder:
		for i, v := range col.values {
			if !col.isValid(i) {
				vb.AppendNull()
				continue
			}
			if err := vb.Append(v); err != nil {
				return nil, err
			}
		}
	case *array.Int32DictionaryBuilder:
		for i, v := range col.values {
			if !col.isValid(i) {
				vb.AppendNull()
				continue
			}
			if err := vb.Append(int32(v)); err != nil {
				return nil, err
			}
		}
	case *array.Uint32DictionaryBuilder:
		for i, v := range col.values {
			if !col.isValid(i) {
				vb.AppendNull()
				continue
			}
			if err := vb.Append(uint32(v)); err != nil {
				return nil, err
			}
		}
	case *array.Uint64DictionaryBuilder:
		for i, v := range col.values {
			if !col.isValid(i) {
				vb.AppendNull()
				continue
			}
			if err := vb.Append(uint64(v)); err != nil {
				return nil, err
			}
		}
	default:
		return nil, quivererr.New(quivererr.Encoding, "transport.rewrapDictionary", fmt.Errorf("unsupported dictionary value type %s", valueType))
	}
	return b.NewArray(), nil
}
