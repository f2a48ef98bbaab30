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

package filterpipe

import (
	"fmt"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
)

// resolveColumn walks path against rec, traversing struct columns for
// every path element past the first.
func resolveColumn(rec arrow.Record, path []string) (arrow.Array, bool) {
	if len(path) == 0 {
		return nil, false
	}
	idx := rec.Schema().FieldIndices(path[0])
	if len(idx) == 0 {
		return nil, false
	}
	var cur arrow.Array = rec.Column(idx[0])
	for _, field := range path[1:] {
		s, ok := cur.(*array.Struct)
		if !ok {
			return nil, false
		}
		st, ok := s.DataType().(*arrow.StructType)
		if !ok {
			return nil, false
		}
		fi, found := st.FieldIdx(field)
		if !found {
			return nil, false
		}
		cur = s.Field(fi)
	}
	return cur, true
}


// cellValue extracts row i of arr as a comparable Go value (int64, float64,
// string, or bool) plus its validity, for comparing against a predicate's
// literal.
func cellValue(arr arrow.Array, i int) (any, bool) {
	if arr.IsNull(i) {
		return nil, false
	}
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
	case *array.Uint8:
		return int64(a.Value(i)), true
	case *array.Float64:
		return a.Value(i), true
	case *array.Float32:
		return float64(a.Value(i)), true
	case *array.String:
		return a.Value(i), true
	case *array.Binary:
		return string(a.Value(i)), true
	case *array.Boolean:
		return a.Value(i), true
	case *array.Dictionary:
		v, ok := cellValue(a.Dictionary(), a.GetValueIndex(i))
		return v, ok
	default:
		return nil, false
	}
}

// compare evaluates `value op rhs`, coercing numeric types to float64 for
// ordered comparisons. Type mismatches that cannot be coerced report false
// rather than panicking — callers surface an ExecutionError only when the
// column type itself is unexpected, not when a single value mismatches.
func compare(value any, op Op, rhs any) bool {
	switch op {
	case OpEq:
		return equalValues(value, rhs)
	case OpNeq:
		return !equalValues(value, rhs)
	}
	a, aok := asFloat(value)
	b, bok := asFloat(rhs)
	if !aok || !bok {
		return false
	}
	switch op {
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	}
	return false
}

func equalValues(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
