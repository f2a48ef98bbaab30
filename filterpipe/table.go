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
	"github.com/apache/arrow/go/v12/arrow"
)

// sliceAttrTable is a simple in-memory AttrTable backed by parallel
// slices, used where an attribute table has already been materialized
// (e.g. by the engine before invoking the filter stage) rather than read
// lazily column-by-column from an arrow.Record.
type sliceAttrTable struct {
	parentIDs []int64
	validity  []bool
	keys      []string
	values    []any
	valid     []bool
}

func (t *sliceAttrTable) Len() int { return len(t.parentIDs) }

func (t *sliceAttrTable) ParentID(i int) (int64, bool) {
	if t.validity != nil && !t.validity[i] {
		return 0, false
	}
	return t.parentIDs[i], true
}

func (t *sliceAttrTable) Key(i int) string { return t.keys[i] }

func (t *sliceAttrTable) Value(i int) (any, bool) {
	if t.valid != nil && !t.valid[i] {
		return nil, false
	}
	return t.values[i], true
}

// NewAttrTable builds an AttrTable from a root attribute-table Arrow
// record with the given parent-id, key and value column names. It
// materializes each row's typed value via cellValue, so the same type
// coercions used by source predicates apply here.
func NewAttrTable(rec arrow.Record, parentIDCol, keyCol, valueCol string) (AttrTable, bool) {
	pidIdx := rec.Schema().FieldIndices(parentIDCol)
	keyIdx := rec.Schema().FieldIndices(keyCol)
	valIdx := rec.Schema().FieldIndices(valueCol)
	if len(pidIdx) == 0 || len(keyIdx) == 0 || len(valIdx) == 0 {
		return nil, false
	}
	n := int(rec.NumRows())
	t := &sliceAttrTable{
		parentIDs: make([]int64, n),
		validity:  make([]bool, n),
		keys:      make([]string, n),
		values:    make([]any, n),
		valid:     make([]bool, n),
	}
	pidArr := rec.Column(pidIdx[0])
	keyArr := rec.Column(keyIdx[0])
	valArr := rec.Column(valIdx[0])
	for i := 0; i < n; i++ {
		if v, ok := cellValue(pidArr, i); ok {
			if id, isInt := v.(int64); isInt {
				t.parentIDs[i] = id
				t.validity[i] = true
			}
		}
		if v, ok := cellValue(keyArr, i); ok {
			if s, isStr := v.(string); isStr {
				t.keys[i] = s
			}
		}
		if v, ok := cellValue(valArr, i); ok {
			t.values[i] = v
			t.valid[i] = true
		}
	}
	return t, true
}
