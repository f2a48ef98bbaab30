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
	"testing"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
)

// buildLogBatch builds three log rows with id/severity columns and a
// small attribute table keyed by parent id.
func buildLogBatch(t *testing.T) (arrow.Record, AttrTable) {
	t.Helper()
	mem := memory.NewGoAllocator()

	idB := array.NewInt64Builder(mem)
	sevB := array.NewStringBuilder(mem)
	for _, id := range []int64{1, 2, 3} {
		idB.Append(id)
	}
	for _, s := range []string{"INFO", "ERROR", "DEBUG"} {
		sevB.Append(s)
	}
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "severity", Type: arrow.BinaryTypes.String},
	}, nil)
	rec := array.NewRecord(schema, []arrow.Array{idB.NewArray(), sevB.NewArray()}, 3)

	pidB := array.NewInt64Builder(mem)
	keyB := array.NewStringBuilder(mem)
	valB := array.NewStringBuilder(mem)
	rows := []struct {
		pid int64
		key string
		val string
	}{
		{1, "x", "a"}, {1, "y", "d"},
		{2, "x", "b"},
		{3, "x", "c"}, {3, "y", "f"},
	}
	for _, r := range rows {
		pidB.Append(r.pid)
		keyB.Append(r.key)
		valB.Append(r.val)
	}
	attrSchema := arrow.NewSchema([]arrow.Field{
		{Name: "parent_id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "key", Type: arrow.BinaryTypes.String},
		{Name: "value", Type: arrow.BinaryTypes.String},
	}, nil)
	attrRec := array.NewRecord(attrSchema, []arrow.Array{pidB.NewArray(), keyB.NewArray(), valB.NewArray()}, int64(len(rows)))
	table, ok := NewAttrTable(attrRec, "parent_id", "key", "value")
	if !ok {
		t.Fatalf("failed to build attribute table")
	}
	return rec, table
}

// TestSeverityOrAttributeAbsent reproduces: severity == "ERROR" OR
// attributes["y"] == null. Expected: only row 2.
func TestSeverityOrAttributeAbsent(t *testing.T) {
	rec, table := buildLogBatch(t)

	severityErr, err := PlanComparison(Column("severity"), OpEq, Literal("ERROR"))
	if err != nil {
		t.Fatalf("plan severity: %v", err)
	}
	yAbsent, err := PlanComparison(Attribute("y"), OpEq, Null())
	if err != nil {
		t.Fatalf("plan y absent: %v", err)
	}

	plan := Or(Leaf(severityErr), Leaf(yAbsent))
	sel, err := Execute(plan, rec, IDColumn{Path: []string{"id"}}, table)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []bool{false, true, false}
	for i := range want {
		if sel[i] != want[i] {
			t.Fatalf("sel[%d] = %v, want %v (full: %v)", i, sel[i], want[i], sel)
		}
	}
}

// buildLogBatchWithNullID extends buildLogBatch with a fourth row whose
// id is null: a row that cannot own any attribute-table rows.
func buildLogBatchWithNullID(t *testing.T) (arrow.Record, AttrTable) {
	t.Helper()
	mem := memory.NewGoAllocator()
	_, table := buildLogBatch(t)

	idB := array.NewInt64Builder(mem)
	sevB := array.NewStringBuilder(mem)
	for _, id := range []int64{1, 2, 3} {
		idB.Append(id)
	}
	idB.AppendNull()
	for _, s := range []string{"INFO", "ERROR", "DEBUG", "WARN"} {
		sevB.Append(s)
	}
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "severity", Type: arrow.BinaryTypes.String},
	}, nil)
	rec := array.NewRecord(schema, []arrow.Array{idB.NewArray(), sevB.NewArray()}, 4)
	return rec, table
}

// TestNullIDRowsFollowLeafShape: a null-id row has no attributes, so per
// leaf it passes an absence check, fails a value check, and a tree mixing
// both shapes resolves each leaf independently.
func TestNullIDRowsFollowLeafShape(t *testing.T) {
	rec, table := buildLogBatchWithNullID(t)

	yAbsent, err := PlanComparison(Attribute("y"), OpEq, Null())
	if err != nil {
		t.Fatalf("plan y absent: %v", err)
	}
	yVal, err := PlanComparison(Attribute("y"), OpEq, Literal("d"))
	if err != nil {
		t.Fatalf("plan y value: %v", err)
	}

	checks := []struct {
		name string
		plan Composite[FilterPlan]
		want []bool
	}{
		{"absence passes null id", Leaf(yAbsent), []bool{false, true, false, true}},
		{"value check fails null id", Leaf(yVal), []bool{true, false, false, false}},
		{"mixed-shape or resolves per leaf", Or(Leaf(yAbsent), Leaf(yVal)), []bool{true, true, false, true}},
		{"negated absence excludes null id", Negate(Leaf(yAbsent)), []bool{true, false, true, false}},
	}
	for _, c := range checks {
		sel, err := Execute(c.plan, rec, IDColumn{Path: []string{"id"}}, table)
		if err != nil {
			t.Fatalf("%s: execute: %v", c.name, err)
		}
		for i := range c.want {
			if sel[i] != c.want[i] {
				t.Fatalf("%s: sel[%d] = %v, want %v (full: %v)", c.name, i, sel[i], c.want[i], sel)
			}
		}
	}
}

// TestMissingIDColumnShortCircuits: a batch without the id column has no
// attribute-owning rows at all; the predicate short-circuits to the
// leaf's missing-attributes verdict instead of erroring.
func TestMissingIDColumnShortCircuits(t *testing.T) {
	mem := memory.NewGoAllocator()
	_, table := buildLogBatch(t)

	sevB := array.NewStringBuilder(mem)
	for _, s := range []string{"INFO", "ERROR"} {
		sevB.Append(s)
	}
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "severity", Type: arrow.BinaryTypes.String},
	}, nil)
	rec := array.NewRecord(schema, []arrow.Array{sevB.NewArray()}, 2)

	yAbsent, err := PlanComparison(Attribute("y"), OpEq, Null())
	if err != nil {
		t.Fatalf("plan y absent: %v", err)
	}
	sel, err := Execute(Leaf(yAbsent), rec, IDColumn{Path: []string{"id"}}, table)
	if err != nil {
		t.Fatalf("execute without id column: %v", err)
	}
	for i, v := range sel {
		if !v {
			t.Fatalf("absence check sel[%d] = false, want all-true without an id column", i)
		}
	}

	yVal, err := PlanComparison(Attribute("y"), OpEq, Literal("d"))
	if err != nil {
		t.Fatalf("plan y value: %v", err)
	}
	sel, err = Execute(Leaf(yVal), rec, IDColumn{Path: []string{"id"}}, table)
	if err != nil {
		t.Fatalf("execute without id column: %v", err)
	}
	for i, v := range sel {
		if v {
			t.Fatalf("value check sel[%d] = true, want all-false without an id column", i)
		}
	}
}

// TestNotAttributeAbsent reproduces: NOT (attributes["y"] == null).
// Expected: rows 1 and 3.
func TestNotAttributeAbsent(t *testing.T) {
	rec, table := buildLogBatch(t)

	yAbsent, err := PlanComparison(Attribute("y"), OpEq, Null())
	if err != nil {
		t.Fatalf("plan y absent: %v", err)
	}
	plan := Negate(Leaf(yAbsent))

	sel, err := Execute(plan, rec, IDColumn{Path: []string{"id"}}, table)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []bool{true, false, true}
	for i := range want {
		if sel[i] != want[i] {
			t.Fatalf("sel[%d] = %v, want %v (full: %v)", i, sel[i], want[i], sel)
		}
	}
}
