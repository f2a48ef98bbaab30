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

	"github.com/launix-de/quiver/quivererr"
)

// AttrTable is the minimal columnar view over an attribute table the
// executor needs: one row per (parent_id, key, typed value).
type AttrTable interface {
	Len() int
	ParentID(i int) (int64, bool) // value, validity
	Key(i int) string
	Value(i int) (any, bool)
}

// evalSource evaluates a Composite[SourcePredicate] against rec, returning
// a selection vector. A missing required column short-circuits: all-false
// for ordinary predicates, all-true for IsNull predicates (a column that
// does not exist is null everywhere).
func evalSource(t Composite[SourcePredicate], rec arrow.Record) []bool {
	n := int(rec.NumRows())
	switch t.Tag {
	case TagBase:
		p := t.Base
		col, ok := resolveColumn(rec, p.Path)
		if !ok {
			out := make([]bool, n)
			for i := range out {
				out[i] = p.IsNull
			}
			return out
		}
		out := make([]bool, n)
		for i := 0; i < n; i++ {
			v, valid := cellValue(col, i)
			if p.IsNull {
				out[i] = !valid
				continue
			}
			out[i] = valid && compare(v, p.Op, p.Rhs)
		}
		return out
	case TagNot:
		child := evalSource(*t.Child, rec)
		out := make([]bool, len(child))
		for i, v := range child {
			out[i] = !v
		}
		return out
	case TagAnd:
		l := evalSource(*t.Left, rec)
		r := evalSource(*t.Right, rec)
		out := make([]bool, n)
		for i := range out {
			out[i] = l[i] && r[i]
		}
		return out
	case TagOr:
		l := evalSource(*t.Left, rec)
		r := evalSource(*t.Right, rec)
		out := make([]bool, n)
		for i := range out {
			out[i] = l[i] || r[i]
		}
		return out
	}
	return make([]bool, n)
}

// idSet is the parent-id bitmap the attribute composite evaluates to.
type idSet map[int64]struct{}

func (s idSet) has(id int64) bool { _, ok := s[id]; return ok }

func allParentIDs(table AttrTable) idSet {
	out := make(idSet)
	for i := 0; i < table.Len(); i++ {
		if id, ok := table.ParentID(i); ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func evalAttrBase(pred AttributePredicate, table AttrTable) idSet {
	present := make(idSet)
	for i := 0; i < table.Len(); i++ {
		if table.Key(i) != pred.Key {
			continue
		}
		id, ok := table.ParentID(i)
		if !ok {
			continue
		}
		if pred.IsExistenceCheck {
			present[id] = struct{}{}
			continue
		}
		v, valid := table.Value(i)
		if valid && compare(v, pred.Op, pred.Rhs) {
			present[id] = struct{}{}
		}
	}
	if pred.IsExistenceCheck && !pred.Exists {
		// Absence test: matches every id that never carries this key.
		universe := allParentIDs(table)
		out := make(idSet)
		for id := range universe {
			if !present.has(id) {
				out[id] = struct{}{}
			}
		}
		return out
	}
	return present
}

// evalAttrComposite pushes inversion into the leaves:
// De Morgan's laws carry an explicit `inverted` flag down to the leaves
// instead of building an intermediate complemented tree, so every
// attribute table is scanned exactly once.
func evalAttrComposite(t Composite[AttributePredicate], inverted bool, table AttrTable) idSet {
	switch t.Tag {
	case TagBase:
		matched := evalAttrBase(t.Base, table)
		if !inverted {
			return matched
		}
		universe := allParentIDs(table)
		out := make(idSet)
		for id := range universe {
			if !matched.has(id) {
				out[id] = struct{}{}
			}
		}
		return out
	case TagNot:
		return evalAttrComposite(*t.Child, !inverted, table)
	case TagAnd:
		l := evalAttrComposite(*t.Left, inverted, table)
		r := evalAttrComposite(*t.Right, inverted, table)
		if inverted {
			return union(l, r) // Not(And) -> Or(Not, Not)
		}
		return intersect(l, r)
	case TagOr:
		l := evalAttrComposite(*t.Left, inverted, table)
		r := evalAttrComposite(*t.Right, inverted, table)
		if inverted {
			return intersect(l, r) // Not(Or) -> And(Not, Not)
		}
		return union(l, r)
	}
	return idSet{}
}

func union(a, b idSet) idSet {
	out := make(idSet, len(a)+len(b))
	for id := range a {
		out[id] = struct{}{}
	}
	for id := range b {
		out[id] = struct{}{}
	}
	return out
}

func intersect(a, b idSet) idSet {
	out := make(idSet)
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	for id := range small {
		if large.has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// IDColumn names the root-batch column relating it to an attribute table;
// the path may descend into resource./scope. struct columns.
type IDColumn struct {
	Path []string
}

// missingAttrsPass reports whether a row with no attributes at all (a
// null id, or an id column absent from the batch) satisfies the
// attribute filter. Derived statically per leaf from the filter's own
// shape: the tree is evaluated over an empty attribute set, where only a
// negative existence check holds. Not/And/Or fold through, so
// Not(attrs[k] == null) correctly excludes attribute-less rows while
// attrs[k] == null includes them.
func missingAttrsPass(t Composite[AttributePredicate]) bool {
	switch t.Tag {
	case TagBase:
		p := t.Base
		return p.IsExistenceCheck && !p.Exists
	case TagNot:
		return !missingAttrsPass(*t.Child)
	case TagAnd:
		return missingAttrsPass(*t.Left) && missingAttrsPass(*t.Right)
	case TagOr:
		return missingAttrsPass(*t.Left) || missingAttrsPass(*t.Right)
	}
	return false
}

// Execute runs a Composite[FilterPlan] tree against the root batch and its
// related attribute table, producing a selection vector over the root
// batch's rows. The outer composite lifts leaf semantics: Not negates the
// vector, And/Or combine two child vectors; each leaf itself ANDs its
// source-filter and attribute-filter components.
func Execute(tree Composite[FilterPlan], rec arrow.Record, idCol IDColumn, table AttrTable) ([]bool, error) {
	n := int(rec.NumRows())
	switch tree.Tag {
	case TagBase:
		return executeLeaf(tree.Base, rec, idCol, table)
	case TagNot:
		child, err := Execute(*tree.Child, rec, idCol, table)
		if err != nil {
			return nil, err
		}
		out := make([]bool, n)
		for i, v := range child {
			out[i] = !v
		}
		return out, nil
	case TagAnd:
		l, err := Execute(*tree.Left, rec, idCol, table)
		if err != nil {
			return nil, err
		}
		r, err := Execute(*tree.Right, rec, idCol, table)
		if err != nil {
			return nil, err
		}
		out := make([]bool, n)
		for i := range out {
			out[i] = l[i] && r[i]
		}
		return out, nil
	case TagOr:
		l, err := Execute(*tree.Left, rec, idCol, table)
		if err != nil {
			return nil, err
		}
		r, err := Execute(*tree.Right, rec, idCol, table)
		if err != nil {
			return nil, err
		}
		out := make([]bool, n)
		for i := range out {
			out[i] = l[i] || r[i]
		}
		return out, nil
	}
	return make([]bool, n), nil
}

// executeLeaf runs a single FilterPlan leaf: source filter AND attribute
// filter.
func executeLeaf(plan FilterPlan, rec arrow.Record, idCol IDColumn, table AttrTable) ([]bool, error) {
	n := int(rec.NumRows())
	sel := make([]bool, n)
	for i := range sel {
		sel[i] = true
	}
	if plan.SourceFilter != nil {
		sel = evalSource(*plan.SourceFilter, rec)
	}
	if plan.AttributeFilter == nil {
		return sel, nil
	}
	if table == nil {
		return nil, quivererr.New(quivererr.InvalidPipeline, "filterpipe.Execute", errNoAttrTable())
	}
	matched := evalAttrComposite(*plan.AttributeFilter, false, table)
	missingPass := missingAttrsPass(*plan.AttributeFilter)

	idArr, ok := resolveColumn(rec, idCol.Path)
	if !ok {
		// No id column in this batch means no row has any attributes; the
		// predicate short-circuits to this leaf's missing-attributes verdict
		// rather than erroring, so schema drift never kills the pipeline.
		for i := range sel {
			sel[i] = sel[i] && missingPass
		}
		return sel, nil
	}
	for i := 0; i < n; i++ {
		v, valid := cellValue(idArr, i)
		if !valid {
			sel[i] = sel[i] && missingPass
			continue
		}
		id, ok := v.(int64)
		if !ok {
			return nil, quivererr.New(quivererr.ExecutionError, "filterpipe.Execute", errUnexpectedIDType())
		}
		sel[i] = sel[i] && matched.has(id)
	}
	return sel, nil
}

// ReconcileChild filters a child batch (attribute/event/link table) so
// only rows whose parent_id references a surviving root-batch id remain.
// survivingIDs is the
// set of root-batch ids that passed the root selection vector.
func ReconcileChild(parentIDs []int64, validity []bool, survivingIDs map[int64]struct{}) []bool {
	out := make([]bool, len(parentIDs))
	for i, id := range parentIDs {
		if validity != nil && !validity[i] {
			continue
		}
		_, ok := survivingIDs[id]
		out[i] = ok
	}
	return out
}

type noAttrTableError struct{}

func (noAttrTableError) Error() string { return "filterpipe: attribute_filter set but no attribute table supplied" }

func errNoAttrTable() error { return noAttrTableError{} }

type unexpectedIDTypeError struct{}

func (unexpectedIDTypeError) Error() string { return "filterpipe: id column is not an integer type" }

func errUnexpectedIDType() error { return unexpectedIDTypeError{} }
