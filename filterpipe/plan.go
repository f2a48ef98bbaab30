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
	"github.com/launix-de/quiver/quivererr"
)

// Op is a binary comparison operator.
type Op int

const (
	OpEq Op = iota
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
)

// OperandKind classifies one side of a logical comparison, used only to derive
// a FilterPlan from a raw `LHS op RHS` expression.
type OperandKind int

const (
	OperandColumn OperandKind = iota
	OperandStructField
	OperandAttribute
	OperandLiteral
	OperandNull
)

// Operand is one side of a logical binary comparison.
type Operand struct {
	Kind OperandKind

	Column     string   // OperandColumn
	StructPath []string // OperandStructField: e.g. []string{"resource", "schema_url"}
	AttrKey    string   // OperandAttribute

	Literal any // OperandLiteral
}

func Column(name string) Operand                { return Operand{Kind: OperandColumn, Column: name} }
func StructField(path ...string) Operand         { return Operand{Kind: OperandStructField, StructPath: path} }
func Attribute(key string) Operand               { return Operand{Kind: OperandAttribute, AttrKey: key} }
func Literal(v any) Operand                      { return Operand{Kind: OperandLiteral, Literal: v} }
func Null() Operand                              { return Operand{Kind: OperandNull} }

// SourcePredicate is a predicate over the root batch's own columns,
// possibly traversing a struct column.
type SourcePredicate struct {
	Path []string // Column path; len==1 for a plain column
	Op   Op
	Rhs  any // comparison literal; unused (nil) for IsNull
	IsNull bool
}

// AttributePredicate is a predicate over an attribute table, keyed by
// attribute key, evaluated against the attribute's typed value.
type AttributePredicate struct {
	Key    string
	Op     Op
	Rhs    any
	Exists bool // true => "key is present" / negated => "key is absent"
	IsExistenceCheck bool
}

// FilterPlan is the logical, un-compiled filter: an optional source
// predicate tree and an optional attribute predicate tree.
type FilterPlan struct {
	SourceFilter    *Composite[SourcePredicate]
	AttributeFilter *Composite[AttributePredicate]
}

// AttributesFilterPlan is an alias naming the attribute-table-only plan
// composite.
type AttributesFilterPlan = Composite[AttributePredicate]

// PlanComparison derives a FilterPlan leaf from one logical binary
// comparison `lhs op rhs`, rejecting the shapes the planner cannot
// express with NotYetSupported.
func PlanComparison(lhs Operand, op Op, rhs Operand) (FilterPlan, error) {
	// Existence tests: `X == null` / `null == X`.
	if op == OpEq && (rhs.Kind == OperandNull || lhs.Kind == OperandNull) {
		subject := lhs
		if lhs.Kind == OperandNull {
			subject = rhs
		}
		return planExistence(subject, false) // X == null: matches when absent
	}
	if op == OpNeq && (rhs.Kind == OperandNull || lhs.Kind == OperandNull) {
		subject := lhs
		if lhs.Kind == OperandNull {
			subject = rhs
		}
		return planExistence(subject, true) // X != null: matches when present
	}

	// Prohibited pairs.
	if lhs.Kind == OperandNull || rhs.Kind == OperandNull {
		return FilterPlan{}, quivererr.New(quivererr.NotYetSupported, "filterpipe.PlanComparison", errProhibited("null operand outside equality"))
	}
	if lhs.Kind == OperandLiteral && rhs.Kind == OperandLiteral {
		return FilterPlan{}, quivererr.New(quivererr.NotYetSupported, "filterpipe.PlanComparison", errProhibited("literal-to-literal"))
	}
	if isColumnish(lhs.Kind) && isColumnish(rhs.Kind) {
		return FilterPlan{}, quivererr.New(quivererr.NotYetSupported, "filterpipe.PlanComparison", errProhibited("column-to-column"))
	}
	if lhs.Kind == OperandAttribute && rhs.Kind == OperandAttribute {
		return FilterPlan{}, quivererr.New(quivererr.NotYetSupported, "filterpipe.PlanComparison", errProhibited("attribute-to-attribute"))
	}

	// Normalize to (columnish, literal).
	col, lit := lhs, rhs
	if lhs.Kind == OperandLiteral {
		col, lit = rhs, lhs
		op = flip(op)
	}

	switch col.Kind {
	case OperandColumn:
		return FilterPlan{SourceFilter: leafPtr(Leaf(SourcePredicate{Path: []string{col.Column}, Op: op, Rhs: lit.Literal}))}, nil
	case OperandStructField:
		return FilterPlan{SourceFilter: leafPtr(Leaf(SourcePredicate{Path: col.StructPath, Op: op, Rhs: lit.Literal}))}, nil
	case OperandAttribute:
		return FilterPlan{AttributeFilter: leafPtr(Leaf(AttributePredicate{Key: col.AttrKey, Op: op, Rhs: lit.Literal}))}, nil
	default:
		return FilterPlan{}, quivererr.New(quivererr.NotYetSupported, "filterpipe.PlanComparison", errProhibited("unrecognized operand shape"))
	}
}

// planExistence builds the existence-test leaf for `X == null` (wantsPresent
// false) or `X != null` (wantsPresent true). Column paths execute via an
// IsNull source predicate (negated with Not when wantsPresent); attribute
// paths execute via the attribute predicate's own Exists polarity, since
// the executor needs no extra inversion to know "absent" from "present".
func planExistence(subject Operand, wantsPresent bool) (FilterPlan, error) {
	switch subject.Kind {
	case OperandColumn, OperandStructField:
		path := subject.StructPath
		if subject.Kind == OperandColumn {
			path = []string{subject.Column}
		}
		c := Leaf(SourcePredicate{Path: path, IsNull: true})
		if wantsPresent {
			c = Negate(c)
		}
		return FilterPlan{SourceFilter: &c}, nil
	case OperandAttribute:
		pred := AttributePredicate{Key: subject.AttrKey, IsExistenceCheck: true, Exists: wantsPresent}
		c := Leaf(pred)
		return FilterPlan{AttributeFilter: &c}, nil
	default:
		return FilterPlan{}, quivererr.New(quivererr.NotYetSupported, "filterpipe.PlanComparison", errProhibited("null op null"))
	}
}

// NegatePlan negates a FilterPlan as a whole (used when the logical
// expression wraps a sub-plan in NOT), negating whichever of
// SourceFilter/AttributeFilter are present.
func NegatePlan(p FilterPlan) FilterPlan {
	out := FilterPlan{}
	if p.SourceFilter != nil {
		c := Negate(*p.SourceFilter)
		out.SourceFilter = &c
	}
	if p.AttributeFilter != nil {
		c := Negate(*p.AttributeFilter)
		out.AttributeFilter = &c
	}
	return out
}

func isColumnish(k OperandKind) bool {
	return k == OperandColumn || k == OperandStructField
}

func flip(op Op) Op {
	switch op {
	case OpLt:
		return OpGt
	case OpLte:
		return OpGte
	case OpGt:
		return OpLt
	case OpGte:
		return OpLte
	default:
		return op
	}
}

func leafPtr[L any](c Composite[L]) *Composite[L] { return &c }

type prohibitedError struct{ reason string }

func (e *prohibitedError) Error() string { return "filterpipe: prohibited comparison: " + e.reason }

func errProhibited(reason string) error { return &prohibitedError{reason: reason} }
