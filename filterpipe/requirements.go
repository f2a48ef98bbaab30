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

// RequiredColumns is a declarative projected-schema descriptor: flat
// columns plus per-struct required fields, computed once by walking the
// logical expression. Columns holds plain top-level column names; StructFields
// maps a struct column name to the set of its required field names.
type RequiredColumns struct {
	Columns      map[string]struct{}
	StructFields map[string]map[string]struct{}
	AttrKeys     map[string]struct{}
}

// NewRequiredColumns walks plan once and returns its column requirements,
// reused across every batch the plan is later run against even as their
// schemas drift.
func NewRequiredColumns(plan FilterPlan) RequiredColumns {
	rc := RequiredColumns{
		Columns:      map[string]struct{}{},
		StructFields: map[string]map[string]struct{}{},
		AttrKeys:     map[string]struct{}{},
	}
	if plan.SourceFilter != nil {
		Walk(*plan.SourceFilter, func(p SourcePredicate) {
			rc.addPath(p.Path)
		})
	}
	if plan.AttributeFilter != nil {
		Walk(*plan.AttributeFilter, func(p AttributePredicate) {
			rc.AttrKeys[p.Key] = struct{}{}
		})
	}
	return rc
}

func (rc RequiredColumns) addPath(path []string) {
	if len(path) == 0 {
		return
	}
	if len(path) == 1 {
		rc.Columns[path[0]] = struct{}{}
		return
	}
	fields, ok := rc.StructFields[path[0]]
	if !ok {
		fields = map[string]struct{}{}
		rc.StructFields[path[0]] = fields
	}
	fields[path[len(path)-1]] = struct{}{}
}
