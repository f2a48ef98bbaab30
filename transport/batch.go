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
	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"

	"github.com/launix-de/quiver/quivererr"
)

// BatchPlan describes how one payload type's record batch is encoded:
// which field carries its own identity (Delta/DeltaRemapped, optional —
// attribute and link tables have none) and which field is its parent-id
// (AttributeQuasiDelta for attribute tables, ColumnarQuasiDelta for
// everything else keyed by RunColumns). The run-defining columns for
// attribute tables are resolved from the batch itself by name, so they
// stay row-aligned with the parent-id column through sorting.
type BatchPlan struct {
	Payload     PayloadType
	IDField     string // "" if this payload type has no self id column
	ParentField string // "" if this payload type has no parent-id column
	RunColumns  []string
}

// EncodedBatch is the result of encoding one record batch: the encoded
// record plus an optional remapping for any child batch whose parent-id
// references this batch's (now DeltaRemapped) id column.
type EncodedBatch struct {
	Record    arrow.Record
	Remapping Remapping // nil if the id column needed no remapping, or there was none
}

// attributeColumnsOf resolves an attribute table's run-defining columns
// from the batch by name: the type tag, the key, and one shared value
// column standing in for every delta-eligible value type. Resolving from
// the batch (not from caller-supplied arrays) keeps the columns aligned
// with the parent-id rows before and after sorting.
func attributeColumnsOf(rec arrow.Record) (AttributeColumns, error) {
	typeIdx := rec.Schema().FieldIndices("attribute_type")
	keyIdx := rec.Schema().FieldIndices("key")
	valIdx := rec.Schema().FieldIndices("value")
	if len(typeIdx) == 0 || len(keyIdx) == 0 || len(valIdx) == 0 {
		return AttributeColumns{}, quivererr.New(quivererr.Encoding, "transport.attributeColumnsOf",
			errMissingField("attribute_type/key/value"))
	}
	val := rec.Column(valIdx[0])
	values := make(map[AttrValueType]arrow.Array)
	for _, t := range []AttrValueType{AttrStr, AttrInt, AttrDouble, AttrBool, AttrBytes} {
		values[t] = val
	}
	return AttributeColumns{
		Type:   rec.Column(typeIdx[0]),
		Key:    rec.Column(keyIdx[0]),
		Values: values,
	}, nil
}

// runColumnsOf resolves the plan's explicit run columns from the batch.
func runColumnsOf(rec arrow.Record, names []string) ([]arrow.Array, error) {
	out := make([]arrow.Array, 0, len(names))
	for _, name := range names {
		ri := rec.Schema().FieldIndices(name)
		if len(ri) == 0 {
			return nil, quivererr.New(quivererr.Encoding, "transport.runColumnsOf", errMissingField(name))
		}
		out = append(out, rec.Column(ri[0]))
	}
	return out, nil
}

// EncodeBatch runs the per-batch encode flow: materialize any
// already-encoded columns (a delta or quasi-delta segment mixed into a
// sort would corrupt it), sort by the payload's declared key, encode the
// id column (Delta if the sort left it already dense & ascending,
// DeltaRemapped otherwise), then encode the parent-id column against the
// now-sorted rows.
func EncodeBatch(mem memory.Allocator, rec arrow.Record, plan BatchPlan) (EncodedBatch, error) {
	rec, err := materializeEncodedFields(mem, rec, plan)
	if err != nil {
		return EncodedBatch{}, err
	}

	key := SortKey(plan.Payload)
	perm := permutation(rec, key)
	if !IsIdentityPermutation(perm) {
		rec, err = Take(mem, rec, perm)
		if err != nil {
			return EncodedBatch{}, err
		}
	}

	var remap Remapping
	if plan.IDField != "" {
		idx := rec.Schema().FieldIndices(plan.IDField)
		if len(idx) == 0 {
			return EncodedBatch{}, quivererr.New(quivererr.Encoding, "transport.EncodeBatch", errMissingField(plan.IDField))
		}
		encoded, rmp, err := EncodeDeltaRemapped(mem, rec.Column(idx[0]))
		if err != nil {
			return EncodedBatch{}, err
		}
		remap = rmp
		// Remapped or not, the id column ends up delta-encoded on the wire;
		// the remapping itself travels out of band via EncodedBatch.Remapping.
		rec = replaceColumn(rec, idx[0], encoded, EncodingDelta)
	}

	if plan.ParentField != "" {
		idx := rec.Schema().FieldIndices(plan.ParentField)
		if len(idx) == 0 {
			return EncodedBatch{}, quivererr.New(quivererr.Encoding, "transport.EncodeBatch", errMissingField(plan.ParentField))
		}
		encoded, err := encodeParentColumn(mem, rec, plan, rec.Column(idx[0]), false)
		if err != nil {
			return EncodedBatch{}, err
		}
		rec = replaceColumn(rec, idx[0], encoded, EncodingQuasiDelta)
	}

	return EncodedBatch{Record: rec, Remapping: remap}, nil
}

// encodeParentColumn applies (or, with inverse, undoes) the quasi-delta
// encoding for a parent-id column, selecting the attribute or columnar
// variant per the plan and resolving run columns from rec.
func encodeParentColumn(mem memory.Allocator, rec arrow.Record, plan BatchPlan, parent arrow.Array, inverse bool) (arrow.Array, error) {
	if plan.Payload.IsAttributeTable() {
		cols, err := attributeColumnsOf(rec)
		if err != nil {
			return nil, err
		}
		cols.ParentID = parent
		if inverse {
			return DecodeAttributeQuasiDelta(mem, cols)
		}
		return EncodeAttributeQuasiDelta(mem, cols)
	}
	runCols, err := runColumnsOf(rec, plan.RunColumns)
	if err != nil {
		return nil, err
	}
	cc := ColumnarColumns{RunColumns: runCols, ParentID: parent}
	if inverse {
		return DecodeColumnarQuasiDelta(mem, cc)
	}
	return EncodeColumnarQuasiDelta(mem, cc)
}

// MaterializeBatch is the inverse of EncodeBatch's column encoding step.
// Row order, being part of the declared sort key, is preserved rather than
// restored.
func MaterializeBatch(mem memory.Allocator, rec arrow.Record, plan BatchPlan, remap Remapping) (arrow.Record, error) {
	if plan.IDField != "" {
		idx := rec.Schema().FieldIndices(plan.IDField)
		if len(idx) == 0 {
			return nil, quivererr.New(quivererr.Encoding, "transport.MaterializeBatch", errMissingField(plan.IDField))
		}
		decoded, err := DecodeDeltaRemapped(mem, rec.Column(idx[0]), remap)
		if err != nil {
			return nil, err
		}
		rec = replaceColumn(rec, idx[0], decoded, EncodingPlain)
	}
	if plan.ParentField != "" {
		idx := rec.Schema().FieldIndices(plan.ParentField)
		if len(idx) == 0 {
			return nil, quivererr.New(quivererr.Encoding, "transport.MaterializeBatch", errMissingField(plan.ParentField))
		}
		decoded, err := encodeParentColumn(mem, rec, plan, rec.Column(idx[0]), true)
		if err != nil {
			return nil, err
		}
		rec = replaceColumn(rec, idx[0], decoded, EncodingPlain)
	}
	return rec, nil
}

// ApplyRemapToChild rewrites a child batch's parent-id field through remap.
// A plain-encoded column is remapped in place; an already-encoded one is
// materialized first.
func ApplyRemapToChild(mem memory.Allocator, rec arrow.Record, parentField string, remap Remapping) (arrow.Record, error) {
	if remap == nil {
		return rec, nil
	}
	idx := rec.Schema().FieldIndices(parentField)
	if len(idx) == 0 {
		return nil, quivererr.New(quivererr.Encoding, "transport.ApplyRemapToChild", errMissingField(parentField))
	}
	col := rec.Column(idx[0])
	if !IsAlreadyEncoded(rec.Schema().Field(idx[0])) {
		remapped, err := ApplyRemapping(mem, col, remap)
		if err != nil {
			return nil, err
		}
		return replaceColumn(rec, idx[0], remapped, FieldEncoding(rec.Schema().Field(idx[0]))), nil
	}
	decoded, err := DecodeDelta(mem, col)
	if err != nil {
		return nil, err
	}
	remapped, err := ApplyRemapping(mem, decoded, remap)
	if err != nil {
		return nil, err
	}
	return replaceColumn(rec, idx[0], remapped, EncodingPlain), nil
}

// materializeEncodedFields decodes every column that still carries an
// encoding tag back to plain values. Delta columns decode standalone;
// a quasi-delta column needs its run context, which only the plan's
// parent field has — any other quasi-delta-tagged field cannot be
// materialized and is an encoding error rather than silent corruption.
func materializeEncodedFields(mem memory.Allocator, rec arrow.Record, plan BatchPlan) (arrow.Record, error) {
	changed := false
	cols := make([]arrow.Array, rec.NumCols())
	for i := 0; i < int(rec.NumCols()); i++ {
		cols[i] = rec.Column(i)
	}
	fields := append([]arrow.Field(nil), rec.Schema().Fields()...)
	for i, f := range fields {
		if f.Metadata.Len() == 0 {
			continue
		}
		switch FieldEncoding(f) {
		case EncodingDelta:
			decoded, err := DecodeDelta(mem, cols[i])
			if err != nil {
				return nil, err
			}
			cols[i] = decoded
			fields[i] = WithEncoding(f, EncodingPlain)
			changed = true
		case EncodingQuasiDelta:
			if f.Name != plan.ParentField {
				return nil, quivererr.New(quivererr.Encoding, "transport.materializeEncodedFields",
					errMissingField(f.Name+" (quasi-delta without run context)"))
			}
			// Run columns are never themselves encoded, so resolving them
			// from the original record is safe here.
			decoded, err := encodeParentColumn(mem, rec, plan, cols[i], true)
			if err != nil {
				return nil, err
			}
			cols[i] = decoded
			fields[i] = WithEncoding(f, EncodingPlain)
			changed = true
		}
	}
	if !changed {
		return rec, nil
	}
	schema := arrow.NewSchema(fields, nil)
	return array.NewRecord(schema, cols, rec.NumRows()), nil
}

func replaceColumn(rec arrow.Record, idx int, col arrow.Array, enc ColumnEncoding) arrow.Record {
	fields := append([]arrow.Field(nil), rec.Schema().Fields()...)
	fields[idx] = WithEncoding(fields[idx], enc)
	cols := make([]arrow.Array, rec.NumCols())
	for i := 0; i < int(rec.NumCols()); i++ {
		cols[i] = rec.Column(i)
	}
	cols[idx] = col
	schema := arrow.NewSchema(fields, nil)
	return array.NewRecord(schema, cols, rec.NumRows())
}

func errMissingField(name string) error {
	return &missingFieldError{name: name}
}

type missingFieldError struct{ name string }

func (e *missingFieldError) Error() string { return "transport: missing field " + e.name }
