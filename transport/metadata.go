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

import "github.com/apache/arrow/go/v12/arrow"

// FieldEncoding reads a field's column_encoding metadata tag. Absence of
// the tag reads as plain here, but IsAlreadyEncoded treats it as "already
// encoded" — the conservative default for interop. Callers that need to
// distinguish "never tagged" from "explicitly plain" check HasEncoding.
func FieldEncoding(f arrow.Field) ColumnEncoding {
	if v, ok := f.Metadata.GetValue(MetadataKey); ok {
		return ColumnEncoding(v)
	}
	return EncodingPlain
}

// HasEncoding reports whether f carries an explicit column_encoding tag.
func HasEncoding(f arrow.Field) bool {
	_, ok := f.Metadata.GetValue(MetadataKey)
	return ok
}

// WithEncoding returns a copy of f with its column_encoding metadata tag
// set, preserving any other metadata keys already present.
func WithEncoding(f arrow.Field, enc ColumnEncoding) arrow.Field {
	keys := []string{MetadataKey}
	values := []string{string(enc)}
	for i, k := range f.Metadata.Keys() {
		if k == MetadataKey {
			continue
		}
		keys = append(keys, k)
		values = append(values, f.Metadata.Values()[i])
	}
	f.Metadata = arrow.NewMetadata(keys, values)
	return f
}

// IsAlreadyEncoded reports whether the field's current tag (or its
// deliberate absence) means the encoder should leave the column untouched:
// true for any tag other than EncodingPlain, and conservatively true when
// no tag is present at all.
func IsAlreadyEncoded(f arrow.Field) bool {
	if !HasEncoding(f) {
		return true
	}
	return FieldEncoding(f) != EncodingPlain
}
