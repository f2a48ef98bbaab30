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

// Package transport implements the columnar transport encoder: delta,
// remapped-delta and quasi-delta encodings applied to ID and parent-ID
// columns before wire transmission, plus their inverse materialize
// operations. Every encoding is two passes: a scan that classifies runs
// and remaps, then a build that writes the output column.
package transport

// PayloadType is the closed enumeration of OTAP-shaped payload kinds the
// encoder and filter stage distinguish.
type PayloadType int

const (
	Logs PayloadType = iota
	Spans
	UnivariateMetrics
	MultivariateMetrics
	NumberDataPoints
	SummaryDataPoints
	HistogramDataPoints
	ExpHistogramDataPoints
	NumberDpExemplars
	HistogramDpExemplars
	ExpHistogramDpExemplars
	SpanEvents
	SpanLinks
	ResourceAttrs
	ScopeAttrs
	LogAttrs
	MetricAttrs
	SpanAttrs
	SpanEventAttrs
	SpanLinkAttrs
	NumberDpAttrs
	SummaryDpAttrs
	HistogramDpAttrs
	ExpHistogramDpAttrs
	NumberDpExemplarAttrs
	HistogramDpExemplarAttrs
	ExpHistogramDpExemplarAttrs
	Unknown
)

// IsAttributeTable reports whether a payload type is one of the *Attrs
// tables, which use AttributeQuasiDelta rather than ColumnarQuasiDelta for
// their parent-id column.
func (p PayloadType) IsAttributeTable() bool {
	switch p {
	case ResourceAttrs, ScopeAttrs, LogAttrs, MetricAttrs, SpanAttrs, SpanEventAttrs,
		SpanLinkAttrs, NumberDpAttrs, SummaryDpAttrs, HistogramDpAttrs, ExpHistogramDpAttrs,
		NumberDpExemplarAttrs, HistogramDpExemplarAttrs, ExpHistogramDpExemplarAttrs:
		return true
	}
	return false
}

// AttrValueType is the closed u8 tag for an attribute's value kind.
type AttrValueType uint8

const (
	AttrEmpty  AttrValueType = 0
	AttrStr    AttrValueType = 1
	AttrInt    AttrValueType = 2
	AttrDouble AttrValueType = 3
	AttrBool   AttrValueType = 4
	AttrMap    AttrValueType = 5
	AttrSlice  AttrValueType = 6
	AttrBytes  AttrValueType = 7
)

// IsDeltaEligible reports whether this attribute value type may ever
// participate in a quasi-delta run: Map, Slice and Empty values are never
// delta-encoded.
func (t AttrValueType) IsDeltaEligible() bool {
	switch t {
	case AttrMap, AttrSlice, AttrEmpty:
		return false
	}
	return true
}

// ColumnEncoding is the "column_encoding" field metadata tag value every
// encoded Arrow field carries: plain, delta or quasi-delta.
type ColumnEncoding string

const (
	EncodingPlain      ColumnEncoding = "plain"
	EncodingDelta      ColumnEncoding = "delta"
	EncodingQuasiDelta ColumnEncoding = "quasi-delta"
)

// MetadataKey is the Arrow field metadata key carrying a column's encoding.
const MetadataKey = "column_encoding"
