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

// Package bundle defines the record bundle: the atomic unit of ingestion.
// A bundle is an ordered sequence of named
// slots, each carrying a schema fingerprint and an Arrow record batch, plus
// one ingestion timestamp for the whole bundle.
package bundle

import (
	"sort"
	"time"

	"github.com/apache/arrow/go/v12/arrow"
)

// Fingerprint is the 32-byte opaque schema hash carried by every slot
// payload.
type Fingerprint [32]byte

// SlotID names one slot within a bundle (logs, spans, resource attrs, ...).
type SlotID uint16

// StreamKey identifies a slot stream: the set of all payloads for one
// (slot_id, schema_fingerprint) pair within a single segment file.
type StreamKey struct {
	Slot        SlotID
	Fingerprint Fingerprint
}

// SlotPayload is one slot's contribution to a bundle: a schema fingerprint
// plus the Arrow record batch for that slot. The caller owns Batch's
// reference count; Bundle.Release drops the bundle's references.
type SlotPayload struct {
	Slot        SlotID
	Fingerprint Fingerprint
	Batch       arrow.Record
}

// Bundle is the atomic unit of ingestion: a set of slot payloads sharing
// one ingestion timestamp.
type Bundle struct {
	IngestedAt time.Time
	Payloads   []SlotPayload
}

// Release drops this bundle's references to every slot batch. Safe to call
// once the bundle has been fully consumed by the ingest path (appended to
// WAL and open segment).
func (b *Bundle) Release() {
	for _, p := range b.Payloads {
		if p.Batch != nil {
			p.Batch.Release()
		}
	}
}

// SlotBitmap returns the sorted, deduplicated set of slot ids occupied by
// this bundle, encoded as a little-endian bitmap (bit i set means slot id i
// is present). This is the slot bitmap recorded in bundle manifest
// entries and WAL entry framing.
func (b Bundle) SlotBitmap() []byte {
	if len(b.Payloads) == 0 {
		return nil
	}
	max := SlotID(0)
	for _, p := range b.Payloads {
		if p.Slot > max {
			max = p.Slot
		}
	}
	out := make([]byte, max/8+1)
	for _, p := range b.Payloads {
		out[p.Slot/8] |= 1 << (p.Slot % 8)
	}
	return out
}

// SlotBitmapIDs decodes a bitmap produced by SlotBitmap back into a sorted
// slice of slot ids.
func SlotBitmapIDs(bitmap []byte) []SlotID {
	var ids []SlotID
	for byteIdx, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				ids = append(ids, SlotID(byteIdx*8+bit))
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RowCount returns the number of rows in this slot payload's batch, or 0
// when the payload carries no batch.
func (p SlotPayload) RowCount() int64 {
	if p.Batch == nil {
		return 0
	}
	return p.Batch.NumRows()
}
