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

package engine

import (
	"fmt"
	"runtime"

	"github.com/apache/arrow/go/v12/arrow"

	"github.com/launix-de/quiver/bundle"
	"github.com/launix-de/quiver/quivererr"
	"github.com/launix-de/quiver/segment"
	"github.com/launix-de/quiver/subscriber"
)

// global semaphore to limit concurrent disk-backed bundle loads
var loadSemaphore chan struct{}

func init() {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	loadSemaphore = make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		loadSemaphore <- struct{}{}
	}
}

// acquireLoadSlot blocks until a load slot is available and returns a release func.
func acquireLoadSlot() func() {
	<-loadSemaphore
	return func() { loadSemaphore <- struct{}{} }
}

// LoadedBundle is the consumer-side materialization of one bundle: its slot
// payloads read back out of the segment file's streams.
type LoadedBundle struct {
	Payloads []bundle.SlotPayload
}

// Release drops the loaded Arrow records.
func (lb *LoadedBundle) Release() {
	for _, p := range lb.Payloads {
		if p.Batch != nil {
			p.Batch.Release()
		}
	}
}

// loadBundle reads one bundle's slot payloads from its segment file. Each
// stream holds one IPC batch per contributing bundle, in append order, so
// the batch whose starting row offset equals the manifest's recorded offset
// is this bundle's contribution.
func (e *Engine) loadBundle(ref subscriber.BundleRef) (interface{}, error) {
	release := acquireLoadSlot()
	defer release()

	h := e.store.Get(ref.Segment)
	if h == nil {
		return nil, quivererr.New(quivererr.IO, "engine.loadBundle", fmt.Errorf("segment %d not registered", ref.Segment))
	}
	if ref.Bundle < 0 || ref.Bundle >= len(h.Manifest.Entries) {
		return nil, quivererr.New(quivererr.Corruption, "engine.loadBundle", fmt.Errorf("bundle index %d out of range", ref.Bundle))
	}
	entry := h.Manifest.Entries[ref.Bundle]

	lb := &LoadedBundle{}
	for _, row := range entry.Rows {
		recs, err := segment.ReadStream(e.mem, h.Path, int(row.StreamIndex))
		if err != nil {
			return nil, err
		}
		rec, err := batchAtOffset(recs, row.Offset)
		if err != nil {
			for _, r := range recs {
				r.Release()
			}
			return nil, err
		}
		rec.Retain()
		for _, r := range recs {
			r.Release()
		}
		lb.Payloads = append(lb.Payloads, bundle.SlotPayload{
			Slot:        row.Slot,
			Fingerprint: h.Manifest.Streams[row.StreamIndex].Key.Fingerprint,
			Batch:       rec,
		})
	}
	return lb, nil
}

// batchAtOffset finds the record whose first row sits at row offset within
// the stream's concatenated row space.
func batchAtOffset(recs []arrow.Record, offset uint64) (arrow.Record, error) {
	var pos uint64
	for _, r := range recs {
		if pos == offset {
			return r, nil
		}
		pos += uint64(r.NumRows())
	}
	return nil, quivererr.New(quivererr.Corruption, "engine.loadBundle", fmt.Errorf("no batch at row offset %d", offset))
}
