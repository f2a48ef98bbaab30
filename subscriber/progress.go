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

package subscriber

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/launix-de/quiver/quivererr"
)

// BundleRef names one bundle by the segment that contains it and its
// manifest-order index within that segment.
type BundleRef struct {
	Segment uint64 `json:"segment"`
	Bundle  int    `json:"bundle"`
}

// Less orders two refs in the (segment_seq, manifest_order) delivery order
// every subscriber observes.
func (r BundleRef) Less(o BundleRef) bool {
	if r.Segment != o.Segment {
		return r.Segment < o.Segment
	}
	return r.Bundle < o.Bundle
}

// progressDoc is the on-disk JSON shape: {subscriber_id, generation,
// highest_acked:{segment, bundle}, claimed:[...], deferred:[...]}.
type progressDoc struct {
	SubscriberID string      `json:"subscriber_id"`
	Generation   uint64      `json:"generation"`
	HighestAcked BundleRef   `json:"highest_acked"`
	Claimed      []BundleRef `json:"claimed"`
	Deferred     []BundleRef `json:"deferred"`
}

func progressPath(dir string, id uuid.UUID) string {
	return filepath.Join(dir, id.String()+".json")
}

// loadProgress reads a subscriber's progress file. A missing file is not an
// error: it means a first-time registration, returned as (doc, false).
func loadProgress(dir string, id uuid.UUID) (progressDoc, bool, error) {
	data, err := os.ReadFile(progressPath(dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return progressDoc{}, false, nil
		}
		return progressDoc{}, false, quivererr.NewPath(quivererr.IO, "subscriber.loadProgress", progressPath(dir, id), err)
	}
	var doc progressDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return progressDoc{}, false, quivererr.NewPath(quivererr.Corruption, "subscriber.loadProgress", progressPath(dir, id), err)
	}
	return doc, true, nil
}

// persistProgress writes a subscriber's progress file via write-to-temp +
// atomic rename, the same technique walio.persistCursor uses.
func persistProgress(dir string, id uuid.UUID, doc progressDoc) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return quivererr.NewPath(quivererr.IO, "subscriber.persistProgress", dir, err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return quivererr.New(quivererr.IO, "subscriber.persistProgress", err)
	}
	path := progressPath(dir, id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return quivererr.NewPath(quivererr.IO, "subscriber.persistProgress", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return quivererr.NewPath(quivererr.IO, "subscriber.persistProgress", path, err)
	}
	return nil
}

// listProgressFiles returns every subscriber id with a progress file under
// dir, used by the registry to restore all subscribers on engine open.
func listProgressFiles(dir string) ([]uuid.UUID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, quivererr.NewPath(quivererr.IO, "subscriber.listProgressFiles", dir, err)
	}
	var ids []uuid.UUID
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".json"
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		id, err := uuid.Parse(name[:len(name)-len(suffix)])
		if err != nil {
			continue // not one of ours
		}
		ids = append(ids, id)
	}
	return ids, nil
}
