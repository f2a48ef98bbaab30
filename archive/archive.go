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

// Package archive mirrors finalized segment files to an off-box backend
// before local retention deletes them: a small object-store contract with
// file, S3 and Ceph implementations, selected by name from a raw JSON
// config blob.
//
// Archival is fire-and-forget: a failed upload increments a counter and is
// logged, but never blocks finalization or deletion.
package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ulikunitz/xz"
)

// Backend is the minimal object-store contract an archival tier needs.
type Backend interface {
	Put(name string, r io.Reader) error
	Get(name string) (io.ReadCloser, error)
	Delete(name string) error
}

// Factory builds a Backend from its raw JSON configuration.
type Factory func(raw json.RawMessage) (Backend, error)

// BackendRegistry maps a backend kind ("file", "s3", "ceph" when compiled
// in) to its factory.
var BackendRegistry = map[string]Factory{}

// NewBackend selects and constructs a backend by kind.
func NewBackend(kind string, raw json.RawMessage) (Backend, error) {
	f, ok := BackendRegistry[kind]
	if !ok {
		return nil, fmt.Errorf("archive: unknown backend %q", kind)
	}
	return f(raw)
}

// Archiver uploads finalized segment files to a Backend, xz-compressed.
// Cold storage favors ratio over speed, so the heavier codec is the right
// trade here, unlike the lz4 used inside the segment files themselves.
type Archiver struct {
	backend Backend

	wg       sync.WaitGroup
	uploads  uint64
	failures uint64
}

// New builds an Archiver over backend.
func New(backend Backend) *Archiver {
	return &Archiver{backend: backend}
}

// objectName is the archive-side name for a segment file: the local
// filename plus the compression suffix.
func objectName(path string) string {
	return filepath.Base(path) + ".xz"
}

// SegmentFinalized uploads the segment file at path in the background.
// Errors are counted and logged, never returned: archival failure must not
// block the finalization path that calls this.
func (a *Archiver) SegmentFinalized(path string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.upload(path); err != nil {
			atomic.AddUint64(&a.failures, 1)
			fmt.Printf("archive: upload of %s failed: %v\n", path, err)
			return
		}
		atomic.AddUint64(&a.uploads, 1)
	}()
}

func (a *Archiver) upload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	if err != nil {
		return err
	}
	if _, err := xw.Write(data); err != nil {
		return err
	}
	if err := xw.Close(); err != nil {
		return err
	}
	return a.backend.Put(objectName(path), &buf)
}

// Fetch downloads and decompresses an archived segment by its local
// filename, for operator-driven restore.
func (a *Archiver) Fetch(name string) ([]byte, error) {
	rc, err := a.backend.Get(name + ".xz")
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	xr, err := xz.NewReader(rc)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(xr)
}

// Wait blocks until every in-flight upload has settled; used by shutdown
// and tests.
func (a *Archiver) Wait() {
	a.wg.Wait()
}

// Uploads returns how many segments have been archived successfully.
func (a *Archiver) Uploads() uint64 { return atomic.LoadUint64(&a.uploads) }

// Failures returns how many uploads failed.
func (a *Archiver) Failures() uint64 { return atomic.LoadUint64(&a.failures) }
