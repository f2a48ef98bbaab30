//go:build ceph

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

package archive

import (
	"bytes"
	"encoding/json"
	"io"
	"path"
	"sync"

	"github.com/ceph/go-ceph/rados"
)

func init() {
	BackendRegistry["ceph"] = func(raw json.RawMessage) (Backend, error) {
		var cfg CephConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		return NewCephBackend(cfg), nil
	}
}

// CephConfig configures the RADOS archival backend.
type CephConfig struct {
	UserName    string `json:"username"` // e.g. "client.admin"
	ClusterName string `json:"cluster"`  // often "ceph"
	ConfFile    string `json:"conf_file"`
	Pool        string `json:"pool"`
	Prefix      string `json:"prefix"`
}

// CephBackend archives segments as RADOS objects. The connection is opened
// lazily on first use; RADOS WriteFull gives atomic whole-object overwrite,
// which is all an immutable archive object needs.
type CephBackend struct {
	cfg CephConfig

	mu    sync.Mutex
	conn  *rados.Conn
	ioctx *rados.IOContext
}

// NewCephBackend builds a CephBackend; no cluster connection is made until
// the first operation.
func NewCephBackend(cfg CephConfig) *CephBackend {
	return &CephBackend{cfg: cfg}
}

func (b *CephBackend) ensureOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ioctx != nil {
		return nil
	}
	conn, err := rados.NewConnWithClusterAndUser(b.cfg.ClusterName, b.cfg.UserName)
	if err != nil {
		return err
	}
	if b.cfg.ConfFile != "" {
		if err := conn.ReadConfigFile(b.cfg.ConfFile); err != nil {
			return err
		}
	} else {
		// Caller must have CEPH_ARGS/CEPH_CONF env or defaults.
		_ = conn.ReadDefaultConfigFile()
	}
	if err := conn.Connect(); err != nil {
		return err
	}
	ioctx, err := conn.OpenIOContext(b.cfg.Pool)
	if err != nil {
		conn.Shutdown()
		return err
	}
	b.conn = conn
	b.ioctx = ioctx
	return nil
}

func (b *CephBackend) obj(name string) string {
	return path.Join(b.cfg.Prefix, name)
}

func (b *CephBackend) Put(name string, r io.Reader) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return b.ioctx.WriteFull(b.obj(name), data)
}

func (b *CephBackend) Get(name string) (io.ReadCloser, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	obj := b.obj(name)
	stat, err := b.ioctx.Stat(obj)
	if err != nil {
		return nil, err
	}
	data := make([]byte, stat.Size)
	n, err := b.ioctx.Read(obj, data, 0)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data[:n])), nil
}

func (b *CephBackend) Delete(name string) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	return b.ioctx.Delete(b.obj(name))
}
