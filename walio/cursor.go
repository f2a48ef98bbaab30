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

package walio

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/launix-de/quiver/quivererr"
)

var errCRCMismatch = errors.New("crc32 mismatch")

const cursorMagic = "QCUR"

// Cursor is the WAL byte offset (in global coordinates, spanning every
// rotated file plus the active one) up to which entries are known to be
// durable in a segment file. On disk: {magic:4, version:u16,
// wal_position:u64, crc:u32}, written via write-to-temp + rename.
type Cursor struct {
	Position uint64
}

const cursorVersion = 1

func encodeCursor(c Cursor) []byte {
	buf := make([]byte, 4+2+8+4)
	copy(buf[0:4], cursorMagic)
	binary.BigEndian.PutUint16(buf[4:6], cursorVersion)
	binary.BigEndian.PutUint64(buf[6:14], c.Position)
	crc := crc32.ChecksumIEEE(buf[:14])
	binary.BigEndian.PutUint32(buf[14:18], crc)
	return buf
}

func decodeCursor(data []byte) (Cursor, error) {
	if len(data) < 18 {
		return Cursor{}, quivererr.New(quivererr.Corruption, "wal.decodeCursor", errCRCMismatch)
	}
	if string(data[0:4]) != cursorMagic {
		return Cursor{}, quivererr.New(quivererr.Corruption, "wal.decodeCursor", errors.New("bad magic"))
	}
	crc := binary.BigEndian.Uint32(data[14:18])
	if crc32.ChecksumIEEE(data[:14]) != crc {
		return Cursor{}, quivererr.New(quivererr.Corruption, "wal.decodeCursor", errCRCMismatch)
	}
	pos := binary.BigEndian.Uint64(data[6:14])
	return Cursor{Position: pos}, nil
}

// cursorPath returns the sidecar path for a WAL directory.
func cursorPath(dir string) string {
	return filepath.Join(dir, "cursor.sidecar")
}

// persistCursor writes the sidecar using write-to-temp + atomic rename so
// a crash mid-write leaves the previous cursor intact.
func persistCursor(dir string, c Cursor) error {
	path := cursorPath(dir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encodeCursor(c), 0644); err != nil {
		return quivererr.NewPath(quivererr.IO, "wal.persistCursor", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return quivererr.NewPath(quivererr.IO, "wal.persistCursor", path, err)
	}
	return nil
}

// loadCursor reads the sidecar. A missing or undecodable sidecar is not
// fatal: the caller should replay from 0 and log that duplicates are
// possible.
func loadCursor(dir string) (Cursor, bool) {
	data, err := os.ReadFile(cursorPath(dir))
	if err != nil {
		return Cursor{}, false
	}
	c, err := decodeCursor(data)
	if err != nil {
		return Cursor{}, false
	}
	return c, true
}
