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

package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/ipc"
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/pierrec/lz4/v4"

	"github.com/launix-de/quiver/bundle"
	"github.com/launix-de/quiver/quivererr"
)

// fileMagic opens every segment file; bumping formatVersion is how an
// incompatible framing change would be signaled.
const (
	fileMagic     = "QVSEG001"
	formatVersion = uint16(1)
)

var (
	errCRCMismatchFile = errors.New("crc32 mismatch")
	errBadMagic        = errors.New("bad segment file magic")
	errBadStreamIndex  = errors.New("stream index out of range")
)

// FileName builds the canonical path for sequence seq under dir. The
// sequence is zero-padded 16-digit hex so lexicographic filename order is
// chronological order.
func FileName(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%016x.qseg", seq))
}

// ParseFileName extracts the sequence from a segment file name, reporting
// false for names that are not zero-padded 16-hex ".qseg" files.
func ParseFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, ".qseg") {
		return 0, false
	}
	stem := strings.TrimSuffix(name, ".qseg")
	if len(stem) != 16 {
		return 0, false
	}
	seq, err := strconv.ParseUint(stem, 16, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

type streamTableEntry struct {
	Key              bundle.StreamKey
	RowCount         uint64
	CompressedLen    uint64
	UncompressedLen  uint64
}

// Write finalizes open segment s to a file at path, compressing each
// stream's IPC bytes with lz4 so a reader may decompress only the streams
// it needs. Returns the number of bytes written (for budget accounting)
// plus the manifest, so the caller can register the segment without
// re-reading the file it just wrote.
func Write(path string, s *OpenSegment) (uint64, Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, Manifest{}, quivererr.NewPath(quivererr.IO, "segment.Write", tmp, err)
	}

	var body bytes.Buffer
	var streamTable []streamTableEntry
	var compressed [][]byte

	for _, key := range s.streamOrder {
		st := s.streams[key]
		if err := st.writer.Close(); err != nil {
			f.Close()
			os.Remove(tmp)
			return 0, Manifest{}, quivererr.New(quivererr.Encoding, "segment.Write", err)
		}
		raw := st.buf.Bytes()
		var cbuf bytes.Buffer
		lw := lz4.NewWriter(&cbuf)
		if _, err := lw.Write(raw); err != nil {
			f.Close()
			os.Remove(tmp)
			return 0, Manifest{}, quivererr.New(quivererr.IO, "segment.Write", err)
		}
		if err := lw.Close(); err != nil {
			f.Close()
			os.Remove(tmp)
			return 0, Manifest{}, quivererr.New(quivererr.IO, "segment.Write", err)
		}
		streamTable = append(streamTable, streamTableEntry{
			Key:             key,
			RowCount:        st.rowCount,
			CompressedLen:   uint64(cbuf.Len()),
			UncompressedLen: uint64(len(raw)),
		})
		compressed = append(compressed, cbuf.Bytes())
	}

	body.WriteString(fileMagic)
	writeU16(&body, formatVersion)
	writeU32(&body, uint32(len(streamTable)))
	writeU32(&body, uint32(len(s.manifest)))
	for _, st := range streamTable {
		writeU16(&body, uint16(st.Key.Slot))
		body.Write(st.Key.Fingerprint[:])
		writeU64(&body, st.RowCount)
		writeU64(&body, st.CompressedLen)
		writeU64(&body, st.UncompressedLen)
	}
	for _, c := range compressed {
		body.Write(c)
	}
	for _, m := range s.manifest {
		writeVarBytes(&body, m.SlotBitmap)
		writeU32(&body, uint32(len(m.Rows)))
		for _, r := range m.Rows {
			writeU16(&body, uint16(r.Slot))
			writeU32(&body, r.StreamIndex)
			writeU64(&body, r.Offset)
		}
	}

	crc := crc32.ChecksumIEEE(body.Bytes())
	if _, err := f.Write(body.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, Manifest{}, quivererr.NewPath(quivererr.IO, "segment.Write", tmp, err)
	}
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	if _, err := f.Write(crcBuf[:]); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, Manifest{}, quivererr.NewPath(quivererr.IO, "segment.Write", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, Manifest{}, quivererr.NewPath(quivererr.IO, "segment.Write", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, Manifest{}, quivererr.NewPath(quivererr.IO, "segment.Write", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, Manifest{}, quivererr.NewPath(quivererr.IO, "segment.Write", path, err)
	}
	m := Manifest{Streams: streamTable, Entries: append([]ManifestEntry(nil), s.manifest...)}
	return uint64(body.Len() + 4), m, nil
}

// Manifest is the decoded manifest/stream table half of a segment file,
// loaded without touching any Arrow payload; used for scan-on-open and for
// bundle_count()/segment_sequences() in the segment store.
type Manifest struct {
	Streams []streamTableEntry
	Entries []ManifestEntry
}

// ReadManifest decodes just the header, stream table and bundle manifest of
// the segment file at path, verifying the trailing CRC32 over the full body
// but never decompressing or deserializing any stream payload.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, quivererr.NewPath(quivererr.IO, "segment.ReadManifest", path, err)
	}
	if len(data) < len(fileMagic)+4 {
		return Manifest{}, quivererr.NewPath(quivererr.Corruption, "segment.ReadManifest", path, io.ErrUnexpectedEOF)
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	wantCRC := binary.BigEndian.Uint32(trailer)
	if crc32.ChecksumIEEE(body) != wantCRC {
		return Manifest{}, quivererr.NewPath(quivererr.Corruption, "segment.ReadManifest", path, errCRCMismatchFile)
	}

	r := bytes.NewReader(body)
	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != fileMagic {
		return Manifest{}, quivererr.NewPath(quivererr.Corruption, "segment.ReadManifest", path, errBadMagic)
	}
	if _, err := readU16(r); err != nil {
		return Manifest{}, quivererr.NewPath(quivererr.Corruption, "segment.ReadManifest", path, err)
	}
	streamCount, err := readU32(r)
	if err != nil {
		return Manifest{}, quivererr.NewPath(quivererr.Corruption, "segment.ReadManifest", path, err)
	}
	bundleCount, err := readU32(r)
	if err != nil {
		return Manifest{}, quivererr.NewPath(quivererr.Corruption, "segment.ReadManifest", path, err)
	}

	m := Manifest{}
	for i := uint32(0); i < streamCount; i++ {
		var ste streamTableEntry
		slotID, err := readU16(r)
		if err != nil {
			return Manifest{}, quivererr.NewPath(quivererr.Corruption, "segment.ReadManifest", path, err)
		}
		ste.Key.Slot = bundle.SlotID(slotID)
		if _, err := io.ReadFull(r, ste.Key.Fingerprint[:]); err != nil {
			return Manifest{}, quivererr.NewPath(quivererr.Corruption, "segment.ReadManifest", path, err)
		}
		if ste.RowCount, err = readU64(r); err != nil {
			return Manifest{}, quivererr.NewPath(quivererr.Corruption, "segment.ReadManifest", path, err)
		}
		if ste.CompressedLen, err = readU64(r); err != nil {
			return Manifest{}, quivererr.NewPath(quivererr.Corruption, "segment.ReadManifest", path, err)
		}
		if ste.UncompressedLen, err = readU64(r); err != nil {
			return Manifest{}, quivererr.NewPath(quivererr.Corruption, "segment.ReadManifest", path, err)
		}
		m.Streams = append(m.Streams, ste)
	}
	for _, ste := range m.Streams {
		if _, err := r.Seek(int64(ste.CompressedLen), io.SeekCurrent); err != nil {
			return Manifest{}, quivererr.NewPath(quivererr.Corruption, "segment.ReadManifest", path, err)
		}
	}
	for i := uint32(0); i < bundleCount; i++ {
		var entry ManifestEntry
		bitmap, err := readVarBytes(r)
		if err != nil {
			return Manifest{}, quivererr.NewPath(quivererr.Corruption, "segment.ReadManifest", path, err)
		}
		entry.SlotBitmap = bitmap
		rowCount, err := readU32(r)
		if err != nil {
			return Manifest{}, quivererr.NewPath(quivererr.Corruption, "segment.ReadManifest", path, err)
		}
		for j := uint32(0); j < rowCount; j++ {
			var sso SlotStreamOffset
			slotID, err := readU16(r)
			if err != nil {
				return Manifest{}, quivererr.NewPath(quivererr.Corruption, "segment.ReadManifest", path, err)
			}
			sso.Slot = bundle.SlotID(slotID)
			if sso.StreamIndex, err = readU32(r); err != nil {
				return Manifest{}, quivererr.NewPath(quivererr.Corruption, "segment.ReadManifest", path, err)
			}
			if sso.Offset, err = readU64(r); err != nil {
				return Manifest{}, quivererr.NewPath(quivererr.Corruption, "segment.ReadManifest", path, err)
			}
			entry.Rows = append(entry.Rows, sso)
		}
		m.Entries = append(m.Entries, entry)
	}
	return m, nil
}

// ReadStream decompresses and deserializes every Arrow record batch for
// stream index idx of the segment file at path. Called lazily by the query
// path, per stream, never eagerly for the whole file.
func ReadStream(mem memory.Allocator, path string, idx int) ([]arrow.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, quivererr.NewPath(quivererr.IO, "segment.ReadStream", path, err)
	}
	body := data[:len(data)-4]
	r := bytes.NewReader(body)
	if _, err := r.Seek(int64(len(fileMagic)), io.SeekStart); err != nil {
		return nil, quivererr.NewPath(quivererr.Corruption, "segment.ReadStream", path, err)
	}
	if _, err := readU16(r); err != nil {
		return nil, quivererr.NewPath(quivererr.Corruption, "segment.ReadStream", path, err)
	}
	streamCount, err := readU32(r)
	if err != nil {
		return nil, quivererr.NewPath(quivererr.Corruption, "segment.ReadStream", path, err)
	}
	if _, err := readU32(r); err != nil {
		return nil, quivererr.NewPath(quivererr.Corruption, "segment.ReadStream", path, err)
	}
	if idx < 0 || uint32(idx) >= streamCount {
		return nil, quivererr.NewPath(quivererr.Corruption, "segment.ReadStream", path, errBadStreamIndex)
	}

	entries := make([]streamTableEntry, streamCount)
	for i := range entries {
		slotID, err := readU16(r)
		if err != nil {
			return nil, quivererr.NewPath(quivererr.Corruption, "segment.ReadStream", path, err)
		}
		entries[i].Key.Slot = bundle.SlotID(slotID)
		if _, err := io.ReadFull(r, entries[i].Key.Fingerprint[:]); err != nil {
			return nil, quivererr.NewPath(quivererr.Corruption, "segment.ReadStream", path, err)
		}
		if entries[i].RowCount, err = readU64(r); err != nil {
			return nil, quivererr.NewPath(quivererr.Corruption, "segment.ReadStream", path, err)
		}
		if entries[i].CompressedLen, err = readU64(r); err != nil {
			return nil, quivererr.NewPath(quivererr.Corruption, "segment.ReadStream", path, err)
		}
		if entries[i].UncompressedLen, err = readU64(r); err != nil {
			return nil, quivererr.NewPath(quivererr.Corruption, "segment.ReadStream", path, err)
		}
	}

	var target []byte
	for i, ste := range entries {
		if i == idx {
			target = make([]byte, ste.CompressedLen)
			if _, err := io.ReadFull(r, target); err != nil {
				return nil, quivererr.NewPath(quivererr.Corruption, "segment.ReadStream", path, err)
			}
			break
		}
		if _, err := r.Seek(int64(ste.CompressedLen), io.SeekCurrent); err != nil {
			return nil, quivererr.NewPath(quivererr.Corruption, "segment.ReadStream", path, err)
		}
	}

	var raw bytes.Buffer
	lr := lz4.NewReader(bytes.NewReader(target))
	if _, err := io.Copy(&raw, lr); err != nil {
		return nil, quivererr.New(quivererr.Encoding, "segment.ReadStream", err)
	}

	ipcReader, err := ipc.NewReader(bytes.NewReader(raw.Bytes()), ipc.WithAllocator(mem))
	if err != nil {
		return nil, quivererr.New(quivererr.Encoding, "segment.ReadStream", err)
	}
	defer ipcReader.Release()
	var out []arrow.Record
	for ipcReader.Next() {
		rec := ipcReader.Record()
		rec.Retain()
		out = append(out, rec)
	}
	if err := ipcReader.Err(); err != nil && err != io.EOF {
		return nil, quivererr.New(quivererr.Encoding, "segment.ReadStream", err)
	}
	return out, nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeVarBytes(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readVarBytes(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
