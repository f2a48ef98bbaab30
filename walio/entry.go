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
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/ipc"
	"github.com/apache/arrow/go/v12/arrow/memory"

	"github.com/launix-de/quiver/bundle"
	"github.com/launix-de/quiver/quivererr"
)

const alignment = 8

// encodedEntry is the fully serialized byte form of one WAL entry,
// including its length prefix and trailing padding, ready to be appended to
// the active file. Framing:
//
//	{length:u32, sequence:u64, ingestion_ts_nanos:i64, slot_bitmap:varbytes,
//	 slot_count:u32,
//	 slot_payloads:[{slot_id:u16, fingerprint:[u8;32], ipc_bytes:varbytes}],
//	 crc32:u32}
//
// padded to an 8-byte boundary.
type encodedEntry struct {
	bytes []byte // includes 4-byte length prefix and padding
	body  []byte // bytes after the length prefix, CRC included, padding excluded
}

// replayedEntry pairs a decoded bundle with its WAL sequence, timestamp and
// the global offset just past the entry. Replay itself returns
// ReplayResult, which carries the entry's full byte Range instead.
type replayedEntry struct {
	Sequence  uint64
	Timestamp time.Time
	Bundle    bundle.Bundle
	endOffset uint64 // global offset just past this entry
}

func putVarBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func readVarBytes(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// serializeBatch writes an Arrow record batch to its IPC stream
// representation: one ipc.Writer over one bytes.Buffer, nothing more.
func serializeBatch(rec arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()))
	if err := w.Write(rec); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deserializeBatch is the inverse of serializeBatch.
func deserializeBatch(mem memory.Allocator, b []byte) (arrow.Record, error) {
	r, err := ipc.NewReader(bytes.NewReader(b), ipc.WithAllocator(mem))
	if err != nil {
		return nil, err
	}
	defer r.Release()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, io.ErrUnexpectedEOF
	}
	rec := r.Record()
	rec.Retain()
	return rec, nil
}

// encodeEntry builds the on-disk byte form of one bundle at the given WAL
// sequence number.
func encodeEntry(mem memory.Allocator, sequence uint64, b bundle.Bundle) (encodedEntry, error) {
	var body bytes.Buffer
	var hdr [8 + 8]byte
	binary.BigEndian.PutUint64(hdr[0:8], sequence)
	binary.BigEndian.PutUint64(hdr[8:16], uint64(b.IngestedAt.UnixNano()))
	body.Write(hdr[:])
	putVarBytes(&body, b.SlotBitmap())

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(b.Payloads)))
	body.Write(countBuf[:])
	for _, p := range b.Payloads {
		var slotBuf [2]byte
		binary.BigEndian.PutUint16(slotBuf[:], uint16(p.Slot))
		body.Write(slotBuf[:])
		body.Write(p.Fingerprint[:])
		ipcBytes, err := serializeBatch(p.Batch)
		if err != nil {
			return encodedEntry{}, quivererr.New(quivererr.Encoding, "wal.encodeEntry", err)
		}
		putVarBytes(&body, ipcBytes)
	}

	crc := crc32.ChecksumIEEE(body.Bytes())
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	body.Write(crcBuf[:])

	var out bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(body.Len()))
	out.Write(lenBuf[:])
	out.Write(body.Bytes())
	total := out.Len()
	if pad := (alignment - total%alignment) % alignment; pad > 0 {
		out.Write(make([]byte, pad))
	}
	return encodedEntry{bytes: out.Bytes(), body: body.Bytes()}, nil
}

// rawSlot is a slot payload still in its wire-encoded IPC form.
type rawSlot struct {
	slot IDFingerprint
	ipc  []byte
}

// IDFingerprint pairs a slot id with its schema fingerprint.
type IDFingerprint struct {
	Slot        bundle.SlotID
	Fingerprint bundle.Fingerprint
}

// rawEntry is a decoded WAL entry whose slot payloads have not yet been
// deserialized from Arrow IPC. Splitting decode this way lets the replay
// path filter expired entries by timestamp before paying the IPC
// deserialization cost.
type rawEntry struct {
	Sequence  uint64
	Timestamp time.Time
	Slots     []rawSlot
}

// decodeEntryAt decodes one WAL entry's framing starting at the reader's
// current position, without touching Arrow. It returns io.ErrUnexpectedEOF
// when the stream ends, whether at an entry boundary or mid-entry; either
// marks the end of the last fully-written entry (after a crash, the
// latter). It returns a Corruption error on CRC mismatch or truncated
// structure.
func decodeEntryAt(r io.Reader) (rawEntry, int, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return rawEntry{}, 0, io.ErrUnexpectedEOF
	}
	bodyLen := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return rawEntry{}, 0, io.ErrUnexpectedEOF
	}
	consumed := 4 + int(bodyLen)
	if pad := (alignment - consumed%alignment) % alignment; pad > 0 {
		padBuf := make([]byte, pad)
		if _, err := io.ReadFull(r, padBuf); err != nil {
			return rawEntry{}, 0, io.ErrUnexpectedEOF
		}
		consumed += pad
	}

	if len(body) < 8+8+4+4 {
		return rawEntry{}, 0, quivererr.New(quivererr.Corruption, "wal.decodeEntry", io.ErrUnexpectedEOF)
	}
	payload := body[:len(body)-4]
	wantCRC := binary.BigEndian.Uint32(body[len(body)-4:])
	gotCRC := crc32.ChecksumIEEE(payload)
	if gotCRC != wantCRC {
		return rawEntry{}, 0, quivererr.New(quivererr.Corruption, "wal.decodeEntry", errCRCMismatch)
	}

	br := bytes.NewReader(payload)
	var hdr [16]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return rawEntry{}, 0, quivererr.New(quivererr.Corruption, "wal.decodeEntry", err)
	}
	sequence := binary.BigEndian.Uint64(hdr[0:8])
	tsNanos := int64(binary.BigEndian.Uint64(hdr[8:16]))

	if _, err := readVarBytes(br); err != nil { // slot bitmap, unused on decode path
		return rawEntry{}, 0, quivererr.New(quivererr.Corruption, "wal.decodeEntry", err)
	}

	var countBuf [4]byte
	if _, err := io.ReadFull(br, countBuf[:]); err != nil {
		return rawEntry{}, 0, quivererr.New(quivererr.Corruption, "wal.decodeEntry", err)
	}
	count := binary.BigEndian.Uint32(countBuf[:])

	ts := time.Unix(0, tsNanos).UTC()
	entry := rawEntry{Sequence: sequence, Timestamp: ts}
	for i := uint32(0); i < count; i++ {
		var slotBuf [2]byte
		if _, err := io.ReadFull(br, slotBuf[:]); err != nil {
			return rawEntry{}, 0, quivererr.New(quivererr.Corruption, "wal.decodeEntry", err)
		}
		var fp bundle.Fingerprint
		if _, err := io.ReadFull(br, fp[:]); err != nil {
			return rawEntry{}, 0, quivererr.New(quivererr.Corruption, "wal.decodeEntry", err)
		}
		ipcBytes, err := readVarBytes(br)
		if err != nil {
			return rawEntry{}, 0, quivererr.New(quivererr.Corruption, "wal.decodeEntry", err)
		}
		entry.Slots = append(entry.Slots, rawSlot{
			slot: IDFingerprint{Slot: bundle.SlotID(binary.BigEndian.Uint16(slotBuf[:])), Fingerprint: fp},
			ipc:  ipcBytes,
		})
	}

	return entry, consumed, nil
}

// materialize deserializes every slot's Arrow IPC bytes into a bundle.Bundle.
func materialize(mem memory.Allocator, e rawEntry) (bundle.Bundle, error) {
	b := bundle.Bundle{IngestedAt: e.Timestamp}
	for _, s := range e.Slots {
		rec, err := deserializeBatch(mem, s.ipc)
		if err != nil {
			return bundle.Bundle{}, quivererr.New(quivererr.Encoding, "wal.materialize", err)
		}
		b.Payloads = append(b.Payloads, bundle.SlotPayload{
			Slot:        s.slot.Slot,
			Fingerprint: s.slot.Fingerprint,
			Batch:       rec,
		})
	}
	return b, nil
}
