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

// Package idgen generates subscriber ids. A counter/time/pid mix avoids
// the startup entropy stall crypto/rand can hit on freshly booted
// containers, while the pid component keeps two processes sharing one
// progress directory from colliding on the same boot-time seed.
package idgen

import (
	"encoding/binary"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var counter uint64

func init() {
	counter = uint64(time.Now().UnixNano()) ^ uint64(os.Getpid())<<48
}

// NewSubscriberID returns a UUIDv4-shaped value without relying on
// crypto/rand. Not suitable for cryptographic use; fine for a subscriber
// handle that only needs to be unique within one data directory. The
// counter guarantees in-process uniqueness; the timestamp and a
// fixed-point multiply spread consecutive ids across the value space so
// progress filenames do not sort into one clump.
func NewSubscriberID() uuid.UUID {
	ctr := atomic.AddUint64(&counter, 1)
	now := uint64(time.Now().UnixNano())
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], now^(ctr<<21))
	binary.BigEndian.PutUint64(b[8:16], ctr*0x9e3779b97f4a7c15)
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return uuid.UUID(b)
}
