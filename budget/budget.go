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

// Package budget implements the disk budget: a process-wide, multi-owner
// capacity accountant. It is a standalone struct
// rather than something the WAL or segment store owns, because both
// contribute to `used` and several engines may share one budget.
//
// The accountant is lock-free: add/release are commutative atomic adds,
// and IsOverSoftCap may return a stale true briefly, which is fine
// because the gate is advisory, not a serialized barrier.
package budget

import (
	"fmt"
	"sync/atomic"

	"github.com/launix-de/quiver/quivererr"
)

// Policy selects what the engine does when ingest observes the budget over
// its soft cap.
type Policy int

const (
	// Backpressure fails ingest with StorageAtCapacity once cleanup cannot
	// bring usage back under the soft cap.
	Backpressure Policy = iota
	// DropOldest force-drops the oldest pending (unconsumed) segment
	// repeatedly until usage is back under the soft cap or nothing more
	// can be reclaimed.
	DropOldest
)

func (p Policy) String() string {
	if p == DropOldest {
		return "DropOldest"
	}
	return "Backpressure"
}

// Budget is the shared capacity accountant. Construct with New, which
// enforces the structural headroom invariants.
type Budget struct {
	hardCap           uint64
	softCap           uint64
	used              uint64 // atomic
	policy            Policy
	segmentTargetSize uint64
}

// Config carries the construction-time inputs.
type Config struct {
	HardCap           uint64
	WalMax            uint64
	SegmentTargetSize uint64
	Policy            Policy
}

// New validates and builds a Budget.
//
// Structural invariants:
//   - hard_cap >= wal_max + 2*segment_target_size
//   - hard_cap - soft_cap >= segment_target_size (soft_cap = hard_cap - segment_headroom)
//
// The headroom guarantees that any single segment finalization already
// decided upon may complete without exceeding hard_cap.
func New(cfg Config) (*Budget, error) {
	if cfg.SegmentTargetSize == 0 {
		return nil, quivererr.New(quivererr.InvalidConfig, "budget.New", fmt.Errorf("segment target size must be nonzero"))
	}
	minimum := cfg.WalMax + 2*cfg.SegmentTargetSize
	if cfg.HardCap < minimum {
		return nil, quivererr.New(quivererr.InvalidConfig, "budget.New",
			fmt.Errorf("hard_cap %d below minimum %d (wal_max %d + 2*segment_target_size %d)",
				cfg.HardCap, minimum, cfg.WalMax, cfg.SegmentTargetSize))
	}
	softCap := cfg.HardCap - cfg.SegmentTargetSize
	return &Budget{
		hardCap:           cfg.HardCap,
		softCap:           softCap,
		policy:            cfg.Policy,
		segmentTargetSize: cfg.SegmentTargetSize,
	}, nil
}

// Add accounts n more bytes as used. Commutative with Release; both are
// lock-free atomic operations so concurrent ingesters never block on the
// shared accountant.
func (b *Budget) Add(n uint64) {
	atomic.AddUint64(&b.used, n)
}

// Release accounts n fewer bytes as used, e.g. after a WAL purge or
// segment deletion. Saturates at zero rather than underflowing, since
// double-release races are possible under the advisory gate.
func (b *Budget) Release(n uint64) {
	for {
		cur := atomic.LoadUint64(&b.used)
		var next uint64
		if n > cur {
			next = 0
		} else {
			next = cur - n
		}
		if atomic.CompareAndSwapUint64(&b.used, cur, next) {
			return
		}
	}
}

// Used returns the current accounted usage.
func (b *Budget) Used() uint64 { return atomic.LoadUint64(&b.used) }

// HardCap returns the absolute ceiling.
func (b *Budget) HardCap() uint64 { return b.hardCap }

// SoftCap returns the advisory ceiling (hard_cap - segment_headroom).
func (b *Budget) SoftCap() uint64 { return b.softCap }

// IsOverSoftCap reports whether used usage is at or beyond the soft cap.
func (b *Budget) IsOverSoftCap() bool {
	return atomic.LoadUint64(&b.used) >= b.softCap
}

// IsOverHardCap reports whether used usage is at or beyond the hard cap;
// this should never happen for any sequence of legal operations whose peak
// in-flight WAL bytes are under the configured WAL max.
func (b *Budget) IsOverHardCap() bool {
	return atomic.LoadUint64(&b.used) >= b.hardCap
}

// SoftCapHeadroom returns how many bytes remain before the soft cap, 0 if
// already at or beyond it.
func (b *Budget) SoftCapHeadroom() uint64 {
	used := atomic.LoadUint64(&b.used)
	if used >= b.softCap {
		return 0
	}
	return b.softCap - used
}

// Policy returns the configured retention policy.
func (b *Budget) Policy() Policy { return b.policy }
