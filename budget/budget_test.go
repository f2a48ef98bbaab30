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

package budget

import (
	"sync"
	"testing"

	"github.com/launix-de/quiver/quivererr"
)

func TestNewEnforcesMinimumHardCap(t *testing.T) {
	_, err := New(Config{HardCap: 100, WalMax: 50, SegmentTargetSize: 30})
	if err == nil {
		t.Fatalf("expected InvalidConfig for hard cap below wal_max + 2*segment_target_size")
	}
	if !quivererr.Is(err, quivererr.InvalidConfig) {
		t.Fatalf("expected InvalidConfig, got %v", err)
	}

	b, err := New(Config{HardCap: 110, WalMax: 50, SegmentTargetSize: 30})
	if err != nil {
		t.Fatalf("minimum-exact config rejected: %v", err)
	}
	if b.SoftCap() != 110-30 {
		t.Fatalf("soft cap = %d, want %d", b.SoftCap(), 110-30)
	}
}

func TestNewRejectsZeroSegmentTarget(t *testing.T) {
	_, err := New(Config{HardCap: 100, WalMax: 10, SegmentTargetSize: 0})
	if !quivererr.Is(err, quivererr.InvalidConfig) {
		t.Fatalf("expected InvalidConfig, got %v", err)
	}
}

func TestAddReleaseAndSoftCap(t *testing.T) {
	b, err := New(Config{HardCap: 1000, WalMax: 100, SegmentTargetSize: 200})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.IsOverSoftCap() {
		t.Fatalf("fresh budget over soft cap")
	}
	b.Add(799)
	if b.IsOverSoftCap() {
		t.Fatalf("soft cap is %d, used 799 should be under", b.SoftCap())
	}
	if got := b.SoftCapHeadroom(); got != 1 {
		t.Fatalf("headroom = %d, want 1", got)
	}
	b.Add(1)
	if !b.IsOverSoftCap() {
		t.Fatalf("used == soft cap should report over")
	}
	if got := b.SoftCapHeadroom(); got != 0 {
		t.Fatalf("headroom = %d, want 0", got)
	}
	b.Release(300)
	if b.IsOverSoftCap() {
		t.Fatalf("released below soft cap but still reported over")
	}
}

func TestReleaseSaturatesAtZero(t *testing.T) {
	b, err := New(Config{HardCap: 1000, WalMax: 100, SegmentTargetSize: 200})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Add(10)
	b.Release(25)
	if got := b.Used(); got != 0 {
		t.Fatalf("used = %d after over-release, want 0", got)
	}
}

func TestConcurrentAddRelease(t *testing.T) {
	b, err := New(Config{HardCap: 1 << 30, WalMax: 1 << 20, SegmentTargetSize: 1 << 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				b.Add(7)
				b.Release(7)
			}
		}()
	}
	wg.Wait()
	if got := b.Used(); got != 0 {
		t.Fatalf("used = %d after balanced add/release, want 0", got)
	}
}
