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
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/go-units"

	"github.com/launix-de/quiver/budget"
	"github.com/launix-de/quiver/quivererr"
)

// Durability selects whether every ingested bundle hits the WAL before the
// open segment (Wal), or only the open segment (SegmentOnly: cheaper, but
// bundles not yet finalized are lost on crash).
type Durability int

const (
	Wal Durability = iota
	SegmentOnly
)

// Config is the full engine configuration: the recognized dotted keys
// plus the shared disk budget and the optional archive tier.
type Config struct {
	DataDir    string
	Durability Durability

	SegmentTargetSizeBytes uint64        // segment.target_size_bytes
	SegmentMaxOpenDuration time.Duration // segment.max_open_duration
	SegmentMaxStreamCount  int           // segment.max_stream_count

	WalMaxSizeBytes      uint64        // wal.max_size_bytes
	WalRotationTarget    uint64        // wal.rotation_target_bytes
	WalMaxRotatedFiles   int           // wal.max_rotated_files
	WalFlushInterval     time.Duration // wal.flush_interval (0 = immediate fsync)

	RetentionMaxAge time.Duration // retention.max_age (0 = disabled)
	RetentionPolicy budget.Policy // retention.policy

	// BudgetHardCapBytes caps total disk usage across WAL and segments.
	// Must be at least wal.max_size_bytes + 2*segment.target_size_bytes.
	BudgetHardCapBytes uint64

	// ArchiveBackend/ArchiveConfig optionally select an off-box mirror for
	// finalized segments ("file", "s3", "ceph"); empty disables archival.
	ArchiveBackend string
	ArchiveConfig  json.RawMessage
}

// Validate checks every construction-time invariant. The budget invariant
// itself is re-checked by budget.New; the checks here cover the nonzero
// requirements on individual keys.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return quivererr.New(quivererr.InvalidConfig, "engine.Config", fmt.Errorf("data_dir must be set"))
	}
	if c.SegmentTargetSizeBytes == 0 {
		return quivererr.New(quivererr.InvalidConfig, "engine.Config", fmt.Errorf("segment.target_size_bytes must be nonzero"))
	}
	if c.SegmentMaxStreamCount <= 0 {
		return quivererr.New(quivererr.InvalidConfig, "engine.Config", fmt.Errorf("segment.max_stream_count must be nonzero"))
	}
	if c.Durability == Wal {
		if c.WalMaxSizeBytes == 0 {
			return quivererr.New(quivererr.InvalidConfig, "engine.Config", fmt.Errorf("wal.max_size_bytes must be nonzero"))
		}
		if c.WalRotationTarget == 0 {
			return quivererr.New(quivererr.InvalidConfig, "engine.Config", fmt.Errorf("wal.rotation_target_bytes must be nonzero"))
		}
		if c.WalMaxRotatedFiles < 0 {
			return quivererr.New(quivererr.InvalidConfig, "engine.Config", fmt.Errorf("wal.max_rotated_files must be nonnegative"))
		}
	}
	minBudget := c.WalMaxSizeBytes + 2*c.SegmentTargetSizeBytes
	if c.BudgetHardCapBytes < minBudget {
		return quivererr.New(quivererr.InvalidConfig, "engine.Config",
			fmt.Errorf("budget hard cap %d below minimum %d (wal_max + 2*segment_target_size)", c.BudgetHardCapBytes, minBudget))
	}
	return nil
}

// parseSize accepts both raw byte counts ("1048576") and human strings
// ("64MB", "1.5GiB").
func parseSize(v string) (uint64, error) {
	if n, err := strconv.ParseUint(v, 10, 64); err == nil {
		return n, nil
	}
	n, err := units.RAMInBytes(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad size value %q", v)
	}
	return uint64(n), nil
}

// ParseOptions builds a Config from the recognized string keys, for
// callers wiring the engine from a flat config file.
// Unrecognized keys are an InvalidConfig error rather than being silently
// ignored.
func ParseOptions(opts map[string]string) (Config, error) {
	cfg := Config{
		SegmentMaxOpenDuration: 30 * time.Second,
		SegmentMaxStreamCount:  256,
	}
	for k, v := range opts {
		var err error
		switch k {
		case "data_dir":
			cfg.DataDir = v
		case "durability":
			switch v {
			case "Wal":
				cfg.Durability = Wal
			case "SegmentOnly":
				cfg.Durability = SegmentOnly
			default:
				err = fmt.Errorf("bad durability %q", v)
			}
		case "segment.target_size_bytes":
			cfg.SegmentTargetSizeBytes, err = parseSize(v)
		case "segment.max_open_duration":
			cfg.SegmentMaxOpenDuration, err = time.ParseDuration(v)
		case "segment.max_stream_count":
			cfg.SegmentMaxStreamCount, err = strconv.Atoi(v)
		case "wal.max_size_bytes":
			cfg.WalMaxSizeBytes, err = parseSize(v)
		case "wal.rotation_target_bytes":
			cfg.WalRotationTarget, err = parseSize(v)
		case "wal.max_rotated_files":
			cfg.WalMaxRotatedFiles, err = strconv.Atoi(v)
		case "wal.flush_interval":
			cfg.WalFlushInterval, err = time.ParseDuration(v)
		case "retention.max_age":
			cfg.RetentionMaxAge, err = time.ParseDuration(v)
		case "retention.policy":
			switch v {
			case "Backpressure":
				cfg.RetentionPolicy = budget.Backpressure
			case "DropOldest":
				cfg.RetentionPolicy = budget.DropOldest
			default:
				err = fmt.Errorf("bad retention policy %q", v)
			}
		case "budget.hard_cap_bytes":
			cfg.BudgetHardCapBytes, err = parseSize(v)
		case "archive.backend":
			cfg.ArchiveBackend = v
		case "archive.config":
			cfg.ArchiveConfig = json.RawMessage(v)
		default:
			err = fmt.Errorf("unrecognized key")
		}
		if err != nil {
			return Config{}, quivererr.New(quivererr.InvalidConfig, "engine.ParseOptions", fmt.Errorf("%s: %w", k, err))
		}
	}
	return cfg, cfg.Validate()
}
