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

// Package quivererr holds the error taxonomy shared by every quiver
// component: construction-time config failures, capacity pressure,
// filesystem faults, on-disk corruption, bad Arrow input, unsupported
// predicate shapes and subscriber lifecycle errors.
package quivererr

import "fmt"

// Kind classifies an error so callers can branch on it with this package's
// Is(err, kind) instead of string matching.
type Kind int

const (
	// InvalidConfig is a construction-time validation failure; fatal at open.
	InvalidConfig Kind = iota
	// StorageAtCapacity means the disk budget's soft/hard cap would be
	// crossed; recoverable by cleanup or finalization.
	StorageAtCapacity
	// IO is a transient or permanent filesystem failure.
	IO
	// Corruption is a CRC or structural mismatch in a WAL or segment file.
	Corruption
	// Encoding is a malformed Arrow batch (wrong type, unexpected null,
	// dictionary key width mismatch).
	Encoding
	// NotYetSupported is a predicate shape the planner cannot express.
	NotYetSupported
	// InvalidPipeline is a semantically invalid filter plan.
	InvalidPipeline
	// ExecutionError means required columns are present but have an
	// unexpected type.
	ExecutionError
	// SubscriberNotFound names a subscriber id the registry has never seen.
	SubscriberNotFound
	// NotActive means the subscriber exists but is not in the active state.
	NotActive
	// Cancelled is returned when a cancellation token fires during an
	// async wait (e.g. next_bundle).
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case InvalidConfig:
		return "InvalidConfig"
	case StorageAtCapacity:
		return "StorageAtCapacity"
	case IO:
		return "Io"
	case Corruption:
		return "Corruption"
	case Encoding:
		return "Encoding"
	case NotYetSupported:
		return "NotYetSupported"
	case InvalidPipeline:
		return "InvalidPipeline"
	case ExecutionError:
		return "ExecutionError"
	case SubscriberNotFound:
		return "SubscriberNotFound"
	case NotActive:
		return "NotActive"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned across package boundaries. Op
// names the operation that failed ("wal.append", "segment.finalize", ...),
// Path is populated for filesystem-rooted errors, and Err is the wrapped
// cause (nil for pure sentinel conditions like StorageAtCapacity).
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Path != "":
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Path, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Kind, e.Path)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no path, the common case.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewPath builds an Error rooted at a filesystem path.
func NewPath(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if qe, ok := err.(*Error); ok {
			if qe.Kind == kind {
				return true
			}
			err = qe.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
