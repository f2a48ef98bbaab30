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
	"os"
	"path/filepath"
)

// probeSetPermissions reports whether dir's filesystem actually honors
// chmod to read-only. Some filesystems silently accept the chmod without
// applying it, so the probe writes a temp file, strips the write bits, and
// stats it back to confirm the change took effect before the engine
// trusts read-only marking as immutability enforcement.
func probeSetPermissions(dir string) bool {
	path := filepath.Join(dir, ".permprobe")
	if err := os.WriteFile(path, []byte("probe"), 0640); err != nil {
		return false
	}
	defer func() {
		_ = os.Chmod(path, 0640) // make it deletable again
		_ = os.Remove(path)
	}()
	if err := os.Chmod(path, 0440); err != nil {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0200 == 0
}
