/*
 *
 * Copyright 2026 PyLabHub Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package hubshm

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// segmentPrefix namespaces hub segments in /dev/shm and the temp dir.
const segmentPrefix = "pylabhub_"

// SegmentName derives the platform shared-memory name for a channel from
// its hub, source and channel identifiers. The derivation is deterministic
// so both sides of the broker exchange compute the same name; callers never
// construct names by hand.
func SegmentName(hub, source, channel string) string {
	h := blake3.New()
	// NUL separators keep ("ab","c") distinct from ("a","bc").
	h.Write([]byte(hub))
	h.Write([]byte{0})
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(channel))
	sum := h.Sum(nil)
	return segmentPrefix + hex.EncodeToString(sum[:12])
}

// segmentPath resolves the backing file path for a segment name. Prefers
// /dev/shm on Linux, falls back to the temp dir; dir overrides both.
func segmentPath(name, dir string) string {
	if dir != "" {
		return filepath.Join(dir, name)
	}
	if isDevShmAvailable() {
		return filepath.Join("/dev/shm", name)
	}
	return filepath.Join(os.TempDir(), name)
}

// isDevShmAvailable checks if /dev/shm is available and a directory.
func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

// RemoveSegment unlinks a segment's backing file wherever it lives.
// Used by administrative teardown after the owner has exited.
func RemoveSegment(name string) error {
	paths := []string{
		filepath.Join("/dev/shm", name),
		filepath.Join(os.TempDir(), name),
	}
	var lastErr error
	for _, path := range paths {
		if err := os.Remove(path); err == nil {
			return nil
		} else if !os.IsNotExist(err) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return os.ErrNotExist
}

// SegmentExists reports whether a segment's backing file exists.
func SegmentExists(name string) bool {
	paths := []string{
		filepath.Join("/dev/shm", name),
		filepath.Join(os.TempDir(), name),
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}
