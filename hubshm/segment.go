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
	"crypto/subtle"
	"fmt"
	"os"
	"unsafe"
)

// Platform-specific functions, installed by the build-tagged platform files.
// Tests may substitute processAlive to simulate process death.
var (
	mapFile      func(file *os.File, size int) ([]byte, error)
	unmapMemory  func(data []byte) error
	processAlive func(pid int) bool
	monotonicNow func() int64
	currentTID   func() int
)

// Geometry describes the shape of a segment at creation time.
type Geometry struct {
	// RingCapacity is the number of slots in the ring.
	RingCapacity uint32
	// SlotSize is the payload size of each slot in bytes.
	SlotSize uint64
	// ZoneSizes declares the flexible zones in index order (max 8). Both
	// sides must declare identical zones or neither gets access.
	ZoneSizes []uint64
	// Checksums enables per-slot BLAKE2b payload checksums.
	Checksums bool
	// SchemaHash and SchemaMajor/SchemaMinor describe the application-level
	// record schema. The hash is opaque to this package.
	SchemaHash  [DigestSize]byte
	SchemaMajor uint32
	SchemaMinor uint32
}

// segment is a mapped shared-memory segment. It is process-local; only the
// bytes it maps are shared.
type segment struct {
	file   *os.File
	mem    []byte
	path   string
	cb     *cbView
	layout segmentLayout
}

// createSegment creates, sizes and maps a new segment and initializes its
// control block. The file is created exclusively; a leftover file from a
// previous crash must be removed through recovery first.
func createSegment(name, dir string, geo Geometry, secret [DigestSize]byte) (*segment, error) {
	layout, err := calculateLayout(geo.RingCapacity, geo.SlotSize, geo.ZoneSizes)
	if err != nil {
		return nil, fmt.Errorf("layout calculation failed: %w", err)
	}

	path := segmentPath(name, dir)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(layout.totalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize segment file: %w", err)
	}

	mem, err := mapFile(file, int(layout.totalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	s := &segment{
		file:   file,
		mem:    mem,
		path:   path,
		cb:     &cbView{basePtr: unsafe.Pointer(&mem[0])},
		layout: layout,
	}

	var magic [8]byte
	copy(magic[:], SegmentMagic)
	s.cb.SetMagic(magic)
	s.cb.SetVersion(VersionMajor, VersionMinor)
	s.cb.SetLayoutHash(computeLayoutHash())
	s.cb.SetRingCapacity(geo.RingCapacity)
	s.cb.SetSlotSize(geo.SlotSize)
	s.cb.SetZoneCount(uint32(len(geo.ZoneSizes)))
	for i, sz := range geo.ZoneSizes {
		s.cb.SetZone(i, layout.zoneOffsets[i], sz)
	}
	s.cb.SetSchemaHash(geo.SchemaHash)
	s.cb.SetSchemaVersion(geo.SchemaMajor, geo.SchemaMinor)
	s.cb.SetSecret(secret)
	if geo.Checksums {
		s.cb.SetFlags(flagChecksums)
	}
	s.cb.SetHead(0)

	return s, nil
}

// openSegment maps an existing segment and validates its control block:
// magic, format version, ABI layout hash, declared zones and the access
// secret. expectZones nil skips the zone agreement check (diagnostic
// attach); otherwise it must match the stored zone table exactly.
func openSegment(name, dir string, secret [DigestSize]byte, expectZones []uint64) (*segment, error) {
	path := segmentPath(name, dir)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}
	size := info.Size()
	if size < ControlBlockSize {
		file.Close()
		return nil, fmt.Errorf("segment file too small: %d bytes", size)
	}

	mem, err := mapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	s := &segment{
		file: file,
		mem:  mem,
		path: path,
		cb:   &cbView{basePtr: unsafe.Pointer(&mem[0])},
	}
	fail := func(err error) (*segment, error) {
		unmapMemory(mem)
		file.Close()
		return nil, err
	}

	if magic := s.cb.Magic(); string(magic[:]) != SegmentMagic {
		return fail(fmt.Errorf("%w: bad magic bytes", ErrLayoutMismatch))
	}
	if major, _ := s.cb.Version(); major != VersionMajor {
		return fail(fmt.Errorf("%w: format version %d, expected %d", ErrLayoutMismatch, major, VersionMajor))
	}
	if s.cb.LayoutHash() != computeLayoutHash() {
		return fail(fmt.Errorf("%w: layout hash differs", ErrLayoutMismatch))
	}

	stored := s.cb.Secret()
	if subtle.ConstantTimeCompare(stored[:], secret[:]) != 1 {
		return fail(ErrSecretMismatch)
	}

	// Recompute the layout from the stored geometry and cross-check the
	// zone table so a truncated or corrupted file cannot produce
	// out-of-bounds views.
	var zoneSizes []uint64
	for i := 0; i < int(s.cb.ZoneCount()); i++ {
		_, zsize := s.cb.Zone(i)
		zoneSizes = append(zoneSizes, zsize)
	}
	layout, err := calculateLayout(s.cb.RingCapacity(), s.cb.SlotSize(), zoneSizes)
	if err != nil {
		return fail(fmt.Errorf("%w: stored geometry invalid: %v", ErrLayoutMismatch, err))
	}
	if layout.totalSize > uint64(size) {
		return fail(fmt.Errorf("%w: segment file smaller than its declared layout", ErrLayoutMismatch))
	}
	for i := range zoneSizes {
		off, _ := s.cb.Zone(i)
		if off != layout.zoneOffsets[i] {
			return fail(fmt.Errorf("%w: zone %d offset differs", ErrLayoutMismatch, i))
		}
	}
	s.layout = layout

	if expectZones != nil {
		if len(expectZones) != len(zoneSizes) {
			return fail(fmt.Errorf("%w: declared %d zones, segment has %d", ErrNoAccess, len(expectZones), len(zoneSizes)))
		}
		for i, sz := range expectZones {
			if sz != zoneSizes[i] {
				return fail(fmt.Errorf("%w: zone %d size %d, segment has %d", ErrNoAccess, i, sz, zoneSizes[i]))
			}
		}
	}

	return s, nil
}

// slot returns the view over slot i's header. i must be < ring capacity.
func (s *segment) slot(i uint32) slotView {
	off := s.layout.slotHdrOff + uint64(i)*SlotHeaderSize
	return slotView{hdr: (*slotHeader)(unsafe.Pointer(&s.mem[off]))}
}

// payload returns slot i's payload bytes.
func (s *segment) payload(i uint32) []byte {
	off := s.layout.payloadOff + uint64(i)*s.layout.slotStride
	return s.mem[off : off+s.cb.SlotSize() : off+s.cb.SlotSize()]
}

// zoneBytes returns the bytes of flexible zone i, or nil if undefined.
func (s *segment) zoneBytes(i int) []byte {
	if i < 0 || i >= int(s.cb.ZoneCount()) {
		return nil
	}
	off, size := s.cb.Zone(i)
	if size == 0 {
		return nil
	}
	return s.mem[off : off+size : off+size]
}

// close unmaps the memory and closes the file. The backing file stays for
// other attached processes; see unlink.
func (s *segment) close() error {
	var firstErr error
	if s.mem != nil {
		if err := unmapMemory(s.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mem = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}
	return firstErr
}

// unlink removes the backing file. Only the segment owner or an
// administrative tool calls this.
func (s *segment) unlink() error {
	if s.path == "" {
		return nil
	}
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
