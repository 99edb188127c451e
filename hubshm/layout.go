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
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/zeebo/blake3"
)

// Memory layout constants.
const (
	// Magic bytes for segment identification.
	SegmentMagic = "LABHUBSM"

	// Control block format version.
	VersionMajor = uint16(1)
	VersionMinor = uint16(0)

	// ControlBlockSize is the exact size of the control block at the start
	// of every segment. The layout hash rejects binaries that disagree.
	ControlBlockSize = 4096

	// SlotHeaderSize is the per-slot state record size (one cache line).
	SlotHeaderSize = 64

	// MaxZones is the number of flexible-zone descriptors a segment carries.
	MaxZones = 8

	// MaxLocks is the number of spinlock records in the control block.
	// Lock 0 is reserved for control-block-wide mutations.
	MaxLocks = 8

	// MaxHeartbeats is the number of consumer heartbeat records.
	MaxHeartbeats = 8

	// DigestSize is the byte length of every stored digest (BLAKE2b-256).
	DigestSize = 32

	// MaxRingCapacity bounds the slot count so absolute record ids stay far
	// from uint64 wrap for any realistic lifetime.
	MaxRingCapacity = 1 << 20
)

// Control block flag bits.
const (
	flagChecksums = uint32(1 << 0) // per-slot payload checksums enabled
)

// SlotState is the logical state of a ring slot.
type SlotState uint32

const (
	// SlotFree means the slot holds no published record.
	SlotFree SlotState = 0
	// SlotWriting means the writer is filling the slot; readers must not
	// touch it and its reader count is zero.
	SlotWriting SlotState = 1
	// SlotReadable means the slot holds a complete published record.
	SlotReadable SlotState = 2
)

// String implements fmt.Stringer for diagnostics output.
func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotWriting:
		return "writing"
	case SlotReadable:
		return "readable"
	default:
		return fmt.Sprintf("invalid(%d)", uint32(s))
	}
}

// Diagnostic markers stamped on slots by recovery operations.
const (
	// DiagNone means the slot was never touched by recovery.
	DiagNone = uint32(0)
	// DiagWriterReclaim means the slot was reset while reclaiming a dead
	// writer's lock token.
	DiagWriterReclaim = uint32(1)
	// DiagForceReset means an administrative force-reset cleared the slot.
	DiagForceReset = uint32(2)
	// DiagReaderRelease means a zombie-reader release reset the slot.
	DiagReaderRelease = uint32(3)
)

// zoneDesc describes one flexible zone: a statically agreed side-channel
// region. Offset is absolute within the segment; zero size means undefined.
type zoneDesc struct {
	offset uint64 // 0x00: absolute byte offset within the segment
	size   uint64 // 0x08: zone size in bytes (0 = undefined)
}

// writeLockToken names the one process allowed to publish into the ring.
// Ownership is the (pid, generation) pair so a reused pid can never be
// mistaken for the original holder.
type writeLockToken struct {
	pid        uint32 // 0x00: owner process id (0 = unheld)
	_          uint32 // 0x04: padding
	generation uint64 // 0x08: bumped on every acquisition and reclaim
}

// spinLockState is one cross-process spinlock record. word holds the owner
// pid (0 = free) and is the only CAS target; the remaining fields are
// written exclusively by the current holder.
type spinLockState struct {
	word       uint64  // 0x00: owner pid, 0 when free
	generation uint64  // 0x08: bumped on every acquisition and reclaim
	tid        uint32  // 0x10: owner thread id, meaningful only while held
	recursion  uint32  // 0x14: same-thread re-entry depth
	_          [8]byte // 0x18: padding to 32 bytes
}

// heartbeat is one consumer liveness record.
type heartbeat struct {
	pid     uint32 // 0x00: consumer process id (0 = vacant)
	_       uint32 // 0x04: padding
	stampNs int64  // 0x08: CLOCK_MONOTONIC nanoseconds of the last beat
}

// controlBlock is the fixed 4096-byte structure at the start of the segment.
// Built only from fixed-width fields; every offset is covered by the layout
// hash so mismatched binaries are rejected at attach.
type controlBlock struct {
	magic       [8]byte                    // 0x000: "LABHUBSM"
	verMajor    uint16                     // 0x008: format version major
	verMinor    uint16                     // 0x00A: format version minor
	flags       uint32                     // 0x00C: flag bits
	layoutHash  [DigestSize]byte           // 0x010: ABI layout hash
	ringCap     uint32                     // 0x030: slot count
	zoneCount   uint32                     // 0x034: defined flexible zones
	slotSize    uint64                     // 0x038: payload bytes per slot
	head        uint64                     // 0x040: next record id to publish
	schemaMajor uint32                     // 0x048: schema version major
	schemaMinor uint32                     // 0x04C: schema version minor
	schemaHash  [DigestSize]byte           // 0x050: application schema hash
	secret      [DigestSize]byte           // 0x070: opaque access secret
	writeLock   writeLockToken             // 0x090: writer ownership token
	zones       [MaxZones]zoneDesc         // 0x0A0: flexible zone table
	zoneSums    [MaxZones][DigestSize]byte // 0x120: per-zone checksums
	locks       [MaxLocks]spinLockState    // 0x220: spinlock table
	beats       [MaxHeartbeats]heartbeat   // 0x320: consumer heartbeats
	reserved    [3168]byte                 // 0x3A0: padding to 4096
}

// slotHeader is the per-slot state record stored contiguously after the
// control block, one cache line each.
type slotHeader struct {
	generation uint64           // 0x00: bumped once per complete write cycle
	state      uint32           // 0x08: SlotState
	readers    int32            // 0x0C: aggregate reader count
	checksum   [DigestSize]byte // 0x10: payload digest when checksums enabled
	diag       uint32           // 0x30: recovery diagnostic marker
	_          [12]byte         // 0x34: padding to 64 bytes
}

func init() {
	if unsafe.Sizeof(controlBlock{}) != ControlBlockSize {
		panic(fmt.Sprintf("hubshm: control block size is %d, expected %d",
			unsafe.Sizeof(controlBlock{}), ControlBlockSize))
	}
	if unsafe.Sizeof(slotHeader{}) != SlotHeaderSize {
		panic(fmt.Sprintf("hubshm: slot header size is %d, expected %d",
			unsafe.Sizeof(slotHeader{}), SlotHeaderSize))
	}
}

// layoutDescriptor renders every control-block field as name:offset:size.
// Two binaries produce the same descriptor iff they agree on the ABI.
func layoutDescriptor() string {
	var cb controlBlock
	var sh slotHeader
	return fmt.Sprintf(
		"controlBlock:%d"+
			";magic:%d:%d;verMajor:%d:%d;verMinor:%d:%d;flags:%d:%d"+
			";layoutHash:%d:%d;ringCap:%d:%d;zoneCount:%d:%d;slotSize:%d:%d"+
			";head:%d:%d;schemaMajor:%d:%d;schemaMinor:%d:%d;schemaHash:%d:%d"+
			";secret:%d:%d;writeLock:%d:%d;zones:%d:%d;zoneSums:%d:%d"+
			";locks:%d:%d;beats:%d:%d"+
			";slotHeader:%d;generation:%d:%d;state:%d:%d;readers:%d:%d"+
			";checksum:%d:%d;diag:%d:%d",
		unsafe.Sizeof(cb),
		unsafe.Offsetof(cb.magic), unsafe.Sizeof(cb.magic),
		unsafe.Offsetof(cb.verMajor), unsafe.Sizeof(cb.verMajor),
		unsafe.Offsetof(cb.verMinor), unsafe.Sizeof(cb.verMinor),
		unsafe.Offsetof(cb.flags), unsafe.Sizeof(cb.flags),
		unsafe.Offsetof(cb.layoutHash), unsafe.Sizeof(cb.layoutHash),
		unsafe.Offsetof(cb.ringCap), unsafe.Sizeof(cb.ringCap),
		unsafe.Offsetof(cb.zoneCount), unsafe.Sizeof(cb.zoneCount),
		unsafe.Offsetof(cb.slotSize), unsafe.Sizeof(cb.slotSize),
		unsafe.Offsetof(cb.head), unsafe.Sizeof(cb.head),
		unsafe.Offsetof(cb.schemaMajor), unsafe.Sizeof(cb.schemaMajor),
		unsafe.Offsetof(cb.schemaMinor), unsafe.Sizeof(cb.schemaMinor),
		unsafe.Offsetof(cb.schemaHash), unsafe.Sizeof(cb.schemaHash),
		unsafe.Offsetof(cb.secret), unsafe.Sizeof(cb.secret),
		unsafe.Offsetof(cb.writeLock), unsafe.Sizeof(cb.writeLock),
		unsafe.Offsetof(cb.zones), unsafe.Sizeof(cb.zones),
		unsafe.Offsetof(cb.zoneSums), unsafe.Sizeof(cb.zoneSums),
		unsafe.Offsetof(cb.locks), unsafe.Sizeof(cb.locks),
		unsafe.Offsetof(cb.beats), unsafe.Sizeof(cb.beats),
		unsafe.Sizeof(sh),
		unsafe.Offsetof(sh.generation), unsafe.Sizeof(sh.generation),
		unsafe.Offsetof(sh.state), unsafe.Sizeof(sh.state),
		unsafe.Offsetof(sh.readers), unsafe.Sizeof(sh.readers),
		unsafe.Offsetof(sh.checksum), unsafe.Sizeof(sh.checksum),
		unsafe.Offsetof(sh.diag), unsafe.Sizeof(sh.diag),
	)
}

// computeLayoutHash digests the layout descriptor with BLAKE3.
func computeLayoutHash() [DigestSize]byte {
	return blake3.Sum256([]byte(layoutDescriptor()))
}

// alignTo64 aligns a size to a 64-byte boundary.
func alignTo64(size uint64) uint64 {
	return (size + 63) &^ 63
}

// segmentLayout is the resolved byte layout of one segment.
type segmentLayout struct {
	totalSize   uint64
	slotHdrOff  uint64            // first slot header
	payloadOff  uint64            // first slot payload
	slotStride  uint64            // payload stride, 64-byte aligned
	zoneOffsets [MaxZones]uint64  // absolute zone offsets
}

// calculateLayout computes the segment layout for the given geometry.
// zoneSizes carries the declared flexible-zone sizes in index order.
func calculateLayout(ringCap uint32, slotSize uint64, zoneSizes []uint64) (segmentLayout, error) {
	if ringCap == 0 || ringCap > MaxRingCapacity {
		return segmentLayout{}, fmt.Errorf("ring capacity %d out of range [1,%d]", ringCap, MaxRingCapacity)
	}
	if slotSize == 0 {
		return segmentLayout{}, fmt.Errorf("slot payload size must be positive")
	}
	if len(zoneSizes) > MaxZones {
		return segmentLayout{}, fmt.Errorf("zone count %d exceeds maximum %d", len(zoneSizes), MaxZones)
	}
	for i, sz := range zoneSizes {
		if sz == 0 {
			return segmentLayout{}, fmt.Errorf("zone %d has zero size", i)
		}
	}

	var l segmentLayout
	l.slotHdrOff = ControlBlockSize
	l.payloadOff = l.slotHdrOff + uint64(ringCap)*SlotHeaderSize
	l.slotStride = alignTo64(slotSize)

	off := l.payloadOff + uint64(ringCap)*l.slotStride
	for i, sz := range zoneSizes {
		off = alignTo64(off)
		l.zoneOffsets[i] = off
		off += sz
	}
	l.totalSize = alignTo64(off)
	return l, nil
}

// cbView provides typed access to the control block via the mapped base
// pointer. Mutable fields go through atomics; geometry fields are immutable
// after creation.
type cbView struct {
	basePtr unsafe.Pointer
}

func (v *cbView) block() *controlBlock {
	return (*controlBlock)(v.basePtr)
}

// Magic returns the magic bytes.
func (v *cbView) Magic() [8]byte { return v.block().magic }

// SetMagic sets the magic bytes.
func (v *cbView) SetMagic(m [8]byte) { v.block().magic = m }

// Version returns the control block format version.
func (v *cbView) Version() (major, minor uint16) {
	return v.block().verMajor, v.block().verMinor
}

// SetVersion sets the control block format version.
func (v *cbView) SetVersion(major, minor uint16) {
	v.block().verMajor = major
	v.block().verMinor = minor
}

// Flags returns the flag bits.
func (v *cbView) Flags() uint32 { return atomic.LoadUint32(&v.block().flags) }

// SetFlags sets the flag bits.
func (v *cbView) SetFlags(f uint32) { atomic.StoreUint32(&v.block().flags, f) }

// ChecksumsEnabled reports whether per-slot payload checksums are on.
func (v *cbView) ChecksumsEnabled() bool { return v.Flags()&flagChecksums != 0 }

// LayoutHash returns the stored ABI layout hash.
func (v *cbView) LayoutHash() [DigestSize]byte { return v.block().layoutHash }

// SetLayoutHash stores the ABI layout hash.
func (v *cbView) SetLayoutHash(h [DigestSize]byte) { v.block().layoutHash = h }

// RingCapacity returns the slot count.
func (v *cbView) RingCapacity() uint32 { return v.block().ringCap }

// SetRingCapacity sets the slot count.
func (v *cbView) SetRingCapacity(n uint32) { v.block().ringCap = n }

// ZoneCount returns the number of defined flexible zones.
func (v *cbView) ZoneCount() uint32 { return v.block().zoneCount }

// SetZoneCount sets the number of defined flexible zones.
func (v *cbView) SetZoneCount(n uint32) { v.block().zoneCount = n }

// SlotSize returns the payload bytes per slot.
func (v *cbView) SlotSize() uint64 { return v.block().slotSize }

// SetSlotSize sets the payload bytes per slot.
func (v *cbView) SetSlotSize(n uint64) { v.block().slotSize = n }

// Head returns the next record id the writer will publish.
func (v *cbView) Head() uint64 { return atomic.LoadUint64(&v.block().head) }

// SetHead stores the next record id.
func (v *cbView) SetHead(n uint64) { atomic.StoreUint64(&v.block().head, n) }

// SchemaVersion returns the stored schema version pair.
func (v *cbView) SchemaVersion() (major, minor uint32) {
	return v.block().schemaMajor, v.block().schemaMinor
}

// SetSchemaVersion sets the stored schema version pair.
func (v *cbView) SetSchemaVersion(major, minor uint32) {
	v.block().schemaMajor = major
	v.block().schemaMinor = minor
}

// SchemaHash returns the stored application schema hash.
func (v *cbView) SchemaHash() [DigestSize]byte { return v.block().schemaHash }

// SetSchemaHash stores the application schema hash.
func (v *cbView) SetSchemaHash(h [DigestSize]byte) { v.block().schemaHash = h }

// Secret returns the stored access secret.
func (v *cbView) Secret() [DigestSize]byte { return v.block().secret }

// SetSecret stores the access secret.
func (v *cbView) SetSecret(s [DigestSize]byte) { v.block().secret = s }

// WriteLockPID returns the pid recorded in the write-lock token.
func (v *cbView) WriteLockPID() uint32 {
	return atomic.LoadUint32(&v.block().writeLock.pid)
}

// WriteLockGeneration returns the write-lock token generation.
func (v *cbView) WriteLockGeneration() uint64 {
	return atomic.LoadUint64(&v.block().writeLock.generation)
}

// casWriteLockPID installs a new write-lock owner pid if old still holds.
func (v *cbView) casWriteLockPID(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(&v.block().writeLock.pid, old, new)
}

// SetWriteLockGeneration stores the write-lock token generation.
func (v *cbView) SetWriteLockGeneration(g uint64) {
	atomic.StoreUint64(&v.block().writeLock.generation, g)
}

// Zone returns the descriptor for zone i. Undefined zones have size 0.
func (v *cbView) Zone(i int) (offset, size uint64) {
	if i < 0 || i >= MaxZones {
		return 0, 0
	}
	z := &v.block().zones[i]
	return z.offset, z.size
}

// SetZone stores the descriptor for zone i.
func (v *cbView) SetZone(i int, offset, size uint64) {
	z := &v.block().zones[i]
	z.offset = offset
	z.size = size
}

// ZoneSum returns the stored checksum for zone i.
func (v *cbView) ZoneSum(i int) [DigestSize]byte { return v.block().zoneSums[i] }

// SetZoneSum stores the checksum for zone i.
func (v *cbView) SetZoneSum(i int, sum [DigestSize]byte) { v.block().zoneSums[i] = sum }

// lock returns spinlock record i.
func (v *cbView) lock(i int) *spinLockState { return &v.block().locks[i] }

// beat returns heartbeat record i.
func (v *cbView) beat(i int) *heartbeat { return &v.block().beats[i] }

// slotView provides typed access to one slot header in shared memory.
type slotView struct {
	hdr *slotHeader
}

// Generation returns the slot generation counter.
func (s slotView) Generation() uint64 { return atomic.LoadUint64(&s.hdr.generation) }

// SetGeneration stores the slot generation counter.
func (s slotView) SetGeneration(g uint64) { atomic.StoreUint64(&s.hdr.generation, g) }

// State returns the logical slot state.
func (s slotView) State() SlotState { return SlotState(atomic.LoadUint32(&s.hdr.state)) }

// SetState stores the logical slot state.
func (s slotView) SetState(st SlotState) { atomic.StoreUint32(&s.hdr.state, uint32(st)) }

// Readers returns the aggregate reader count.
func (s slotView) Readers() int32 { return atomic.LoadInt32(&s.hdr.readers) }

// AddReader adjusts the aggregate reader count and returns the new value.
func (s slotView) AddReader(delta int32) int32 { return atomic.AddInt32(&s.hdr.readers, delta) }

// ResetReaders clears the aggregate reader count. Recovery use only.
func (s slotView) ResetReaders() { atomic.StoreInt32(&s.hdr.readers, 0) }

// Checksum returns the stored payload checksum.
func (s slotView) Checksum() [DigestSize]byte { return s.hdr.checksum }

// SetChecksum stores the payload checksum. Only the writer touches this,
// and only while the slot is in SlotWriting.
func (s slotView) SetChecksum(sum [DigestSize]byte) { s.hdr.checksum = sum }

// Diag returns the recovery diagnostic marker.
func (s slotView) Diag() uint32 { return atomic.LoadUint32(&s.hdr.diag) }

// SetDiag stores the recovery diagnostic marker.
func (s slotView) SetDiag(d uint32) { atomic.StoreUint32(&s.hdr.diag, d) }
