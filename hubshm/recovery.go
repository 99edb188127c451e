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
	"log/slog"
	"sync/atomic"
	"time"
)

// Diagnostic is an administrative handle over a segment. Attaching is
// non-intrusive: no write lock is taken, no heartbeat registered, nothing
// in the control block mutated. Repair operations run under the control
// spinlock and never on the data hot path.
type Diagnostic struct {
	seg    *segment
	ctl    *spinLock
	logger *slog.Logger
	tuning Tuning
	closed bool
}

// AttachDiagnostic maps a segment for diagnosis and recovery.
func AttachDiagnostic(name string, secret [DigestSize]byte, opts Options) (*Diagnostic, error) {
	opts = opts.resolve()
	seg, err := openSegment(name, opts.Tuning.Dir, secret, nil)
	if err != nil {
		return nil, err
	}
	return &Diagnostic{
		seg:    seg,
		ctl:    &spinLock{seg: seg, idx: controlLockIndex, tuning: opts.Tuning, logger: opts.Logger},
		logger: opts.Logger,
		tuning: opts.Tuning,
	}, nil
}

// Close unmaps the segment.
func (d *Diagnostic) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.seg.close()
}

// SlotInfo is a best-effort snapshot of one slot's state. Taken lock-free,
// it may race live traffic by design: it exists for visibility, not for
// making check-then-act decisions.
type SlotInfo struct {
	Index      uint32
	Generation uint64
	State      SlotState
	Readers    int32
	Diag       uint32
}

// HeartbeatInfo describes one consumer heartbeat record.
type HeartbeatInfo struct {
	Index int
	PID   uint32
	Age   time.Duration // since the last beat, monotonic
	Alive bool
}

// SegmentInfo summarizes the control block for operators.
type SegmentInfo struct {
	VersionMajor   uint16
	VersionMinor   uint16
	RingCapacity   uint32
	SlotSize       uint64
	ZoneCount      uint32
	Checksums      bool
	Head           uint64
	SchemaMajor    uint32
	SchemaMinor    uint32
	WriterPID      uint32
	WriterGen      uint64
	WriterAlive    bool
	Heartbeats     []HeartbeatInfo
}

// Info returns a lock-free control block summary.
func (d *Diagnostic) Info() SegmentInfo {
	cb := d.seg.cb
	maj, min := cb.Version()
	smaj, smin := cb.SchemaVersion()
	wpid := cb.WriteLockPID()
	info := SegmentInfo{
		VersionMajor: maj,
		VersionMinor: min,
		RingCapacity: cb.RingCapacity(),
		SlotSize:     cb.SlotSize(),
		ZoneCount:    cb.ZoneCount(),
		Checksums:    cb.ChecksumsEnabled(),
		Head:         cb.Head(),
		SchemaMajor:  smaj,
		SchemaMinor:  smin,
		WriterPID:    wpid,
		WriterGen:    cb.WriteLockGeneration(),
		WriterAlive:  wpid != 0 && processAlive(int(wpid)),
	}
	now := monotonicNow()
	for i := 0; i < MaxHeartbeats; i++ {
		b := cb.beat(i)
		pid := atomic.LoadUint32(&b.pid)
		if pid == 0 {
			continue
		}
		info.Heartbeats = append(info.Heartbeats, HeartbeatInfo{
			Index: i,
			PID:   pid,
			Age:   time.Duration(now - atomic.LoadInt64(&b.stampNs)),
			Alive: processAlive(int(pid)),
		})
	}
	return info
}

// DiagnoseSlot snapshots one slot without locking.
func (d *Diagnostic) DiagnoseSlot(i uint32) (SlotInfo, error) {
	if i >= d.seg.cb.RingCapacity() {
		return SlotInfo{}, fmt.Errorf("slot %d out of range [0,%d)", i, d.seg.cb.RingCapacity())
	}
	sv := d.seg.slot(i)
	return SlotInfo{
		Index:      i,
		Generation: sv.Generation(),
		State:      sv.State(),
		Readers:    sv.Readers(),
		Diag:       sv.Diag(),
	}, nil
}

// DiagnoseAll snapshots every slot without locking.
func (d *Diagnostic) DiagnoseAll() []SlotInfo {
	n := d.seg.cb.RingCapacity()
	infos := make([]SlotInfo, 0, n)
	for i := uint32(0); i < n; i++ {
		info, _ := d.DiagnoseSlot(i)
		infos = append(infos, info)
	}
	return infos
}

// plausibleOwnersDead reports whether every process that could legitimately
// hold a stake in slot state is confirmed dead: the recorded writer and
// every heartbeat-registered consumer.
func (d *Diagnostic) plausibleOwnersDead() bool {
	if wpid := d.seg.cb.WriteLockPID(); wpid != 0 && processAlive(int(wpid)) {
		return false
	}
	for i := 0; i < MaxHeartbeats; i++ {
		pid := atomic.LoadUint32(&d.seg.cb.beat(i).pid)
		if pid != 0 && processAlive(int(pid)) {
			return false
		}
	}
	return true
}

// ForceResetSlot forces slot i back to Free with cleared readers. It
// refuses unless it can take the control lock and, for slots with live
// stakes, every plausible owner is confirmed dead - resetting under a live
// writer or live pinned readers would corrupt the protocol.
func (d *Diagnostic) ForceResetSlot(i uint32) error {
	if i >= d.seg.cb.RingCapacity() {
		return fmt.Errorf("slot %d out of range [0,%d)", i, d.seg.cb.RingCapacity())
	}
	g, err := d.ctl.acquireGuard(d.tuning.GracePeriod)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLockHeld, err)
	}
	defer g.release()
	return d.forceResetLocked(i)
}

// ForceResetAll force-resets every slot under one control lock hold.
func (d *Diagnostic) ForceResetAll() error {
	g, err := d.ctl.acquireGuard(d.tuning.GracePeriod)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLockHeld, err)
	}
	defer g.release()
	for i := uint32(0); i < d.seg.cb.RingCapacity(); i++ {
		if err := d.forceResetLocked(i); err != nil {
			return err
		}
	}
	return nil
}

func (d *Diagnostic) forceResetLocked(i uint32) error {
	sv := d.seg.slot(i)
	if (sv.State() == SlotWriting || sv.Readers() != 0) && !d.plausibleOwnersDead() {
		return fmt.Errorf("%w: slot %d has live stakeholders", ErrLockHeld, i)
	}
	sv.ResetReaders()
	sv.SetDiag(DiagForceReset)
	sv.SetState(SlotFree)
	d.logger.Warn("hubshm: slot force-reset", "slot", i)
	return nil
}

// ReleaseZombieReaders clears reader pins left behind by dead consumers.
// Best effort by design: the reader count is a single aggregate, so exact
// attribution of which reader died is impossible; affected slots are reset
// wholesale rather than decremented precisely. Slots keep their published
// record; only the pin count and diagnostic marker change. Slots with any
// live heartbeat-registered consumer are left alone.
func (d *Diagnostic) ReleaseZombieReaders() ([]uint32, error) {
	g, err := d.ctl.acquireGuard(d.tuning.GracePeriod)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockHeld, err)
	}
	defer g.release()

	for i := 0; i < MaxHeartbeats; i++ {
		pid := atomic.LoadUint32(&d.seg.cb.beat(i).pid)
		if pid != 0 && processAlive(int(pid)) {
			// A live consumer may legitimately hold any of these pins;
			// releasing would risk serving a slot out from under it.
			return nil, fmt.Errorf("%w: consumer pid %d still alive", ErrLockHeld, pid)
		}
	}

	var released []uint32
	for i := uint32(0); i < d.seg.cb.RingCapacity(); i++ {
		sv := d.seg.slot(i)
		if sv.Readers() != 0 {
			sv.ResetReaders()
			sv.SetDiag(DiagReaderRelease)
			released = append(released, i)
		}
	}
	if len(released) > 0 {
		d.logger.Warn("hubshm: released zombie reader pins", "slots", released)
	}
	return released, nil
}

// ReleaseZombieWriter clears a write-lock token held by a dead process:
// the token pid is cleared, the generation strictly incremented, and slots
// stranded in Writing are reset to Free with a diagnostic marker. Fails
// with ErrWriterAlive while the recorded owner still lives.
func (d *Diagnostic) ReleaseZombieWriter() (*ReclaimReport, error) {
	holder := d.seg.cb.WriteLockPID()
	if holder == 0 {
		return nil, nil
	}
	if processAlive(int(holder)) {
		return nil, fmt.Errorf("%w: pid %d", ErrWriterAlive, holder)
	}
	// Grace period, then re-confirm under the lock. A pid observed dead
	// this whole window cannot be the original owner anymore.
	time.Sleep(d.tuning.GracePeriod)

	g, err := d.ctl.acquireGuard(d.tuning.GracePeriod)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockHeld, err)
	}
	defer g.release()

	if d.seg.cb.WriteLockPID() != holder || processAlive(int(holder)) {
		return nil, fmt.Errorf("%w: owner changed during grace period", ErrWriterAlive)
	}
	if !d.seg.cb.casWriteLockPID(holder, 0) {
		return nil, fmt.Errorf("%w: lost reclaim race", ErrWriterAlive)
	}
	gen := d.seg.cb.WriteLockGeneration() + 1
	d.seg.cb.SetWriteLockGeneration(gen)

	report := &ReclaimReport{PreviousPID: holder, Generation: gen}
	for i := uint32(0); i < d.seg.cb.RingCapacity(); i++ {
		sv := d.seg.slot(i)
		if sv.State() == SlotWriting {
			sv.ResetReaders()
			sv.SetDiag(DiagWriterReclaim)
			sv.SetState(SlotFree)
			report.ResetSlots = append(report.ResetSlots, i)
		}
	}
	d.logger.Warn("hubshm: released zombie writer",
		"dead_pid", holder, "generation", gen, "reset_slots", len(report.ResetSlots))
	return report, nil
}

// CleanupDeadConsumers purges heartbeat records whose processes are dead.
// Returns the pids removed.
func (d *Diagnostic) CleanupDeadConsumers() ([]uint32, error) {
	g, err := d.ctl.acquireGuard(d.tuning.GracePeriod)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockHeld, err)
	}
	defer g.release()

	var purged []uint32
	for i := 0; i < MaxHeartbeats; i++ {
		b := d.seg.cb.beat(i)
		pid := atomic.LoadUint32(&b.pid)
		if pid != 0 && !processAlive(int(pid)) {
			atomic.StoreUint32(&b.pid, 0)
			atomic.StoreInt64(&b.stampNs, 0)
			purged = append(purged, pid)
		}
	}
	if len(purged) > 0 {
		d.logger.Info("hubshm: purged dead consumer heartbeats", "pids", purged)
	}
	return purged, nil
}

// IntegrityReport summarizes a checksum validation pass.
type IntegrityReport struct {
	CheckedSlots int
	BadSlots     []uint32 // stable Readable slots whose digest mismatched
	SkippedSlots []uint32 // slots that changed mid-check; no verdict
	CheckedZones int
	BadZones     []int
}

// Ok reports whether the pass found no mismatches.
func (r IntegrityReport) Ok() bool {
	return len(r.BadSlots) == 0 && len(r.BadZones) == 0
}

// ValidateIntegrity recomputes checksums for every Readable slot and every
// defined zone and reports mismatches. It never repairs anything. It runs
// under the control lock so the zone pass cannot race a concurrent checksum
// update into a false mismatch; slot checks still race the writer (which
// never holds the control lock), so a slot whose generation moved during
// the digest is skipped rather than misreported.
func (d *Diagnostic) ValidateIntegrity() (IntegrityReport, error) {
	var report IntegrityReport
	if !d.seg.cb.ChecksumsEnabled() {
		return report, nil
	}
	g, err := d.ctl.acquireGuard(d.tuning.GracePeriod)
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrLockHeld, err)
	}
	defer g.release()
	for i := uint32(0); i < d.seg.cb.RingCapacity(); i++ {
		sv := d.seg.slot(i)
		genBefore := sv.Generation()
		if sv.State() != SlotReadable {
			continue
		}
		stored := sv.Checksum()
		computed := digest(d.seg.payload(i))
		if sv.Generation() != genBefore || sv.State() != SlotReadable {
			report.SkippedSlots = append(report.SkippedSlots, i)
			continue
		}
		report.CheckedSlots++
		if stored != computed {
			report.BadSlots = append(report.BadSlots, i)
		}
	}
	for i := 0; i < int(d.seg.cb.ZoneCount()); i++ {
		ok, err := verifyZoneChecksum(d.seg, i)
		if !ok && err == nil {
			continue
		}
		report.CheckedZones++
		if err != nil {
			report.BadZones = append(report.BadZones, i)
		}
	}
	if !report.Ok() {
		d.logger.Warn("hubshm: integrity validation found mismatches",
			"bad_slots", report.BadSlots, "bad_zones", report.BadZones)
	}
	return report, nil
}
