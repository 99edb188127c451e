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
	"os"
	"time"

	"github.com/google/uuid"
)

// Producer is the writer handle for one segment. Exactly one live process
// holds a segment's write-lock token at a time; a token left behind by a
// dead writer is reclaimed at attach. The write path is single-threaded by
// contract: one goroutine drives a given Producer.
type Producer struct {
	seg    *segment
	ring   ring
	ctl    *spinLock
	logger *slog.Logger
	tuning Tuning
	closed bool
}

// newSecret builds a 32-byte access secret from two random UUIDs. The
// secret travels to readers out of band through the broker exchange.
func newSecret() [DigestSize]byte {
	var s [DigestSize]byte
	a, b := uuid.New(), uuid.New()
	copy(s[:16], a[:])
	copy(s[16:], b[:])
	return s
}

// CreateProducer creates a new segment with the given geometry and returns
// the writer handle plus the access secret readers must present. The
// segment name comes from SegmentName; a leftover file from a crashed
// previous owner must be cleared through recovery (or RemoveSegment) first.
func CreateProducer(name string, geo Geometry, opts Options) (*Producer, [DigestSize]byte, error) {
	opts = opts.resolve()
	secret := newSecret()
	seg, err := createSegment(name, opts.Tuning.Dir, geo, secret)
	if err != nil {
		return nil, [DigestSize]byte{}, err
	}

	p := newProducer(seg, opts)
	// Fresh segment: install the token directly, generation 1.
	seg.cb.casWriteLockPID(0, uint32(os.Getpid()))
	seg.cb.SetWriteLockGeneration(1)

	opts.Logger.Info("hubshm: segment created",
		"name", name, "capacity", geo.RingCapacity, "slot_size", geo.SlotSize,
		"zones", len(geo.ZoneSizes), "checksums", geo.Checksums)
	return p, secret, nil
}

// AttachProducer attaches as the writer to an existing segment, reclaiming
// the write-lock token if its recorded owner is dead. Fails with
// ErrWriterAlive while a live process holds the token.
func AttachProducer(name string, secret [DigestSize]byte, opts Options) (*Producer, error) {
	opts = opts.resolve()
	seg, err := openSegment(name, opts.Tuning.Dir, secret, nil)
	if err != nil {
		return nil, err
	}
	p := newProducer(seg, opts)
	if _, err := claimWriteLock(seg, p.ctl, opts.Tuning, opts.Logger); err != nil {
		seg.close()
		return nil, err
	}
	return p, nil
}

func newProducer(seg *segment, opts Options) *Producer {
	return &Producer{
		seg:    seg,
		ring:   ring{seg: seg, tuning: opts.Tuning},
		ctl:    &spinLock{seg: seg, idx: controlLockIndex, tuning: opts.Tuning, logger: opts.Logger},
		logger: opts.Logger,
		tuning: opts.Tuning,
	}
}

// ReclaimReport describes a write-lock takeover from a dead owner.
type ReclaimReport struct {
	PreviousPID uint32 // pid recorded by the dead writer
	Generation  uint64 // new token generation, strictly greater
	ResetSlots  []uint32
}

// claimWriteLock installs the calling process as the segment's writer.
// A token held by a dead pid is force-reclaimed after the grace period;
// slots stranded in Writing by the dead owner are reset to Free with a
// diagnostic marker. Returns a non-nil report when a takeover happened.
func claimWriteLock(seg *segment, ctl *spinLock, tuning Tuning, logger *slog.Logger) (*ReclaimReport, error) {
	self := uint32(os.Getpid())
	for {
		holder := seg.cb.WriteLockPID()
		switch {
		case holder == self:
			return nil, fmt.Errorf("%w: this process already holds the write lock", ErrWriterAlive)
		case holder != 0 && processAlive(int(holder)):
			return nil, fmt.Errorf("%w: pid %d", ErrWriterAlive, holder)
		case holder != 0:
			// Dead owner: let the grace period pass outside the lock, then
			// re-confirm and take over under it.
			time.Sleep(tuning.GracePeriod)
		}

		g, err := ctl.acquireGuard(tuning.GracePeriod + tuning.SpinMax*64)
		if err != nil {
			return nil, err
		}
		if seg.cb.WriteLockPID() != holder || (holder != 0 && processAlive(int(holder))) {
			// Raced another claimant or the owner came back; re-evaluate.
			g.release()
			continue
		}
		if !seg.cb.casWriteLockPID(holder, self) {
			g.release()
			continue
		}
		gen := seg.cb.WriteLockGeneration() + 1
		seg.cb.SetWriteLockGeneration(gen)

		var report *ReclaimReport
		if holder != 0 {
			report = &ReclaimReport{PreviousPID: holder, Generation: gen}
			// Anything the dead writer left mid-write goes back to Free so
			// readers stop waiting on a record that will never publish.
			for i := uint32(0); i < seg.cb.RingCapacity(); i++ {
				sv := seg.slot(i)
				if sv.State() == SlotWriting {
					sv.ResetReaders()
					sv.SetDiag(DiagWriterReclaim)
					sv.SetState(SlotFree)
					report.ResetSlots = append(report.ResetSlots, i)
				}
			}
			logger.Warn("hubshm: reclaimed write lock from dead writer",
				"dead_pid", holder, "generation", gen, "reset_slots", len(report.ResetSlots))
		}
		g.release()
		return report, nil
	}
}

// AcquireWriteSlot claims the next ring slot for writing and returns a
// transaction guard over it. The record only becomes visible to readers on
// Commit; every other exit path releases the slot unpublished.
func (p *Producer) AcquireWriteSlot(timeout time.Duration) (*WriteTxn, error) {
	if p.closed {
		return nil, ErrClosed
	}
	id := p.seg.cb.Head()
	sv, payload, err := p.ring.acquireWrite(id, timeout)
	if err != nil {
		return nil, err
	}
	return &WriteTxn{p: p, id: id, sv: sv, payload: payload}, nil
}

// Produce runs fn over the next write slot and publishes on success. If fn
// returns an error or panics, the slot is released without publishing.
func (p *Producer) Produce(timeout time.Duration, fn func(payload []byte) error) (uint64, error) {
	txn, err := p.AcquireWriteSlot(timeout)
	if err != nil {
		return 0, err
	}
	defer txn.Close()
	if err := fn(txn.Payload()); err != nil {
		txn.Discard()
		return 0, err
	}
	if err := txn.Commit(); err != nil {
		return 0, err
	}
	return txn.ID(), nil
}

// Write copies data into the next slot and publishes it. data must fit the
// slot payload size; shorter records are zero-padded.
func (p *Producer) Write(data []byte, timeout time.Duration) (uint64, error) {
	if uint64(len(data)) > p.seg.cb.SlotSize() {
		return 0, fmt.Errorf("record of %d bytes exceeds slot size %d", len(data), p.seg.cb.SlotSize())
	}
	return p.Produce(timeout, func(payload []byte) error {
		n := copy(payload, data)
		for i := n; i < len(payload); i++ {
			payload[i] = 0
		}
		return nil
	})
}

// Head returns the next record id the producer will publish.
func (p *Producer) Head() uint64 { return p.seg.cb.Head() }

// Zone returns the bytes of flexible zone i for side-channel metadata.
// ok is false when the zone is not defined.
func (p *Producer) Zone(i int) ([]byte, bool) {
	if !zoneAccessible(p.seg, i) {
		return nil, false
	}
	return p.seg.zoneBytes(i), true
}

// UpdateZoneChecksum recomputes and stores the checksum of zone i.
// Returns false with no error when the zone is not defined.
func (p *Producer) UpdateZoneChecksum(i int) (bool, error) {
	if p.closed {
		return false, ErrClosed
	}
	return updateZoneChecksum(p.seg, p.ctl, i)
}

// VerifyZoneChecksum recomputes the checksum of zone i against the stored
// value. Returns false with no error when the zone is not defined.
func (p *Producer) VerifyZoneChecksum(i int) (bool, error) {
	if p.closed {
		return false, ErrClosed
	}
	return verifyZoneChecksum(p.seg, i)
}

// Close releases the write-lock token and unmaps the segment. The backing
// file remains for attached readers; see Destroy.
func (p *Producer) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	// Clear the token so the next writer attaches without a zombie reclaim.
	p.seg.cb.casWriteLockPID(uint32(os.Getpid()), 0)
	return p.seg.close()
}

// Destroy releases the handle and unlinks the backing file. Readers still
// attached keep their mappings until they close; new attaches fail.
func (p *Producer) Destroy() error {
	seg := p.seg
	if err := p.Close(); err != nil {
		return err
	}
	return seg.unlink()
}
