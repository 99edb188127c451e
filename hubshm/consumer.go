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
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ConsumerOptions configures a reader attach.
type ConsumerOptions struct {
	Options

	// ZoneSizes declares the flexible zones this reader expects, in index
	// order. It must match the segment's zone table exactly; a reader that
	// declares nothing gets no zone access even if the segment defines
	// zones - undefined on either side means no access for anyone.
	ZoneSizes []uint64

	// Schema, when non-nil, must match the segment's stored schema hash
	// exactly (fatal on mismatch) and pass the version policy.
	Schema *SchemaExpectation

	// NoHeartbeat skips heartbeat registration. Meant for short-lived
	// attaches; regular consumers should heartbeat so zombie detection can
	// tell them apart from crashed readers.
	NoHeartbeat bool
}

// Consumer is a reader handle for one segment. The read cursor ("last
// consumed id") is process-local state: exactly one goroutine may drive a
// given Consumer. Independent Consumer handles never interfere.
type Consumer struct {
	seg     *segment
	ring    ring
	ctl     *spinLock
	logger  *slog.Logger
	tuning  Tuning
	next    uint64       // next record id to consume
	zones   int          // zones this reader declared
	beatIdx atomic.Int32 // heartbeat record index, -1 when not registered
	hbStop  chan struct{}
	hbWG    sync.WaitGroup
	closed  bool
}

// AttachConsumer maps an existing segment for reading. The attach validates
// the ABI layout hash, the access secret, the declared zones and, when
// given, the schema expectation; any mismatch is fatal for this attach.
// The cursor starts at the segment head: the first record consumed is the
// first one published after the attach.
func AttachConsumer(name string, secret [DigestSize]byte, opts ConsumerOptions) (*Consumer, error) {
	// A reader that declares no zones skips the structural zone check and
	// simply gets no zone access; a declared table must match exactly.
	base := opts.Options.resolve()
	seg, err := openSegment(name, base.Tuning.Dir, secret, opts.ZoneSizes)
	if err != nil {
		return nil, err
	}
	if err := validateSchema(seg.cb, opts.Schema); err != nil {
		seg.close()
		return nil, err
	}

	c := &Consumer{
		seg:    seg,
		ring:   ring{seg: seg, tuning: base.Tuning},
		ctl:    &spinLock{seg: seg, idx: controlLockIndex, tuning: base.Tuning, logger: base.Logger},
		logger: base.Logger,
		tuning: base.Tuning,
		next:   seg.cb.Head(),
		zones:  len(opts.ZoneSizes),
		hbStop: make(chan struct{}),
	}
	c.beatIdx.Store(-1)

	if !opts.NoHeartbeat {
		if err := c.registerHeartbeat(); err != nil {
			seg.close()
			return nil, err
		}
	}
	base.Logger.Info("hubshm: consumer attached",
		"name", name, "start_id", c.next, "heartbeat", c.beatIdx.Load())
	return c, nil
}

// registerHeartbeat claims a heartbeat record under the control lock,
// reusing any record whose pid is vacant or no longer alive.
func (c *Consumer) registerHeartbeat() error {
	g, err := c.ctl.acquireGuard(c.tuning.GracePeriod)
	if err != nil {
		return err
	}
	defer g.release()
	for i := 0; i < MaxHeartbeats; i++ {
		b := c.seg.cb.beat(i)
		pid := atomic.LoadUint32(&b.pid)
		if pid == 0 || !processAlive(int(pid)) {
			atomic.StoreUint32(&b.pid, uint32(os.Getpid()))
			atomic.StoreInt64(&b.stampNs, monotonicNow())
			c.beatIdx.Store(int32(i))
			return nil
		}
	}
	return ErrConsumersFull
}

// Beat stamps this consumer's heartbeat record with the monotonic clock.
// Call it at least every few grace periods; StartHeartbeat automates this.
func (c *Consumer) Beat() {
	idx := c.beatIdx.Load()
	if idx < 0 {
		return
	}
	b := c.seg.cb.beat(int(idx))
	atomic.StoreInt64(&b.stampNs, monotonicNow())
}

// StartHeartbeat stamps the heartbeat every interval until ctx is done or
// the consumer is closed. Safe to run alongside the consuming goroutine:
// Close stops and joins the ticker goroutine before unmapping the segment.
func (c *Consumer) StartHeartbeat(ctx context.Context, interval time.Duration) {
	c.hbWG.Add(1)
	go func() {
		defer c.hbWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.hbStop:
				return
			case <-ticker.C:
				c.Beat()
			}
		}
	}()
}

// NextID returns the record id the next acquire will target.
func (c *Consumer) NextID() uint64 { return c.next }

// LastConsumed returns the last successfully consumed record id and whether
// any record has been consumed yet.
func (c *Consumer) LastConsumed() (uint64, bool) {
	if c.next == 0 {
		return 0, false
	}
	return c.next - 1, true
}

// Seek repositions the cursor to record id. The caller owns the
// consequences: ids older than head-capacity will read Stale.
func (c *Consumer) Seek(id uint64) { c.next = id }

// SeekOldest repositions the cursor to the oldest record that can still be
// resident in the ring. Best effort: the writer may recycle it first, in
// which case the next read reports Stale and the caller seeks again.
func (c *Consumer) SeekOldest() {
	head := c.seg.cb.Head()
	ringCap := uint64(c.seg.cb.RingCapacity())
	if head > ringCap {
		c.next = head - ringCap
	} else {
		c.next = 0
	}
}

// Skip advances the cursor past the current record without consuming it.
// Used to move past a record reported Stale or failing its checksum.
func (c *Consumer) Skip() { c.next++ }

// AcquireReadSlot pins the next record for reading and returns a
// transaction guard over it. The guard always unpins on release, on every
// exit path; the cursor advances only when the read completed un-stale.
func (c *Consumer) AcquireReadSlot(timeout time.Duration) (*ReadTxn, error) {
	if c.closed {
		return nil, ErrClosed
	}
	id := c.next
	sv, payload, err := c.ring.acquireRead(id, timeout)
	if err != nil {
		return nil, err
	}
	return &ReadTxn{c: c, id: id, sv: sv, payload: payload}, nil
}

// Consume runs fn over the next record's payload. The payload view is only
// valid inside fn; the slot is unpinned on every exit path, including a
// panic in fn. On success the cursor advances. A Stale result from the
// end-of-window generation re-check discards everything fn observed.
func (c *Consumer) Consume(timeout time.Duration, fn func(id uint64, payload []byte) error) (uint64, error) {
	txn, err := c.AcquireReadSlot(timeout)
	if err != nil {
		return 0, err
	}
	defer txn.Discard()
	if c.seg.cb.ChecksumsEnabled() {
		if err := txn.VerifyChecksum(); err != nil {
			return 0, err
		}
	}
	if err := fn(txn.ID(), txn.Payload()); err != nil {
		return 0, err
	}
	if err := txn.Close(); err != nil {
		return 0, err
	}
	return txn.ID(), nil
}

// Read copies the next record into buf and advances the cursor. Returns
// the record id and the number of bytes copied (the full slot payload
// unless buf is shorter).
func (c *Consumer) Read(buf []byte, timeout time.Duration) (uint64, int, error) {
	var n int
	id, err := c.Consume(timeout, func(_ uint64, payload []byte) error {
		n = copy(buf, payload)
		return nil
	})
	return id, n, err
}

// Zone returns the bytes of flexible zone i. ok is false when the zone is
// undefined on either side.
func (c *Consumer) Zone(i int) ([]byte, bool) {
	if c.zones == 0 || i >= c.zones || !zoneAccessible(c.seg, i) {
		return nil, false
	}
	return c.seg.zoneBytes(i), true
}

// VerifyZoneChecksum recomputes zone i's checksum against the stored value.
// Returns (false, nil) when the zone is inaccessible, (false, ErrIntegrity)
// when any byte changed since the writer's last update.
func (c *Consumer) VerifyZoneChecksum(i int) (bool, error) {
	if c.closed {
		return false, ErrClosed
	}
	if c.zones == 0 || i >= c.zones {
		return false, nil
	}
	return verifyZoneChecksum(c.seg, i)
}

// UpdateZoneChecksum recomputes and stores zone i's checksum. Readers that
// own a side-channel zone use this after writing their region.
func (c *Consumer) UpdateZoneChecksum(i int) (bool, error) {
	if c.closed {
		return false, ErrClosed
	}
	if c.zones == 0 || i >= c.zones {
		return false, nil
	}
	return updateZoneChecksum(c.seg, c.ctl, i)
}

// Close stops the heartbeat goroutine, releases the heartbeat record and
// unmaps the segment. The goroutine is joined before the unmap so a beat in
// flight can never touch freed memory.
func (c *Consumer) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.hbStop)
	c.hbWG.Wait()
	if idx := c.beatIdx.Load(); idx >= 0 {
		b := c.seg.cb.beat(int(idx))
		// Only clear our own registration; a recovery pass may already have
		// purged and reassigned it.
		atomic.CompareAndSwapUint32(&b.pid, uint32(os.Getpid()), 0)
		c.beatIdx.Store(-1)
	}
	return c.seg.close()
}
