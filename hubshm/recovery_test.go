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
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// attachTestDiagnostic opens an admin handle over p's segment.
func attachTestDiagnostic(t *testing.T, p *Producer, secret [DigestSize]byte, opts Options) *Diagnostic {
	t.Helper()
	d, err := AttachDiagnostic(segNameOf(p), secret, opts)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

// simulateDeadWriter rewrites the write-lock token to a fake pid and marks
// that pid dead, as if the writer crashed mid-flight.
func simulateDeadWriter(t *testing.T, p *Producer, deadPID uint32) {
	t.Helper()
	fakeDead(t, deadPID)
	require.True(t, p.seg.cb.casWriteLockPID(uint32(os.Getpid()), deadPID))
}

func TestDiagnosticAttachDoesNotMutate(t *testing.T) {
	opts := testOptions(t)
	p, secret := newTestProducer(t, testGeometry(), opts)

	_, err := p.Write([]byte("x"), time.Second)
	require.NoError(t, err)
	headBefore := p.seg.cb.Head()
	writerBefore := p.seg.cb.WriteLockPID()

	d := attachTestDiagnostic(t, p, secret, opts)
	info := d.Info()

	assert.Equal(t, headBefore, p.seg.cb.Head())
	assert.Equal(t, writerBefore, p.seg.cb.WriteLockPID())
	assert.Equal(t, headBefore, info.Head)
	assert.Equal(t, writerBefore, info.WriterPID)
	assert.True(t, info.WriterAlive)
	assert.Equal(t, uint32(4), info.RingCapacity)
}

func TestDiagnoseSlots(t *testing.T) {
	opts := testOptions(t)
	p, secret := newTestProducer(t, testGeometry(), opts)
	d := attachTestDiagnostic(t, p, secret, opts)

	_, err := p.Write([]byte("a"), time.Second)
	require.NoError(t, err)

	infos := d.DiagnoseAll()
	require.Len(t, infos, 4)
	assert.Equal(t, SlotReadable, infos[0].State)
	assert.Equal(t, uint64(1), infos[0].Generation)
	assert.Equal(t, SlotFree, infos[1].State)

	_, err = d.DiagnoseSlot(99)
	assert.Error(t, err)
}

func TestZombieWriterReclaimOnAttach(t *testing.T) {
	opts := testOptions(t)
	p, secret := newTestProducer(t, testGeometry(), opts)

	// The "dead" writer left a slot stranded in Writing.
	txn, err := p.AcquireWriteSlot(time.Second)
	require.NoError(t, err)
	_ = txn.Transfer() // leave the original inert; slot stays Writing

	const deadPID = 4_100_001
	simulateDeadWriter(t, p, deadPID)
	genBefore := p.seg.cb.WriteLockGeneration()

	// The next attaching writer reclaims the token after the grace period
	// and resets the stranded slot.
	p2, err := AttachProducer(segNameOf(p), secret, opts)
	require.NoError(t, err)
	defer p2.Close()

	assert.Equal(t, uint32(os.Getpid()), p2.seg.cb.WriteLockPID())
	assert.Greater(t, p2.seg.cb.WriteLockGeneration(), genBefore)

	sv := p2.seg.slot(0)
	assert.Equal(t, SlotFree, sv.State())
	assert.Equal(t, DiagWriterReclaim, sv.Diag())

	// The reclaimed writer can publish immediately.
	_, err = p2.Write([]byte("post-reclaim"), time.Second)
	require.NoError(t, err)
}

func TestAttachFailsWhileWriterAlive(t *testing.T) {
	opts := testOptions(t)
	p, secret := newTestProducer(t, testGeometry(), opts)

	const otherPID = 4_100_002
	fakeAlive(t, otherPID)
	require.True(t, p.seg.cb.casWriteLockPID(uint32(os.Getpid()), otherPID))

	_, err := AttachProducer(segNameOf(p), secret, opts)
	require.ErrorIs(t, err, ErrWriterAlive)
}

func TestReleaseZombieWriterReportsTakeover(t *testing.T) {
	opts := testOptions(t)
	p, secret := newTestProducer(t, testGeometry(), opts)
	d := attachTestDiagnostic(t, p, secret, opts)

	const deadPID = 4_100_003
	simulateDeadWriter(t, p, deadPID)
	genBefore := p.seg.cb.WriteLockGeneration()

	report, err := d.ReleaseZombieWriter()
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, uint32(deadPID), report.PreviousPID)
	assert.Greater(t, report.Generation, genBefore)
	assert.Equal(t, uint32(0), p.seg.cb.WriteLockPID())

	// Live writer: refused.
	require.True(t, p.seg.cb.casWriteLockPID(0, uint32(os.Getpid())))
	_, err = d.ReleaseZombieWriter()
	require.ErrorIs(t, err, ErrWriterAlive)

	// Unheld: nothing to do.
	require.True(t, p.seg.cb.casWriteLockPID(uint32(os.Getpid()), 0))
	report, err = d.ReleaseZombieWriter()
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestReleaseZombieReaders(t *testing.T) {
	opts := testOptions(t)
	p, secret := newTestProducer(t, testGeometry(), opts)
	d := attachTestDiagnostic(t, p, secret, opts)

	_, err := p.Write([]byte("pinned"), time.Second)
	require.NoError(t, err)

	// A reader pinned slot 0 and died without decrementing.
	p.seg.slot(0).AddReader(1)

	released, err := d.ReleaseZombieReaders()
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, released)

	sv := p.seg.slot(0)
	assert.Equal(t, int32(0), sv.Readers())
	assert.Equal(t, DiagReaderRelease, sv.Diag())
	// The published record itself survives the release.
	assert.Equal(t, SlotReadable, sv.State())
}

func TestReleaseZombieReadersRefusedWhileConsumerAlive(t *testing.T) {
	opts := testOptions(t)
	p, secret := newTestProducer(t, testGeometry(), opts)
	c := attachTestConsumer(t, p, secret, opts) // registers a live heartbeat
	d := attachTestDiagnostic(t, p, secret, opts)

	p.seg.slot(0).AddReader(1)
	defer p.seg.slot(0).ResetReaders()

	// The aggregate counter cannot attribute the pin, so with any live
	// consumer the wholesale reset is refused.
	_, err := d.ReleaseZombieReaders()
	require.ErrorIs(t, err, ErrLockHeld)
	_ = c
}

func TestCleanupDeadConsumers(t *testing.T) {
	opts := testOptions(t)
	p, secret := newTestProducer(t, testGeometry(), opts)
	c := attachTestConsumer(t, p, secret, opts)
	d := attachTestDiagnostic(t, p, secret, opts)

	// Forge a second, dead consumer registration.
	const deadPID = 4_100_004
	fakeDead(t, deadPID)
	b := p.seg.cb.beat(1)
	atomic.StoreUint32(&b.pid, deadPID)
	atomic.StoreInt64(&b.stampNs, monotonicNow())

	purged, err := d.CleanupDeadConsumers()
	require.NoError(t, err)
	assert.Equal(t, []uint32{deadPID}, purged)
	assert.Zero(t, atomic.LoadUint32(&b.pid))

	// The live consumer's registration survives.
	live := p.seg.cb.beat(0)
	assert.Equal(t, uint32(os.Getpid()), atomic.LoadUint32(&live.pid))
	_ = c
}

func TestHeartbeatRegistrationReusesDeadEntries(t *testing.T) {
	opts := testOptions(t)
	p, secret := newTestProducer(t, testGeometry(), opts)

	// Fill every heartbeat record with dead pids.
	for i := 0; i < MaxHeartbeats; i++ {
		pid := uint32(4_200_000 + i)
		fakeDead(t, pid)
		atomic.StoreUint32(&p.seg.cb.beat(i).pid, pid)
	}

	c, err := AttachConsumer(segNameOf(p), secret, ConsumerOptions{Options: opts})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, uint32(os.Getpid()), atomic.LoadUint32(&p.seg.cb.beat(0).pid))
}

func TestHeartbeatTableFullOfLiveConsumers(t *testing.T) {
	opts := testOptions(t)
	p, secret := newTestProducer(t, testGeometry(), opts)

	for i := 0; i < MaxHeartbeats; i++ {
		pid := uint32(4_300_000 + i)
		fakeAlive(t, pid)
		atomic.StoreUint32(&p.seg.cb.beat(i).pid, pid)
	}

	_, err := AttachConsumer(segNameOf(p), secret, ConsumerOptions{Options: opts})
	require.ErrorIs(t, err, ErrConsumersFull)

	// NoHeartbeat attaches regardless.
	c, err := AttachConsumer(segNameOf(p), secret, ConsumerOptions{Options: opts, NoHeartbeat: true})
	require.NoError(t, err)
	c.Close()
}

func TestHeartbeatGoroutineStoppedByClose(t *testing.T) {
	opts := testOptions(t)
	p, secret := newTestProducer(t, testGeometry(), opts)

	// Close while the ticker goroutine is live, repeatedly; the join inside
	// Close must land every beat before the segment is unmapped.
	for i := 0; i < 5; i++ {
		c, err := AttachConsumer(segNameOf(p), secret, ConsumerOptions{Options: opts})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		c.StartHeartbeat(ctx, 100*time.Microsecond)
		time.Sleep(time.Millisecond)
		require.NoError(t, c.Close())
		cancel()
	}

	// The registration is released and no stamp lands after Close returns.
	b := p.seg.cb.beat(0)
	assert.Zero(t, atomic.LoadUint32(&b.pid))
	stamp := atomic.LoadInt64(&b.stampNs)
	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, stamp, atomic.LoadInt64(&b.stampNs))
}

func TestConsumerBeatAdvancesStamp(t *testing.T) {
	opts := testOptions(t)
	p, secret := newTestProducer(t, testGeometry(), opts)
	c := attachTestConsumer(t, p, secret, opts)

	b := p.seg.cb.beat(0)
	first := atomic.LoadInt64(&b.stampNs)
	time.Sleep(time.Millisecond)
	c.Beat()
	assert.Greater(t, atomic.LoadInt64(&b.stampNs), first)

	// Close releases the registration.
	require.NoError(t, c.Close())
	assert.Zero(t, atomic.LoadUint32(&b.pid))
}

func TestForceResetRefusedWithLiveStakeholders(t *testing.T) {
	opts := testOptions(t)
	p, secret := newTestProducer(t, testGeometry(), opts)
	d := attachTestDiagnostic(t, p, secret, opts)

	// Slot mid-write with the writer (this process) alive: refused.
	txn, err := p.AcquireWriteSlot(time.Second)
	require.NoError(t, err)
	err = d.ForceResetSlot(0)
	require.ErrorIs(t, err, ErrLockHeld)
	txn.Discard()

	// Idle slot: reset proceeds even with a live writer.
	require.NoError(t, d.ForceResetSlot(1))
	assert.Equal(t, DiagForceReset, p.seg.slot(1).Diag())
}

func TestForceResetAfterOwnersDead(t *testing.T) {
	opts := testOptions(t)
	p, secret := newTestProducer(t, testGeometry(), opts)
	d := attachTestDiagnostic(t, p, secret, opts)

	txn, err := p.AcquireWriteSlot(time.Second)
	require.NoError(t, err)
	_ = txn.Transfer() // keep the slot in Writing

	const deadPID = 4_100_005
	simulateDeadWriter(t, p, deadPID)

	require.NoError(t, d.ForceResetSlot(0))
	sv := p.seg.slot(0)
	assert.Equal(t, SlotFree, sv.State())
	assert.Equal(t, DiagForceReset, sv.Diag())
}

func TestValidateIntegrityRequiresControlLock(t *testing.T) {
	opts := testOptions(t)
	p, secret := newTestProducer(t, testGeometry(), opts)
	d := attachTestDiagnostic(t, p, secret, opts)

	_, err := p.Write([]byte("locked out"), time.Second)
	require.NoError(t, err)

	// Park a holder on the control lock from a pinned thread; validation
	// must refuse rather than read zone checksums mid-update.
	ctl := &spinLock{seg: p.seg, idx: controlLockIndex, tuning: opts.Tuning, logger: slog.Default()}
	held := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runtime.LockOSThread()
		if err := ctl.tryLock(time.Second); err != nil {
			t.Error(err)
			close(held)
			return
		}
		close(held)
		<-release
		ctl.unlock()
	}()

	<-held
	_, err = d.ValidateIntegrity()
	require.ErrorIs(t, err, ErrLockHeld)

	close(release)
	wg.Wait()

	// With the lock free the pass runs normally.
	report, err := d.ValidateIntegrity()
	require.NoError(t, err)
	assert.True(t, report.Ok())
}

func TestValidateIntegrity(t *testing.T) {
	opts := testOptions(t)
	geo := testGeometry()
	geo.ZoneSizes = []uint64{64}
	p, secret := newTestProducer(t, geo, opts)
	d := attachTestDiagnostic(t, p, secret, opts)

	_, err := p.Write([]byte("good"), time.Second)
	require.NoError(t, err)
	_, err = p.UpdateZoneChecksum(0)
	require.NoError(t, err)

	report, err := d.ValidateIntegrity()
	require.NoError(t, err)
	assert.True(t, report.Ok())
	assert.Equal(t, 1, report.CheckedSlots)

	// Corrupt the published payload and the zone; both must be reported,
	// neither repaired.
	p.seg.payload(0)[0] ^= 0xff
	zone, _ := p.Zone(0)
	zone[0] ^= 0xff

	report, err = d.ValidateIntegrity()
	require.NoError(t, err)
	assert.False(t, report.Ok())
	assert.Equal(t, []uint32{0}, report.BadSlots)
	assert.Equal(t, []int{0}, report.BadZones)
	// Still corrupted: validation never rewrites data.
	assert.NotZero(t, p.seg.payload(0)[0]^'g')
}
