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
	"runtime"
	"sync/atomic"
	"time"
)

// controlLockIndex is the spinlock guarding control-block-wide mutations
// (heartbeat table, zone checksums, administrative repairs).
const controlLockIndex = 0

// backoff implements bounded exponential backoff for spin loops.
type backoff struct {
	cur, max time.Duration
}

func newBackoff(t Tuning) backoff {
	return backoff{cur: t.SpinBase, max: t.SpinMax}
}

// pause sleeps for the current interval and doubles it up to the cap.
func (b *backoff) pause() {
	time.Sleep(b.cur)
	if b.cur < b.max {
		b.cur *= 2
		if b.cur > b.max {
			b.cur = b.max
		}
	}
}

// deadlineFrom converts a timeout into an absolute monotonic deadline.
// Zero timeout means block until acquired and yields deadline 0.
func deadlineFrom(timeout time.Duration) int64 {
	if timeout <= 0 {
		return 0
	}
	return monotonicNow() + timeout.Nanoseconds()
}

// spinLock is one cross-process spinlock over a control-block record.
// Mutual exclusion holds across processes and survives owner death: a lock
// held by a dead process is force-reclaimed after a grace period, with the
// generation bumped so the stale (pid, generation) token can never be
// confused with the new one.
//
// The owner word holds the holder's pid and is the only CAS target. Owner
// tid and recursion are written exclusively by the holder, so same-thread
// re-entry nests without touching the word.
type spinLock struct {
	seg    *segment
	idx    int
	tuning Tuning
	logger *slog.Logger
}

func (l *spinLock) state() *spinLockState {
	return l.seg.cb.lock(l.idx)
}

// lock blocks until the lock is acquired.
func (l *spinLock) lock() {
	// No deadline: tryLock can only fail by timeout.
	_ = l.tryLock(0)
}

// tryLock acquires the lock within timeout. Zero timeout blocks forever.
// The calling goroutine is pinned to its OS thread for the duration of the
// hold so the recorded tid stays meaningful.
func (l *spinLock) tryLock(timeout time.Duration) error {
	runtime.LockOSThread()
	st := l.state()
	self := uint64(os.Getpid())
	tid := uint32(currentTID())
	deadline := deadlineFrom(timeout)
	bo := newBackoff(l.tuning)

	// Track how long the current owner has been observed dead; reclaim only
	// after the grace period to let a briefly unobservable process settle.
	var deadOwner uint64
	var deadSince int64

	for {
		// Same-thread re-entry: bump recursion instead of re-acquiring.
		if atomic.LoadUint64(&st.word) == self &&
			atomic.LoadUint32(&st.tid) == tid &&
			atomic.LoadUint32(&st.recursion) > 0 {
			atomic.AddUint32(&st.recursion, 1)
			return nil
		}

		if atomic.CompareAndSwapUint64(&st.word, 0, self) {
			atomic.AddUint64(&st.generation, 1)
			atomic.StoreUint32(&st.tid, tid)
			atomic.StoreUint32(&st.recursion, 1)
			return nil
		}

		owner := atomic.LoadUint64(&st.word)
		if owner != 0 && owner != self && !processAlive(int(owner)) {
			now := monotonicNow()
			if owner != deadOwner {
				deadOwner = owner
				deadSince = now
			}
			if now-deadSince >= l.tuning.GracePeriod.Nanoseconds() {
				gen := atomic.LoadUint64(&st.generation)
				// Re-confirm death right before the steal; the CAS on the
				// recorded owner closes the check-then-act window.
				if !processAlive(int(owner)) && atomic.CompareAndSwapUint64(&st.word, owner, self) {
					atomic.StoreUint64(&st.generation, gen+1)
					atomic.StoreUint32(&st.tid, tid)
					atomic.StoreUint32(&st.recursion, 1)
					l.logger.Warn("hubshm: reclaimed spinlock from dead owner",
						"lock", l.idx, "dead_pid", owner, "generation", gen+1)
					return nil
				}
			}
		} else {
			deadOwner, deadSince = 0, 0
		}

		if deadline != 0 && monotonicNow() >= deadline {
			runtime.UnlockOSThread()
			return fmt.Errorf("%w: spinlock %d held by pid %d", ErrTimeout, l.idx, owner)
		}
		bo.pause()
	}
}

// unlock releases one level of the lock. Unlocking an already-free lock is
// a no-op; unlocking a lock held by someone else is a detected invariant
// violation and panics rather than risk leaking a cross-process lock.
func (l *spinLock) unlock() {
	st := l.state()
	owner := atomic.LoadUint64(&st.word)
	if owner == 0 {
		return
	}
	self := uint64(os.Getpid())
	tid := uint32(currentTID())
	if owner != self || atomic.LoadUint32(&st.tid) != tid || atomic.LoadUint32(&st.recursion) == 0 {
		panic(fmt.Sprintf("hubshm: spinlock %d unlock by non-owner: held by pid=%d tid=%d, caller pid=%d tid=%d",
			l.idx, owner, atomic.LoadUint32(&st.tid), self, tid))
	}
	if atomic.AddUint32(&st.recursion, ^uint32(0)) == 0 {
		atomic.StoreUint32(&st.tid, 0)
		if !atomic.CompareAndSwapUint64(&st.word, self, 0) {
			panic(fmt.Sprintf("hubshm: spinlock %d owner word changed during unlock", l.idx))
		}
	}
	runtime.UnlockOSThread()
}

// lockGuard scopes a spinlock hold: acquired on construction, released on
// every exit path. Release is idempotent; a released guard is inert.
type lockGuard struct {
	l    *spinLock
	held bool
}

// acquireGuard takes the lock and returns a guard for it.
func (l *spinLock) acquireGuard(timeout time.Duration) (*lockGuard, error) {
	if err := l.tryLock(timeout); err != nil {
		return nil, err
	}
	return &lockGuard{l: l, held: true}, nil
}

// release unlocks exactly once; further calls are no-ops.
func (g *lockGuard) release() {
	if g == nil || !g.held {
		return
	}
	g.held = false
	g.l.unlock()
}
