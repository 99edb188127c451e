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
	"time"
)

// Record addressing. Absolute record id n lives in slot n % capacity and is
// published with generation n/capacity + 1, so a slot's generation
// increments exactly once per complete write cycle and a reader can tell a
// recycled slot from the record it wanted.

// recordSlot maps an absolute record id to its slot index.
func recordSlot(id uint64, ringCap uint32) uint32 {
	return uint32(id % uint64(ringCap))
}

// recordGeneration maps an absolute record id to the generation its slot
// carries once the record is published.
func recordGeneration(id uint64, ringCap uint32) uint64 {
	return id/uint64(ringCap) + 1
}

// ring is the slot acquire/release state machine shared by the producer and
// consumer handles. It owns no shared state itself; everything it touches
// lives in the mapped segment.
type ring struct {
	seg    *segment
	tuning Tuning
}

func (r *ring) capacity() uint32 { return r.seg.cb.RingCapacity() }

// acquireWrite claims the slot for record id for writing. It spins with
// bounded exponential backoff until the slot is not mid-write and has no
// active readers, then marks it Writing and drains any reader that raced
// its own increment (their re-check observes Writing and backs off).
// Only the write-lock holder may call this.
func (r *ring) acquireWrite(id uint64, timeout time.Duration) (slotView, []byte, error) {
	idx := recordSlot(id, r.capacity())
	sv := r.seg.slot(idx)
	deadline := deadlineFrom(timeout)
	bo := newBackoff(r.tuning)

	for {
		if st := sv.State(); st != SlotWriting && sv.Readers() == 0 {
			prior := st
			sv.SetState(SlotWriting)
			// A reader may have incremented between our check and the state
			// store; its post-increment re-check sees Writing and it backs
			// off, so this drain is bounded.
			for sv.Readers() != 0 {
				if deadline != 0 && monotonicNow() >= deadline {
					sv.SetState(prior)
					return slotView{}, nil, fmt.Errorf("%w: slot %d readers did not drain", ErrTimeout, idx)
				}
				bo.pause()
			}
			return sv, r.seg.payload(idx), nil
		}
		if deadline != 0 && monotonicNow() >= deadline {
			return slotView{}, nil, fmt.Errorf("%w: slot %d busy", ErrTimeout, idx)
		}
		bo.pause()
	}
}

// publish finalizes record id in its Writing slot: generation first, then
// state, then the shared head cursor, so no reader can observe a Readable
// slot whose generation is not yet final.
func (r *ring) publish(id uint64, sv slotView) {
	sv.SetDiag(DiagNone)
	sv.SetGeneration(recordGeneration(id, r.capacity()))
	sv.SetState(SlotReadable)
	r.seg.cb.SetHead(id + 1)
}

// abandon releases a Writing slot without publishing it. The head cursor
// stays put, so the writer's next acquire reuses the same record id and the
// partial payload is never visible to readers.
func (r *ring) abandon(sv slotView) {
	sv.SetState(SlotFree)
}

// acquireRead pins the slot holding record id for reading. NotReady
// conditions retry under the deadline; a generation past the requested one
// means the slot was recycled out from under the reader and yields ErrStale.
func (r *ring) acquireRead(id uint64, timeout time.Duration) (slotView, []byte, error) {
	idx := recordSlot(id, r.capacity())
	want := recordGeneration(id, r.capacity())
	sv := r.seg.slot(idx)
	deadline := deadlineFrom(timeout)
	bo := newBackoff(r.tuning)

	for {
		gen := sv.Generation()
		if gen > want {
			return slotView{}, nil, fmt.Errorf("%w: record %d overwritten (slot %d at generation %d, wanted %d)",
				ErrStale, id, idx, gen, want)
		}
		if gen == want {
			switch sv.State() {
			case SlotReadable:
				sv.AddReader(1)
				// Close the check-then-act window: if the writer recycled
				// the slot between our check and the increment, back out.
				if sv.State() != SlotReadable || sv.Generation() != want {
					sv.AddReader(-1)
					return slotView{}, nil, fmt.Errorf("%w: record %d recycled during pin", ErrStale, id)
				}
				return sv, r.seg.payload(idx), nil
			case SlotWriting:
				// Our record's generation with a write in progress: the
				// writer is destroying the record we wanted.
				return slotView{}, nil, fmt.Errorf("%w: record %d being overwritten", ErrStale, id)
			}
		}
		// Not yet published (or discarded and pending rewrite): retry.
		if deadline != 0 && monotonicNow() >= deadline {
			return slotView{}, nil, fmt.Errorf("%w: record %d not published", ErrTimeout, id)
		}
		bo.pause()
	}
}

// releaseRead unpins a slot acquired with acquireRead. The generation is
// re-compared across the read window; any change invalidates everything the
// caller copied out and surfaces as ErrStale. The reader count is always
// decremented, on every path.
func (r *ring) releaseRead(id uint64, sv slotView) error {
	want := recordGeneration(id, r.capacity())
	stale := sv.Generation() != want
	sv.AddReader(-1)
	if stale {
		return fmt.Errorf("%w: record %d changed during read window", ErrStale, id)
	}
	return nil
}
