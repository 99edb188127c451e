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
)

// WriteTxn scopes one slot write. The record becomes visible to readers
// only through Commit; Discard and Close release the slot back to Free so a
// partial write is never published. All release paths are idempotent: a
// finished guard is inert and a second release is a no-op. Transfer hands
// the pending write to a new guard and leaves the source inert, so the
// original's deferred Close can never double-release.
type WriteTxn struct {
	p       *Producer
	id      uint64
	sv      slotView
	payload []byte
	done    bool
}

// ID returns the record id this transaction will publish.
func (t *WriteTxn) ID() uint64 { return t.id }

// Payload returns the slot's payload bytes for the caller to fill. The
// view is valid until the transaction finishes.
func (t *WriteTxn) Payload() []byte { return t.payload }

// Commit computes the checksum when enabled, publishes the record and
// finishes the transaction. After Commit the payload view is read-only
// territory shared with readers.
func (t *WriteTxn) Commit() error {
	if t == nil || t.done {
		return nil
	}
	t.done = true
	if t.p.seg.cb.ChecksumsEnabled() {
		t.sv.SetChecksum(digest(t.payload))
	}
	t.p.ring.publish(t.id, t.sv)
	return nil
}

// Discard releases the slot without publishing. The writer's next acquire
// reuses the same record id.
func (t *WriteTxn) Discard() {
	if t == nil || t.done {
		return
	}
	t.done = true
	t.p.ring.abandon(t.sv)
}

// Close discards the transaction if it has not been committed. Meant for
// defer: an early return or panic between acquire and commit releases the
// slot unpublished.
func (t *WriteTxn) Close() {
	t.Discard()
}

// Transfer moves ownership of the pending write to a returned guard and
// leaves the receiver inert. Transferring a finished guard returns nil.
func (t *WriteTxn) Transfer() *WriteTxn {
	if t == nil || t.done {
		return nil
	}
	t.done = true
	return &WriteTxn{p: t.p, id: t.id, sv: t.sv, payload: t.payload}
}

// ReadTxn scopes one pinned read. The reader count is decremented on every
// exit path exactly once; Close additionally re-compares the generation
// across the read window and advances the consumer cursor only when the
// record survived intact.
type ReadTxn struct {
	c       *Consumer
	id      uint64
	sv      slotView
	payload []byte
	done    bool
}

// ID returns the pinned record id.
func (t *ReadTxn) ID() uint64 { return t.id }

// Payload returns the pinned record's payload bytes. The view is valid
// until the transaction finishes and must be treated as read-only.
func (t *ReadTxn) Payload() []byte { return t.payload }

// VerifyChecksum recomputes the payload digest against the one stored at
// publish. Only meaningful while the slot is pinned.
func (t *ReadTxn) VerifyChecksum() error {
	if t == nil || t.done {
		return ErrClosed
	}
	if !t.c.seg.cb.ChecksumsEnabled() {
		return nil
	}
	stored := t.sv.Checksum()
	computed := digest(t.payload)
	if subtle.ConstantTimeCompare(stored[:], computed[:]) != 1 {
		return fmt.Errorf("%w: record %d", ErrIntegrity, t.id)
	}
	return nil
}

// Close unpins the slot and, when the end-of-window generation re-check
// passes, advances the consumer cursor. A Stale result means everything
// read from the payload must be discarded; the cursor stays put for the
// caller to reposition.
func (t *ReadTxn) Close() error {
	if t == nil || t.done {
		return nil
	}
	t.done = true
	if err := t.c.ring.releaseRead(t.id, t.sv); err != nil {
		return err
	}
	t.c.next = t.id + 1
	return nil
}

// Discard unpins the slot without advancing the cursor. Meant for defer
// alongside an explicit Close on the success path; discarding a finished
// transaction is a no-op.
func (t *ReadTxn) Discard() {
	if t == nil || t.done {
		return
	}
	t.done = true
	_ = t.c.ring.releaseRead(t.id, t.sv)
}

// Transfer moves ownership of the pinned slot to a returned guard and
// leaves the receiver inert. Transferring a finished guard returns nil.
func (t *ReadTxn) Transfer() *ReadTxn {
	if t == nil || t.done {
		return nil
	}
	t.done = true
	return &ReadTxn{c: t.c, id: t.id, sv: t.sv, payload: t.payload}
}
