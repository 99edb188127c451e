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

import "errors"

// Hot-path sentinel errors. Timeout and Stale are retryable by the caller;
// the mismatch errors are fatal for the attach that produced them.
var (
	// ErrTimeout indicates the deadline elapsed before a slot or lock could
	// be acquired. Retryable.
	ErrTimeout = errors.New("hubshm: acquisition timed out")

	// ErrStale indicates the slot generation changed during the read window;
	// the slot was recycled out from under the reader. Retryable by
	// re-acquiring.
	ErrStale = errors.New("hubshm: slot recycled during read")

	// ErrSchemaMismatch indicates the segment's schema hash does not match
	// the reader's expectation. Fatal for this attach.
	ErrSchemaMismatch = errors.New("hubshm: schema hash mismatch")

	// ErrLayoutMismatch indicates the two processes were compiled with
	// different control-block binary layouts. Always fatal.
	ErrLayoutMismatch = errors.New("hubshm: control block layout mismatch")

	// ErrSecretMismatch indicates the access secret supplied at attach does
	// not match the one recorded at creation.
	ErrSecretMismatch = errors.New("hubshm: access secret mismatch")

	// ErrWriterAlive indicates another live process currently holds the
	// write lock for this segment.
	ErrWriterAlive = errors.New("hubshm: segment already has a live writer")

	// ErrNoAccess indicates the requested flexible zone is not defined for
	// this segment. Zones undefined on either side are never accessible.
	ErrNoAccess = errors.New("hubshm: flexible zone not defined")

	// ErrIntegrity indicates a checksum mismatch was detected. Reported,
	// never silently repaired.
	ErrIntegrity = errors.New("hubshm: checksum mismatch")

	// ErrClosed indicates the handle has been closed.
	ErrClosed = errors.New("hubshm: handle closed")

	// ErrConsumersFull indicates every heartbeat record is held by a live
	// consumer; the segment cannot track another reader.
	ErrConsumersFull = errors.New("hubshm: all consumer heartbeat slots in use")

	// ErrLockHeld indicates an administrative operation refused to run
	// because the control spinlock could not be confirmed held and plausible
	// owners are still alive.
	ErrLockHeld = errors.New("hubshm: operation requires the control lock or dead owners")
)
