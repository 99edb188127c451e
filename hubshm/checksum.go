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

	"golang.org/x/crypto/blake2b"
)

// digest computes the BLAKE2b-256 digest used for slot payloads, flexible
// zones and schema hashing.
func digest(data []byte) [DigestSize]byte {
	return blake2b.Sum256(data)
}

// SchemaHashOf is a convenience for writers that derive the schema hash
// from a canonical structural description of their record type. The bytes
// are opaque to this package; most deployments receive the hash from the
// broker instead.
func SchemaHashOf(description []byte) [DigestSize]byte {
	return digest(description)
}

// VersionPolicy decides whether a reader expecting schema version
// (wantMajor, wantMinor) may consume records written under the stored
// version. It is layered on top of the mandatory hash equality check,
// never a substitute for it.
type VersionPolicy func(storedMajor, storedMinor, wantMajor, wantMinor uint32) bool

// SameMajorPolicy is the default compatibility rule: a major version bump
// is breaking, minor bumps are not.
func SameMajorPolicy(storedMajor, _, wantMajor, _ uint32) bool {
	return storedMajor == wantMajor
}

// SchemaExpectation is what a consumer declares about the records it can
// understand. Hash must match the segment exactly; Policy (nil selects
// SameMajorPolicy) then rules on the version pair.
type SchemaExpectation struct {
	Hash   [DigestSize]byte
	Major  uint32
	Minor  uint32
	Policy VersionPolicy
}

// validateSchema enforces a consumer's schema expectation against the
// control block. A nil expectation accepts anything.
func validateSchema(cb *cbView, exp *SchemaExpectation) error {
	if exp == nil {
		return nil
	}
	stored := cb.SchemaHash()
	if subtle.ConstantTimeCompare(stored[:], exp.Hash[:]) != 1 {
		return fmt.Errorf("%w: segment schema differs from expectation", ErrSchemaMismatch)
	}
	policy := exp.Policy
	if policy == nil {
		policy = SameMajorPolicy
	}
	major, minor := cb.SchemaVersion()
	if !policy(major, minor, exp.Major, exp.Minor) {
		return fmt.Errorf("%w: stored version %d.%d incompatible with expected %d.%d",
			ErrSchemaMismatch, major, minor, exp.Major, exp.Minor)
	}
	return nil
}

// zoneAccessible reports whether zone i can be touched at all. A segment
// with zero zones grants no access for any index, for either side.
func zoneAccessible(seg *segment, i int) bool {
	if seg.cb.ZoneCount() == 0 {
		return false
	}
	if i < 0 || i >= int(seg.cb.ZoneCount()) {
		return false
	}
	_, size := seg.cb.Zone(i)
	return size != 0
}

// updateZoneChecksum recomputes and stores the digest of zone i under the
// control lock. Returns false with no error when the zone is inaccessible.
func updateZoneChecksum(seg *segment, lk *spinLock, i int) (bool, error) {
	if !zoneAccessible(seg, i) {
		return false, nil
	}
	g, err := lk.acquireGuard(lk.tuning.SpinMax * 64)
	if err != nil {
		return false, err
	}
	defer g.release()
	seg.cb.SetZoneSum(i, digest(seg.zoneBytes(i)))
	return true, nil
}

// verifyZoneChecksum recomputes the digest of zone i and compares it to the
// stored one. Returns (false, nil) when the zone is inaccessible and
// (false, ErrIntegrity) when any byte changed since the last update.
func verifyZoneChecksum(seg *segment, i int) (bool, error) {
	if !zoneAccessible(seg, i) {
		return false, nil
	}
	stored := seg.cb.ZoneSum(i)
	computed := digest(seg.zoneBytes(i))
	if subtle.ConstantTimeCompare(stored[:], computed[:]) != 1 {
		return false, fmt.Errorf("%w: zone %d", ErrIntegrity, i)
	}
	return true, nil
}
