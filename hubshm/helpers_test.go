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
	"testing"
	"time"
)

// testTuning keeps spins and grace periods short so zombie paths run in
// milliseconds.
func testTuning(t *testing.T) Tuning {
	t.Helper()
	return Tuning{
		SpinBase:    time.Microsecond,
		SpinMax:     50 * time.Microsecond,
		GracePeriod: 5 * time.Millisecond,
		Dir:         t.TempDir(),
	}
}

// testOptions builds handle options with the short test tuning.
func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{Logger: slog.Default(), Tuning: testTuning(t)}
}

// testSegName returns a unique segment name per test invocation.
func testSegName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("test-%s-%d", sanitize(t.Name()), time.Now().UnixNano())
}

func sanitize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '/' || c == ' ' {
			c = '_'
		}
		out = append(out, c)
	}
	return string(out)
}

// testGeometry is a small default shape: 4 slots of 128 bytes, checksums on.
func testGeometry() Geometry {
	return Geometry{
		RingCapacity: 4,
		SlotSize:     128,
		Checksums:    true,
		SchemaHash:   SchemaHashOf([]byte("frame{u64 ts; f64 v[14]}")),
		SchemaMajor:  1,
		SchemaMinor:  0,
	}
}

// newTestProducer creates a producer on a unique segment and registers
// cleanup. Returns the producer and the access secret.
func newTestProducer(t *testing.T, geo Geometry, opts Options) (*Producer, [DigestSize]byte) {
	t.Helper()
	p, secret, err := CreateProducer(testSegName(t), geo, opts)
	if err != nil {
		t.Fatalf("CreateProducer failed: %v", err)
	}
	t.Cleanup(func() { p.Destroy() })
	return p, secret
}

// segNameOf recovers the name component of a producer's backing path for
// attaching other handles in the same test.
func segNameOf(p *Producer) string {
	path := p.seg.path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// fakeDead overrides process liveness so the given pid reads as dead,
// restoring the real probe when the test finishes. Tests using this must
// not run in parallel: the hook is package-global.
func fakeDead(t *testing.T, pid uint32) {
	t.Helper()
	orig := processAlive
	processAlive = func(p int) bool {
		if p == int(pid) {
			return false
		}
		return orig(p)
	}
	t.Cleanup(func() { processAlive = orig })
}

// fakeAlive overrides process liveness so the given pid reads as alive.
func fakeAlive(t *testing.T, pid uint32) {
	t.Helper()
	orig := processAlive
	processAlive = func(p int) bool {
		if p == int(pid) {
			return true
		}
		return orig(p)
	}
	t.Cleanup(func() { processAlive = orig })
}
