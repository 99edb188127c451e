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
	"time"

	"github.com/caarlos0/env/v11"
)

// Tuning holds the runtime knobs shared by every handle in the process.
// Values come from code defaults overridden by HUBSHM_* environment
// variables; per-handle options may override them again.
type Tuning struct {
	// SpinBase is the initial backoff interval while spinning on a slot or
	// lock. Doubles on each miss up to SpinMax.
	SpinBase time.Duration `env:"HUBSHM_SPIN_BASE" envDefault:"1us"`

	// SpinMax caps the exponential backoff interval.
	SpinMax time.Duration `env:"HUBSHM_SPIN_MAX" envDefault:"500us"`

	// GracePeriod is how long a lock owner must stay dead before another
	// process may force-reclaim its lock or write token.
	GracePeriod time.Duration `env:"HUBSHM_GRACE_PERIOD" envDefault:"200ms"`

	// Dir overrides the directory segments are backed by. Empty selects
	// /dev/shm when available, the temp dir otherwise.
	Dir string `env:"HUBSHM_DIR"`
}

// defaultTuning is resolved once at init from the environment.
var defaultTuning Tuning

func init() {
	t, err := loadTuning()
	if err != nil {
		// A malformed override should be loud but not fatal for the host
		// process; fall back to code defaults.
		slog.Warn("hubshm: invalid HUBSHM_* environment, using defaults", "error", err)
		t = Tuning{SpinBase: time.Microsecond, SpinMax: 500 * time.Microsecond, GracePeriod: 200 * time.Millisecond}
	}
	defaultTuning = t
}

// loadTuning parses the HUBSHM_* environment into a Tuning value.
func loadTuning() (Tuning, error) {
	var t Tuning
	if err := env.Parse(&t); err != nil {
		return Tuning{}, fmt.Errorf("parse environment: %w", err)
	}
	if t.SpinBase <= 0 || t.SpinMax < t.SpinBase {
		return Tuning{}, fmt.Errorf("spin intervals out of range: base=%v max=%v", t.SpinBase, t.SpinMax)
	}
	if t.GracePeriod <= 0 {
		return Tuning{}, fmt.Errorf("grace period out of range: %v", t.GracePeriod)
	}
	return t, nil
}

// Options configures a producer, consumer or diagnostic handle.
type Options struct {
	// Logger receives control-plane events (attach, reclaim, recovery).
	// Hot-path operations never log. Nil selects slog.Default().
	Logger *slog.Logger

	// Tuning overrides the process-wide defaults when non-zero.
	Tuning Tuning
}

// resolve fills in defaults for unset fields.
func (o Options) resolve() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Tuning.SpinBase == 0 {
		o.Tuning.SpinBase = defaultTuning.SpinBase
	}
	if o.Tuning.SpinMax == 0 {
		o.Tuning.SpinMax = defaultTuning.SpinMax
	}
	if o.Tuning.GracePeriod == 0 {
		o.Tuning.GracePeriod = defaultTuning.GracePeriod
	}
	if o.Tuning.Dir == "" {
		o.Tuning.Dir = defaultTuning.Dir
	}
	return o
}
