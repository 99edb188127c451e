//go:build !linux

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
	"errors"
	"os"
	"time"
)

// ErrPlatformUnsupported is returned by segment operations on platforms
// without a shared-memory implementation.
var ErrPlatformUnsupported = errors.New("hubshm: platform not supported")

func init() {
	mapFile = func(*os.File, int) ([]byte, error) { return nil, ErrPlatformUnsupported }
	unmapMemory = func([]byte) error { return ErrPlatformUnsupported }
	processAlive = func(int) bool { return false }
	monotonicNow = func() int64 { return time.Now().UnixNano() }
	currentTID = func() int { return 0 }
}
