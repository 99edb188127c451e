//go:build linux

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
	"os"

	"golang.org/x/sys/unix"
)

func init() {
	mapFile = mmapImpl
	unmapMemory = munmapImpl
	processAlive = processAliveImpl
	monotonicNow = monotonicNowImpl
	currentTID = currentTIDImpl
}

// mmapImpl maps size bytes of file read-write and shared.
func mmapImpl(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}

// munmapImpl unmaps a memory-mapped region.
func munmapImpl(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}

// processAliveImpl probes pid with signal 0. EPERM means the process exists
// but belongs to another user, which still counts as alive.
func processAliveImpl(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// monotonicNowImpl returns CLOCK_MONOTONIC in nanoseconds. Wall-clock jumps
// must never affect zombie grace periods or heartbeat ages.
func monotonicNowImpl() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}

// currentTIDImpl returns the kernel thread id of the calling goroutine's
// thread. Callers holding a lock must be pinned with runtime.LockOSThread.
func currentTIDImpl() int {
	return unix.Gettid()
}
