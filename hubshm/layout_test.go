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
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlBlockSize(t *testing.T) {
	assert.Equal(t, uintptr(ControlBlockSize), unsafe.Sizeof(controlBlock{}))
	assert.Equal(t, uintptr(SlotHeaderSize), unsafe.Sizeof(slotHeader{}))
}

func TestLayoutHashStable(t *testing.T) {
	a := computeLayoutHash()
	b := computeLayoutHash()
	assert.Equal(t, a, b)

	// The descriptor should name every control block field.
	desc := layoutDescriptor()
	for _, field := range []string{"magic", "layoutHash", "ringCap", "slotSize",
		"head", "schemaHash", "secret", "writeLock", "zones", "zoneSums",
		"locks", "beats", "slotHeader"} {
		assert.True(t, strings.Contains(desc, field+":"), "descriptor missing %s", field)
	}
}

func TestCalculateLayout(t *testing.T) {
	l, err := calculateLayout(4, 100, []uint64{64, 32})
	require.NoError(t, err)

	assert.Equal(t, uint64(ControlBlockSize), l.slotHdrOff)
	assert.Equal(t, uint64(ControlBlockSize+4*SlotHeaderSize), l.payloadOff)
	// 100-byte payloads stride a full cache line multiple.
	assert.Equal(t, uint64(128), l.slotStride)

	// Zones start after the payload area, 64-byte aligned, in order.
	assert.Equal(t, uint64(0), l.zoneOffsets[0]%64)
	assert.Greater(t, l.zoneOffsets[0], l.payloadOff)
	assert.Greater(t, l.zoneOffsets[1], l.zoneOffsets[0])
	assert.LessOrEqual(t, l.zoneOffsets[1]+32, l.totalSize)
	assert.Equal(t, uint64(0), l.totalSize%64)
}

func TestCalculateLayoutRejectsBadGeometry(t *testing.T) {
	_, err := calculateLayout(0, 100, nil)
	assert.Error(t, err)

	_, err = calculateLayout(4, 0, nil)
	assert.Error(t, err)

	_, err = calculateLayout(4, 100, make([]uint64, MaxZones+1))
	assert.Error(t, err)

	_, err = calculateLayout(4, 100, []uint64{0})
	assert.Error(t, err)

	_, err = calculateLayout(MaxRingCapacity+1, 100, nil)
	assert.Error(t, err)
}

func TestRecordAddressing(t *testing.T) {
	// Slot index cycles; generation increments once per full cycle.
	assert.Equal(t, uint32(0), recordSlot(0, 4))
	assert.Equal(t, uint32(3), recordSlot(3, 4))
	assert.Equal(t, uint32(0), recordSlot(4, 4))
	assert.Equal(t, uint64(1), recordGeneration(0, 4))
	assert.Equal(t, uint64(1), recordGeneration(3, 4))
	assert.Equal(t, uint64(2), recordGeneration(4, 4))
	assert.Equal(t, uint64(3), recordGeneration(8, 4))
}

func TestLayoutMismatchRejectedAtAttach(t *testing.T) {
	opts := testOptions(t)
	p, secret := newTestProducer(t, testGeometry(), opts)

	// Corrupt one byte of the stored layout hash; any attach must now fail
	// with the ABI error, not a schema or zone error.
	p.seg.mem[16] ^= 0xff

	_, err := AttachConsumer(segNameOf(p), secret, ConsumerOptions{Options: opts})
	require.ErrorIs(t, err, ErrLayoutMismatch)
}

func TestSecretMismatchRejectedAtAttach(t *testing.T) {
	opts := testOptions(t)
	p, secret := newTestProducer(t, testGeometry(), opts)

	bad := secret
	bad[0] ^= 0xff
	_, err := AttachConsumer(segNameOf(p), bad, ConsumerOptions{Options: opts})
	require.ErrorIs(t, err, ErrSecretMismatch)
}
