//go:build unix

package pool

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/sandboxrt/pooling/api"
	"github.com/sandboxrt/pooling/internal/platform"
)

func memView(base uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
}

func TestNewMemoryPool_SizingErrors(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Settings)
		expectedErr string
	}{
		{
			name:        "page limit over wasm maximum",
			mutate:      func(s *Settings) { s.MemoryPages = 0x10001 },
			expectedErr: "module memory page limit of 65537 exceeds the maximum of 65536",
		},
		{
			name: "page limit over reservation",
			mutate: func(s *Settings) {
				s.MemoryPages = 5
				s.MemoryReservationBytes = 4 * WasmPageSize
			},
			expectedErr: fmt.Sprintf("module memory page limit of 5 pages exceeds the per-memory reservation of %d bytes", 4*WasmPageSize),
		},
		{
			name: "reservation size overflows",
			mutate: func(s *Settings) {
				s.MemoryReservationBytes = 1 << 62
				s.MemoryPages = 1
				s.GuardBytes = 1 << 62
			},
			expectedErr: "total size of memory reservation exceeds addressable memory",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s := testSettings()
			tc.mutate(s)
			_, err := NewMemoryPool(s)
			require.EqualError(t, err, tc.expectedErr)
		})
	}
}

func TestMemoryPool_BaseIsInjectiveAndInBounds(t *testing.T) {
	s := testSettings()
	s.MaxInstances = 5
	s.MaxMemories = 3
	p, err := NewMemoryPool(s)
	require.NoError(t, err)
	defer p.Close()

	stride := p.memoryReservationSize
	start, end := p.region.Base(), p.region.Base()+uintptr(p.region.Len())

	seen := map[uintptr]struct{}{}
	for i := 0; i < 5; i++ {
		for j := 0; j < 3; j++ {
			base := p.base(i, j)
			require.Equal(t, uintptr(uint64(i*3+j)*stride), base-start)
			// Compared as uint64: testify cannot order uintptr values.
			require.GreaterOrEqual(t, uint64(base), uint64(start))
			require.LessOrEqual(t, uint64(base)+p.maxMemorySize+s.GuardBytes, uint64(end))
			_, dup := seen[base]
			require.False(t, dup, "duplicate base for (%d, %d)", i, j)
			seen[base] = struct{}{}
		}
	}
}

func TestMemoryPool_GuardBeforeMemoryShiftsBases(t *testing.T) {
	s := testSettings()
	s.GuardBeforeMemory = true
	p, err := NewMemoryPool(s)
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, uintptr(p.initialMemoryOffset), p.base(0, 0)-p.region.Base())
	require.NotZero(t, p.initialMemoryOffset)
}

func TestMemoryPool_AllocatePlainMemory(t *testing.T) {
	p, err := NewMemoryPool(testSettings())
	require.NoError(t, err)
	defer p.Close()

	var state memoryState
	require.NoError(t, p.AllocateMemory(0, 0, api.MemoryPlan{MinPages: 1}, nil, &state))
	// Image-less allocations still own the region's slot, so they clear
	// whatever a previous occupant left mapped.
	require.NotNil(t, state.imageSlot)
	require.Equal(t, uint64(WasmPageSize), state.committed)

	// Committed pages are zeroed and writable.
	view := memView(p.base(0, 0), WasmPageSize)
	require.Equal(t, byte(0), view[0])
	require.Equal(t, byte(0), view[WasmPageSize-1])
	view[123] = 0xaa

	p.DeallocateMemory(0, 0, &state)
	require.Equal(t, memoryState{}, state)

	// A fresh allocation of the same region observes zeroes again.
	require.NoError(t, p.AllocateMemory(0, 0, api.MemoryPlan{MinPages: 1}, nil, &state))
	require.Equal(t, byte(0), memView(p.base(0, 0), WasmPageSize)[123])
	p.DeallocateMemory(0, 0, &state)
}

func TestMemoryPool_ImageLifecycle(t *testing.T) {
	p, err := NewMemoryPool(testSettings())
	require.NoError(t, err)
	defer p.Close()

	pageSize := platform.PageSize()
	data := make([]byte, pageSize)
	for i := range data {
		data[i] = byte(i)
	}
	image := &api.MemoryImage{Data: data}

	var state memoryState
	require.NoError(t, p.AllocateMemory(0, 0, api.MemoryPlan{MinPages: 1}, image, &state))
	require.NotNil(t, state.imageSlot)
	require.True(t, state.imageSlot.Dirty())

	// The region reads the image where it is mapped and zero beyond it.
	view := memView(p.base(0, 0), WasmPageSize)
	require.Equal(t, data, view[:pageSize])
	require.Equal(t, byte(0), view[pageSize])

	// Dirty the copy-on-write pages; the shared image must be unaffected.
	view[0] = 0xff
	require.Equal(t, byte(0), data[0])

	p.DeallocateMemory(0, 0, &state)

	// The slot was returned clean: the next instantiation of the same image
	// sees the original content, not the dirtied page.
	require.NoError(t, p.AllocateMemory(0, 0, api.MemoryPlan{MinPages: 1}, image, &state))
	require.Equal(t, byte(0), memView(p.base(0, 0), WasmPageSize)[0])
	p.DeallocateMemory(0, 0, &state)
}

func TestMemoryPool_PlainAllocationAfterImageIsZeroed(t *testing.T) {
	p, err := NewMemoryPool(testSettings())
	require.NoError(t, err)
	defer p.Close()

	pageSize := platform.PageSize()
	data := make([]byte, pageSize)
	for i := range data {
		data[i] = 0xaa
	}
	image := &api.MemoryImage{Data: data}

	var state memoryState
	require.NoError(t, p.AllocateMemory(0, 0, api.MemoryPlan{MinPages: 1}, image, &state))
	require.Equal(t, byte(0xaa), memView(p.base(0, 0), 1)[0])
	p.DeallocateMemory(0, 0, &state)

	// A module without an image must never see the previous module's image
	// content through the recycled region.
	require.NoError(t, p.AllocateMemory(0, 0, api.MemoryPlan{MinPages: 1}, nil, &state))
	view := memView(p.base(0, 0), pageSize)
	for i := range view {
		if view[i] != 0 {
			t.Fatalf("byte %d leaked prior image content: %#x", i, view[i])
		}
	}
	p.DeallocateMemory(0, 0, &state)

	// And a later allocation of the original image must be fully backed
	// again: readable image content, not a parked mapping.
	require.NoError(t, p.AllocateMemory(0, 0, api.MemoryPlan{MinPages: 1}, image, &state))
	require.Equal(t, data, memView(p.base(0, 0), pageSize))
	p.DeallocateMemory(0, 0, &state)
}

func TestMemoryPool_ImageSwitchIsZeroedBeyondNewImage(t *testing.T) {
	p, err := NewMemoryPool(testSettings())
	require.NoError(t, err)
	defer p.Close()

	pageSize := platform.PageSize()
	imageA := &api.MemoryImage{Data: bytesOf(0xaa, 2*pageSize)}
	imageB := &api.MemoryImage{Data: bytesOf(0xbb, pageSize)}

	var state memoryState
	require.NoError(t, p.AllocateMemory(0, 0, api.MemoryPlan{MinPages: 1}, imageA, &state))
	require.Equal(t, byte(0xaa), memView(p.base(0, 0)+uintptr(pageSize), 1)[0])
	p.DeallocateMemory(0, 0, &state)

	// Switching the region to a shorter image must not expose the previous
	// image's bytes beyond the new image's extent.
	require.NoError(t, p.AllocateMemory(0, 0, api.MemoryPlan{MinPages: 1}, imageB, &state))
	require.Equal(t, byte(0xbb), memView(p.base(0, 0), 1)[0])
	view := memView(p.base(0, 0)+uintptr(pageSize), pageSize)
	for i := range view {
		if view[i] != 0 {
			t.Fatalf("byte %d leaked prior image content: %#x", i, view[i])
		}
	}
	p.DeallocateMemory(0, 0, &state)
}

func bytesOf(b byte, n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = b
	}
	return data
}

func TestMemoryPool_ZeroMemoryPages(t *testing.T) {
	s := testSettings()
	s.MemoryPages = 0
	p, err := NewMemoryPool(s)
	require.NoError(t, err)
	defer p.Close()
	require.Nil(t, p.region)

	// A zero-page plan validates and allocates without any mapping.
	shape := &api.ModuleShape{MemoryPlans: []api.MemoryPlan{{}}}
	require.NoError(t, p.Validate(shape))

	var state memoryState
	require.NoError(t, p.AllocateMemory(0, 0, api.MemoryPlan{}, nil, &state))
	require.Equal(t, memoryState{}, state)
	require.Zero(t, p.base(0, 0))
	p.DeallocateMemory(0, 0, &state)
}

func TestMemoryPool_ImageValidation(t *testing.T) {
	p, err := NewMemoryPool(testSettings())
	require.NoError(t, err)
	defer p.Close()

	var state memoryState

	t.Run("unaligned image", func(t *testing.T) {
		image := &api.MemoryImage{Data: make([]byte, 100)}
		err := p.AllocateMemory(0, 0, api.MemoryPlan{MinPages: 1}, image, &state)
		require.ErrorContains(t, err, "must be multiples of the host page size")
	})

	t.Run("image beyond the initial size", func(t *testing.T) {
		image := &api.MemoryImage{Data: make([]byte, 2*WasmPageSize)}
		err := p.AllocateMemory(0, 0, api.MemoryPlan{MinPages: 1}, image, &state)
		require.ErrorContains(t, err, "exceeds the initial memory size")
	})
}

func TestMemoryPool_Validate(t *testing.T) {
	p, err := NewMemoryPool(testSettings())
	require.NoError(t, err)
	defer p.Close()

	tests := []struct {
		name        string
		shape       api.ModuleShape
		expectedErr string
	}{
		{
			name:  "within limits",
			shape: api.ModuleShape{MemoryPlans: []api.MemoryPlan{{MinPages: 2}, {MinPages: 1}}},
		},
		{
			name:        "too many memories",
			shape:       api.ModuleShape{MemoryPlans: make([]api.MemoryPlan, 3)},
			expectedErr: "defined memories count of 3 exceeds the limit of 2",
		},
		{
			name:        "minimum pages over the limit",
			shape:       api.ModuleShape{MemoryPlans: []api.MemoryPlan{{MinPages: 1}, {MinPages: 3}}},
			expectedErr: "memory index 1 has a minimum page size of 3 which exceeds the limit of 2",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := p.Validate(&tc.shape)
			if tc.expectedErr == "" {
				require.NoError(t, err)
			} else {
				require.EqualError(t, err, tc.expectedErr)
			}
		})
	}
}
