//go:build unix

package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandboxrt/pooling/api"
	"github.com/sandboxrt/pooling/internal/platform"
)

func TestStackPool_StrideAndTopAlignment(t *testing.T) {
	s := testSettings()
	s.MaxInstances = 4
	s.StackSize = 1 // rounds up to a single page
	p, err := NewStackPool(s)
	require.NoError(t, err)
	defer p.Close()

	page := uint64(platform.PageSize())
	require.Equal(t, 2*page, p.stackSize) // one usable page plus the guard
	require.Equal(t, int(2*page)*4, p.region.Len())

	tops := make([]uintptr, 4)
	for i := range tops {
		tops[i], err = p.Allocate()
		require.NoError(t, err)
		// The top of slot i sits at the end of its stride.
		require.Equal(t, p.region.Base()+uintptr(uint64(i+1)*p.stackSize), tops[i])
	}

	_, err = p.Allocate()
	require.ErrorIs(t, err, api.ErrExhausted)

	for _, top := range tops {
		p.Deallocate(top)
	}
}

func TestStackPool_ReuseIsZeroed(t *testing.T) {
	s := testSettings()
	s.MaxInstances = 1
	s.StackSize = uint64(platform.PageSize())
	p, err := NewStackPool(s)
	require.NoError(t, err)
	defer p.Close()

	top, err := p.Allocate()
	require.NoError(t, err)

	usable := int(p.stackSize - p.pageSize)
	view := memView(top-uintptr(usable), usable)
	for i := range view {
		view[i] = 0xde
	}
	p.Deallocate(top)

	// The single slot comes back, with its pages freshly zeroed.
	top2, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, top, top2)
	view = memView(top2-uintptr(usable), usable)
	for i := range view {
		if view[i] != 0 {
			t.Fatalf("stack byte %d not zeroed on reuse: %#x", i, view[i])
		}
	}
	p.Deallocate(top2)
}

func TestStackPool_DeallocatePanicsOnForeignPointer(t *testing.T) {
	s := testSettings()
	s.StackSize = uint64(platform.PageSize())
	p, err := NewStackPool(s)
	require.NoError(t, err)
	defer p.Close()

	require.PanicsWithValue(t, "BUG: stack top pointer not in the pool's range", func() {
		p.Deallocate(p.region.Base() + uintptr(p.region.Len()) + 1)
	})

	top, err := p.Allocate()
	require.NoError(t, err)
	require.PanicsWithValue(t, "BUG: stack top pointer not aligned to the pool's stride", func() {
		p.Deallocate(top - 1)
	})
	p.Deallocate(top)
}
