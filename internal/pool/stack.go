package pool

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sandboxrt/pooling/api"
	"github.com/sandboxrt/pooling/internal/platform"
)

// StackPool is one reservation sliced into per-slot execution stacks for
// fiber-style execution. Stacks grow downward: each slot starts (at its
// lowest address) with one guard page that turns overflow into a fault, and
// Allocate returns the highest usable address as the initial stack pointer.
//
// Stacks carry no reusable content, so slot recycling is always
// next-available; there is nothing for affinity to preserve.
type StackPool struct {
	region       *platform.Region
	stackSize    uint64 // guard page plus usable bytes, the per-slot stride
	pageSize     uint64
	maxInstances int
	idx          *indexAllocator
}

// NewStackPool reserves stacks for s.MaxInstances fibers of s.StackSize
// usable bytes each. s.StackSize must be positive; a zero size means fiber
// stacks are disabled and no pool should be constructed at all.
func NewStackPool(s *Settings) (*StackPool, error) {
	if s.StackSize == 0 {
		panic("BUG: NewStackPool with zero stack size")
	}
	page := uint64(platform.PageSize())

	stride, err := checkedAdd(roundUpPage(s.StackSize), page, "execution stacks")
	if err != nil {
		return nil, err
	}
	total, err := checkedMul(stride, uint64(s.MaxInstances), "execution stacks")
	if err != nil {
		return nil, err
	}
	size, err := toMapSize(total, "execution stacks")
	if err != nil {
		return nil, err
	}

	region, err := platform.ReserveRegion(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create stack pool mapping: %w", err)
	}

	// Guard pages become inaccessible once, here, and are never touched
	// again: no allocate/deallocate cycle ever needs them accessible.
	for i := 0; i < int(s.MaxInstances); i++ {
		if err := platform.MakeInaccessible(region.Base()+uintptr(uint64(i)*stride), int(page)); err != nil {
			_ = region.Unmap()
			return nil, fmt.Errorf("failed to protect stack guard page: %w", err)
		}
	}

	s.Logger.Info("created stack pool",
		zap.Uint64("reservation_bytes", total),
		zap.Uint64("stack_stride_bytes", stride),
		zap.Uint32("max_stacks", s.MaxInstances))

	return &StackPool{
		region:       region,
		stackSize:    stride,
		pageSize:     page,
		maxInstances: int(s.MaxInstances),
		idx:          newIndexAllocator(api.StrategyNextAvailable, s.MaxInstances),
	}, nil
}

// Allocate reserves one stack, commits its usable pages, and returns the
// top-of-stack pointer.
func (p *StackPool) Allocate() (uintptr, error) {
	id, ok := p.idx.alloc(0)
	if !ok {
		return 0, &api.ExhaustedError{Capacity: uint32(p.maxInstances)}
	}

	usable := p.stackSize - p.pageSize
	bottom := p.region.Base() + uintptr(uint64(id)*p.stackSize+p.pageSize)
	if err := platform.CommitPages(bottom, int(usable)); err != nil {
		p.idx.free(id)
		return 0, fmt.Errorf("failed to commit stack pages: %w", err)
	}
	return bottom + uintptr(usable), nil
}

// Deallocate recovers the slot from the top-of-stack pointer, decommits the
// usable pages, and frees the slot. top must be a pointer returned by
// Allocate that has not been deallocated since.
func (p *StackPool) Deallocate(top uintptr) {
	base := p.region.Base()
	if top <= base || top > base+uintptr(p.region.Len()) {
		panic("BUG: stack top pointer not in the pool's range")
	}

	usable := p.stackSize - p.pageSize
	bottom := top - uintptr(usable)
	start := bottom - uintptr(p.pageSize) // the slot's guard page
	if (uint64(start-base))%p.stackSize != 0 {
		panic("BUG: stack top pointer not aligned to the pool's stride")
	}
	id := uint64(start-base) / p.stackSize

	if err := platform.DecommitPages(bottom, int(usable)); err != nil {
		panic(fmt.Errorf("failed to decommit stack pages: %w", err))
	}
	p.idx.free(uint32(id))
}

// Close releases the reservation.
func (p *StackPool) Close() error {
	return p.region.Unmap()
}
