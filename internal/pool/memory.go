package pool

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sandboxrt/pooling/api"
	"github.com/sandboxrt/pooling/internal/platform"
)

// MemoryPool is one reservation sliced into per-(instance slot, defined
// memory) regions. Each region is the memory's reservation plus a trailing
// guard, so small out-of-bounds accesses fault in the guard instead of
// reaching a neighboring slot. This trades virtual address space for
// eliminated bounds checks and relies on a 64-bit host.
type MemoryPool struct {
	region *platform.Region

	// imageSlots transfers ownership of copy-on-write state between the
	// pool and the instance using a region; entries are nil while taken or
	// never yet created.
	imageSlots []struct {
		mu   sync.Mutex
		slot *MemoryImageSlot
	}

	// imageFiles caches the shared read-only file materialized for each
	// distinct initial-content image.
	imageFilesMu sync.Mutex
	imageFiles   map[*api.MemoryImage]*platform.MemoryImageFile

	// memoryReservationSize is the per-memory stride: reservation plus
	// trailing guard, a whole number of host pages.
	memoryReservationSize uint64

	// maxMemorySize is the byte bound of one memory, a whole number of wasm
	// pages.
	maxMemorySize uint64

	// initialMemoryOffset accounts for a guard region before the first
	// memory, when configured.
	initialMemoryOffset uint64

	maxMemories  int
	maxInstances int
}

// NewMemoryPool computes and reserves the pool's single mapping. All sizing
// errors here are fatal construction-time errors.
func NewMemoryPool(s *Settings) (*MemoryPool, error) {
	if s.MemoryPages > WasmMaxPages {
		return nil, fmt.Errorf("module memory page limit of %d exceeds the maximum of %d", s.MemoryPages, WasmMaxPages)
	}
	maxMemorySize := s.MemoryPages * WasmPageSize
	if maxMemorySize > s.MemoryReservationBytes {
		return nil, fmt.Errorf("module memory page limit of %d pages exceeds the per-memory reservation of %d bytes",
			s.MemoryPages, s.MemoryReservationBytes)
	}

	var stride uint64
	if s.MemoryPages > 0 {
		reserved, err := checkedAdd(roundUpPage(s.MemoryReservationBytes), roundUpPage(s.GuardBytes), "memory reservation")
		if err != nil {
			return nil, err
		}
		stride = reserved
	}

	var initialOffset uint64
	if s.GuardBeforeMemory {
		initialOffset = roundUpPage(s.GuardBytes)
	}

	total, err := checkedMul(stride, uint64(s.MaxMemories), "memory reservation")
	if err == nil {
		total, err = checkedMul(total, uint64(s.MaxInstances), "memory reservation")
	}
	if err == nil {
		total, err = checkedAdd(total, initialOffset, "memory reservation")
	}
	if err != nil {
		return nil, err
	}

	p := &MemoryPool{
		memoryReservationSize: stride,
		maxMemorySize:         maxMemorySize,
		initialMemoryOffset:   initialOffset,
		maxMemories:           int(s.MaxMemories),
		maxInstances:          int(s.MaxInstances),
		imageFiles:            map[*api.MemoryImage]*platform.MemoryImageFile{},
	}
	p.imageSlots = make([]struct {
		mu   sync.Mutex
		slot *MemoryImageSlot
	}, p.maxInstances*p.maxMemories)

	if total > 0 {
		size, err := toMapSize(total, "memory reservation")
		if err != nil {
			return nil, err
		}
		if p.region, err = platform.ReserveRegion(size); err != nil {
			return nil, fmt.Errorf("failed to create memory pool mapping: %w", err)
		}
	}

	s.Logger.Info("created memory pool",
		zap.Uint64("reservation_bytes", total),
		zap.Uint64("memory_stride_bytes", stride),
		zap.Int("max_memories", p.maxMemories),
		zap.Int("max_instances", p.maxInstances))
	return p, nil
}

// base computes the region start for one defined memory of one instance
// slot. It is injective across all in-range (instance, memory) pairs.
func (p *MemoryPool) base(instanceIndex, memoryIndex int) uintptr {
	if instanceIndex >= p.maxInstances || memoryIndex >= p.maxMemories {
		panic("BUG: memory region out of pool range")
	}
	if p.region == nil {
		return 0 // zero-sized memories have no region
	}
	idx := uint64(instanceIndex*p.maxMemories + memoryIndex)
	return p.region.Base() + uintptr(p.initialMemoryOffset+idx*p.memoryReservationSize)
}

// AllocateMemory populates one defined memory for an instance slot and
// records what it committed in state, so DeallocateMemory can unwind it
// exactly. Failures are never partially visible: state is only written on
// success.
//
// Every allocation goes through the region's image slot, image-backed or
// not: the slot is the single owner of the region's mapping state, so a
// module without an image still clears whatever image a previous occupant
// left mapped there.
func (p *MemoryPool) AllocateMemory(instanceIndex, memoryIndex int, plan api.MemoryPlan, image *api.MemoryImage, state *memoryState) error {
	if p.region == nil {
		// Memories are configured to zero pages; Validate capped MinPages
		// at zero, so there is nothing to commit and nothing to grow into.
		*state = memoryState{}
		return nil
	}

	initialSize := plan.MinPages * WasmPageSize // bounded: Validate capped MinPages

	var file *platform.MemoryImageFile
	var offset int
	if image != nil {
		var err error
		if file, offset, err = p.imageFile(image, initialSize); err != nil {
			return err
		}
	}

	slot := p.takeImageSlot(instanceIndex, memoryIndex)
	if err := slot.Instantiate(int(initialSize), file, offset); err != nil {
		// The slot is dropped rather than returned, which parks the region
		// decommitted; the pool soundly continues without it.
		slot.Drop()
		return err
	}
	*state = memoryState{imageSlot: slot, committed: initialSize, maxBytes: p.planMaxBytes(plan)}
	return nil
}

// planMaxBytes is the growth bound of one memory: the plan's maximum when
// given, capped by the pool-wide limit.
func (p *MemoryPool) planMaxBytes(plan api.MemoryPlan) uint64 {
	if plan.MaxPages > 0 && plan.MaxPages < p.maxMemorySize/WasmPageSize {
		return plan.MaxPages * WasmPageSize
	}
	return p.maxMemorySize
}

// DeallocateMemory releases one defined memory: the region is reset to the
// clean initial state and its slot returned for reuse when possible,
// otherwise dropped.
func (p *MemoryPool) DeallocateMemory(instanceIndex, memoryIndex int, state *memoryState) {
	if slot := state.imageSlot; slot != nil {
		if slot.ClearAndRemainReady() == nil {
			p.returnImageSlot(instanceIndex, memoryIndex, slot)
		} else {
			slot.Drop()
		}
	}
	*state = memoryState{}
}

// takeImageSlot transfers ownership of the copy-on-write state for one
// region to the caller, creating empty state on the region's first use. It
// must be balanced by returnImageSlot or MemoryImageSlot.Drop.
func (p *MemoryPool) takeImageSlot(instanceIndex, memoryIndex int) *MemoryImageSlot {
	e := &p.imageSlots[instanceIndex*p.maxMemories+memoryIndex]
	e.mu.Lock()
	slot := e.slot
	e.slot = nil
	e.mu.Unlock()

	if slot == nil {
		slot = createImageSlot(p.base(instanceIndex, memoryIndex), int(p.maxMemorySize))
	}
	return slot
}

// returnImageSlot stores a clean slot back for the region's next user.
func (p *MemoryPool) returnImageSlot(instanceIndex, memoryIndex int, slot *MemoryImageSlot) {
	if slot.Dirty() {
		panic("BUG: a dirty image slot must be dropped, not returned")
	}
	e := &p.imageSlots[instanceIndex*p.maxMemories+memoryIndex]
	e.mu.Lock()
	e.slot = slot
	e.mu.Unlock()
}

// imageFile returns the shared file backing image, materializing it on first
// use, along with the page-aligned offset it maps at.
func (p *MemoryPool) imageFile(image *api.MemoryImage, initialSize uint64) (*platform.MemoryImageFile, int, error) {
	page := uint64(platform.PageSize())
	if image.Offset%page != 0 || uint64(len(image.Data))%page != 0 {
		return nil, 0, fmt.Errorf("memory image offset %d and length %d must be multiples of the host page size %d",
			image.Offset, len(image.Data), page)
	}
	end, err := checkedAdd(image.Offset, uint64(len(image.Data)), "memory image")
	if err != nil || end > initialSize {
		return nil, 0, fmt.Errorf("memory image of %d bytes at offset %d exceeds the initial memory size of %d bytes",
			len(image.Data), image.Offset, initialSize)
	}

	p.imageFilesMu.Lock()
	defer p.imageFilesMu.Unlock()

	file, ok := p.imageFiles[image]
	if !ok {
		if file, err = platform.NewMemoryImageFile(image.Data); err != nil {
			return nil, 0, fmt.Errorf("failed to create memory image file: %w", err)
		}
		p.imageFiles[image] = file
	}
	return file, int(image.Offset), nil
}

// Validate checks a module's memory requirements against the configured
// maxima, before anything is allocated.
func (p *MemoryPool) Validate(shape *api.ModuleShape) error {
	if len(shape.MemoryPlans) > p.maxMemories {
		return fmt.Errorf("defined memories count of %d exceeds the limit of %d", len(shape.MemoryPlans), p.maxMemories)
	}
	maxPages := p.maxMemorySize / WasmPageSize
	for i, plan := range shape.MemoryPlans {
		if plan.MinPages > maxPages {
			return fmt.Errorf("memory index %d has a minimum page size of %d which exceeds the limit of %d",
				i, plan.MinPages, maxPages)
		}
	}
	return nil
}

// Close drops the image files and the reservation. One munmap covers every
// image slot's mapping, so slots need no per-slot teardown.
func (p *MemoryPool) Close() (err error) {
	p.imageFilesMu.Lock()
	for image, file := range p.imageFiles {
		err = multierr.Append(err, file.Close())
		delete(p.imageFiles, image)
	}
	p.imageFilesMu.Unlock()

	if p.region != nil {
		err = multierr.Append(err, p.region.Unmap())
	}
	return
}
