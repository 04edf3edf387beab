package pool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sandboxrt/pooling/api"
	"github.com/sandboxrt/pooling/internal/platform"
)

// memoryState records what AllocateMemory committed for one defined memory,
// so deallocation unwinds exactly that, plus the plan's growth bound.
type memoryState struct {
	imageSlot *MemoryImageSlot // nil only for zero-sized memory pools
	committed uint64           // accessible bytes
	maxBytes  uint64           // growth bound, min(plan max, pool limit)
}

// tableState records one defined table's current element count, from which
// its committed page extent is derived, plus the plan's growth bound.
type tableState struct {
	length      uint32
	maxElements uint32
}

// instanceState is the per-slot bookkeeping that cannot live inside the
// mapped record because it holds Go pointers. Only the slot's current owner
// touches it, so it needs no lock.
type instanceState struct {
	moduleID uint64
	memories []memoryState
	tables   []tableState
}

// InstancePool coordinates the pools: it owns one reservation holding a
// fixed-size record per slot and orchestrates the memory and table pools to
// assemble a fully usable instance per allocation.
type InstancePool struct {
	region       *platform.Region
	instanceSize uint64
	maxInstances int
	idx          *indexAllocator
	memories     *MemoryPool
	tables       *TablePool
	states       []instanceState
	logger       *zap.Logger
}

// NewInstancePool reserves and commits the record reservation and constructs
// the memory and table pools. Any failure here is fatal; nothing is retried.
func NewInstancePool(s *Settings) (*InstancePool, error) {
	if s.MaxInstances == 0 {
		return nil, errors.New("the instance count limit cannot be zero")
	}

	instanceSize := (s.InstanceSize + recordAlign - 1) / recordAlign * recordAlign
	if instanceSize < instanceHeaderSize {
		return nil, fmt.Errorf("instance size of %d bytes is below the fixed bookkeeping size of %d bytes",
			s.InstanceSize, instanceHeaderSize)
	}

	total, err := checkedMul(instanceSize, uint64(s.MaxInstances), "instance records")
	if err != nil {
		return nil, err
	}
	size, err := toMapSize(roundUpPage(total), "instance records")
	if err != nil {
		return nil, err
	}

	region, err := platform.ReserveRegion(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance pool mapping: %w", err)
	}
	// Records are plain bookkeeping, committed once for the pool's life.
	if err = platform.CommitPages(region.Base(), size); err != nil {
		_ = region.Unmap()
		return nil, fmt.Errorf("failed to commit instance pool pages: %w", err)
	}

	memories, err := NewMemoryPool(s)
	if err != nil {
		_ = region.Unmap()
		return nil, err
	}
	tables, err := NewTablePool(s)
	if err != nil {
		_ = memories.Close()
		_ = region.Unmap()
		return nil, err
	}

	s.Logger.Info("created instance pool",
		zap.Uint64("instance_size_bytes", instanceSize),
		zap.Uint32("max_instances", s.MaxInstances),
		zap.Stringer("strategy", s.Strategy))

	return &InstancePool{
		region:       region,
		instanceSize: instanceSize,
		maxInstances: int(s.MaxInstances),
		idx:          newIndexAllocator(s.Strategy, s.MaxInstances),
		memories:     memories,
		tables:       tables,
		states:       make([]instanceState, s.MaxInstances),
		logger:       s.Logger,
	}, nil
}

// Validate checks a module's requirements against the configured maxima
// without allocating anything. A module that validates here cannot fail
// allocation for configuration reasons, only for resource ones.
func (p *InstancePool) Validate(shape *api.ModuleShape) error {
	if err := p.memories.Validate(shape); err != nil {
		return err
	}
	if err := p.tables.Validate(shape); err != nil {
		return err
	}
	_, err := p.validateInstanceSize(shape)
	return err
}

// Allocate obtains a free slot and populates every defined memory and table
// for it. On any failure, everything acquired for this attempt is rolled
// back and the slot id released before the error returns; no resource is
// ever left half-acquired.
func (p *InstancePool) Allocate(info api.ModuleInfo) (*InstanceHandle, error) {
	id, ok := p.idx.alloc(info.UniqueID())
	if !ok {
		return nil, &api.ExhaustedError{Capacity: uint32(p.maxInstances)}
	}

	h, err := p.allocateAt(int(id), info)
	if err != nil {
		// Resources were already unwound; the slot was never usable, so
		// only its id needs releasing.
		p.idx.free(id)
		p.logger.Debug("instance allocation rolled back", zap.Uint32("slot", id), zap.Error(err))
		return nil, err
	}
	return h, nil
}

func (p *InstancePool) allocateAt(index int, info api.ModuleInfo) (*InstanceHandle, error) {
	shape := info.Module()

	// If the slot cannot hold this module's record, that is a configuration
	// error from construction time; surface it with the byte breakdown.
	layout, err := p.validateInstanceSize(shape)
	if err != nil {
		return nil, err
	}
	if err = p.memories.Validate(shape); err != nil {
		return nil, err
	}
	if err = p.tables.Validate(shape); err != nil {
		return nil, err
	}

	state := &p.states[index]
	*state = instanceState{
		moduleID: info.UniqueID(),
		memories: make([]memoryState, len(shape.MemoryPlans)),
		tables:   make([]tableState, len(shape.TablePlans)),
	}

	for i, plan := range shape.MemoryPlans {
		image, err := info.MemoryImage(i)
		if err != nil {
			err = fmt.Errorf("failed to read the image for memory index %d: %w", i, err)
		} else {
			err = p.memories.AllocateMemory(index, i, plan, image, &state.memories[i])
		}
		if err != nil {
			p.unwind(index, i, 0)
			return nil, err
		}
	}
	for i, plan := range shape.TablePlans {
		if err := p.tables.AllocateTable(index, i, plan, &state.tables[i]); err != nil {
			p.unwind(index, len(state.memories), i)
			return nil, err
		}
	}

	p.writeHeader(index, info.UniqueID(), shape)
	return &InstanceHandle{
		addr:   p.region.Base() + uintptr(uint64(index)*p.instanceSize),
		index:  index,
		layout: layout,
		pool:   p,
	}, nil
}

// unwind releases the first memoryCount memories and tableCount tables of a
// failed allocation attempt, in reverse acquisition order.
func (p *InstancePool) unwind(index, memoryCount, tableCount int) {
	state := &p.states[index]
	for i := tableCount - 1; i >= 0; i-- {
		p.tables.DeallocateTable(index, i, &state.tables[i])
	}
	for i := memoryCount - 1; i >= 0; i-- {
		p.memories.DeallocateMemory(index, i, &state.memories[i])
	}
	*state = instanceState{}
}

// Deallocate releases every resource of the handle's slot, destructs the
// record, then frees the slot id last: the slot cannot be reallocated until
// every sub-resource has been released.
func (p *InstancePool) Deallocate(h *InstanceHandle) {
	base := p.region.Base()
	if h.addr < base || h.addr >= base+uintptr(p.region.Len()) {
		panic("BUG: instance handle not from this pool")
	}
	offset := uint64(h.addr - base)
	if offset%p.instanceSize != 0 {
		panic("BUG: instance handle not aligned to the pool's record stride")
	}
	index := int(offset / p.instanceSize)

	state := &p.states[index]
	for i := range state.memories {
		p.memories.DeallocateMemory(index, i, &state.memories[i])
	}
	for i := range state.tables {
		p.tables.DeallocateTable(index, i, &state.tables[i])
	}
	clear(p.record(index))
	*state = instanceState{}

	p.idx.free(uint32(index))
}

// validateInstanceSize computes the record layout a module requires. When it
// exceeds the per-instance budget, the error attributes the bytes to named
// regions, reporting every region above 5% of the request, so the
// configuration can be tuned toward the largest contributors.
func (p *InstancePool) validateInstanceSize(shape *api.ModuleShape) (Layout, error) {
	layout := computeLayout(shape)
	total := layout.TotalSize()
	if total <= p.instanceSize {
		return layout, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "instance allocation for this module requires %d bytes which exceeds the configured maximum of %d bytes; breakdown of allocation requirement:\n\n",
		total, p.instanceSize)
	report := func(name string, bytes uint64) {
		if bytes > total/20 {
			fmt.Fprintf(&sb, " * %.02f%% - %d bytes - %s\n", float64(bytes)/float64(total)*100, bytes, name)
		}
	}
	report("instance state management", instanceHeaderSize)
	for _, r := range layout.regionSizes() {
		report(r.name, r.bytes)
	}
	return Layout{}, errors.New(sb.String())
}

func (p *InstancePool) record(index int) []byte {
	return p.region.Slice(int(uint64(index)*p.instanceSize), int(p.instanceSize))
}

func (p *InstancePool) writeHeader(index int, moduleID uint64, shape *api.ModuleShape) {
	rec := p.record(index)
	binary.LittleEndian.PutUint64(rec[headerModuleID:], moduleID)
	binary.LittleEndian.PutUint32(rec[headerNumMemories:], uint32(len(shape.MemoryPlans)))
	binary.LittleEndian.PutUint32(rec[headerNumTables:], uint32(len(shape.TablePlans)))
	rec[headerInitialized] = 0
}

// Close unmaps the record reservation, then the sub-pools. Teardown order is
// the reverse of construction; nothing may allocate concurrently with Close.
func (p *InstancePool) Close() error {
	return multierr.Combine(
		p.tables.Close(),
		p.memories.Close(),
		p.region.Unmap(),
	)
}
