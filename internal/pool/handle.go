package pool

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sandboxrt/pooling/api"
)

// InstanceHandle is an allocated instance: the address of its record slot
// plus accessors over the slot's memories and tables. It is valid from
// Allocate until the matching Deallocate and must not be shared across that
// boundary.
type InstanceHandle struct {
	addr   uintptr
	index  int
	layout Layout
	pool   *InstancePool
}

// Context returns the instance record bytes: the fixed header followed by
// the runtime-context regions. The view stays valid until Deallocate.
func (h *InstanceHandle) Context() []byte {
	return h.pool.record(h.index)
}

// ModuleID returns the identity of the module this instance was allocated
// for, or zero if it had none.
func (h *InstanceHandle) ModuleID() uint64 {
	return binary.LittleEndian.Uint64(h.Context()[headerModuleID:])
}

// MemoryBase returns the start address of defined memory i.
func (h *InstanceHandle) MemoryBase(i int) uintptr {
	return h.pool.memories.base(h.index, i)
}

// MemoryBytes returns the accessible byte size of defined memory i.
func (h *InstanceHandle) MemoryBytes(i int) uint64 {
	return h.pool.states[h.index].memories[i].committed
}

// GrowMemory grows defined memory i to newBytes accessible bytes,
// committing the added pages. The bound is the memory's own plan maximum,
// already capped by the pool limit. Memories never shrink.
func (h *InstanceHandle) GrowMemory(i int, newBytes uint64) error {
	st := &h.pool.states[h.index].memories[i]
	if newBytes > st.maxBytes {
		return fmt.Errorf("memory size of %d bytes exceeds the limit of %d bytes", newBytes, st.maxBytes)
	}
	if newBytes < st.committed {
		return fmt.Errorf("memory size of %d bytes is below the current size of %d: memories never shrink", newBytes, st.committed)
	}

	if st.imageSlot != nil {
		if err := st.imageSlot.SetHeapLimit(int(roundUpPage(newBytes))); err != nil {
			return err
		}
	}
	st.committed = newBytes
	h.writeMemoryDefinition(i)
	return nil
}

// TableBase returns the start address of defined table i.
func (h *InstanceHandle) TableBase(i int) uintptr {
	return h.pool.tables.base(h.index, i)
}

// TableLength returns the current element count of defined table i.
func (h *InstanceHandle) TableLength(i int) uint32 {
	return h.pool.states[h.index].tables[i].length
}

// GrowTable grows defined table i to newLength elements, committing any
// pages the new length requires. Tables never shrink.
func (h *InstanceHandle) GrowTable(i int, newLength uint32) error {
	if err := h.pool.tables.Grow(h.index, i, &h.pool.states[h.index].tables[i], newLength); err != nil {
		return err
	}
	h.writeTableDefinition(i)
	return nil
}

// Initialize fills the runtime-context definition tables of an allocated
// instance: each defined memory's base and size, each defined table's base
// and length. It completes what Allocate left raw and may be called once.
func (p *InstancePool) Initialize(h *InstanceHandle, info api.ModuleInfo) error {
	shape := info.Module()
	state := &p.states[h.index]
	if len(shape.MemoryPlans) != len(state.memories) || len(shape.TablePlans) != len(state.tables) {
		return errors.New("module shape does not match the shape the instance was allocated with")
	}

	rec := p.record(h.index)
	if rec[headerInitialized] != 0 {
		return errors.New("instance is already initialized")
	}
	for i := range state.memories {
		h.writeMemoryDefinition(i)
	}
	for i := range state.tables {
		h.writeTableDefinition(i)
	}
	rec[headerInitialized] = 1
	return nil
}

func (h *InstanceHandle) writeMemoryDefinition(i int) {
	rec := h.Context()
	off := h.layout.memoryDefinitionsOffset() + uint64(i)*contextEntrySize
	binary.LittleEndian.PutUint64(rec[off:], uint64(h.MemoryBase(i)))
	binary.LittleEndian.PutUint64(rec[off+8:], h.MemoryBytes(i))
}

func (h *InstanceHandle) writeTableDefinition(i int) {
	rec := h.Context()
	off := h.layout.tableDefinitionsOffset() + uint64(i)*contextEntrySize
	binary.LittleEndian.PutUint64(rec[off:], uint64(h.TableBase(i)))
	binary.LittleEndian.PutUint64(rec[off+8:], uint64(h.TableLength(i)))
}
