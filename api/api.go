// Package api includes constants and types used by both end-users and the
// internal pool implementations.
//
// Note: This is a dependency of the root pooling package and
// internal/pool, so it must not import either.
package api

// Strategy chooses how a pool recycles its fixed-size slots.
type Strategy byte

const (
	// StrategyNextAvailable always returns the lowest-numbered free slot.
	// This keeps the working set of slots small, which favors cache and TLB
	// locality when few instances are live at once.
	StrategyNextAvailable Strategy = iota

	// StrategyRandom returns a uniformly chosen free slot. This spreads load
	// across the pool, avoiding hot-slot effects under skewed workloads.
	StrategyRandom

	// StrategyReuseAffinity prefers a free slot previously used for the same
	// module identity, because its copy-on-write image state and committed
	// pages are likely already correctly backed. When no matching free slot
	// exists, it falls back to StrategyNextAvailable.
	//
	// When multiple free slots match the same identity, the most-recently
	// freed one wins.
	StrategyReuseAffinity
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case StrategyNextAvailable:
		return "next_available"
	case StrategyRandom:
		return "random"
	case StrategyReuseAffinity:
		return "reuse_affinity"
	}
	return "unknown"
}

// MemoryPlan describes one defined linear memory of a module: its minimum
// page count, committed at instantiation, and its maximum, which bounds
// growth. A zero maximum means unbounded; growth is then limited only by
// the pool-wide page limit. Pages are PageSize (65536) bytes.
type MemoryPlan struct {
	MinPages uint64
	MaxPages uint64
}

// TablePlan describes one defined table of a module: its minimum element
// count, initialized at instantiation, and its maximum, which bounds growth.
// A zero maximum means unbounded; growth is then limited only by the
// pool-wide element limit. Elements are pointer-sized.
type TablePlan struct {
	MinElements uint32
	MaxElements uint32
}

// ModuleShape is the allocator-relevant description of a module: how many
// functions and globals its runtime context must index, and the plans for
// each memory and table it defines.
//
// Imported memories and tables are owned by another instance, so they occupy
// no pool space here and are excluded from the plan slices.
type ModuleShape struct {
	// MemoryPlans describe the module's defined memories, in definition order.
	MemoryPlans []MemoryPlan

	// TablePlans describe the module's defined tables, in definition order.
	TablePlans []TablePlan

	// Functions is the count of functions indexed by the runtime context.
	Functions uint32

	// Globals is the count of globals indexed by the runtime context.
	Globals uint32
}

// ModuleInfo supplies everything the allocator needs to know about the
// module being instantiated. It is the boundary to the compiler and layout
// machinery, which are external to this package.
type ModuleInfo interface {
	// Module returns the shape of the module. The result must not change for
	// the lifetime of the ModuleInfo.
	Module() *ModuleShape

	// MemoryImage returns the immutable initial-content image for the
	// defined memory at index i, or nil if that memory has no image and must
	// be initialized by the caller after allocation.
	MemoryImage(i int) (*MemoryImage, error)

	// UniqueID identifies this module for slot reuse affinity. Zero means
	// "no identity": such modules never match an affine slot.
	UniqueID() uint64
}

// MemoryImage is the immutable initial content of one defined memory,
// suitable for copy-on-write mapping: the same image backs every instance of
// its module until an instance writes to a page.
//
// Offset and len(Data) must be multiples of the host page size, and
// Offset+len(Data) must not exceed the memory's minimum byte size.
type MemoryImage struct {
	// Data is the initial content. The allocator materializes it into a
	// shared read-only file on first use and never reads Data again, so
	// callers must not mutate it.
	Data []byte

	// Offset is where Data begins within the linear memory.
	Offset uint64
}
