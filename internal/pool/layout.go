package pool

import (
	"github.com/sandboxrt/pooling/api"
)

// Instance records are the fixed bookkeeping header followed by the
// module-specific runtime context: one pointer-pair entry per function,
// global, defined memory, and defined table, in that order.
const (
	instanceHeaderSize = 64
	contextEntrySize   = 16
	recordAlign        = 16
)

// Header field offsets within an instance record.
const (
	headerModuleID    = 0  // uint64
	headerNumMemories = 8  // uint32
	headerNumTables   = 12 // uint32
	headerInitialized = 16 // byte flag set by Initialize
)

// Layout is the exact byte layout one module's runtime context requires
// inside an instance record.
type Layout struct {
	functions uint32
	globals   uint32
	memories  uint32
	tables    uint32
}

func computeLayout(shape *api.ModuleShape) Layout {
	return Layout{
		functions: shape.Functions,
		globals:   shape.Globals,
		memories:  uint32(len(shape.MemoryPlans)),
		tables:    uint32(len(shape.TablePlans)),
	}
}

// TotalSize is the record size the layout requires, including the fixed
// header, rounded up to the record alignment.
func (l Layout) TotalSize() uint64 {
	total := uint64(instanceHeaderSize)
	for _, r := range l.regionSizes() {
		total += r.bytes
	}
	return (total + recordAlign - 1) / recordAlign * recordAlign
}

// layoutRegion is one named byte region of the runtime context, used for the
// over-budget breakdown and for locating definition tables within a record.
type layoutRegion struct {
	name  string
	bytes uint64
}

// regionSizes attributes the context bytes to named regions, ordered as they
// appear in the record after the header.
func (l Layout) regionSizes() []layoutRegion {
	return []layoutRegion{
		{"function table", uint64(l.functions) * contextEntrySize},
		{"global table", uint64(l.globals) * contextEntrySize},
		{"memory definition table", uint64(l.memories) * contextEntrySize},
		{"table definition table", uint64(l.tables) * contextEntrySize},
	}
}

// regionOffset returns the record offset of the named region.
func (l Layout) regionOffset(name string) uint64 {
	offset := uint64(instanceHeaderSize)
	for _, r := range l.regionSizes() {
		if r.name == name {
			return offset
		}
		offset += r.bytes
	}
	panic("BUG: unknown layout region " + name)
}

func (l Layout) memoryDefinitionsOffset() uint64 {
	return l.regionOffset("memory definition table")
}

func (l Layout) tableDefinitionsOffset() uint64 {
	return l.regionOffset("table definition table")
}
