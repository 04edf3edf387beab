// Package pool implements the pooling resource allocator: pre-reserved
// virtual-address regions sliced into fixed-size, reusable slots for
// instance records, linear memories, tables, and execution stacks.
//
// InstancePool is the coordinator; MemoryPool, TablePool, and StackPool own
// one reservation each. Slot ids are the sole unit of ownership transfer:
// all higher-level logic works on (slot, index) pairs, and raw addresses
// appear only at the internal/platform syscall boundary.
package pool

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/sandboxrt/pooling/api"
	"github.com/sandboxrt/pooling/internal/platform"
)

// WasmPageSize is the unit of linear memory length, defined as 2^16 == 65536.
const WasmPageSize = 65536

// WasmMaxPages is the maximum page count of one linear memory (2^16).
const WasmMaxPages = 65536

// Settings is the construction-time configuration shared by all pools. It is
// fixed for the allocator's lifetime; every pool size derives from it once,
// with overflow-checked arithmetic.
type Settings struct {
	// Strategy selects how instance slots are recycled.
	Strategy api.Strategy

	// MaxInstances is the maximum concurrent instance count.
	MaxInstances uint32

	// InstanceSize is the byte budget of one instance record, covering the
	// fixed bookkeeping and the module-specific runtime context.
	InstanceSize uint64

	// MaxTables and TableElements bound each module's defined tables.
	MaxTables     uint32
	TableElements uint32

	// MaxMemories and MemoryPages bound each module's defined memories.
	MaxMemories uint32
	MemoryPages uint64

	// MemoryReservationBytes is the address space reserved per linear
	// memory, excluding the trailing guard. MemoryPages must fit within it.
	MemoryReservationBytes uint64

	// GuardBytes is the inaccessible region after each linear memory, making
	// out-of-bounds accesses within it fault instead of corrupting a
	// neighboring slot.
	GuardBytes uint64

	// GuardBeforeMemory additionally places one guard region before the
	// first linear memory in the pool. Memories are contiguous, so the guard
	// after each one already precedes the next.
	GuardBeforeMemory bool

	// StackSize is the usable byte size of one execution stack, or zero when
	// fiber stacks are not used.
	StackSize uint64

	// Logger records pool construction and teardown. Never nil; defaults to
	// a nop logger.
	Logger *zap.Logger
}

// roundUpPage rounds size up to the next multiple of the host page size.
func roundUpPage(size uint64) uint64 {
	page := uint64(platform.PageSize())
	return (size + page - 1) / page * page
}

// checkedMul multiplies with overflow detection, labeling the failing
// quantity in the error. Sizing overflows are construction-time errors only.
func checkedMul(a, b uint64, what string) (uint64, error) {
	if b != 0 && a > math.MaxUint64/b {
		return 0, fmt.Errorf("total size of %s exceeds addressable memory", what)
	}
	return a * b, nil
}

// checkedAdd is checkedMul's addition counterpart.
func checkedAdd(a, b uint64, what string) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, fmt.Errorf("total size of %s exceeds addressable memory", what)
	}
	return a + b, nil
}

// toMapSize narrows a computed pool size to the int the platform layer maps.
func toMapSize(size uint64, what string) (int, error) {
	if size > uint64(math.MaxInt) {
		return 0, fmt.Errorf("total size of %s exceeds addressable memory", what)
	}
	return int(size), nil
}
