package pool

import (
	"fmt"
	"math/bits"

	"go.uber.org/zap"

	"github.com/sandboxrt/pooling/api"
	"github.com/sandboxrt/pooling/internal/platform"
)

// tableElementSize is the byte size of one table element. Elements are
// host-pointer sized; there is no initial-content image worth preserving for
// tables, so this pool has no copy-on-write state.
const tableElementSize = bits.UintSize / 8

// TablePool is one reservation sliced into per-(instance slot, defined
// table) regions, each sized for the configured element limit and rounded up
// to a page boundary.
type TablePool struct {
	region       *platform.Region
	tableSize    uint64 // per-table stride in bytes
	maxTables    int
	maxInstances int
	maxElements  uint32
}

// NewTablePool computes and reserves the pool's single mapping.
func NewTablePool(s *Settings) (*TablePool, error) {
	bytesPerTable, err := checkedMul(uint64(s.TableElements), tableElementSize, "table")
	if err != nil {
		return nil, err
	}
	stride := roundUpPage(bytesPerTable)

	total, err := checkedMul(stride, uint64(s.MaxTables), "instance tables")
	if err == nil {
		total, err = checkedMul(total, uint64(s.MaxInstances), "instance tables")
	}
	if err != nil {
		return nil, err
	}

	p := &TablePool{
		tableSize:    stride,
		maxTables:    int(s.MaxTables),
		maxInstances: int(s.MaxInstances),
		maxElements:  s.TableElements,
	}
	if total > 0 {
		size, err := toMapSize(total, "instance tables")
		if err != nil {
			return nil, err
		}
		if p.region, err = platform.ReserveRegion(size); err != nil {
			return nil, fmt.Errorf("failed to create table pool mapping: %w", err)
		}
	}

	s.Logger.Info("created table pool",
		zap.Uint64("reservation_bytes", total),
		zap.Uint64("table_stride_bytes", stride),
		zap.Int("max_tables", p.maxTables),
		zap.Int("max_instances", p.maxInstances))
	return p, nil
}

// base computes the region start for one defined table of one instance slot.
func (p *TablePool) base(instanceIndex, tableIndex int) uintptr {
	if instanceIndex >= p.maxInstances || tableIndex >= p.maxTables {
		panic("BUG: table region out of pool range")
	}
	if p.region == nil {
		return 0 // zero-sized tables have no region
	}
	idx := uint64(instanceIndex*p.maxTables + tableIndex)
	return p.region.Base() + uintptr(idx*p.tableSize)
}

// AllocateTable commits only the pages the table's initial length requires;
// the remainder of the region stays decommitted until the table grows.
func (p *TablePool) AllocateTable(instanceIndex, tableIndex int, plan api.TablePlan, state *tableState) error {
	maxElements := p.maxElements
	if plan.MaxElements > 0 && plan.MaxElements < maxElements {
		maxElements = plan.MaxElements
	}
	if p.region == nil {
		// Tables are configured to zero elements; Validate capped
		// MinElements at zero.
		*state = tableState{maxElements: maxElements}
		return nil
	}
	bytes := roundUpPage(uint64(plan.MinElements) * tableElementSize)
	if err := platform.CommitPages(p.base(instanceIndex, tableIndex), int(bytes)); err != nil {
		return fmt.Errorf("failed to commit table pages: %w", err)
	}
	*state = tableState{length: plan.MinElements, maxElements: maxElements}
	return nil
}

// DeallocateTable decommits pages sized by the table's current length, so
// growth during the table's life is unwound too.
func (p *TablePool) DeallocateTable(instanceIndex, tableIndex int, state *tableState) {
	if p.region != nil {
		bytes := roundUpPage(uint64(state.length) * tableElementSize)
		if err := platform.DecommitPages(p.base(instanceIndex, tableIndex), int(bytes)); err != nil {
			panic(fmt.Errorf("failed to decommit table pages: %w", err))
		}
	}
	*state = tableState{}
}

// Grow commits any pages newLength requires beyond the current length. The
// bound is the table's own plan maximum, already capped by the pool limit.
func (p *TablePool) Grow(instanceIndex, tableIndex int, state *tableState, newLength uint32) error {
	if newLength > state.maxElements {
		return fmt.Errorf("table size of %d elements exceeds the limit of %d", newLength, state.maxElements)
	}
	if newLength < state.length {
		return fmt.Errorf("table size of %d elements is below the current size of %d: tables never shrink", newLength, state.length)
	}
	committed := roundUpPage(uint64(state.length) * tableElementSize)
	needed := roundUpPage(uint64(newLength) * tableElementSize)
	if needed > committed {
		if err := platform.CommitPages(p.base(instanceIndex, tableIndex)+uintptr(committed), int(needed-committed)); err != nil {
			return fmt.Errorf("failed to commit table pages: %w", err)
		}
	}
	state.length = newLength
	return nil
}

// Validate checks a module's table requirements against the configured
// maxima, before anything is allocated.
func (p *TablePool) Validate(shape *api.ModuleShape) error {
	if len(shape.TablePlans) > p.maxTables {
		return fmt.Errorf("defined tables count of %d exceeds the limit of %d", len(shape.TablePlans), p.maxTables)
	}
	for i, plan := range shape.TablePlans {
		if plan.MinElements > p.maxElements {
			return fmt.Errorf("table index %d has a minimum element size of %d which exceeds the limit of %d",
				i, plan.MinElements, p.maxElements)
		}
	}
	return nil
}

// Close releases the reservation.
func (p *TablePool) Close() error {
	if p.region == nil {
		return nil
	}
	return p.region.Unmap()
}
