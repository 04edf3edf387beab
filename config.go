package pooling

import (
	"go.uber.org/zap"

	"github.com/sandboxrt/pooling/api"
)

// Limits are the maxima the allocator enforces, fixed for its lifetime.
// Every pool reservation size is computed from them once, at construction,
// with overflow-checked arithmetic.
type Limits struct {
	// Count is the maximum number of concurrent instances. Each of the
	// instance, memory, table, and stack pools reserves Count slots.
	Count uint32

	// InstanceSize is the maximum byte size of one instance record: the
	// fixed bookkeeping plus the module-specific runtime context. A module
	// whose computed layout exceeds it fails validation with a breakdown of
	// where the bytes go.
	InstanceSize uint64

	// Tables is the maximum defined tables per module, and TableElements the
	// maximum element count of any one table. Each table region reserves
	// TableElements pointer-sized entries.
	Tables        uint32
	TableElements uint32

	// Memories is the maximum defined linear memories per module, and
	// MemoryPages the maximum size of any one memory in 65536-byte pages.
	Memories    uint32
	MemoryPages uint64
}

// NewLimits returns the default limits: 1000 instances of up to 1 MiB of
// record each, one table of up to 10000 elements, and one memory of up to
// 160 pages (10 MiB).
func NewLimits() Limits {
	return Limits{
		Count:         1000,
		InstanceSize:  1 << 20,
		Tables:        1,
		TableElements: 10_000,
		Memories:      1,
		MemoryPages:   160,
	}
}

// Config controls allocator construction, with defaults from NewConfig.
type Config struct {
	limits                 Limits
	strategy               api.Strategy
	stackSize              uint64
	memoryReservationBytes uint64
	guardBytes             uint64
	guardBeforeMemory      bool
	logger                 *zap.Logger
}

// defaultConfig helps avoid copy/pasting the wrong defaults.
var defaultConfig = &Config{
	limits:                 NewLimits(),
	strategy:               api.StrategyReuseAffinity,
	memoryReservationBytes: 1 << 26, // 64 MiB of address space per memory
	guardBytes:             1 << 21, // 2 MiB guard after each memory
	logger:                 zap.NewNop(),
}

// NewConfig returns the default configuration: NewLimits, reuse-affinity
// recycling, no fiber stacks, and a nop logger.
func NewConfig() *Config {
	return defaultConfig.clone()
}

// clone ensures all fields are copied even if zero.
func (c *Config) clone() *Config {
	ret := *c
	return &ret
}

// WithLimits replaces the allocator limits.
func (c *Config) WithLimits(limits Limits) *Config {
	ret := c.clone()
	ret.limits = limits
	return ret
}

// WithStrategy sets how instance slots are recycled. Defaults to
// api.StrategyReuseAffinity, which makes re-instantiating a recently seen
// module cheap by reusing its slot's copy-on-write image state.
func (c *Config) WithStrategy(strategy api.Strategy) *Config {
	ret := c.clone()
	ret.strategy = strategy
	return ret
}

// WithStackSize enables the fiber stack pool with the given usable stack
// size in bytes. Zero (the default) disables fiber stacks:
// Allocator.AllocateFiberStack then returns api.ErrStacksUnsupported.
func (c *Config) WithStackSize(size uint64) *Config {
	ret := c.clone()
	ret.stackSize = size
	return ret
}

// WithMemoryReservationBytes sets the address space reserved per linear
// memory, excluding the guard. Limits.MemoryPages must fit within it. The
// default is 64 MiB.
//
// Note: the whole reservation is address space, not memory; only pages up to
// each memory's current size are ever committed.
func (c *Config) WithMemoryReservationBytes(size uint64) *Config {
	ret := c.clone()
	ret.memoryReservationBytes = size
	return ret
}

// WithGuardBytes sets the inaccessible guard region after each linear
// memory. Out-of-bounds accesses within it fault instead of corrupting a
// neighboring slot. The default is 2 MiB.
func (c *Config) WithGuardBytes(size uint64) *Config {
	ret := c.clone()
	ret.guardBytes = size
	return ret
}

// WithGuardBeforeMemory additionally places one guard region before the
// first linear memory in the pool. Memories are laid out contiguously, so
// the guard after each memory already precedes the next one; this only
// affects the pool's first region.
func (c *Config) WithGuardBeforeMemory(enabled bool) *Config {
	ret := c.clone()
	ret.guardBeforeMemory = enabled
	return ret
}

// WithLogger sets the logger for pool construction and teardown events.
// Defaults to zap.NewNop; nil restores that default.
func (c *Config) WithLogger(logger *zap.Logger) *Config {
	if logger == nil {
		logger = zap.NewNop()
	}
	ret := c.clone()
	ret.logger = logger
	return ret
}
