// Package pooling implements a pooling resource allocator for a sandboxed
// execution runtime. It maps memory in advance and allocates instances,
// linear memories, tables, and execution stacks from pools of reusable
// fixed-size slots, instead of mapping and unmapping on every activation.
//
// Construct an Allocator once per process with the limits the workload must
// fit in; every pool reservation is sized from them up front. Allocation
// never exceeds those limits: when all slots are taken, Allocate returns an
// api.ExhaustedError and the caller chooses whether to queue, reject, or
// retry.
package pooling

import (
	"errors"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sandboxrt/pooling/api"
	"github.com/sandboxrt/pooling/internal/platform"
	"github.com/sandboxrt/pooling/internal/pool"
)

// InstanceHandle is an allocated instance. See pool.InstanceHandle for the
// accessor surface.
type InstanceHandle = pool.InstanceHandle

// FiberStack is one execution stack from the stack pool. Top is the initial
// stack pointer: stacks grow downward from it toward the guard page.
type FiberStack struct {
	top uintptr
}

// Top returns the initial stack pointer.
func (s FiberStack) Top() uintptr {
	return s.top
}

// Allocator hands out instances and fiber stacks from pre-reserved pools.
// It is safe for concurrent use: slot bookkeeping is serialized by small
// per-pool locks that are never held across a page operation, so independent
// slots do not contend.
type Allocator struct {
	logger    *zap.Logger
	instances *pool.InstancePool
	stacks    *pool.StackPool // nil when fiber stacks are disabled or unsupported

	mu     sync.Mutex
	closed bool
}

// NewAllocator reserves every pool up front per the configuration. All
// sizing and platform errors surface here, never from the allocation path.
func NewAllocator(config *Config) (*Allocator, error) {
	if config == nil {
		config = NewConfig()
	}
	settings := &pool.Settings{
		Strategy:               config.strategy,
		MaxInstances:           config.limits.Count,
		InstanceSize:           config.limits.InstanceSize,
		MaxTables:              config.limits.Tables,
		TableElements:          config.limits.TableElements,
		MaxMemories:            config.limits.Memories,
		MemoryPages:            config.limits.MemoryPages,
		MemoryReservationBytes: config.memoryReservationBytes,
		GuardBytes:             config.guardBytes,
		GuardBeforeMemory:      config.guardBeforeMemory,
		StackSize:              config.stackSize,
		Logger:                 config.logger,
	}

	instances, err := pool.NewInstancePool(settings)
	if err != nil {
		return nil, err
	}

	var stacks *pool.StackPool
	if config.stackSize > 0 {
		if stacks, err = pool.NewStackPool(settings); err != nil {
			if errors.Is(err, platform.ErrUnsupported) {
				// Fiber stacks degrade to api.ErrStacksUnsupported at
				// allocation time rather than failing construction.
				config.logger.Warn("fiber stacks unsupported on this platform", zap.Error(err))
			} else {
				err = multierr.Append(err, instances.Close())
				return nil, err
			}
		}
	}

	return &Allocator{logger: config.logger, instances: instances, stacks: stacks}, nil
}

// Validate checks a module's requirements against the configured limits
// without allocating anything. Modules validated here can only fail
// Allocate with exhaustion or a platform resource error.
func (a *Allocator) Validate(info api.ModuleInfo) error {
	return a.instances.Validate(info.Module())
}

// Allocate assembles one instance for the module: a record slot plus every
// defined memory and table. On failure nothing remains acquired. The handle
// must eventually be passed to Deallocate exactly once.
func (a *Allocator) Allocate(info api.ModuleInfo) (*InstanceHandle, error) {
	return a.instances.Allocate(info)
}

// Initialize fills the instance's runtime-context state after a raw
// Allocate. It is separate from Allocate so the caller can place its own
// state between the two steps.
func (a *Allocator) Initialize(h *InstanceHandle, info api.ModuleInfo) error {
	return a.instances.Initialize(h, info)
}

// Deallocate returns the instance's slot and resources to the pools. It
// always succeeds from the caller's point of view.
func (a *Allocator) Deallocate(h *InstanceHandle) {
	a.instances.Deallocate(h)
}

// AllocateFiberStack returns a stack for fiber-style execution, or
// api.ErrStacksUnsupported when the allocator was configured without a
// stack size or the platform has no stack pool.
func (a *Allocator) AllocateFiberStack() (FiberStack, error) {
	if a.stacks == nil {
		return FiberStack{}, api.ErrStacksUnsupported
	}
	top, err := a.stacks.Allocate()
	if err != nil {
		return FiberStack{}, err
	}
	return FiberStack{top: top}, nil
}

// DeallocateFiberStack returns a stack obtained from AllocateFiberStack.
func (a *Allocator) DeallocateFiberStack(s FiberStack) {
	if a.stacks == nil {
		panic("BUG: DeallocateFiberStack without a stack pool")
	}
	a.stacks.Deallocate(s.top)
}

// Close unmaps every pool reservation. The stack pool goes first, then the
// instance pool and its memory and table pools; nothing may allocate or hold
// live handles once Close begins. Close is idempotent.
func (a *Allocator) Close() (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	if a.stacks != nil {
		err = multierr.Append(err, a.stacks.Close())
	}
	err = multierr.Append(err, a.instances.Close())
	a.logger.Info("closed pooling allocator")
	return
}
