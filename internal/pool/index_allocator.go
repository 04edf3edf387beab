package pool

import (
	"math/bits"
	"math/rand"
	"sync"

	"github.com/sandboxrt/pooling/api"
)

// indexAllocator tracks which slots of one pool are free. The mutex guards
// O(1)-ish bookkeeping only and is never held across a syscall, so
// independent slots never contend on page operations.
//
// Free slots are a bit set. Under api.StrategyReuseAffinity, free slots that
// last served a module identity are additionally linked into a per-identity
// list ordered most-recently-freed first, so allocation for the same
// identity prefers the slot whose image and committed pages are most likely
// still correctly backed.
type indexAllocator struct {
	mu        sync.Mutex
	strategy  api.Strategy
	capacity  uint32
	freeCount uint32
	words     []uint64 // bit set = slot free

	// slotKey remembers the identity a slot was last allocated for; it keys
	// the affinity list the slot joins when freed.
	slotKey []uint64
	affNext []int32
	affPrev []int32
	affHead map[uint64]int32
}

func newIndexAllocator(strategy api.Strategy, capacity uint32) *indexAllocator {
	a := &indexAllocator{
		strategy:  strategy,
		capacity:  capacity,
		freeCount: capacity,
		words:     make([]uint64, (capacity+63)/64),
		slotKey:   make([]uint64, capacity),
		affNext:   make([]int32, capacity),
		affPrev:   make([]int32, capacity),
		affHead:   map[uint64]int32{},
	}
	for i := uint32(0); i < capacity; i++ {
		a.words[i/64] |= 1 << (i % 64)
		a.affNext[i] = -1
		a.affPrev[i] = -1
	}
	return a
}

// alloc returns a free slot id, or false when the pool is exhausted. It
// never blocks: backpressure is the caller's concern.
//
// key is the module identity being instantiated, or zero for none; it only
// influences the choice under api.StrategyReuseAffinity.
func (a *indexAllocator) alloc(key uint64) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.freeCount == 0 {
		return 0, false
	}

	id := int32(-1)
	if a.strategy == api.StrategyReuseAffinity && key != 0 {
		if head, ok := a.affHead[key]; ok {
			id = head // most-recently-freed slot with this identity
		}
	}
	if id < 0 {
		if a.strategy == api.StrategyRandom {
			id = a.nthFree(rand.Intn(int(a.freeCount)))
		} else {
			id = a.firstFree()
		}
	}

	a.words[id/64] &^= 1 << (uint32(id) % 64)
	a.freeCount--
	a.unlink(id)
	a.slotKey[id] = key
	return uint32(id), true
}

// free returns id to the pool. Freeing a slot that is already free is a
// caller bug.
func (a *indexAllocator) free(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.words[id/64]&(1<<(id%64)) != 0 {
		panic("BUG: free of an already-free slot id")
	}
	a.words[id/64] |= 1 << (id % 64)
	a.freeCount++

	if a.strategy == api.StrategyReuseAffinity {
		if key := a.slotKey[id]; key != 0 {
			a.pushFront(key, int32(id))
		}
	}
}

// unlink removes id from the affinity list it joined when freed, if any.
func (a *indexAllocator) unlink(id int32) {
	key := a.slotKey[id]
	if key == 0 {
		return
	}
	next, prev := a.affNext[id], a.affPrev[id]
	if prev == -1 {
		if head, ok := a.affHead[key]; !ok || head != id {
			return // was never linked
		}
		if next == -1 {
			delete(a.affHead, key)
		} else {
			a.affHead[key] = next
		}
	} else {
		a.affNext[prev] = next
	}
	if next != -1 {
		a.affPrev[next] = prev
	}
	a.affNext[id] = -1
	a.affPrev[id] = -1
}

func (a *indexAllocator) pushFront(key uint64, id int32) {
	if head, ok := a.affHead[key]; ok {
		a.affPrev[head] = id
		a.affNext[id] = head
	}
	a.affHead[key] = id
}

// firstFree returns the lowest-numbered free slot.
func (a *indexAllocator) firstFree() int32 {
	for i, w := range a.words {
		if w != 0 {
			return int32(i*64 + bits.TrailingZeros64(w))
		}
	}
	panic("BUG: free count out of sync with free bits")
}

// nthFree returns the n-th free slot in ascending order, 0 <= n < a.freeCount.
func (a *indexAllocator) nthFree(n int) int32 {
	for i, w := range a.words {
		if c := bits.OnesCount64(w); n >= c {
			n -= c
			continue
		}
		for ; n > 0; n-- {
			w &= w - 1
		}
		return int32(i*64 + bits.TrailingZeros64(w))
	}
	panic("BUG: free count out of sync with free bits")
}

// testingFreeList returns the free slot ids in ascending order, for tests.
func (a *indexAllocator) testingFreeList() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]uint32, 0, a.freeCount)
	for i, w := range a.words {
		for w != 0 {
			ids = append(ids, uint32(i*64+bits.TrailingZeros64(w)))
			w &= w - 1
		}
	}
	return ids
}

// testingAffineList returns the free slots affine to key, most-recently-freed
// first, for tests.
func (a *indexAllocator) testingAffineList(key uint64) []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ids []uint32
	head, ok := a.affHead[key]
	for ok && head != -1 {
		ids = append(ids, uint32(head))
		head = a.affNext[head]
	}
	return ids
}
