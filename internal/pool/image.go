package pool

import (
	"fmt"

	"github.com/sandboxrt/pooling/internal/platform"
)

// MemoryImageSlot is the copy-on-write state of one per-(instance slot,
// defined memory) region. It is created lazily on first use of the region,
// owned by exactly one instance while taken, and returned to the MemoryPool
// on deallocation only if it could be reset to the shared initial image.
//
// Return-or-drop contract: the owner must either reset the slot with
// ClearAndRemainReady and return it via MemoryPool.returnImageSlot, or call
// Drop, which parks the region inaccessible so a stale mapping can never be
// observed by the slot's next user.
type MemoryImageSlot struct {
	base uintptr

	// mapped is the byte extent this slot manages: the memory's maximum
	// accessible size, not including the guard region.
	mapped int

	// accessible is the committed prefix of the region. It only grows across
	// reuses; resets clear content but deliberately keep pages committed so
	// the next instantiation skips the commit.
	accessible int

	// image is the shared initial-content file currently mapped at
	// imageOffset, or nil. dirty records whether the instance may have
	// written since the last reset.
	image       *platform.MemoryImageFile
	imageOffset int
	dirty       bool
}

func createImageSlot(base uintptr, mapped int) *MemoryImageSlot {
	return &MemoryImageSlot{base: base, mapped: mapped}
}

// Instantiate prepares the region for a new instance: the first initialSize
// bytes are accessible, reading as the image content where one is given and
// zero elsewhere. The slot is dirty afterwards, until ClearAndRemainReady.
//
// Reusing a slot whose previous instance mapped the same image is the fast
// path: the mapping is already correct and only the committed extent may
// need to grow.
func (s *MemoryImageSlot) Instantiate(initialSize int, image *platform.MemoryImageFile, imageOffset int) error {
	if s.dirty {
		panic("BUG: instantiating a dirty image slot")
	}
	if initialSize > s.mapped {
		panic("BUG: initial memory size exceeds the slot's mapped extent")
	}

	if s.accessible < initialSize {
		if err := platform.CommitPages(s.base+uintptr(s.accessible), initialSize-s.accessible); err != nil {
			return fmt.Errorf("failed to commit memory pages: %w", err)
		}
		s.accessible = initialSize
	}

	if s.image != image || s.imageOffset != imageOffset {
		// A different image (or none) was mapped here before. Replace the
		// whole accessible range with fresh zero pages, then map the new
		// image over its portion.
		if err := s.remapAccessible(); err != nil {
			return err
		}
		if image != nil {
			if err := image.MapAt(s.base + uintptr(imageOffset)); err != nil {
				return fmt.Errorf("failed to map memory image: %w", err)
			}
		}
		s.image = image
		s.imageOffset = imageOffset
	}

	s.dirty = true
	return nil
}

// ClearAndRemainReady resets the region to its initial content: image pages
// read from the shared image again and all other accessible pages read as
// zero. On success the slot is clean and may be returned to the pool; on
// failure the owner must Drop it.
func (s *MemoryImageSlot) ClearAndRemainReady() error {
	if err := platform.ResetCommittedPages(s.base, s.accessible); err != nil {
		return err
	}
	if s.image != nil && !platform.ResetRetainsFileMappings() {
		// The reset replaced the image mapping with anonymous pages;
		// re-establish it so the clean state still shows the image.
		if err := s.image.MapAt(s.base + uintptr(s.imageOffset)); err != nil {
			return err
		}
	}
	s.dirty = false
	return nil
}

// Drop parks the region: best effort to leave the whole extent mapped but
// inaccessible, releasing nothing of the pool's reservation. The slot itself
// is discarded; the region's next user starts from a fresh slot whose
// commits map over whatever state was left here.
func (s *MemoryImageSlot) Drop() {
	// Decommit rather than just protect, so no stale content survives. An
	// error here leaves pages unreachable for reuse but still inside the
	// reservation, which is sound, so it is deliberately ignored.
	_ = platform.DecommitPages(s.base, s.accessible)
}

// Dirty reports whether the region may have been written since the last
// reset. A dirty slot must never be returned to the pool.
func (s *MemoryImageSlot) Dirty() bool {
	return s.dirty
}

// SetHeapLimit grows the accessible prefix of the region to byteSize,
// committing the added pages. It is how a memory backed by this slot grows.
func (s *MemoryImageSlot) SetHeapLimit(byteSize int) error {
	if byteSize > s.mapped {
		return fmt.Errorf("memory size of %d bytes exceeds the slot maximum of %d bytes", byteSize, s.mapped)
	}
	if byteSize <= s.accessible {
		return nil
	}
	if err := platform.CommitPages(s.base+uintptr(s.accessible), byteSize-s.accessible); err != nil {
		return fmt.Errorf("failed to commit memory pages: %w", err)
	}
	s.accessible = byteSize
	return nil
}

// remapAccessible replaces the committed prefix with fresh zero pages,
// discarding any image mapping.
func (s *MemoryImageSlot) remapAccessible() error {
	if s.accessible == 0 {
		return nil
	}
	if err := platform.DecommitPages(s.base, s.accessible); err != nil {
		return fmt.Errorf("failed to decommit memory pages: %w", err)
	}
	if err := platform.CommitPages(s.base, s.accessible); err != nil {
		return fmt.Errorf("failed to commit memory pages: %w", err)
	}
	return nil
}
