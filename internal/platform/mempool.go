// Package platform provides the page-granularity virtual memory primitives
// the resource pools are built on: reserving large inaccessible regions,
// committing and decommitting page ranges inside them, and mapping shared
// read-only memory images copy-on-write.
//
// Each operation has one implementation per platform family, selected by
// build tags. Everything above this package works in slot ids and byte
// offsets; raw addresses cross into syscalls only here.
package platform

import "errors"

// ErrUnsupported is returned by every operation on platforms without virtual
// memory support. Allocator construction surfaces it immediately, so it is
// never seen from the allocation hot path.
var ErrUnsupported = errors.New("virtual memory pools are unsupported on this platform")

// Region is a single contiguous virtual-address reservation. It never grows
// or shrinks; sub-ranges become usable via CommitPages and unusable again via
// DecommitPages.
type Region struct {
	buf []byte
}

// Base returns the first address of the reservation.
func (r *Region) Base() uintptr {
	return bufAddr(r.buf)
}

// Len returns the reservation size in bytes.
func (r *Region) Len() int {
	return len(r.buf)
}

// Slice views [offset, offset+size) of the reservation as bytes. The range
// must have been committed.
func (r *Region) Slice(offset, size int) []byte {
	return r.buf[offset : offset+size]
}

// Unmap releases the whole reservation. No address inside the region may be
// used afterwards.
func (r *Region) Unmap() error {
	buf := r.buf
	r.buf = nil
	return unmapRegion(buf)
}

// ReserveRegion reserves size bytes of initially inaccessible address space.
// size must be positive and a multiple of PageSize.
func ReserveRegion(size int) (*Region, error) {
	if size <= 0 {
		panic("BUG: ReserveRegion with non-positive size")
	}
	if size%PageSize() != 0 {
		panic("BUG: ReserveRegion size not page-aligned")
	}
	buf, err := reserveRegion(size)
	if err != nil {
		return nil, err
	}
	return &Region{buf: buf}, nil
}

// CommitPages makes [addr, addr+size) readable and writable. Newly committed
// pages read as zero. A zero size is a no-op.
func CommitPages(addr uintptr, size int) error {
	if size == 0 {
		return nil
	}
	checkRange(addr, size)
	return commitPages(addr, size)
}

// DecommitPages releases the backing of [addr, addr+size) and makes it
// inaccessible again, as if never committed: any file mapping in the range
// is discarded and a later CommitPages of the same range observes zeroes.
// A zero size is a no-op.
func DecommitPages(addr uintptr, size int) error {
	if size == 0 {
		return nil
	}
	checkRange(addr, size)
	return decommitPages(addr, size)
}

// MakeInaccessible marks [addr, addr+size) permanently inaccessible without
// releasing the reservation. Used for guard pages and for parking a region
// whose copy-on-write state could not be reset.
func MakeInaccessible(addr uintptr, size int) error {
	if size == 0 {
		return nil
	}
	checkRange(addr, size)
	return makeInaccessible(addr, size)
}

// ResetCommittedPages returns every committed page in [addr, addr+size) to
// its unwritten state while keeping the range accessible: anonymous pages
// read as zero again and copy-on-write pages read from their backing file
// again.
//
// When ResetRetainsFileMappings reports false, file-backed ranges instead
// read as zero after the reset and the caller must re-establish any image
// mapping itself.
func ResetCommittedPages(addr uintptr, size int) error {
	if size == 0 {
		return nil
	}
	checkRange(addr, size)
	return resetCommittedPages(addr, size)
}

// ResetRetainsFileMappings reports whether ResetCommittedPages restores
// file-backed pages from their file (true on Linux, where the reset is
// madvise(MADV_DONTNEED) on the existing mapping).
func ResetRetainsFileMappings() bool {
	return resetRetainsFileMappings
}

// PageSize returns the host page size.
func PageSize() int {
	return pageSize
}

func checkRange(addr uintptr, size int) {
	if addr == 0 || size < 0 {
		panic("BUG: page operation on invalid range")
	}
	if size%PageSize() != 0 {
		panic("BUG: page operation size not page-aligned")
	}
}
