// Separated from unix: linux can reset committed pages in place with
// madvise, where other unixes must replace the mapping.
//go:build linux

package platform

import (
	"golang.org/x/sys/unix"
)

// MAP_NORESERVE keeps huge reservations from counting against
// vm.overcommit_memory accounting; only committed pages are backed.
const mapReserveFlags = unix.MAP_NORESERVE

// madvise(MADV_DONTNEED) drops private pages in place, so file-backed ranges
// read from their file again after a reset.
const resetRetainsFileMappings = true

func resetCommittedPages(addr uintptr, size int) error {
	return unix.Madvise(memorySlice(addr, size), unix.MADV_DONTNEED)
}
