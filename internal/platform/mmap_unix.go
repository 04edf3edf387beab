//go:build unix

package platform

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = unix.Getpagesize()

func reserveRegion(size int) ([]byte, error) {
	// Anonymous as this is not an actual file, but a memory region,
	// Private as this is in-process memory. PROT_NONE so nothing is usable,
	// or even backed, until explicitly committed.
	flags := unix.MAP_ANON | unix.MAP_PRIVATE | mapReserveFlags
	return unix.Mmap(-1, 0, size, unix.PROT_NONE, flags)
}

func unmapRegion(buf []byte) error {
	if buf == nil {
		return nil
	}
	return unix.Munmap(buf)
}

func commitPages(addr uintptr, size int) error {
	return unix.Mprotect(memorySlice(addr, size), unix.PROT_READ|unix.PROT_WRITE)
}

func makeInaccessible(addr uintptr, size int) error {
	return unix.Mprotect(memorySlice(addr, size), unix.PROT_NONE)
}

// decommitPages must discard whatever backed the range, including any
// copy-on-write file mapping, which mprotect and madvise cannot do. The
// range is replaced with fresh inaccessible anonymous pages instead.
func decommitPages(addr uintptr, size int) error {
	return remapAnon(addr, size, unix.PROT_NONE)
}

// remapAnon maps fresh anonymous pages over [addr, addr+size). MAP_FIXED
// atomically replaces the old pages, file-backed or not, so there is no
// window where another mapping could land in the range.
func remapAnon(addr uintptr, size, prot int) error {
	flags := unix.MAP_ANON | unix.MAP_PRIVATE | unix.MAP_FIXED | mapReserveFlags
	_, err := unix.MmapPtr(-1, 0, unsafe.Pointer(addr), uintptr(size), prot, flags)
	return err
}
