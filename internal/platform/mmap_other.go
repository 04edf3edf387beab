//go:build unix && !linux

package platform

import (
	"golang.org/x/sys/unix"
)

const mapReserveFlags = 0

// Without madvise semantics we can rely on, a reset replaces the mapping
// with fresh anonymous pages, which also discards any file mapping.
const resetRetainsFileMappings = false

func resetCommittedPages(addr uintptr, size int) error {
	return remapAnon(addr, size, unix.PROT_READ|unix.PROT_WRITE)
}
