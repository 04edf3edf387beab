//go:build !unix

package platform

import "os"

var pageSize = os.Getpagesize()

const mapReserveFlags = 0

const resetRetainsFileMappings = false

func reserveRegion(size int) ([]byte, error) {
	return nil, ErrUnsupported
}

func unmapRegion(buf []byte) error {
	return ErrUnsupported
}

func commitPages(addr uintptr, size int) error {
	return ErrUnsupported
}

func decommitPages(addr uintptr, size int) error {
	return ErrUnsupported
}

func makeInaccessible(addr uintptr, size int) error {
	return ErrUnsupported
}

func resetCommittedPages(addr uintptr, size int) error {
	return ErrUnsupported
}
