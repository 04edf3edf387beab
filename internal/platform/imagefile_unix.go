//go:build unix

package platform

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// MapAt maps the whole image copy-on-write over [addr, addr+Size()).
// MAP_FIXED replaces whatever backed the range before; writes go to private
// pages and never reach the file.
func (f *MemoryImageFile) MapAt(addr uintptr) error {
	flags := unix.MAP_PRIVATE | unix.MAP_FIXED
	_, err := unix.MmapPtr(f.fd, 0, unsafe.Pointer(addr), uintptr(f.size),
		unix.PROT_READ|unix.PROT_WRITE, flags)
	return err
}

// Close releases the file. Existing mappings stay valid; no new MapAt calls
// may follow.
func (f *MemoryImageFile) Close() error {
	fd := f.fd
	f.fd = -1
	return unix.Close(fd)
}

func writeImage(fd int, data []byte) error {
	for off := 0; off < len(data); {
		n, err := unix.Pwrite(fd, data[off:], int64(off))
		if err != nil {
			unix.Close(fd)
			return err
		}
		off += n
	}
	return nil
}
