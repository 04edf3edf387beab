package platform

import "unsafe"

// bufAddr returns the first address of buf, or 0 if empty.
func bufAddr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

// memorySlice views [addr, addr+size) as a byte slice for syscalls that take
// one. The range must lie within a mapped Region.
func memorySlice(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}
