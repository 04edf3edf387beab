//go:build !unix

package platform

func newImageFD(data []byte) (int, error) {
	return -1, ErrUnsupported
}

// MapAt implements the unix variant's contract; see imagefile_unix.go.
func (f *MemoryImageFile) MapAt(addr uintptr) error {
	return ErrUnsupported
}

// Close implements the unix variant's contract; see imagefile_unix.go.
func (f *MemoryImageFile) Close() error {
	return ErrUnsupported
}
