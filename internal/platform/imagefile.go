package platform

// MemoryImageFile holds immutable initial memory content in a file, so it
// can back any number of regions copy-on-write: every mapping reads the same
// physical pages until written to.
type MemoryImageFile struct {
	fd   int
	size int
}

// NewMemoryImageFile materializes data into a sealed read-only file. data
// must be non-empty and a multiple of PageSize in length.
func NewMemoryImageFile(data []byte) (*MemoryImageFile, error) {
	if len(data) == 0 || len(data)%PageSize() != 0 {
		panic("BUG: NewMemoryImageFile with non page-aligned data")
	}
	fd, err := newImageFD(data)
	if err != nil {
		return nil, err
	}
	return &MemoryImageFile{fd: fd, size: len(data)}, nil
}

// Size returns the image length in bytes, always a multiple of PageSize.
func (f *MemoryImageFile) Size() int {
	return f.size
}
