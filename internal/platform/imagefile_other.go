//go:build unix && !linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// newImageFD backs the image with an unlinked temporary file, the portable
// stand-in for memfd_create.
func newImageFD(data []byte) (int, error) {
	f, err := os.CreateTemp("", "memory-image-*")
	if err != nil {
		return -1, err
	}
	name := f.Name()
	fd, err := unix.Dup(int(f.Fd()))
	f.Close()
	os.Remove(name)
	if err != nil {
		return -1, err
	}
	if err = writeImage(fd, data); err != nil {
		return -1, err
	}
	return fd, nil
}
