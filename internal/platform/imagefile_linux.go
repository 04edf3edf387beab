//go:build linux

package platform

import "golang.org/x/sys/unix"

// newImageFD backs the image with an anonymous memfd, sealed so nothing can
// change the content other instances read through their private mappings.
func newImageFD(data []byte) (int, error) {
	fd, err := unix.MemfdCreate("memory-image", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, err
	}
	if err = writeImage(fd, data); err != nil {
		return -1, err
	}
	seals := unix.F_SEAL_GROW | unix.F_SEAL_SHRINK | unix.F_SEAL_WRITE | unix.F_SEAL_SEAL
	if _, err = unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, seals); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
