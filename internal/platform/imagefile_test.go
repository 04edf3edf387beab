//go:build unix

package platform

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMemoryImageFile_RequiresPageAlignedData(t *testing.T) {
	require.Panics(t, func() { _, _ = NewMemoryImageFile(nil) })
	require.Panics(t, func() { _, _ = NewMemoryImageFile(make([]byte, PageSize()+1)) })
}

func TestMemoryImageFile_MapAtIsCopyOnWrite(t *testing.T) {
	page := PageSize()
	data := bytes.Repeat([]byte{0xa5}, page)
	img, err := NewMemoryImageFile(data)
	require.NoError(t, err)
	defer img.Close()
	require.Equal(t, page, img.Size())

	r, err := ReserveRegion(page)
	require.NoError(t, err)
	defer r.Unmap()
	r2, err := ReserveRegion(page)
	require.NoError(t, err)
	defer r2.Unmap()

	require.NoError(t, img.MapAt(r.Base()))
	require.NoError(t, img.MapAt(r2.Base()))

	v, v2 := view(r.Base(), page), view(r2.Base(), page)
	require.Equal(t, data, v)

	// Writes through one mapping stay private to it.
	v[0] = 0x11
	require.Equal(t, byte(0xa5), v2[0])
	require.Equal(t, data, v2)
}

func TestMemoryImageFile_DecommitDiscardsMapping(t *testing.T) {
	page := PageSize()
	data := bytes.Repeat([]byte{0x7c}, page)
	img, err := NewMemoryImageFile(data)
	require.NoError(t, err)
	defer img.Close()

	r, err := ReserveRegion(page)
	require.NoError(t, err)
	defer r.Unmap()
	require.NoError(t, img.MapAt(r.Base()))
	require.Equal(t, byte(0x7c), view(r.Base(), 1)[0])

	// Decommit replaces the file mapping; recommitting observes zeroes,
	// never the file content.
	require.NoError(t, DecommitPages(r.Base(), page))
	require.NoError(t, CommitPages(r.Base(), page))
	require.Equal(t, byte(0), view(r.Base(), 1)[0])
}

func TestMemoryImageFile_ResetSemantics(t *testing.T) {
	page := PageSize()
	data := bytes.Repeat([]byte{0x42}, page)
	img, err := NewMemoryImageFile(data)
	require.NoError(t, err)
	defer img.Close()

	r, err := ReserveRegion(page)
	require.NoError(t, err)
	defer r.Unmap()
	require.NoError(t, img.MapAt(r.Base()))

	v := view(r.Base(), page)
	v[0] = 0x99
	require.NoError(t, ResetCommittedPages(r.Base(), page))

	v = view(r.Base(), page)
	if ResetRetainsFileMappings() {
		// Dirty private pages fall back to the file content.
		require.Equal(t, byte(0x42), v[0])
		require.Equal(t, data, v)
	} else {
		// The range reads as zero until the image is mapped again.
		require.Equal(t, byte(0), v[0])
		require.NoError(t, img.MapAt(r.Base()))
		require.Equal(t, data, view(r.Base(), page))
	}
}
