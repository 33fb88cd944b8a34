//go:build linux && (amd64 || arm64)

package linker

import (
	"bytes"
	"debug/elf"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPageRounding(t *testing.T) {
	page := uintptr(unix.Getpagesize())

	assert.Equal(t, uintptr(0), pageStart(page-1))
	assert.Equal(t, page, pageStart(page))
	assert.Equal(t, page, pageStart(page+1))

	assert.Equal(t, uintptr(0), pageEnd(0))
	assert.Equal(t, page, pageEnd(1))
	assert.Equal(t, page, pageEnd(page))
	assert.Equal(t, 2*page, pageEnd(page+1))
}

func TestSegmentProt(t *testing.T) {
	assert.Equal(t, unix.PROT_READ, segmentProt(elf.PF_R))
	assert.Equal(t, unix.PROT_READ|unix.PROT_WRITE, segmentProt(elf.PF_R|elf.PF_W))
	assert.Equal(t, unix.PROT_READ|unix.PROT_EXEC, segmentProt(elf.PF_R|elf.PF_X))
	assert.Equal(t, 0, segmentProt(0))
}

// segmentFile writes raw segment bytes to a temp file and opens it.
func segmentFile(t *testing.T, contents []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segments.bin")
	require.NoError(t, os.WriteFile(path, contents, 0o644))
	file, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { file.Close() })
	return file
}

func TestReserveAndMapPlacesFileContents(t *testing.T) {
	page := uint64(os.Getpagesize())
	contents := bytes.Repeat([]byte{0xAB}, int(page))
	file := segmentFile(t, contents)

	img := &image{
		segments: []segment{
			{vaddr: 0, memsz: page, off: 0, filesz: page, flags: elf.PF_R, align: page},
		},
		minVaddr: 0,
		maxVaddr: page,
	}

	m, err := reserveAndMap(file, 0, img, 0)
	require.NoError(t, err)
	defer m.unmap()

	assert.Equal(t, uintptr(page), m.size)
	assert.Equal(t, m.base, m.bias)
	assert.True(t, m.contains(m.base))
	assert.False(t, m.contains(m.base+uintptr(page)))

	mapped := unsafe.Slice((*byte)(unsafe.Pointer(m.base)), page)
	assert.Equal(t, contents, mapped)
}

func TestReserveAndMapZeroFillsBss(t *testing.T) {
	page := uint64(os.Getpagesize())
	contents := bytes.Repeat([]byte{0xCD}, int(page))
	file := segmentFile(t, contents)

	// 16 file-backed bytes, two pages of memory: the rest of the first page
	// and the whole second page must read back as zero.
	img := &image{
		segments: []segment{
			{vaddr: 0, memsz: 2 * page, off: 0, filesz: 16, flags: elf.PF_R | elf.PF_W, align: page},
		},
		minVaddr: 0,
		maxVaddr: 2 * page,
	}

	m, err := reserveAndMap(file, 0, img, 0)
	require.NoError(t, err)
	defer m.unmap()

	mapped := unsafe.Slice((*byte)(unsafe.Pointer(m.base)), 2*page)
	assert.Equal(t, contents[:16], mapped[:16])
	assert.Equal(t, make([]byte, 2*page-16), mapped[16:])

	// Writable, so a store must not fault.
	mapped[int(page)+7] = 0x5A
	assert.Equal(t, byte(0x5A), mapped[int(page)+7])
}

func TestReserveAndMapAtExplicitAddress(t *testing.T) {
	page := uint64(os.Getpagesize())
	contents := bytes.Repeat([]byte{0x11}, int(page))
	file := segmentFile(t, contents)

	// Find a free range by reserving and immediately releasing one.
	probe, err := unix.MmapPtr(-1, 0, nil, uintptr(page), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	target := uintptr(probe)
	require.NoError(t, unix.MunmapPtr(probe, uintptr(page)))

	img := &image{
		segments: []segment{
			{vaddr: 0, memsz: page, off: 0, filesz: page, flags: elf.PF_R, align: page},
		},
		minVaddr: 0,
		maxVaddr: page,
	}

	m, err := reserveAndMap(file, 0, img, target)
	require.NoError(t, err)
	defer m.unmap()
	assert.Equal(t, target, m.base)
}

func TestReserveAndMapRefusesOccupiedAddress(t *testing.T) {
	page := uint64(os.Getpagesize())
	file := segmentFile(t, bytes.Repeat([]byte{0x22}, int(page)))

	occupied, err := unix.MmapPtr(-1, 0, nil, uintptr(page), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	defer unix.MunmapPtr(occupied, uintptr(page))

	img := &image{
		segments: []segment{
			{vaddr: 0, memsz: page, off: 0, filesz: page, flags: elf.PF_R, align: page},
		},
		minVaddr: 0,
		maxVaddr: page,
	}

	_, err = reserveAndMap(file, 0, img, uintptr(occupied))
	assert.ErrorIs(t, err, ErrAddressSpace)
}

func TestReserveAndMapRejectsIncongruentSegment(t *testing.T) {
	page := uint64(os.Getpagesize())
	file := segmentFile(t, bytes.Repeat([]byte{0x33}, int(2*page)))

	// File offset and vaddr disagree modulo the page size.
	img := &image{
		segments: []segment{
			{vaddr: 0x100, memsz: page, off: 0x200, filesz: 16, flags: elf.PF_R, align: page},
		},
		minVaddr: 0,
		maxVaddr: page,
	}

	_, err := reserveAndMap(file, 0, img, 0)
	assert.ErrorIs(t, err, ErrBadImage)
}

func TestProtectRejectsRangeOutsideMapping(t *testing.T) {
	page := uintptr(os.Getpagesize())
	m := &mapping{base: 0x100000, size: page}

	err := m.protect(0x100000+2*page, page, unix.PROT_READ)
	assert.ErrorIs(t, err, ErrBadRelocation)
}

func TestUnmapIsIdempotent(t *testing.T) {
	m := &mapping{}
	m.unmap()
	m.unmap()
	assert.Zero(t, m.base)
}
