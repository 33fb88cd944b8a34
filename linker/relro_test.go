//go:build linux && (amd64 || arm64)

package linker

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func relroFixture(t *testing.T, name string, pages uintptr) (*Library, unsafe.Pointer) {
	t.Helper()
	page := uintptr(os.Getpagesize())
	region, err := unix.MmapPtr(-1, 0, nil, pages*page,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.MunmapPtr(region, pages*page) })

	lib := fakeLibrary(name)
	lib.m = &mapping{base: uintptr(region), size: pages * page, bias: uintptr(region)}
	lib.img = &image{relroVaddr: 0, relroSize: uint64(page)}
	lib.relocated = true
	return lib, region
}

func TestExportRelroStateMachine(t *testing.T) {
	l := New()

	system := newSystemLibrary("libc.so.6", "/lib/libc.so.6", 0, 0, 0)
	_, err := l.exportRelro(system)
	assert.ErrorIs(t, err, ErrSystemLibrary)

	unrelocated := fakeLibrary("libraw.so")
	_, err = l.exportRelro(unrelocated)
	assert.ErrorIs(t, err, ErrRelroState)

	noRelro := fakeLibrary("libnorelro.so")
	noRelro.relocated = true
	_, err = l.exportRelro(noRelro)
	assert.ErrorIs(t, err, ErrRelroState)

	exported := fakeLibrary("libdone.so")
	exported.relocated = true
	exported.img = &image{relroSize: uint64(os.Getpagesize())}
	exported.relro = relroExported
	_, err = l.exportRelro(exported)
	assert.ErrorIs(t, err, ErrRelroState)
}

func TestImportRelroStateMachine(t *testing.T) {
	l := New()

	system := newSystemLibrary("libc.so.6", "/lib/libc.so.6", 0, 0, 0)
	assert.ErrorIs(t, l.importRelro(system, 0, 0, -1), ErrSystemLibrary)

	unrelocated := fakeLibrary("libraw.so")
	assert.ErrorIs(t, l.importRelro(unrelocated, 0, 0, -1), ErrRelroState)

	noRelro := fakeLibrary("libnorelro.so")
	noRelro.relocated = true
	assert.ErrorIs(t, l.importRelro(noRelro, 0, 0, -1), ErrRelroState)
}

func TestImportRelroRejectsMismatchedRange(t *testing.T) {
	l := New()
	page := uintptr(os.Getpagesize())
	lib, _ := relroFixture(t, "libmismatch.so", 1)
	ownStart, ownSize := lib.relroRange()

	err := l.importRelro(lib, ownStart+page, ownSize, -1)
	assert.ErrorIs(t, err, ErrRelroMismatch)
	err = l.importRelro(lib, ownStart, ownSize+page, -1)
	assert.ErrorIs(t, err, ErrRelroMismatch)

	// The failed calls must not have touched the state.
	assert.Equal(t, relroNone, lib.relro)
	assert.Equal(t, -1, lib.relroFD)
}

func TestRelroExportImportRoundTrip(t *testing.T) {
	page := uintptr(os.Getpagesize())
	l := New()

	exporter, region := relroFixture(t, "libexport.so", 2)
	mem := unsafe.Slice((*byte)(region), page)
	for i := range mem {
		mem[i] = 0x77
	}

	info, err := l.exportRelro(exporter)
	require.NoError(t, err)
	require.GreaterOrEqual(t, info.RelroFD, 0)
	defer unix.Close(info.RelroFD)

	assert.Equal(t, relroExported, exporter.relro)
	assert.Equal(t, exporter.m.base, info.RelroStart)
	assert.Equal(t, page, info.RelroSize)
	assert.Equal(t, byte(0x77), mem[42], "contents survive the remap")

	// The exporter's pages now alias the shared region: a write through the
	// descriptor is visible in its mapping.
	_, err = unix.Pwrite(info.RelroFD, []byte{0x99}, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x99), mem[0])

	// A second library with the same layout adopts the region. The engine
	// consumes the descriptor, so hand over a duplicate.
	importer, region2 := relroFixture(t, "libimport.so", 2)
	dup, err := unix.Dup(info.RelroFD)
	require.NoError(t, err)

	ownStart, ownSize := importer.relroRange()
	require.NoError(t, l.importRelro(importer, ownStart, ownSize, dup))
	assert.Equal(t, relroImported, importer.relro)

	mem2 := unsafe.Slice((*byte)(region2), page)
	assert.Equal(t, byte(0x99), mem2[0])
	assert.Equal(t, byte(0x77), mem2[42])
}
