//go:build linux && (amd64 || arm64)

package linker

import (
	"fmt"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// exportRelro moves a fully relocated library's RELRO pages into an
// anonymous shareable region. The library's own virtual range is remapped
// onto that region read-only, so this process and any importer end up
// aliasing the same physical pages. Ownership of the returned descriptor
// passes to the caller, which is responsible for transmitting it to the
// peer process.
func (l *Linker) exportRelro(lib *Library) (Info, error) {
	if lib.system {
		return Info{}, fmt.Errorf("%w: cannot export RELRO of system library %q", ErrSystemLibrary, lib.name)
	}
	if !lib.relocated {
		return Info{}, fmt.Errorf("%w: %q is not relocated yet", ErrRelroState, lib.name)
	}
	if lib.relro != relroNone {
		return Info{}, fmt.Errorf("%w: %q already shared its RELRO region", ErrRelroState, lib.name)
	}
	start, size := lib.relroRange()
	if size == 0 {
		return Info{}, fmt.Errorf("%w: %q has no RELRO region", ErrRelroState, lib.name)
	}

	regionStart := pageStart(start)
	regionSize := pageEnd(start+size) - regionStart

	fd, err := unix.MemfdCreate("solink-relro", unix.MFD_CLOEXEC)
	if err != nil {
		return Info{}, fmt.Errorf("create shared RELRO region: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(regionSize)); err != nil {
		_ = unix.Close(fd)
		return Info{}, fmt.Errorf("size shared RELRO region: %w", err)
	}

	// Copy the already-relocated bytes, then alias our own pages onto the
	// shared region so the private copy is dropped.
	src := unsafe.Slice((*byte)(unsafe.Pointer(regionStart)), regionSize)
	if _, err := unix.Pwrite(fd, src, 0); err != nil {
		_ = unix.Close(fd)
		return Info{}, fmt.Errorf("copy RELRO bytes: %w", err)
	}
	if _, err := unix.MmapPtr(fd, 0, unsafe.Pointer(regionStart), regionSize,
		unix.PROT_READ, unix.MAP_SHARED|unix.MAP_FIXED); err != nil {
		_ = unix.Close(fd)
		return Info{}, fmt.Errorf("%w: remap RELRO onto shared region: %v", ErrAddressSpace, err)
	}

	lib.relro = relroExported
	lib.relroFD = fd
	l.log.Debug("exported RELRO region",
		zap.String("library", lib.name),
		zap.Uintptr("start", start),
		zap.Uintptr("size", size),
		zap.Int("fd", fd))

	return Info{
		LoadAddress: lib.m.base,
		LoadSize:    lib.m.size,
		RelroStart:  start,
		RelroSize:   size,
		RelroFD:     fd,
	}, nil
}

// importRelro replaces the library's private relocated RELRO pages with a
// read-only mapping of a peer's shared region. The peer must have loaded
// the identical build at the identical address: the supplied range has to
// equal this library's own RELRO range exactly, otherwise mapping it would
// corrupt unrelated memory, and the call fails without touching anything.
// On success the engine owns the descriptor and closes it.
func (l *Linker) importRelro(lib *Library, start, size uintptr, fd int) error {
	if lib.system {
		return fmt.Errorf("%w: cannot import RELRO into system library %q", ErrSystemLibrary, lib.name)
	}
	if !lib.relocated {
		return fmt.Errorf("%w: %q is not relocated yet", ErrRelroState, lib.name)
	}
	if lib.relro != relroNone {
		return fmt.Errorf("%w: %q already shared its RELRO region", ErrRelroState, lib.name)
	}
	ownStart, ownSize := lib.relroRange()
	if ownSize == 0 {
		return fmt.Errorf("%w: %q has no RELRO region", ErrRelroState, lib.name)
	}
	if start != ownStart || size != ownSize {
		return fmt.Errorf("%w: peer has %#x+%#x, this process has %#x+%#x",
			ErrRelroMismatch, start, size, ownStart, ownSize)
	}

	regionStart := pageStart(start)
	regionSize := pageEnd(start+size) - regionStart
	if _, err := unix.MmapPtr(fd, 0, unsafe.Pointer(regionStart), regionSize,
		unix.PROT_READ, unix.MAP_SHARED|unix.MAP_FIXED); err != nil {
		return fmt.Errorf("%w: map shared RELRO region: %v", ErrAddressSpace, err)
	}
	_ = unix.Close(fd)

	lib.relro = relroImported
	l.log.Debug("imported RELRO region",
		zap.String("library", lib.name),
		zap.Uintptr("start", start),
		zap.Uintptr("size", size))
	return nil
}
