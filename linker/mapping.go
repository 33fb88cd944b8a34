//go:build linux && (amd64 || arm64)

package linker

import (
	"debug/elf"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapping is a reserved span of address space with the image's loadable
// segments placed inside it. The whole span is reserved in one PROT_NONE
// step so a concurrent load can never claim an overlapping range between
// segment placements.
type mapping struct {
	base uintptr
	size uintptr
	bias uintptr
}

func pageStart(v uintptr) uintptr {
	pageSize := uintptr(unix.Getpagesize())
	return v &^ (pageSize - 1)
}

func pageEnd(v uintptr) uintptr {
	pageSize := uintptr(unix.Getpagesize())
	return (v + pageSize - 1) &^ (pageSize - 1)
}

func segmentProt(flags elf.ProgFlag) int {
	prot := 0
	if flags&elf.PF_R != 0 {
		prot |= unix.PROT_READ
	}
	if flags&elf.PF_W != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// reserveAndMap reserves the image's full virtual span, optionally at an
// explicit load address, then maps every segment into its sub-range with
// its declared protection. On any failure the reservation is released and
// nothing stays mapped.
func reserveAndMap(file *os.File, fileOffset uint64, img *image, loadAddr uintptr) (*mapping, error) {
	span := uintptr(img.maxVaddr - img.minVaddr)

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if loadAddr != 0 {
		// MAP_FIXED_NOREPLACE fails with EEXIST instead of clobbering
		// whatever already lives at the requested address.
		flags |= unix.MAP_FIXED_NOREPLACE
	}
	base, err := unix.MmapPtr(-1, 0, unsafe.Pointer(loadAddr), span, unix.PROT_NONE, flags)
	if err != nil {
		return nil, fmt.Errorf("%w: reserve %#x bytes at %#x: %v", ErrAddressSpace, span, loadAddr, err)
	}
	m := &mapping{
		base: uintptr(base),
		size: span,
		bias: uintptr(base) - uintptr(img.minVaddr),
	}
	if loadAddr != 0 && m.base != loadAddr {
		m.unmap()
		return nil, fmt.Errorf("%w: requested %#x, kernel placed reservation at %#x", ErrAddressSpace, loadAddr, m.base)
	}

	for _, seg := range img.segments {
		if err := m.placeSegment(file, fileOffset, seg); err != nil {
			m.unmap()
			return nil, err
		}
	}
	return m, nil
}

func (m *mapping) placeSegment(file *os.File, fileOffset uint64, seg segment) error {
	pageSize := uintptr(unix.Getpagesize())
	fileStart := uintptr(fileOffset) + uintptr(seg.off)
	segStart := m.bias + uintptr(seg.vaddr)

	if fileStart%pageSize != segStart%pageSize {
		return fmt.Errorf("%w: segment at vaddr %#x misaligned against file offset %#x", ErrBadImage, seg.vaddr, fileStart)
	}

	prot := segmentProt(seg.flags)
	segPageStart := pageStart(segStart)
	segPageEnd := pageEnd(segStart + uintptr(seg.memsz))
	fileSegEnd := segStart + uintptr(seg.filesz)

	if seg.filesz > 0 {
		length := pageEnd(fileSegEnd) - segPageStart
		_, err := unix.MmapPtr(int(file.Fd()), int64(pageStart(fileStart)),
			unsafe.Pointer(segPageStart), length, prot,
			unix.MAP_PRIVATE|unix.MAP_FIXED)
		if err != nil {
			return fmt.Errorf("%w: map segment at %#x: %v", ErrAddressSpace, segPageStart, err)
		}

		// Zero the tail of the last file-backed page so bss that shares
		// it does not read stale file bytes.
		if seg.memsz > seg.filesz && prot&unix.PROT_WRITE != 0 {
			tail := pageEnd(fileSegEnd) - fileSegEnd
			if tail > 0 {
				zero := unsafe.Slice((*byte)(unsafe.Pointer(fileSegEnd)), tail)
				clear(zero)
			}
		}
	}

	// Pages past the file-backed portion are anonymous zero-fill.
	anonStart := pageEnd(fileSegEnd)
	if seg.filesz == 0 {
		anonStart = segPageStart
	}
	if anonStart < segPageEnd {
		_, err := unix.MmapPtr(-1, 0, unsafe.Pointer(anonStart), segPageEnd-anonStart, prot,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED)
		if err != nil {
			return fmt.Errorf("%w: map zero-fill at %#x: %v", ErrAddressSpace, anonStart, err)
		}
	}
	return nil
}

// protect changes the protection of the page-rounded range [addr, addr+size).
func (m *mapping) protect(addr, size uintptr, prot int) error {
	start := pageStart(addr)
	length := pageEnd(addr+size) - start
	if start < m.base || start+length > m.base+m.size {
		return fmt.Errorf("%w: protect range %#x+%#x outside mapping", ErrBadRelocation, addr, size)
	}
	region := unsafe.Slice((*byte)(unsafe.Pointer(start)), length)
	if err := unix.Mprotect(region, prot); err != nil {
		return fmt.Errorf("mprotect %#x+%#x: %w", start, length, err)
	}
	return nil
}

func (m *mapping) contains(addr uintptr) bool {
	return addr >= m.base && addr < m.base+m.size
}

func (m *mapping) unmap() {
	if m.base == 0 {
		return
	}
	_ = unix.MunmapPtr(unsafe.Pointer(m.base), m.size)
	m.base = 0
	m.size = 0
}
