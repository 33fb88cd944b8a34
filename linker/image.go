//go:build linux && (amd64 || arm64)

package linker

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
	"runtime"
)

// segment describes one PT_LOAD entry of the object being loaded.
type segment struct {
	vaddr  uint64
	memsz  uint64
	off    uint64
	filesz uint64
	flags  elf.ProgFlag
	align  uint64
}

// relocEntry is one RELA entry, decoded out of the object's allocated
// relocation sections in table order.
type relocEntry struct {
	off      uint64
	kind     uint32
	symIndex uint32
	addend   int64
}

// image is everything the loader needs from the ELF container before any
// memory is reserved: the segment layout, the dynamic-section-derived
// tables, and the RELRO range, all still expressed in file virtual
// addresses (no bias applied).
type image struct {
	machine  elf.Machine
	soname   string
	needed   []string
	segments []segment

	// minVaddr/maxVaddr delimit the page-rounded virtual span covering
	// every loadable segment.
	minVaddr uint64
	maxVaddr uint64

	relroVaddr uint64
	relroSize  uint64

	// symbols holds the dynamic symbol table as returned by debug/elf:
	// entry i corresponds to symbol index i+1 (the null symbol at index 0
	// is dropped by the package).
	symbols []elf.Symbol
	relocs  []relocEntry

	initFunc  uint64
	finiFunc  uint64
	initArray []uint64
	finiArray []uint64
}

// parseImage validates the container at the given page-aligned file offset
// and computes its load layout. Alignment of the offset is the caller's
// concern; this function assumes it has been checked.
func parseImage(file *os.File, fileOffset uint64) (*image, error) {
	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", file.Name(), err)
	}
	if int64(fileOffset) >= stat.Size() {
		return nil, fmt.Errorf("%w: file offset %#x beyond end of %s", ErrBadImage, fileOffset, file.Name())
	}

	sr := io.NewSectionReader(file, int64(fileOffset), stat.Size()-int64(fileOffset))
	f, err := elf.NewFile(sr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	defer f.Close()

	machine, err := currentELFMachine()
	if err != nil {
		return nil, err
	}
	if f.Machine != machine {
		return nil, fmt.Errorf("%w: foreign machine (provided: %s, expected: %s)", ErrBadImage, f.Machine, machine)
	}
	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: unsupported class %s", ErrBadImage, f.Class)
	}
	if f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("%w: not a shared object (type %s)", ErrBadImage, f.Type)
	}

	img := &image{machine: f.Machine}
	if err := img.readSegments(f); err != nil {
		return nil, err
	}
	if err := img.readDynamic(f); err != nil {
		return nil, err
	}
	if err := img.readRelocations(f); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *image) readSegments(f *elf.File) error {
	pageSize := uint64(os.Getpagesize())
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			if prog.Memsz == 0 {
				continue
			}
			if prog.Filesz > prog.Memsz {
				return fmt.Errorf("%w: segment file size %#x exceeds memory size %#x", ErrBadImage, prog.Filesz, prog.Memsz)
			}
			img.segments = append(img.segments, segment{
				vaddr:  prog.Vaddr,
				memsz:  prog.Memsz,
				off:    prog.Off,
				filesz: prog.Filesz,
				flags:  prog.Flags,
				align:  prog.Align,
			})
		case elf.PT_GNU_RELRO:
			img.relroVaddr = prog.Vaddr
			img.relroSize = prog.Memsz
		}
	}
	if len(img.segments) == 0 {
		return fmt.Errorf("%w: no loadable segments", ErrBadImage)
	}

	minVaddr := img.segments[0].vaddr
	maxVaddr := uint64(0)
	for _, seg := range img.segments {
		if seg.vaddr < minVaddr {
			minVaddr = seg.vaddr
		}
		if end := seg.vaddr + seg.memsz; end > maxVaddr {
			maxVaddr = end
		}
	}
	img.minVaddr = minVaddr &^ (pageSize - 1)
	img.maxVaddr = (maxVaddr + pageSize - 1) &^ (pageSize - 1)
	if img.maxVaddr <= img.minVaddr {
		return fmt.Errorf("%w: empty virtual span", ErrBadImage)
	}
	return nil
}

func (img *image) readDynamic(f *elf.File) error {
	needed, err := f.ImportedLibraries()
	if err != nil {
		return fmt.Errorf("%w: read dependency names: %v", ErrBadImage, err)
	}
	img.needed = needed

	if sonames, err := f.DynString(elf.DT_SONAME); err == nil && len(sonames) > 0 {
		img.soname = sonames[0]
	}

	symbols, err := f.DynamicSymbols()
	if err != nil && err != elf.ErrNoSymbols {
		return fmt.Errorf("%w: read dynamic symbols: %v", ErrBadImage, err)
	}
	img.symbols = symbols

	if vals, err := f.DynValue(elf.DT_INIT); err == nil && len(vals) > 0 {
		img.initFunc = vals[0]
	}
	if vals, err := f.DynValue(elf.DT_FINI); err == nil && len(vals) > 0 {
		img.finiFunc = vals[0]
	}
	img.initArray = dynPointerArray(f, elf.DT_INIT_ARRAY, elf.DT_INIT_ARRAYSZ)
	img.finiArray = dynPointerArray(f, elf.DT_FINI_ARRAY, elf.DT_FINI_ARRAYSZ)
	return nil
}

// dynPointerArray returns the virtual addresses of an init/fini array's
// slots. The slot contents are read from mapped memory after relocation,
// not from the file, because RELATIVE relocations fill them in.
func dynPointerArray(f *elf.File, addrTag, sizeTag elf.DynTag) []uint64 {
	addrs, err := f.DynValue(addrTag)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	sizes, err := f.DynValue(sizeTag)
	if err != nil || len(sizes) == 0 {
		return nil
	}
	const slot = 8
	count := sizes[0] / slot
	out := make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		out = append(out, addrs[0]+i*slot)
	}
	return out
}

func (img *image) readRelocations(f *elf.File) error {
	for _, section := range f.Sections {
		if section.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		switch section.Type {
		case elf.SHT_RELA:
		case elf.SHT_REL:
			return fmt.Errorf("%w: REL-format relocations are not supported", ErrBadRelocation)
		default:
			continue
		}

		data, err := section.Data()
		if err != nil {
			return fmt.Errorf("%w: read relocation section %s: %v", ErrBadImage, section.Name, err)
		}
		const relaSize = 24
		if len(data)%relaSize != 0 {
			return fmt.Errorf("%w: relocation section %s has odd size %d", ErrBadImage, section.Name, len(data))
		}
		for i := 0; i+relaSize <= len(data); i += relaSize {
			off := f.ByteOrder.Uint64(data[i : i+8])
			info := f.ByteOrder.Uint64(data[i+8 : i+16])
			addend := int64(f.ByteOrder.Uint64(data[i+16 : i+24]))
			img.relocs = append(img.relocs, relocEntry{
				off:      off,
				kind:     uint32(info & 0xffffffff),
				symIndex: uint32(info >> 32),
				addend:   addend,
			})
		}
	}
	return nil
}

// symbol returns the dynamic symbol for a relocation symbol index, or nil
// for the null index.
func (img *image) symbol(index uint32) *elf.Symbol {
	if index == 0 || int(index) > len(img.symbols) {
		return nil
	}
	return &img.symbols[index-1]
}

func currentELFMachine() (elf.Machine, error) {
	switch runtime.GOARCH {
	case "amd64":
		return elf.EM_X86_64, nil
	case "arm64":
		return elf.EM_AARCH64, nil
	default:
		return 0, fmt.Errorf("unsupported linux architecture: %s", runtime.GOARCH)
	}
}
