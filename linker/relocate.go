//go:build linux && (amd64 || arm64)

package linker

import (
	"debug/elf"
	"fmt"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type relocClass int

const (
	relocNone relocClass = iota
	// relocRelative writes bias + addend.
	relocRelative
	// relocSymbol writes the resolved symbol address (GOT and PLT slots).
	relocSymbol
	// relocSymbolAddend writes the resolved symbol address plus the
	// signed addend.
	relocSymbolAddend
)

func classifyReloc(machine elf.Machine, kind uint32) (relocClass, bool) {
	switch machine {
	case elf.EM_X86_64:
		switch elf.R_X86_64(kind) {
		case elf.R_X86_64_NONE:
			return relocNone, true
		case elf.R_X86_64_RELATIVE:
			return relocRelative, true
		case elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT:
			return relocSymbol, true
		case elf.R_X86_64_64:
			return relocSymbolAddend, true
		}
	case elf.EM_AARCH64:
		switch elf.R_AARCH64(kind) {
		case elf.R_AARCH64_NONE, elf.R_AARCH64_NULL:
			return relocNone, true
		case elf.R_AARCH64_RELATIVE:
			return relocRelative, true
		case elf.R_AARCH64_GLOB_DAT, elf.R_AARCH64_JUMP_SLOT:
			return relocSymbol, true
		case elf.R_AARCH64_ABS64:
			return relocSymbolAddend, true
		}
	}
	return relocNone, false
}

func relocName(machine elf.Machine, kind uint32) string {
	switch machine {
	case elf.EM_X86_64:
		return elf.R_X86_64(kind).String()
	case elf.EM_AARCH64:
		return elf.R_AARCH64(kind).String()
	}
	return fmt.Sprintf("reloc(%d)", kind)
}

// resolveSymbol finds the address for a relocation's target symbol using
// the platform loader's precedence: a definition in the requesting library
// itself wins, then its dependencies are searched in declaration order,
// breadth first, first match wins. Weak undefined symbols that stay
// unresolved bind to zero.
func resolveSymbol(lib *Library, sym *elf.Symbol) (uintptr, error) {
	if sym.Section != elf.SHN_UNDEF {
		return lib.m.bias + uintptr(sym.Value), nil
	}

	if addr, ok := lib.findExport(sym.Name); ok {
		return addr, nil
	}

	queue := make([]*Library, 0, len(lib.deps))
	queue = append(queue, lib.deps...)
	seen := map[*Library]bool{lib: true}
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		if seen[dep] {
			continue
		}
		seen[dep] = true
		if addr, ok := dep.findExport(sym.Name); ok {
			return addr, nil
		}
		queue = append(queue, dep.deps...)
	}

	if elf.ST_BIND(sym.Info) == elf.STB_WEAK {
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %q required by %q", ErrUndefinedSymbol, sym.Name, lib.name)
}

// relocate applies every relocation entry in table order and records the
// library as relocated. When sealRelro is false the RELRO pages are left
// writable for an immediately following sharing export, which performs the
// final protect itself.
func (l *Linker) relocate(lib *Library, sealRelro bool) error {
	img := lib.img
	for _, rel := range img.relocs {
		class, ok := classifyReloc(img.machine, rel.kind)
		if !ok {
			return fmt.Errorf("%w: %s in %q", ErrBadRelocation, relocName(img.machine, rel.kind), lib.name)
		}
		if class == relocNone {
			continue
		}

		target := lib.m.bias + uintptr(rel.off)
		if !lib.m.contains(target) || !lib.m.contains(target+7) {
			return fmt.Errorf("%w: write target %#x outside %q", ErrBadRelocation, target, lib.name)
		}

		var value uintptr
		switch class {
		case relocRelative:
			value = lib.m.bias + uintptr(rel.addend)
		case relocSymbol, relocSymbolAddend:
			sym := img.symbol(rel.symIndex)
			if sym == nil {
				return fmt.Errorf("%w: relocation without symbol in %q", ErrBadRelocation, lib.name)
			}
			addr, err := resolveSymbol(lib, sym)
			if err != nil {
				return err
			}
			value = addr
			if class == relocSymbolAddend {
				value += uintptr(rel.addend)
			}
		}
		*(*uintptr)(unsafe.Pointer(target)) = value
	}

	lib.relocated = true
	l.log.Debug("relocated library",
		zap.String("library", lib.name),
		zap.Int("relocations", len(img.relocs)))

	if sealRelro {
		if err := l.sealRelro(lib); err != nil {
			return err
		}
	}
	return nil
}

// sealRelro marks the post-relocation read-only range as such. A no-op for
// images without a RELRO segment.
func (l *Linker) sealRelro(lib *Library) error {
	start, size := lib.relroRange()
	if size == 0 {
		return nil
	}
	if err := lib.m.protect(start, size, unix.PROT_READ); err != nil {
		return fmt.Errorf("seal RELRO of %q: %w", lib.name, err)
	}
	return nil
}
