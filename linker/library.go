//go:build linux && (amd64 || arm64)

package linker

import (
	"debug/elf"
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"
)

type relroStatus int

const (
	relroNone relroStatus = iota
	relroExported
	relroImported
)

// Library is one registered shared object. Entries are owned exclusively by
// the Linker's registry; everything outside the registry holds non-owning
// handles that are validated on each call.
//
// Two variants share the type: engine-loaded libraries carry an image and a
// mapping, system libraries carry a host-loader handle and a span learned
// from /proc/self/maps. System entries reject relocation and RELRO
// operations.
type Library struct {
	name string
	path string

	refCount int

	system    bool
	sysHandle uintptr

	img *image
	m   *mapping

	// deps are the dependency edges in declaration order, fixed at load
	// time. Used to cascade close and for symbol resolution precedence.
	deps []*Library

	relocated bool
	relro     relroStatus
	relroFD   int

	// spanStart/spanEnd bound the mapped range. For engine-loaded
	// libraries these mirror the mapping; for system libraries they come
	// from host mapping metadata and may be zero when unknown.
	spanStart uintptr
	spanEnd   uintptr

	exports map[string]elf.Symbol
}

// Name returns the canonical identity the registry knows this library by.
func (lib *Library) Name() string { return lib.name }

// System reports whether the library is managed by the host's own loader.
func (lib *Library) System() bool { return lib.system }

func newLoadedLibrary(name, path string, img *image, m *mapping) *Library {
	lib := &Library{
		name:      name,
		path:      path,
		refCount:  1,
		img:       img,
		m:         m,
		relroFD:   -1,
		spanStart: m.base,
		spanEnd:   m.base + m.size,
	}
	lib.buildExports()
	return lib
}

func newSystemLibrary(name, path string, handle uintptr, spanStart, spanEnd uintptr) *Library {
	return &Library{
		name:      name,
		path:      path,
		refCount:  1,
		system:    true,
		sysHandle: handle,
		relroFD:   -1,
		spanStart: spanStart,
		spanEnd:   spanEnd,
	}
}

func (lib *Library) buildExports() {
	lib.exports = make(map[string]elf.Symbol, len(lib.img.symbols))
	for _, sym := range lib.img.symbols {
		if sym.Section == elf.SHN_UNDEF {
			continue
		}
		bind := elf.ST_BIND(sym.Info)
		if bind != elf.STB_GLOBAL && bind != elf.STB_WEAK {
			continue
		}
		if _, taken := lib.exports[sym.Name]; taken && bind == elf.STB_WEAK {
			// A global definition already won; weak never displaces it.
			continue
		}
		lib.exports[sym.Name] = sym
	}
}

// findExport resolves a symbol defined by this library to its mapped
// address. System libraries answer through the host loader.
func (lib *Library) findExport(name string) (uintptr, bool) {
	if lib.system {
		if lib.sysHandle == 0 {
			return 0, false
		}
		addr, err := purego.Dlsym(lib.sysHandle, name)
		if err != nil || addr == 0 {
			return 0, false
		}
		return addr, true
	}
	sym, ok := lib.exports[name]
	if !ok {
		return 0, false
	}
	return lib.m.bias + uintptr(sym.Value), true
}

func (lib *Library) contains(addr uintptr) bool {
	return lib.spanStart != 0 && addr >= lib.spanStart && addr < lib.spanEnd
}

// relroRange returns the mapped RELRO range, or (0, 0) when the image
// declares none.
func (lib *Library) relroRange() (uintptr, uintptr) {
	if lib.system || lib.img == nil || lib.img.relroSize == 0 {
		return 0, 0
	}
	return lib.m.bias + uintptr(lib.img.relroVaddr), uintptr(lib.img.relroSize)
}

// Info is the fixed-order interop record describing a loaded library.
// RelroFD is -1 until the RELRO region has been exported.
type Info struct {
	LoadAddress uintptr
	LoadSize    uintptr
	RelroStart  uintptr
	RelroSize   uintptr
	RelroFD     int
}

func (lib *Library) info() (Info, error) {
	if lib.system {
		return Info{}, fmt.Errorf("%w: no info record for %q", ErrSystemLibrary, lib.name)
	}
	start, size := lib.relroRange()
	return Info{
		LoadAddress: lib.m.base,
		LoadSize:    lib.m.size,
		RelroStart:  start,
		RelroSize:   size,
		RelroFD:     lib.relroFD,
	}, nil
}

// runInitializers calls DT_INIT then the DT_INIT_ARRAY slots, in that
// order, the way the platform loader does after relocation.
func (lib *Library) runInitializers() {
	if lib.system || lib.img == nil {
		return
	}
	if lib.img.initFunc != 0 {
		purego.SyscallN(lib.m.bias + uintptr(lib.img.initFunc))
	}
	for _, slotVaddr := range lib.img.initArray {
		fn := *(*uintptr)(unsafe.Pointer(lib.m.bias + uintptr(slotVaddr)))
		if fn != 0 && fn != ^uintptr(0) {
			purego.SyscallN(fn)
		}
	}
}

// runFinalizers calls the DT_FINI_ARRAY slots in reverse, then DT_FINI.
func (lib *Library) runFinalizers() {
	if lib.system || lib.img == nil || !lib.relocated {
		return
	}
	for i := len(lib.img.finiArray) - 1; i >= 0; i-- {
		fn := *(*uintptr)(unsafe.Pointer(lib.m.bias + uintptr(lib.img.finiArray[i])))
		if fn != 0 && fn != ^uintptr(0) {
			purego.SyscallN(fn)
		}
	}
	if lib.img.finiFunc != 0 {
		purego.SyscallN(lib.m.bias + uintptr(lib.img.finiFunc))
	}
}
