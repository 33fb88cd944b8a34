//go:build linux && (amd64 || arm64)

package linker

import (
	"fmt"
	"path/filepath"

	"github.com/ebitengine/purego"
)

// openSystemLibrary delegates a load to the host's own loader and wraps the
// handle as a system registry entry. Used for bare names the search paths
// cannot satisfy, typically libraries the host has already loaded or knows
// how to find (libc and friends).
func openSystemLibrary(name string) (*Library, error) {
	handle, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("%w: host loader: %v", ErrNotFound, err)
	}

	start, end := systemLibrarySpan(name)
	return newSystemLibrary(filepath.Base(name), name, handle, start, end), nil
}

// wrapResidentLibrary wraps memory the host loader already mapped, found by
// address, as a system entry. The handle comes from re-dlopening the
// backing path, which only bumps the host loader's own reference count.
func wrapResidentLibrary(path string, start, end uintptr) (*Library, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW)
	if err != nil {
		// The mapping exists but the host loader will not hand us a
		// handle (the main executable, a vdso, ...). Wrap it anyway;
		// symbol lookup on such an entry just fails.
		handle = 0
	}
	return newSystemLibrary(filepath.Base(path), path, handle, start, end), nil
}

// systemLibrarySpan consults host mapping metadata for the contiguous range
// backed by the named library. Zero values mean the span is unknown, which
// only disables find-from-address for this entry.
func systemLibrarySpan(name string) (uintptr, uintptr) {
	entries, err := readProcMaps()
	if err != nil {
		return 0, 0
	}
	base := filepath.Base(name)
	var start, end uintptr
	for _, entry := range entries {
		if entry.path == "" || filepath.Base(entry.path) != base {
			continue
		}
		if start == 0 || entry.start < start {
			start = entry.start
		}
		if entry.end > end {
			end = entry.end
		}
	}
	return start, end
}

func closeSystemLibrary(lib *Library) {
	if lib.sysHandle != 0 {
		_ = purego.Dlclose(lib.sysHandle)
		lib.sysHandle = 0
	}
}
