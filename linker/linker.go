//go:build linux && (amd64 || arm64)

package linker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Linker owns the authoritative library registry. Every operation that
// touches the registry — open, close, find, RELRO sharing — runs under one
// process-wide critical section so two concurrent opens can never reserve
// overlapping address ranges and a close can never race a find on a
// library whose count just hit zero.
type Linker struct {
	mu  sync.Mutex
	log *zap.Logger

	// libraries is keyed by canonical identity; order preserves insertion
	// for deterministic global symbol search.
	libraries map[string]*Library
	order     []*Library
}

// Option configures a Linker.
type Option func(*Linker)

// WithLogger installs a logger for debug tracing of load, relocation, and
// RELRO sharing steps. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(l *Linker) {
		if log != nil {
			l.log = log
		}
	}
}

// New returns a Linker with an empty registry.
func New(opts ...Option) *Linker {
	l := &Linker{
		log:       zap.NewNop(),
		libraries: make(map[string]*Library),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadOptions carries the per-open parameters supplied by the caller's
// context. The explicit address and file offset apply only to the library
// named in the request, never to transitively loaded dependencies.
type LoadOptions struct {
	// LoadAddress is the page-aligned address to reserve, or 0 to let the
	// kernel place the mapping.
	LoadAddress uintptr

	// FileOffset is the page-aligned offset of the ELF image within the
	// file.
	FileOffset uintptr

	// SearchPaths are tried in order when the name has no directory
	// separator.
	SearchPaths []string

	// DeferRelroSeal leaves the RELRO pages writable after relocation so
	// an immediately following EnableRelroSharing performs the single
	// final protect, instead of protecting twice.
	DeferRelroSeal bool
}

// Open loads a shared object and every unmet dependency, dependencies
// first, and returns a handle with its reference count incremented. Opening
// an already-registered identity is idempotent and only bumps the count.
func (l *Linker) Open(name string, opts LoadOptions) (*Library, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty library name", ErrNotFound)
	}
	pageSize := uintptr(unix.Getpagesize())
	if opts.LoadAddress%pageSize != 0 {
		return nil, fmt.Errorf("%w: load address %#x", ErrBadAlignment, opts.LoadAddress)
	}
	if opts.FileOffset%pageSize != 0 {
		return nil, fmt.Errorf("%w: file offset %#x", ErrBadAlignment, opts.FileOffset)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openLocked(name, opts, make(map[string]bool))
}

func (l *Linker) openLocked(name string, opts LoadOptions, loading map[string]bool) (*Library, error) {
	canonical := canonicalName(name)
	if lib, ok := l.libraries[canonical]; ok {
		lib.refCount++
		return lib, nil
	}
	if loading[canonical] {
		return nil, fmt.Errorf("%w: %q depends on itself", ErrDependencyCycle, canonical)
	}

	path, err := locateFile(name, opts.SearchPaths)
	if err != nil {
		// A bare name the search paths cannot satisfy falls through to
		// the host loader.
		if strings.ContainsRune(name, filepath.Separator) {
			return nil, err
		}
		lib, sysErr := openSystemLibrary(name)
		if sysErr != nil {
			return nil, err
		}
		l.register(lib)
		l.log.Debug("delegated to host loader", zap.String("library", canonical))
		return lib, nil
	}

	loading[canonical] = true
	defer delete(loading, canonical)

	lib, err := l.loadFile(canonical, path, opts, loading)
	if err != nil {
		return nil, err
	}
	l.register(lib)
	lib.runInitializers()
	return lib, nil
}

// loadFile performs the parse, reserve, dependency, and relocation steps
// for a single file. On any failure everything done so far — the
// reservation and every dependency reference taken — is unwound, so the
// registry never sees a half-loaded entry.
func (l *Linker) loadFile(canonical, path string, opts LoadOptions, loading map[string]bool) (*Library, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrNotFound, path, err)
	}
	defer file.Close()

	img, err := parseImage(file, uint64(opts.FileOffset))
	if err != nil {
		return nil, err
	}

	m, err := reserveAndMap(file, uint64(opts.FileOffset), img, opts.LoadAddress)
	if err != nil {
		return nil, err
	}

	lib := newLoadedLibrary(canonical, path, img, m)
	l.log.Debug("mapped library",
		zap.String("library", canonical),
		zap.Uintptr("base", m.base),
		zap.Uintptr("size", m.size),
		zap.Strings("needed", img.needed))

	// Dependencies resolve before the dependent relocates. They always
	// load at address 0 and file offset 0; explicit placement never
	// propagates past the originally requested library.
	depOpts := LoadOptions{SearchPaths: opts.SearchPaths}
	for _, depName := range img.needed {
		dep, err := l.openLocked(depName, depOpts, loading)
		if err != nil {
			l.unwind(lib)
			return nil, fmt.Errorf("load dependency %q of %q: %w", depName, canonical, err)
		}
		lib.deps = append(lib.deps, dep)
	}

	if err := l.relocate(lib, !opts.DeferRelroSeal); err != nil {
		l.unwind(lib)
		return nil, err
	}
	return lib, nil
}

// unwind releases a partially loaded library: its reservation and the
// dependency references it already took.
func (l *Linker) unwind(lib *Library) {
	for _, dep := range lib.deps {
		l.closeLocked(dep)
	}
	lib.deps = nil
	lib.m.unmap()
}

func (l *Linker) register(lib *Library) {
	l.libraries[lib.name] = lib
	l.order = append(l.order, lib)
}

// Close decrements the reference count. At zero the library's dependency
// references are dropped, its finalizers run, and its mapping is released.
func (l *Linker) Close(lib *Library) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked(lib)
}

func (l *Linker) closeLocked(lib *Library) error {
	if lib == nil {
		return fmt.Errorf("%w: nil library handle", ErrRefCount)
	}
	registered, ok := l.libraries[lib.name]
	if !ok || registered != lib {
		return fmt.Errorf("%w: %q is not registered", ErrRefCount, lib.name)
	}
	if lib.refCount <= 0 {
		return fmt.Errorf("%w: %q already released", ErrRefCount, lib.name)
	}

	lib.refCount--
	if lib.refCount > 0 {
		return nil
	}

	lib.runFinalizers()
	for _, dep := range lib.deps {
		_ = l.closeLocked(dep)
	}
	if lib.system {
		closeSystemLibrary(lib)
	} else {
		lib.m.unmap()
	}
	delete(l.libraries, lib.name)
	for i, entry := range l.order {
		if entry == lib {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.log.Debug("unloaded library", zap.String("library", lib.name))
	return nil
}

// FindByName returns a registered library and increments its reference
// count; pair every successful find with a Close.
func (l *Linker) FindByName(name string) (*Library, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lib, ok := l.libraries[canonicalName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not loaded", ErrNotFound, name)
	}
	lib.refCount++
	return lib, nil
}

// FindFromAddress returns the library whose mapped span contains addr,
// incrementing its reference count. Memory the engine never loaded but the
// host did is wrapped as a system entry on first discovery.
func (l *Linker) FindFromAddress(addr uintptr) (*Library, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, lib := range l.order {
		if lib.contains(addr) {
			lib.refCount++
			return lib, nil
		}
	}

	path, start, end, err := findMappingForAddress(addr)
	if err != nil {
		return nil, err
	}
	if lib, ok := l.libraries[canonicalName(path)]; ok {
		lib.refCount++
		return lib, nil
	}
	lib, err := wrapResidentLibrary(path, start, end)
	if err != nil {
		return nil, err
	}
	l.register(lib)
	return lib, nil
}

// FindSymbol looks a symbol up in one library only. System libraries answer
// through the host loader.
func (l *Linker) FindSymbol(lib *Library, symbol string) (uintptr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.validate(lib); err != nil {
		return 0, err
	}
	addr, ok := lib.findExport(symbol)
	if !ok {
		return 0, fmt.Errorf("%w: %q in %q", ErrUndefinedSymbol, symbol, lib.name)
	}
	return addr, nil
}

// FindSymbolGlobal searches every engine-loaded library in registration
// order. System entries are never consulted.
func (l *Linker) FindSymbolGlobal(symbol string) (uintptr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, lib := range l.order {
		if lib.system {
			continue
		}
		if addr, ok := lib.findExport(symbol); ok {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUndefinedSymbol, symbol)
}

// LibraryInfo returns the interop info record. Fails for system libraries.
func (l *Linker) LibraryInfo(lib *Library) (Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.validate(lib); err != nil {
		return Info{}, err
	}
	return lib.info()
}

// EnableRelroSharing exports the library's relocated RELRO region into a
// shareable descriptor. See exportRelro for the protocol.
func (l *Linker) EnableRelroSharing(lib *Library) (Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.validate(lib); err != nil {
		return Info{}, err
	}
	return l.exportRelro(lib)
}

// UseRelroSharing adopts a peer process's shared RELRO region. See
// importRelro for the protocol.
func (l *Linker) UseRelroSharing(lib *Library, start, size uintptr, fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.validate(lib); err != nil {
		return err
	}
	return l.importRelro(lib, start, size, fd)
}

func (l *Linker) validate(lib *Library) error {
	if lib == nil {
		return fmt.Errorf("%w: nil library handle", ErrRefCount)
	}
	registered, ok := l.libraries[lib.name]
	if !ok || registered != lib {
		return fmt.Errorf("%w: %q is not registered", ErrRefCount, lib.name)
	}
	return nil
}

// DirectoryForAddress returns the directory of the file backing the
// mapping that contains addr, using host mapping metadata. Used to seed
// search paths relative to an already-loaded binary.
func DirectoryForAddress(addr uintptr) (string, error) {
	path, _, _, err := findMappingForAddress(addr)
	if err != nil {
		return "", err
	}
	return filepath.Dir(path), nil
}

// canonicalName is the registry identity: the base name of the path. Two
// paths to the same base name are the same library, matching the host
// loader's soname discipline.
func canonicalName(name string) string {
	return filepath.Base(name)
}

// locateFile resolves a library name to a file path. A name containing a
// directory separator is used as-is; a bare name is tried against the
// search paths in order. An empty search path entry means the current
// directory.
func locateFile(name string, searchPaths []string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrNotFound, name, err)
		}
		return name, nil
	}
	for _, dir := range searchPaths {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %q not in search paths", ErrNotFound, name)
}
