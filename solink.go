// Package solink is a replacement dynamic loader for position-independent
// shared objects. Compared to the host's own loader it can search arbitrary
// paths, load a library at an explicitly chosen page-aligned address or
// from an explicit page-aligned file offset, and share a library's
// post-relocation read-only data (its RELRO region) between two processes
// that loaded the same build at the same address.
package solink

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/soflab/solink/linker"
)

// Re-exported error kinds, so callers can classify failures with errors.Is
// without importing the engine package.
var (
	ErrNotFound        = linker.ErrNotFound
	ErrBadImage        = linker.ErrBadImage
	ErrBadAlignment    = linker.ErrBadAlignment
	ErrUndefinedSymbol = linker.ErrUndefinedSymbol
	ErrRelroMismatch   = linker.ErrRelroMismatch
)

// Info is the fixed-order library info record. RelroFD is -1 unless the
// RELRO region has been exported.
type Info = linker.Info

// Loader owns one library registry. All operations on a Loader and on the
// Library handles it hands out serialize behind a single critical section
// inside the engine.
type Loader struct {
	engine *linker.Linker
}

// Option configures a Loader.
type Option func(*loaderConfig)

type loaderConfig struct {
	log *zap.Logger
}

// WithLogger enables debug tracing of the engine's load, relocation, and
// RELRO sharing steps.
func WithLogger(log *zap.Logger) Option {
	return func(cfg *loaderConfig) { cfg.log = log }
}

// NewLoader returns a Loader with an empty registry.
func NewLoader(opts ...Option) *Loader {
	var cfg loaderConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Loader{engine: linker.New(linker.WithLogger(cfg.log))}
}

// Library is an opaque handle to a loaded shared object. Handles are
// reference counted: every Open, FindByName, and FindFromAddress must be
// paired with a Close.
type Library struct {
	mu     sync.Mutex
	loader *Loader
	handle *linker.Library
	closed bool
}

// Open loads a library by name or path. A name containing a directory
// separator is an explicit file path; a bare name is located through the
// context's search paths, and falls back to the host's own loader when the
// search fails (such libraries come back as system entries). Opening an
// already-loaded identity returns a handle to the same registry entry.
//
// ctx may be nil for defaults. On failure the diagnostic is also recorded
// in ctx's error slot.
func (ld *Loader) Open(name string, ctx *Context) (*Library, error) {
	handle, err := ld.engine.Open(name, ctx.loadOptions())
	if err != nil {
		ctx.setError(fmt.Errorf("open %q: %w", name, err))
		return nil, err
	}
	return &Library{loader: ld, handle: handle}, nil
}

// FindByName returns a handle to an already-loaded library, incrementing
// its reference count.
func (ld *Loader) FindByName(name string) (*Library, error) {
	handle, err := ld.engine.FindByName(name)
	if err != nil {
		return nil, err
	}
	return &Library{loader: ld, handle: handle}, nil
}

// FindFromAddress returns a handle to the library whose mapped range
// contains addr. This works even for memory the engine never loaded: such
// mappings are wrapped as system entries using host mapping metadata.
func (ld *Loader) FindFromAddress(addr uintptr) (*Library, error) {
	handle, err := ld.engine.FindFromAddress(addr)
	if err != nil {
		return nil, err
	}
	return &Library{loader: ld, handle: handle}, nil
}

// FindSymbolGlobal looks a symbol up across all libraries the engine
// loaded, in registration order. System libraries are not consulted.
func (ld *Loader) FindSymbolGlobal(symbol string) (uintptr, error) {
	return ld.engine.FindSymbolGlobal(symbol)
}

var errClosedHandle = errors.New("solink: library handle is closed")

// Close decrements the library's reference count; at zero the library is
// finalized and unmapped, and its dependencies are released. Closing the
// same handle twice is an error on the handle, not a second decrement.
func (lib *Library) Close(ctx *Context) error {
	lib.mu.Lock()
	defer lib.mu.Unlock()

	if lib.closed {
		ctx.setError(errClosedHandle)
		return errClosedHandle
	}
	lib.closed = true
	if err := lib.loader.engine.Close(lib.handle); err != nil {
		ctx.setError(err)
		return err
	}
	return nil
}

// Name returns the canonical identity the library is registered under.
func (lib *Library) Name() string {
	return lib.handle.Name()
}

// IsSystem reports whether the library is managed by the host's loader
// rather than by this engine.
func (lib *Library) IsSystem() bool {
	return lib.handle.System()
}

// FindSymbol resolves a symbol exported by this library only.
func (lib *Library) FindSymbol(symbol string, ctx *Context) (uintptr, error) {
	handle, err := lib.live()
	if err != nil {
		ctx.setError(err)
		return 0, err
	}
	addr, err := lib.loader.engine.FindSymbol(handle, symbol)
	if err != nil {
		ctx.setError(err)
		return 0, err
	}
	return addr, nil
}

// Info returns the library's info record. Fails for system libraries.
func (lib *Library) Info(ctx *Context) (Info, error) {
	handle, err := lib.live()
	if err != nil {
		ctx.setError(err)
		return Info{}, err
	}
	info, err := lib.loader.engine.LibraryInfo(handle)
	if err != nil {
		ctx.setError(err)
		return Info{}, err
	}
	return info, nil
}

// EnableRelroSharing exports the library's RELRO region into an anonymous
// shareable memory descriptor and remaps the library's own pages onto it.
// The returned record carries the descriptor; the caller owns it and is
// responsible for transmitting it to the peer process. Valid once per
// library, only after a successful load, and never for system libraries.
func (lib *Library) EnableRelroSharing(ctx *Context) (Info, error) {
	handle, err := lib.live()
	if err != nil {
		ctx.setError(err)
		return Info{}, err
	}
	info, err := lib.loader.engine.EnableRelroSharing(handle)
	if err != nil {
		ctx.setError(err)
		return Info{}, err
	}
	return info, nil
}

// UseRelroSharing maps a peer process's shared RELRO region over this
// library's own, discarding the private relocated copy. start and size
// must exactly match this library's RELRO range or the call fails without
// touching memory. On success the engine owns and closes fd.
func (lib *Library) UseRelroSharing(start, size uintptr, fd int, ctx *Context) error {
	handle, err := lib.live()
	if err != nil {
		ctx.setError(err)
		return err
	}
	if err := lib.loader.engine.UseRelroSharing(handle, start, size, fd); err != nil {
		ctx.setError(err)
		return err
	}
	return nil
}

func (lib *Library) live() (*linker.Library, error) {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if lib.closed {
		return nil, errClosedHandle
	}
	return lib.handle, nil
}
