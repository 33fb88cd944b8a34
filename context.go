package solink

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/soflab/solink/linker"
)

// Context holds per-call parameters for loader operations: the search-path
// list, the optional explicit load address and file offset, and the error
// slot that receives the diagnostic of the last failed call made with this
// context.
//
// A context never determines library identity; the same library opened
// through two contexts yields one registry entry.
type Context struct {
	mu sync.Mutex

	// added paths are searched in the order they were added, before the
	// default paths.
	added    []string
	defaults []string

	loadAddress    uintptr
	fileOffset     uintptr
	deferRelroSeal bool

	lastError string
}

// NewContext returns a context whose search paths are seeded from the
// LD_LIBRARY_PATH environment variable.
func NewContext() *Context {
	ctx := &Context{}
	ctx.ResetSearchPaths()
	return ctx
}

// SetLoadAddress sets the explicit page-aligned load address for the next
// Open. Zero means randomized placement.
func (ctx *Context) SetLoadAddress(addr uintptr) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.loadAddress = addr
}

// LoadAddress returns the current explicit load address.
func (ctx *Context) LoadAddress() uintptr {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.loadAddress
}

// SetFileOffset sets the explicit page-aligned file offset for the next
// Open.
func (ctx *Context) SetFileOffset(offset uintptr) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.fileOffset = offset
}

// FileOffset returns the current explicit file offset.
func (ctx *Context) FileOffset() uintptr {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.fileOffset
}

// SetDeferRelroSeal marks the next Open as immediately followed by a RELRO
// sharing export, so the relocator skips its own read-only protect and the
// export performs the single final one.
func (ctx *Context) SetDeferRelroSeal(on bool) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.deferRelroSeal = on
}

// AddSearchPath appends one or more paths to the context's search list.
// The argument uses ':' as a separator, like the PATH variable; an empty
// item means the current directory. Added paths are searched before the
// LD_LIBRARY_PATH defaults.
func (ctx *Context) AddSearchPath(pathList string) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.added = append(ctx.added, strings.Split(pathList, ":")...)
}

// AddSearchPathForAddress finds the binary that contains addr and appends
// its directory to the search paths. Useful to load libraries that sit next
// to the running program.
func (ctx *Context) AddSearchPathForAddress(addr uintptr) error {
	dir, err := linker.DirectoryForAddress(addr)
	if err != nil {
		ctx.setError(fmt.Errorf("search path for address %#x: %w", addr, err))
		return err
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.added = append(ctx.added, dir)
	return nil
}

// ResetSearchPaths drops every added path and reseeds the defaults from
// LD_LIBRARY_PATH.
func (ctx *Context) ResetSearchPaths() {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.added = nil
	ctx.defaults = nil
	if env := os.Getenv("LD_LIBRARY_PATH"); env != "" {
		ctx.defaults = strings.Split(env, ":")
	}
}

// SearchPaths returns the effective ordered search list: added paths first,
// then the defaults.
func (ctx *Context) SearchPaths() []string {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	out := make([]string, 0, len(ctx.added)+len(ctx.defaults))
	out = append(out, ctx.added...)
	out = append(out, ctx.defaults...)
	return out
}

// Error returns the diagnostic recorded by the last failed operation that
// used this context, or "" when there was none.
func (ctx *Context) Error() string {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.lastError
}

// ClearError clears the error slot.
func (ctx *Context) ClearError() {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.lastError = ""
}

func (ctx *Context) setError(err error) {
	if ctx == nil || err == nil {
		return
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.lastError = err.Error()
}

// loadOptions snapshots the context into the engine's per-open parameters.
func (ctx *Context) loadOptions() linker.LoadOptions {
	if ctx == nil {
		return linker.LoadOptions{}
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	paths := make([]string, 0, len(ctx.added)+len(ctx.defaults))
	paths = append(paths, ctx.added...)
	paths = append(paths, ctx.defaults...)
	return linker.LoadOptions{
		LoadAddress:    ctx.loadAddress,
		FileOffset:     ctx.fileOffset,
		SearchPaths:    paths,
		DeferRelroSeal: ctx.deferRelroSeal,
	}
}
