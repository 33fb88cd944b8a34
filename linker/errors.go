package linker

import "errors"

// Error kinds reported by the engine. Every failure wraps one of these so
// callers can classify with errors.Is while still getting the full detail
// from the wrapped message.
var (
	// ErrBadImage means the file is not a shared object this engine can
	// load: wrong magic, wrong class, foreign machine, or a corrupt or
	// truncated header/segment table.
	ErrBadImage = errors.New("malformed or unsupported shared object")

	// ErrBadAlignment means an explicit load address or file offset was
	// not page-aligned.
	ErrBadAlignment = errors.New("address or file offset is not page-aligned")

	// ErrAddressSpace means the requested address range could not be
	// reserved: it overlaps an existing mapping or the address space is
	// exhausted.
	ErrAddressSpace = errors.New("cannot reserve address range")

	// ErrNotFound means a library could not be located through the search
	// paths or the registry.
	ErrNotFound = errors.New("library not found")

	// ErrDependencyCycle means a library transitively depends on itself.
	ErrDependencyCycle = errors.New("dependency cycle detected")

	// ErrUndefinedSymbol means a relocation referenced a symbol that no
	// loaded library defines.
	ErrUndefinedSymbol = errors.New("undefined symbol")

	// ErrBadRelocation means a relocation entry has a kind this engine
	// does not apply, or its write target falls outside the mapped range.
	ErrBadRelocation = errors.New("unsupported or corrupt relocation")

	// ErrRelroState means a RELRO share/import was attempted in a state
	// that forbids it: not yet relocated, already shared, empty RELRO
	// range, or a system library.
	ErrRelroState = errors.New("invalid RELRO sharing state")

	// ErrRelroMismatch means the peer's RELRO address or size does not
	// match this library's own RELRO range.
	ErrRelroMismatch = errors.New("RELRO address/size mismatch")

	// ErrRefCount means a close without a matching open or find.
	ErrRefCount = errors.New("library reference count misuse")

	// ErrSystemLibrary means the operation is only valid for libraries
	// loaded by this engine, not for host-loader entries.
	ErrSystemLibrary = errors.New("operation not supported on system library")
)
