//go:build !linux || !(amd64 || arm64)

package linker

import (
	"errors"

	"go.uber.org/zap"
)

var errUnsupported = errors.New("solink is only supported on linux/amd64 and linux/arm64")

// Linker is a stub on unsupported platforms; every operation fails.
type Linker struct{}

type Option func(*Linker)

func WithLogger(log *zap.Logger) Option {
	_ = log
	return func(*Linker) {}
}

func New(opts ...Option) *Linker {
	_ = opts
	return &Linker{}
}

type LoadOptions struct {
	LoadAddress    uintptr
	FileOffset     uintptr
	SearchPaths    []string
	DeferRelroSeal bool
}

type Library struct{}

func (lib *Library) Name() string { return "" }
func (lib *Library) System() bool { return false }

type Info struct {
	LoadAddress uintptr
	LoadSize    uintptr
	RelroStart  uintptr
	RelroSize   uintptr
	RelroFD     int
}

func (l *Linker) Open(name string, opts LoadOptions) (*Library, error) {
	_, _ = name, opts
	return nil, errUnsupported
}

func (l *Linker) Close(lib *Library) error {
	_ = lib
	return errUnsupported
}

func (l *Linker) FindByName(name string) (*Library, error) {
	_ = name
	return nil, errUnsupported
}

func (l *Linker) FindFromAddress(addr uintptr) (*Library, error) {
	_ = addr
	return nil, errUnsupported
}

func (l *Linker) FindSymbol(lib *Library, symbol string) (uintptr, error) {
	_, _ = lib, symbol
	return 0, errUnsupported
}

func (l *Linker) FindSymbolGlobal(symbol string) (uintptr, error) {
	_ = symbol
	return 0, errUnsupported
}

func (l *Linker) LibraryInfo(lib *Library) (Info, error) {
	_ = lib
	return Info{}, errUnsupported
}

func (l *Linker) EnableRelroSharing(lib *Library) (Info, error) {
	_ = lib
	return Info{}, errUnsupported
}

func (l *Linker) UseRelroSharing(lib *Library, start, size uintptr, fd int) error {
	_, _, _, _ = lib, start, size, fd
	return errUnsupported
}

func DirectoryForAddress(addr uintptr) (string, error) {
	_ = addr
	return "", errUnsupported
}
