//go:build linux && (amd64 || arm64)

package solink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextSeedsDefaultsFromEnvironment(t *testing.T) {
	t.Setenv("LD_LIBRARY_PATH", "/env/one:/env/two")

	ctx := NewContext()
	assert.Equal(t, []string{"/env/one", "/env/two"}, ctx.SearchPaths())
}

func TestContextAddedPathsComeBeforeDefaults(t *testing.T) {
	t.Setenv("LD_LIBRARY_PATH", "/env/one")

	ctx := NewContext()
	ctx.AddSearchPath("/opt/libs")
	ctx.AddSearchPath("/a:/b")

	assert.Equal(t, []string{"/opt/libs", "/a", "/b", "/env/one"}, ctx.SearchPaths())
}

func TestContextResetDropsAddedPaths(t *testing.T) {
	t.Setenv("LD_LIBRARY_PATH", "")

	ctx := NewContext()
	ctx.AddSearchPath("/opt/libs")
	require.NotEmpty(t, ctx.SearchPaths())

	t.Setenv("LD_LIBRARY_PATH", "/fresh")
	ctx.ResetSearchPaths()
	assert.Equal(t, []string{"/fresh"}, ctx.SearchPaths())
}

func TestContextPlacementParameters(t *testing.T) {
	ctx := NewContext()
	assert.Zero(t, ctx.LoadAddress())
	assert.Zero(t, ctx.FileOffset())

	ctx.SetLoadAddress(0x7f0000000000)
	ctx.SetFileOffset(0x2000)
	assert.Equal(t, uintptr(0x7f0000000000), ctx.LoadAddress())
	assert.Equal(t, uintptr(0x2000), ctx.FileOffset())

	opts := ctx.loadOptions()
	assert.Equal(t, uintptr(0x7f0000000000), opts.LoadAddress)
	assert.Equal(t, uintptr(0x2000), opts.FileOffset)

	ctx.SetDeferRelroSeal(true)
	assert.True(t, ctx.loadOptions().DeferRelroSeal)
}

func TestContextErrorSlot(t *testing.T) {
	ctx := NewContext()
	assert.Empty(t, ctx.Error())

	// Address 1 is never inside a file-backed mapping.
	err := ctx.AddSearchPathForAddress(1)
	require.Error(t, err)
	assert.NotEmpty(t, ctx.Error())

	ctx.ClearError()
	assert.Empty(t, ctx.Error())
}

func TestNilContextIsUsable(t *testing.T) {
	var ctx *Context
	opts := ctx.loadOptions()
	assert.Zero(t, opts.LoadAddress)
	assert.Empty(t, opts.SearchPaths)

	// Recording an error into a nil context is a no-op, not a panic.
	ctx.setError(assert.AnError)
}

func TestAddSearchPathForAddressUsesContainingBinary(t *testing.T) {
	ctx := NewContext()
	before := len(ctx.SearchPaths())

	require.NoError(t, ctx.AddSearchPathForAddress(testPC(t)))
	paths := ctx.SearchPaths()
	require.Len(t, paths, before+1)
	assert.NotEmpty(t, paths[0])
}
