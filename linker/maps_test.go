//go:build linux && (amd64 || arm64)

package linker

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `
55f0a1000000-55f0a1001000 r--p 00000000 fd:01 1000 /usr/bin/sample
55f0a1001000-55f0a1003000 r-xp 00001000 fd:01 1000 /usr/bin/sample
55f0a1003000-55f0a1004000 rw-p 00003000 fd:01 1000 /usr/bin/sample
7f3a80000000-7f3a80021000 rw-p 00000000 00:00 0
7f3a91200000-7f3a91222000 r--p 00000000 fd:01 2000 /usr/lib/libdemo.so.1
7f3a91222000-7f3a91390000 r-xp 00022000 fd:01 2000 /usr/lib/libdemo.so.1
7f3a91390000-7f3a91395000 rw-p 00190000 fd:01 2000 /usr/lib/libdemo.so.1 (deleted)
7ffc00000000-7ffc00021000 rw-p 00000000 00:00 0 [stack]
`

func TestParseProcMaps(t *testing.T) {
	entries := parseProcMaps(sampleMaps)
	require.Len(t, entries, 8)

	first := entries[0]
	assert.Equal(t, uintptr(0x55f0a1000000), first.start)
	assert.Equal(t, uintptr(0x55f0a1001000), first.end)
	assert.Equal(t, uintptr(0), first.offset)
	assert.Equal(t, "r--p", first.perms)
	assert.Equal(t, "/usr/bin/sample", first.path)

	anon := entries[3]
	assert.Equal(t, "", anon.path)

	deleted := entries[6]
	assert.Equal(t, "/usr/lib/libdemo.so.1", deleted.path, "deleted suffix should be stripped")
	assert.Equal(t, uintptr(0x190000), deleted.offset)
}

func TestRegionForAddressWidensContiguousRun(t *testing.T) {
	entries := parseProcMaps(sampleMaps)

	path, start, end, err := regionForAddress(entries, 0x7f3a91223000)
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/libdemo.so.1", path)
	assert.Equal(t, uintptr(0x7f3a91200000), start)
	assert.Equal(t, uintptr(0x7f3a91395000), end)
}

func TestRegionForAddressRejectsAnonymousAndUnmapped(t *testing.T) {
	entries := parseProcMaps(sampleMaps)

	_, _, _, err := regionForAddress(entries, 0x7f3a80000100)
	assert.ErrorIs(t, err, ErrNotFound, "anonymous mapping has no backing file")

	_, _, _, err = regionForAddress(entries, 0xdead0000)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, _, err = regionForAddress(entries, 0x7ffc00000100)
	assert.ErrorIs(t, err, ErrNotFound, "pseudo-paths are not file-backed")
}

func TestParseHexUintptr(t *testing.T) {
	cases := []struct {
		in   string
		want uintptr
		ok   bool
	}{
		{"0", 0, true},
		{"7f3a91200000", 0x7f3a91200000, true},
		{"DEADbeef", 0xdeadbeef, true},
		{"", 0, false},
		{"12g4", 0, false},
	}
	for _, tc := range cases {
		got, err := parseHexUintptr(tc.in)
		if !tc.ok {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestFindMappingForAddressOnLiveProcess(t *testing.T) {
	// The test binary itself is a file-backed mapping, so an address of
	// one of its functions must resolve.
	addr := reflect.ValueOf(parseProcMaps).Pointer()

	path, start, end, err := findMappingForAddress(addr)
	require.NoError(t, err)
	assert.NotEmpty(t, path)
	assert.Less(t, start, end)
	assert.GreaterOrEqual(t, addr, start)
	assert.Less(t, addr, end)
}
