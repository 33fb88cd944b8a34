//go:build linux && (amd64 || arm64)

package linker

import (
	"fmt"
	"os"
	"strings"
)

type procMapEntry struct {
	start  uintptr
	end    uintptr
	offset uintptr
	perms  string
	path   string
}

func readProcMaps() ([]procMapEntry, error) {
	raw, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("read /proc/self/maps: %w", err)
	}
	return parseProcMaps(string(raw)), nil
}

func parseProcMaps(raw string) []procMapEntry {
	lines := strings.Split(raw, "\n")
	entries := make([]procMapEntry, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		rangeParts := strings.SplitN(fields[0], "-", 2)
		if len(rangeParts) != 2 {
			continue
		}
		start, startErr := parseHexUintptr(rangeParts[0])
		end, endErr := parseHexUintptr(rangeParts[1])
		offset, offsetErr := parseHexUintptr(fields[2])
		if startErr != nil || endErr != nil || offsetErr != nil {
			continue
		}

		path := ""
		if len(fields) >= 6 {
			path = strings.Join(fields[5:], " ")
			path = strings.TrimSuffix(path, " (deleted)")
		}

		entries = append(entries, procMapEntry{
			start:  start,
			end:    end,
			offset: offset,
			perms:  fields[1],
			path:   path,
		})
	}
	return entries
}

// findMappingForAddress locates the file-backed mapping containing addr and
// widens it to the contiguous run of entries sharing the same backing path,
// which is how the host loader lays out one library's segments.
func findMappingForAddress(addr uintptr) (path string, start, end uintptr, err error) {
	entries, err := readProcMaps()
	if err != nil {
		return "", 0, 0, err
	}
	return regionForAddress(entries, addr)
}

func regionForAddress(entries []procMapEntry, addr uintptr) (path string, start, end uintptr, err error) {
	hit := -1
	for i, entry := range entries {
		if addr >= entry.start && addr < entry.end {
			hit = i
			break
		}
	}
	if hit == -1 || entries[hit].path == "" || !strings.HasPrefix(entries[hit].path, "/") {
		return "", 0, 0, fmt.Errorf("%w: no file-backed mapping contains %#x", ErrNotFound, addr)
	}

	path = entries[hit].path
	start = entries[hit].start
	end = entries[hit].end
	for i := hit - 1; i >= 0 && entries[i].path == path && entries[i].end >= start; i-- {
		start = entries[i].start
	}
	for i := hit + 1; i < len(entries) && entries[i].path == path && entries[i].start <= end; i++ {
		end = entries[i].end
	}
	return path, start, end, nil
}

func parseHexUintptr(s string) (uintptr, error) {
	if s == "" {
		return 0, fmt.Errorf("invalid hex string %q", s)
	}
	var out uintptr
	for _, r := range s {
		out <<= 4
		switch {
		case r >= '0' && r <= '9':
			out += uintptr(r - '0')
		case r >= 'a' && r <= 'f':
			out += uintptr(r-'a') + 10
		case r >= 'A' && r <= 'F':
			out += uintptr(r-'A') + 10
		default:
			return 0, fmt.Errorf("invalid hex string %q", s)
		}
	}
	return out, nil
}
