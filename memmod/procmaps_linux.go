//go:build linux

package memmod

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Mapping is one line of /proc/self/maps.
type Mapping struct {
	Start  uintptr
	End    uintptr
	Perms  string
	Offset uint64
	Path   string
}

func (m Mapping) Readable() bool   { return strings.HasPrefix(m.Perms, "r") }
func (m Mapping) Writable() bool   { return len(m.Perms) > 1 && m.Perms[1] == 'w' }
func (m Mapping) Executable() bool { return len(m.Perms) > 2 && m.Perms[2] == 'x' }

// ReadMappings parses /proc/self/maps.
func ReadMappings() ([]Mapping, error) {
	raw, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("read /proc/self/maps: %w", err)
	}

	lines := strings.Split(string(raw), "\n")
	entries := make([]Mapping, 0, len(lines))
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
		start, startErr := strconv.ParseUint(rangeParts[0], 16, 64)
		end, endErr := strconv.ParseUint(rangeParts[1], 16, 64)
		offset, offsetErr := strconv.ParseUint(fields[2], 16, 64)
		if startErr != nil || endErr != nil || offsetErr != nil {
			continue
		}

		path := ""
		if len(fields) >= 6 {
			path = strings.TrimSuffix(strings.Join(fields[5:], " "), " (deleted)")
		}
		entries = append(entries, Mapping{
			Start:  uintptr(start),
			End:    uintptr(end),
			Perms:  fields[1],
			Offset: offset,
			Path:   path,
		})
	}
	return entries, nil
}

// Mappings returns the kernel's view of the image's reservation.
func (img *Image) Mappings() ([]Mapping, error) {
	if len(img.mem) == 0 {
		return nil, ErrImageClosed
	}
	all, err := ReadMappings()
	if err != nil {
		return nil, err
	}
	start := img.Base() + uintptr(img.minVaddr)
	end := start + uintptr(len(img.mem))
	return lo.Filter(all, func(m Mapping, _ int) bool {
		return m.End > start && m.Start < end
	}), nil
}
