package memmod

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/soload/internal/elftest"
)

var amd64Arch, _ = ArchForMachine(elf.EM_X86_64)

// heapImage parses file and copies its loadable segments into a Go slice,
// giving an image that behaves like a mapped one without touching mmap.
func heapImage(t *testing.T, file elftest.File) *Image {
	t.Helper()

	raw := file.Bytes()
	r := bytes.NewReader(raw)
	desc, err := ParseDescriptor(r)
	require.NoError(t, err)
	segs, err := ReadSegments(r, desc)
	require.NoError(t, err)
	require.NoError(t, ValidateLayout(segs))
	arch, ok := ArchForMachine(desc.Machine)
	require.True(t, ok, "no profile for %s", desc.Machine)

	loads := Loadable(segs)
	minVaddr, maxVaddr := loadSpan(loads, defaultPageSize)
	mem := make([]byte, maxVaddr-minVaddr)
	for _, seg := range loads {
		copy(mem[seg.Vaddr-minVaddr:], raw[seg.Offset:seg.Offset+seg.Filesz])
	}
	return newImage(mem, minVaddr, desc, segs, arch)
}

// blobImage wraps a single writable segment, plus a dynamic segment when
// dynSize is not zero.
func blobImage(t *testing.T, machine elf.Machine, blob *elftest.Blob, dynVaddr, dynSize uint64) *Image {
	t.Helper()

	segs := []elftest.Segment{{Flags: elf.PF_R | elf.PF_W, Vaddr: blob.Vaddr, Data: blob.Data}}
	if dynSize != 0 {
		segs = append(segs, elftest.Segment{Type: elf.PT_DYNAMIC, Flags: elf.PF_R | elf.PF_W, Vaddr: dynVaddr, Filesz: dynSize, Align: 8})
	}
	return heapImage(t, elftest.File{Class: blob.Class, Machine: machine, Segments: segs})
}

func dyn(tag elf.DynTag, val uint64) [2]uint64 {
	return [2]uint64{uint64(tag), val}
}
