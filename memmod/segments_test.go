package memmod

import (
	"bytes"
	"debug/elf"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/soload/internal/elftest"
)

func TestReadSegments(t *testing.T) {
	raw := validFile().Bytes()
	r := bytes.NewReader(raw)
	desc, err := ParseDescriptor(r)
	require.NoError(t, err)

	segs, err := ReadSegments(r, desc)
	require.NoError(t, err)
	require.Len(t, segs, 3)

	require.Equal(t, Segment{
		Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Offset: elftest.TextVaddr, Vaddr: elftest.TextVaddr,
		Filesz: elftest.TextSize, Memsz: elftest.TextSize, Align: 0x1000,
	}, segs[0])
	require.Equal(t, uint64(elftest.DataFilesz), segs[1].Filesz)
	require.Equal(t, uint64(elftest.DataMemsz), segs[1].Memsz)
	require.Equal(t, elf.PT_DYNAMIC, segs[2].Type)
	require.Len(t, Loadable(segs), 2)
}

func TestReadSegmentsTableBeyondFile(t *testing.T) {
	raw := validFile().Bytes()
	r := bytes.NewReader(raw)
	desc, err := ParseDescriptor(r)
	require.NoError(t, err)

	desc.Phoff = uint64(len(raw)) - 10
	_, err = ReadSegments(r, desc)
	require.ErrorIs(t, err, ErrOutOfMemory)
}

type failingReader struct{}

func (failingReader) ReadAt(p []byte, off int64) (int, error) {
	return 0, errors.New("device on fire")
}

func TestReadSegmentsShortRead(t *testing.T) {
	desc, err := ParseDescriptor(bytes.NewReader(validFile().Bytes()))
	require.NoError(t, err)

	_, err = ReadSegments(failingReader{}, desc)
	require.ErrorIs(t, err, ErrIO)
}

func TestValidateLayout(t *testing.T) {
	load := func(vaddr, off, filesz, memsz uint64) Segment {
		return Segment{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: vaddr, Offset: off, Filesz: filesz, Memsz: memsz, Align: 0x1000}
	}
	tests := []struct {
		name string
		segs []Segment
		want error
	}{
		{name: "ok", segs: []Segment{load(0, 0, 0x100, 0x100), load(0x1000, 0x1000, 0x100, 0x2000)}},
		{name: "none", segs: []Segment{{Type: elf.PT_DYNAMIC}}, want: ErrNoLoadableSegments},
		{name: "memsz below filesz", segs: []Segment{load(0, 0, 0x200, 0x100)}, want: ErrSizeMismatch},
		{name: "overlap", segs: []Segment{load(0, 0, 0x100, 0x2000), load(0x1000, 0x1000, 0x100, 0x100)}, want: ErrSegmentOverlap},
		{name: "descending", segs: []Segment{load(0x2000, 0x2000, 0x10, 0x10), load(0x1000, 0x1000, 0x10, 0x10)}, want: ErrSegmentOverlap},
		{name: "misaligned", segs: []Segment{load(0x1010, 0x1000, 0x10, 0x10)}, want: ErrAlignmentViolation},
		{name: "wraps", segs: []Segment{load(^uint64(0)-0xff, 0xf00, 0x10, 0x1000)}, want: ErrSegmentOverlap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLayout(tt.segs)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadSpan(t *testing.T) {
	loads := []Segment{
		{Vaddr: 0x3000, Memsz: 0x2000},
		{Vaddr: 0x1010, Memsz: 0x100},
	}
	lo, hi := loadSpan(loads, 0x1000)
	require.Equal(t, uint64(0x1000), lo)
	require.Equal(t, uint64(0x5000), hi)

	require.Equal(t, uint64(0x2000), alignUp(0x1001, 0x1000))
	require.Equal(t, uint64(0x1000), alignUp(0x1000, 0x1000))
	require.Equal(t, uint64(0x1000), alignDown(0x1fff, 0x1000))
}
