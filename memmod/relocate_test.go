package memmod

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/soload/internal/elftest"
)

func TestRelocateRela(t *testing.T) {
	so := elftest.SharedObject{Machine: elf.EM_X86_64, Exports: []string{"answer", "other"}, Imports: []string{"new_foo"}}
	img := heapImage(t, so.File())

	stats, err := img.Relocate()
	require.NoError(t, err)
	require.Equal(t, so.RelativeCount(), stats.Applied)
	require.Equal(t, 1, stats.Skipped)
	require.Zero(t, stats.Packed)
	require.True(t, img.Relocated())

	imported, err := img.readWord(elftest.LoaderInfoVaddr + 8)
	require.NoError(t, err)
	require.Equal(t, uint64(img.Abs(elftest.ImportsVaddr)), imported)

	fn, err := img.readWord(elftest.ExportsVaddr + 8)
	require.NoError(t, err)
	require.Equal(t, uint64(img.Abs(VAddr(elftest.ExportVaddr(0)))), fn)

	scratch, err := img.readWord(elftest.ScratchVaddr)
	require.NoError(t, err)
	require.Zero(t, scratch)
}

func TestRelocateRel32(t *testing.T) {
	so := elftest.SharedObject{Class: elf.ELFCLASS32, Machine: elf.EM_ARM, Exports: []string{"answer"}, Imports: []string{"new_foo", "new_bar"}}
	img := heapImage(t, so.File())

	stats, err := img.Relocate()
	require.NoError(t, err)
	require.Equal(t, so.RelativeCount(), stats.Applied)
	require.Equal(t, 1, stats.Skipped)

	handle, err := img.readWord(elftest.LoaderInfoVaddr + 8)
	require.NoError(t, err)
	require.Equal(t, uint64(uint32(img.Abs(elftest.HandleCellVaddr))), handle)
}

func TestRelocateOnce(t *testing.T) {
	img := heapImage(t, elftest.SharedObject{Machine: elf.EM_X86_64, Exports: []string{"answer"}}.File())

	_, err := img.Relocate()
	require.NoError(t, err)
	before, err := img.readWord(elftest.ExportsVaddr)
	require.NoError(t, err)

	stats, err := img.Relocate()
	require.ErrorIs(t, err, ErrAlreadyRelocated)
	require.Zero(t, stats.Total())

	after, err := img.readWord(elftest.ExportsVaddr)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestRelocateWithoutDynamic(t *testing.T) {
	blob := elftest.NewBlob(elf.ELFCLASS64, 0x1000, 0x100)
	img := blobImage(t, elf.EM_X86_64, blob, 0, 0)

	stats, err := img.Relocate()
	require.NoError(t, err)
	require.Zero(t, stats.Total())
	require.True(t, img.Relocated())
}

func TestRelocateRelr(t *testing.T) {
	blob := elftest.NewBlob(elf.ELFCLASS64, 0x1000, 0x1000)
	dynSize := blob.Dynamic(0x1000,
		dyn(DT_RELR, 0x1200),
		dyn(DT_RELRSZ, 16),
		dyn(DT_RELRENT, 8),
	)
	// Fix 0x1400, then use a bitmap for 0x1408 and 0x1418.
	blob.Word(0x1200, 0x1400)
	blob.Word(0x1208, 0b101<<1|1)
	for i, v := range []uint64{0x10, 0x20, 0x99, 0x30} {
		blob.Word(0x1400+uint64(i)*8, v)
	}
	img := blobImage(t, elf.EM_X86_64, blob, 0x1000, dynSize)

	stats, err := img.Relocate()
	require.NoError(t, err)
	require.Equal(t, 3, stats.Packed)

	base := uint64(img.Base())
	for i, want := range []uint64{base + 0x10, base + 0x20, 0x99, base + 0x30} {
		got, err := img.readWord(VAddr(0x1400 + uint64(i)*8))
		require.NoError(t, err)
		require.Equal(t, want, got, "slot %d", i)
	}
}

func TestRelocateRejectsBadEntrySize(t *testing.T) {
	blob := elftest.NewBlob(elf.ELFCLASS64, 0x1000, 0x1000)
	dynSize := blob.Dynamic(0x1000,
		dyn(elf.DT_RELA, 0x1200),
		dyn(elf.DT_RELASZ, 32),
		dyn(elf.DT_RELAENT, 16),
	)
	img := blobImage(t, elf.EM_X86_64, blob, 0x1000, dynSize)

	_, err := img.Relocate()
	require.ErrorIs(t, err, ErrMalformedDynamic)
}

func TestRelocateTargetOutsideImage(t *testing.T) {
	blob := elftest.NewBlob(elf.ELFCLASS64, 0x1000, 0x1000)
	dynSize := blob.Dynamic(0x1000,
		dyn(elf.DT_RELA, 0x1200),
		dyn(elf.DT_RELASZ, 24),
	)
	blob.Rela(0x1200, 0x9000, uint32(elf.R_X86_64_RELATIVE), 0x10)
	img := blobImage(t, elf.EM_X86_64, blob, 0x1000, dynSize)

	_, err := img.Relocate()
	require.ErrorIs(t, err, ErrOutOfImage)
}

func TestDecodeDynamic(t *testing.T) {
	blob := elftest.NewBlob(elf.ELFCLASS64, 0, 0x40)
	size := blob.Dynamic(0, dyn(elf.DT_STRSZ, 7), dyn(elf.DT_SYMENT, 24))

	entries, err := decodeDynamic(blob.Data[:size], elf.ELFCLASS64)
	require.NoError(t, err)
	require.Equal(t, []DynamicEntry{{Tag: elf.DT_STRSZ, Val: 7}, {Tag: elf.DT_SYMENT, Val: 24}}, entries)

	// Without its terminator the table is rejected.
	_, err = decodeDynamic(blob.Data[:size-16], elf.ELFCLASS64)
	require.ErrorIs(t, err, ErrMalformedDynamic)
}
