package memmod

import (
	"debug/elf"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/soload/internal/elftest"
)

func TestAdjustExportAddress(t *testing.T) {
	const base = 0x40000000
	require.Equal(t, uintptr(base+0x1040), AdjustExportAddress(base, 0x1040))
	require.Equal(t, uintptr(base+0x1040), AdjustExportAddress(base, base+0x1040))
	require.Equal(t, uintptr(base), AdjustExportAddress(base, base))
	require.Zero(t, AdjustExportAddress(base, 0))
}

// readyImage relocates img and marks it protected without changing any page
// protections, which is all the export table reader cares about.
func readyImage(t *testing.T, img *Image) *Image {
	t.Helper()
	_, err := img.Relocate()
	require.NoError(t, err)
	img.protected = true
	return img
}

func TestExportsFromLoaderInfo(t *testing.T) {
	for _, loose := range []bool{false, true} {
		so := elftest.SharedObject{Machine: elf.EM_AARCH64, Exports: []string{"answer", "other"}, Loose: loose}
		img := readyImage(t, heapImage(t, so.File()))

		table, err := img.Exports()
		require.NoError(t, err)
		require.Equal(t, []Export{
			{Name: "answer", Addr: img.Abs(VAddr(elftest.ExportVaddr(0)))},
			{Name: "other", Addr: img.Abs(VAddr(elftest.ExportVaddr(1)))},
		}, table)

		addr, err := img.LookupExport("other")
		require.NoError(t, err)
		require.Equal(t, img.Abs(VAddr(elftest.ExportVaddr(1))), addr)

		_, err = img.LookupExport("missing")
		require.ErrorIs(t, err, ErrSymbolNotFound)
	}
}

func TestExportsRequireProtection(t *testing.T) {
	img := heapImage(t, elftest.SharedObject{Machine: elf.EM_X86_64, Exports: []string{"answer"}}.File())

	_, err := img.Exports()
	require.ErrorIs(t, err, ErrNoExportTable)

	// The first answer sticks.
	_, err = img.Relocate()
	require.NoError(t, err)
	img.protected = true
	_, err = img.Exports()
	require.ErrorIs(t, err, ErrNoExportTable)
}

func TestExportsWithoutTable(t *testing.T) {
	img := readyImage(t, heapImage(t, elftest.SharedObject{Machine: elf.EM_X86_64, Imports: []string{"new_foo"}}.File()))

	_, err := img.Exports()
	require.ErrorIs(t, err, ErrNoExportTable)

	// Lookup still reaches the dynamic symbol table.
	addr, err := img.Lookup("loader_info")
	require.NoError(t, err)
	require.Equal(t, img.Abs(elftest.LoaderInfoVaddr), addr)
}

func TestEntryPointOutsideText(t *testing.T) {
	file := elftest.SharedObject{Machine: elf.EM_X86_64, Exports: []string{"answer"}}.File()
	file.Entry = elftest.DataVaddr
	img := readyImage(t, heapImage(t, file))

	// A non-executable entry point is not called; loader_info still works.
	table, err := img.Exports()
	require.NoError(t, err)
	require.Len(t, table, 1)
}

func TestExportTableAt(t *testing.T) {
	blob := elftest.NewBlob(elf.ELFCLASS64, 0x1000, 0x1000)
	blob.String(0x1800, "first")
	blob.String(0x1810, "second")
	blob.Word(0x1100, 0x1800)
	blob.Word(0x1108, 0x1a00)
	blob.Word(0x1110, 0x1810)
	blob.Word(0x1118, 0x1a10)
	img := blobImage(t, elf.EM_X86_64, blob, 0, 0)

	// Unrelocated pointers read as offsets from the base.
	table, err := img.exportTableAt(0x1100)
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, lo.Map(table, func(exp Export, _ int) string { return exp.Name }))
	require.Equal(t, img.Abs(0x1a10), table[1].Addr)

	_, err = img.exportTableAt(img.Abs(0x9000))
	require.ErrorIs(t, err, ErrMalformedExportTable)

	// Entries that run off the end of the mapping.
	for va := uint64(0x1f00); va < 0x2000; va += 8 {
		blob.Word(va, 0x1800)
	}
	img = blobImage(t, elf.EM_X86_64, blob, 0, 0)
	_, err = img.exportTableAt(img.Abs(0x1f00))
	require.ErrorIs(t, err, ErrMalformedExportTable)

	// A name pointer outside the image.
	blob.Word(0x1100, 0x9000)
	img = blobImage(t, elf.EM_X86_64, blob, 0, 0)
	_, err = img.exportTableAt(img.Abs(0x1100))
	require.ErrorIs(t, err, ErrMalformedExportTable)
}

func TestExportsSkipEntriesWithoutAddress(t *testing.T) {
	so := elftest.SharedObject{Machine: elf.EM_X86_64, Exports: []string{"answer", "other"}}
	img := readyImage(t, heapImage(t, so.File()))
	// What a symbolic relocation the loader skipped leaves behind.
	require.NoError(t, img.writeWord(VAddr(elftest.ExportsVaddr+8), 0))

	table, err := img.Exports()
	require.NoError(t, err)
	require.Equal(t, []Export{{Name: "other", Addr: img.Abs(VAddr(elftest.ExportVaddr(1)))}}, table)

	_, err = img.LookupExport("answer")
	require.ErrorIs(t, err, ErrSymbolNotFound)
	addr, err := img.Lookup("answer")
	require.NoError(t, err)
	require.Equal(t, img.Abs(VAddr(elftest.ExportVaddr(0))), addr)
	require.NotEqual(t, img.Base(), addr)
}

func TestExportsAfterFree(t *testing.T) {
	img := readyImage(t, heapImage(t, elftest.SharedObject{Machine: elf.EM_X86_64, Exports: []string{"answer"}}.File()))
	require.NoError(t, img.Free())
	require.NoError(t, img.Free())

	_, err := img.Exports()
	require.ErrorIs(t, err, ErrImageClosed)
	_, err = img.Lookup("answer")
	require.ErrorIs(t, err, ErrImageClosed)
	require.Zero(t, img.Base())
}
