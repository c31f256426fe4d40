//go:build linux && cgo && (amd64 || arm || arm64)

package memmod

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/soload/internal/elftest"
	"github.com/sliverarmory/soload/internal/native"
)

func TestExportsFromEntryPoint(t *testing.T) {
	if !native.Supported {
		t.Skip("needs native calls")
	}
	so := hostObject([]string{"first", "second"}, nil)
	so.EntryTable = true
	so.HideExportTable = true
	path := so.File().Write(t, "libentry.so")

	img, err := loadFile(t, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = img.Free() })
	_, err = img.Relocate()
	require.NoError(t, err)
	require.NoError(t, img.Protect())

	info, err := img.LoaderInfo()
	require.NoError(t, err)
	require.Zero(t, info.Exported)

	table, err := img.Exports()
	require.NoError(t, err)
	require.Equal(t, []Export{
		{Name: "first", Addr: img.Abs(VAddr(elftest.ExportVaddr(0)))},
		{Name: "second", Addr: img.Abs(VAddr(elftest.ExportVaddr(1)))},
	}, table)

	addr, err := img.LookupExport("second")
	require.NoError(t, err)
	require.Equal(t, elftest.ExportResult(1), native.Call0(addr))

	_, err = img.LookupExport("third")
	require.ErrorIs(t, err, ErrSymbolNotFound)
	_, err = img.Lookup("third")
	require.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestExportsWithEntryPointDisabled(t *testing.T) {
	so := hostObject([]string{"first"}, nil)
	so.EntryTable = true
	so.HideExportTable = true
	path := so.File().Write(t, "libentry.so")

	img, err := loadFile(t, path, WithEntryPoint(false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = img.Free() })
	_, err = img.Relocate()
	require.NoError(t, err)
	require.NoError(t, img.Protect())

	_, err = img.Exports()
	require.ErrorIs(t, err, ErrNoExportTable)

	// The dynamic symbol table still answers.
	addr, err := img.Lookup("first")
	require.NoError(t, err)
	require.Equal(t, img.Abs(VAddr(elftest.ExportVaddr(0))), addr)
}
