//go:build linux && (386 || amd64 || arm || arm64)

package soload

import (
	"debug/elf"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/soload/internal/elftest"
	"github.com/sliverarmory/soload/internal/native"
	"github.com/sliverarmory/soload/memmod"
	"github.com/sliverarmory/soload/trampoline"
)

func hostObject(exports, imports []string) elftest.SharedObject {
	arch := memmod.HostArch()
	return elftest.SharedObject{Class: arch.Class, Machine: arch.Machine, Exports: exports, Imports: imports}
}

var hostTable = []Symbol{
	{Name: "new_foo", Addr: 0x1111},
	{Name: "new_bar", Addr: 0x2222},
}

func TestOpenLookupClose(t *testing.T) {
	so := hostObject([]string{"answer", "other"}, []string{"new_bar", "new_foo"})
	path := so.File().Write(t, "libdemo.so")

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	before := memmod.ReservedBytes()

	library, err := Open(path, WithMetrics(metrics), WithResolveTable(hostTable))
	require.NoError(t, err)
	require.Equal(t, StateReady, library.State())
	require.Equal(t, path, library.Path())

	base := library.Base()
	require.NotZero(t, base)
	start, size := library.Region()
	require.LessOrEqual(t, start, base+elftest.TextVaddr)
	require.Greater(t, size, 0)
	require.Equal(t, before+uint64(size), memmod.ReservedBytes())

	require.Equal(t, []Symbol{
		{Name: "answer", Addr: base + uintptr(elftest.ExportVaddr(0))},
		{Name: "other", Addr: base + uintptr(elftest.ExportVaddr(1))},
	}, library.Exports())
	require.Equal(t, []string{"new_bar", "new_foo"}, library.Imports())

	addr, err := library.Lookup("other")
	require.NoError(t, err)
	require.Equal(t, base+uintptr(elftest.ExportVaddr(1)), addr)

	addr, err = library.Lookup("loader_info")
	require.NoError(t, err)
	require.Equal(t, base+elftest.LoaderInfoVaddr, addr)

	addr, err = library.Lookup("new_foo")
	require.NoError(t, err)
	require.Equal(t, uintptr(0x1111), addr)

	_, err = library.Lookup("nope")
	require.ErrorIs(t, err, ErrSymbolNotFound)
	require.Equal(t, StateReady, library.State(), "a miss leaves the library usable")

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.lookupsTotal.WithLabelValues("export")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.lookupsTotal.WithLabelValues("dynamic")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.lookupsTotal.WithLabelValues("host")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.lookupsTotal.WithLabelValues("miss")))
	require.Equal(t, float64(so.RelativeCount()), testutil.ToFloat64(metrics.relocationsTotal.WithLabelValues("applied")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.relocationsTotal.WithLabelValues("skipped")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.liveLibraries))
	require.Equal(t, float64(size), testutil.ToFloat64(metrics.mappedBytes))

	token := library.Token()
	require.NotZero(t, token)
	resolver, ok := trampoline.Lookup(token)
	require.True(t, ok)
	require.Same(t, library, resolver)

	if native.Supported {
		got, err := library.CallExport("other")
		require.NoError(t, err)
		require.Equal(t, elftest.ExportResult(1), got)
	}

	require.NoError(t, library.Close())
	require.Equal(t, StateClosed, library.State())
	require.NoError(t, library.Close())
	require.Equal(t, before, memmod.ReservedBytes())
	require.Zero(t, library.Base())
	_, ok = trampoline.Lookup(token)
	require.False(t, ok)

	_, err = library.Lookup("answer")
	require.ErrorIs(t, err, ErrLibraryClosed)
	_, err = library.ResolveImport(0)
	require.ErrorIs(t, err, ErrLibraryClosed)
	require.Zero(t, testutil.ToFloat64(metrics.liveLibraries))
	require.Zero(t, testutil.ToFloat64(metrics.mappedBytes))
}

func TestResolveImport(t *testing.T) {
	path := hostObject(nil, []string{"new_bar", "new_foo", "new_baz"}).File().Write(t, "libimports.so")

	library, err := Open(path)
	require.NoError(t, err)
	defer library.Close()

	_, err = library.ResolveImport(0)
	require.ErrorIs(t, err, ErrNoResolveTable)

	require.NoError(t, library.SetResolveTable(hostTable))
	for i := 0; i < 3; i++ {
		addr, err := library.ResolveImport(1)
		require.NoError(t, err)
		require.Equal(t, uintptr(0x1111), addr)
	}
	addr, err := library.ResolveImport(0)
	require.NoError(t, err)
	require.Equal(t, uintptr(0x2222), addr)

	_, err = library.ResolveImport(2)
	require.ErrorIs(t, err, ErrImportNotFound)
	_, err = library.ResolveImport(3)
	require.ErrorIs(t, err, ErrUnknownImport)

	// The trampoline sees the same answers through the token.
	addr, err = trampoline.Resolve(library.Token(), 1)
	require.NoError(t, err)
	require.Equal(t, uintptr(0x1111), addr)

	require.Error(t, library.SetResolveTable([]Symbol{{Addr: 1}}))

	// An empty table is still a table: names miss instead.
	require.NoError(t, library.SetResolveTable([]Symbol{}))
	_, err = library.ResolveImport(1)
	require.ErrorIs(t, err, ErrImportNotFound)
}

func TestOpenReadsEntryPointTable(t *testing.T) {
	if !native.Supported {
		t.Skip("needs native calls")
	}
	so := hostObject([]string{"first", "second"}, nil)
	so.EntryTable = true
	so.HideExportTable = true
	path := so.File().Write(t, "libentry.so")

	library, err := Open(path)
	require.NoError(t, err)
	defer library.Close()

	require.Len(t, library.Exports(), 2)
	ret, err := library.CallExport("second")
	require.NoError(t, err)
	require.Equal(t, elftest.ExportResult(1), ret)
	_, err = library.Lookup("third")
	require.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestOpenWithoutExports(t *testing.T) {
	path := hostObject(nil, nil).File().Write(t, "libempty.so")

	library, err := Open(path, WithEntryPointTable(false))
	require.NoError(t, err)
	defer library.Close()

	require.Empty(t, library.Exports())
	require.Empty(t, library.Imports())
	_, err = library.CallExport("answer")
	require.ErrorIs(t, err, ErrSymbolNotFound)

	syms, err := library.DynamicSymbols()
	require.NoError(t, err)
	require.NotEmpty(t, syms)
}

func TestOpenFailureStages(t *testing.T) {
	arch := memmod.HostArch()
	other := elf.EM_X86_64
	if arch.Machine == elf.EM_X86_64 {
		other = elf.EM_AARCH64
	}

	wrongMachine := hostObject(nil, nil).File()
	wrongMachine.Machine = other

	truncated := elftest.File{
		Class:   arch.Class,
		Machine: arch.Machine,
		Segments: []elftest.Segment{
			{Flags: elf.PF_R, Vaddr: 0x1000, Data: []byte("short"), Filesz: 0x10000},
		},
	}

	noLoads := elftest.File{
		Class:    arch.Class,
		Machine:  arch.Machine,
		Segments: []elftest.Segment{{Type: elf.PT_NOTE, Vaddr: 0x1000, Data: []byte("note")}},
	}

	tests := []struct {
		name  string
		file  elftest.File
		stage State
		want  error
	}{
		{name: "machine", file: wrongMachine, stage: StateValidating, want: memmod.ErrWrongMachine},
		{name: "no loadable segments", file: noLoads, stage: StateValidating, want: memmod.ErrNoLoadableSegments},
		{name: "truncated", file: truncated, stage: StateMapping, want: memmod.ErrTruncatedSource},
	}
	before := memmod.ReservedBytes()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			library, err := Open(tt.file.Write(t, "libbad.so"))
			require.Nil(t, library)
			require.ErrorIs(t, err, tt.want)

			var openErr *OpenError
			require.ErrorAs(t, err, &openErr)
			require.Equal(t, tt.stage, openErr.Stage)
		})
	}
	require.Equal(t, before, memmod.ReservedBytes())
}

func TestOpenCloseRepeatedly(t *testing.T) {
	path := hostObject([]string{"answer"}, []string{"new_foo"}).File().Write(t, "librepeat.so")
	before := memmod.ReservedBytes()

	for i := 0; i < 16; i++ {
		library, err := Open(path, WithResolveTable(hostTable))
		require.NoError(t, err)
		require.NoError(t, library.Close())
	}
	require.Equal(t, before, memmod.ReservedBytes())
}
