// Package soload loads ELF shared objects into the current process without
// the platform loader, and lets them call back into the host through a
// private import trampoline.
package soload

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/samber/lo"

	"github.com/sliverarmory/soload/internal/native"
	"github.com/sliverarmory/soload/memmod"
	"github.com/sliverarmory/soload/trampoline"
)

// Symbol is a name/address pair, used both for a library's exports and for
// the host resolve table.
type Symbol struct {
	Name string
	Addr uintptr
}

// State is where a Library is in its lifecycle.
type State int

const (
	StateUnopened State = iota
	StateValidating
	StateMapping
	StateRelocating
	StateResolving
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateValidating:
		return "validating"
	case StateMapping:
		return "mapping"
	case StateRelocating:
		return "relocating"
	case StateResolving:
		return "resolving"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Library is a loaded shared object.
type Library struct {
	mu      sync.RWMutex
	path    string
	state   State
	image   *memmod.Image
	token   trampoline.Token
	exports []Symbol
	imports []string
	resolve []Symbol

	logger  log.Logger
	metrics *Metrics
}

// Open loads the shared object at path. Either every stage succeeds and a
// ready Library is returned, or all resources taken so far are released and
// the error is an *OpenError naming the failed stage.
func Open(path string, opts ...Option) (*Library, error) {
	cfg := newConfig(opts)
	library := &Library{
		path:    path,
		resolve: cfg.resolveTable,
		logger:  log.With(cfg.logger, "path", path),
		metrics: cfg.metrics,
	}
	if err := library.open(cfg); err != nil {
		stage := library.state
		library.teardown()
		library.state = StateFailed
		library.metrics.openFailuresTotal.WithLabelValues(stage.String()).Inc()
		level.Error(library.logger).Log("msg", "open failed", "stage", stage, "err", err)
		return nil, &OpenError{Path: path, Stage: stage, Err: err}
	}

	library.metrics.opensTotal.Inc()
	library.metrics.liveLibraries.Inc()
	library.metrics.mappedBytes.Add(float64(library.image.Size()))
	level.Info(library.logger).Log("msg", "library ready", "base", fmt.Sprintf("%#x", library.image.Base()),
		"exports", len(library.exports), "imports", len(library.imports))
	return library, nil
}

func (library *Library) open(cfg config) error {
	library.state = StateValidating
	desc, f, err := memmod.OpenDescriptor(library.path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := desc.Validate(cfg.arch); err != nil {
		return err
	}
	segs, err := memmod.ReadSegments(f, desc)
	if err != nil {
		return err
	}
	if err := memmod.ValidateLayout(segs); err != nil {
		return err
	}

	library.state = StateMapping
	library.image, err = memmod.Load(f, desc, segs,
		memmod.WithLogger(library.logger),
		memmod.WithArch(cfg.arch),
		memmod.WithEntryPoint(cfg.entryPoint),
	)
	if err != nil {
		return err
	}

	library.state = StateRelocating
	stats, err := library.image.Relocate()
	if err != nil {
		return err
	}
	library.metrics.relocationsTotal.WithLabelValues("applied").Add(float64(stats.Applied))
	library.metrics.relocationsTotal.WithLabelValues("packed").Add(float64(stats.Packed))
	library.metrics.relocationsTotal.WithLabelValues("skipped").Add(float64(stats.Skipped))

	library.state = StateResolving
	if err := library.bind(); err != nil {
		return err
	}
	if err := library.image.Protect(); err != nil {
		return err
	}
	exports, err := library.image.Exports()
	switch {
	case err == nil:
		library.exports = lo.Map(exports, func(exp memmod.Export, _ int) Symbol {
			return Symbol{Name: exp.Name, Addr: exp.Addr}
		})
	case errors.Is(err, memmod.ErrNoExportTable):
		level.Debug(library.logger).Log("msg", "no exported symbol table", "err", err)
	default:
		level.Warn(library.logger).Log("msg", "ignoring unreadable exported symbol table", "err", err)
	}

	library.state = StateReady
	return nil
}

// bind registers the library with the trampoline and fills the image's
// loader cells. Images without loader_info have nothing to bind.
func (library *Library) bind() error {
	library.token = trampoline.Register(library)

	imports, err := library.image.ImportNames()
	if errors.Is(err, memmod.ErrNoLoaderInfo) {
		level.Debug(library.logger).Log("msg", "image has no loader_info")
		return nil
	}
	if err != nil {
		return err
	}
	library.imports = imports

	addr := trampoline.Address()
	if addr == 0 && len(imports) > 0 {
		level.Warn(library.logger).Log("msg", "host trampoline unavailable, imported calls will trap", "imports", len(imports))
	}
	err = library.image.BindLoader(uint64(library.token), addr)
	if errors.Is(err, memmod.ErrNoLoaderInfo) {
		return nil
	}
	return err
}

func (library *Library) teardown() {
	if library.token != 0 {
		trampoline.Unregister(library.token)
		library.token = 0
	}
	if library.image != nil {
		if err := library.image.Free(); err != nil {
			level.Warn(library.logger).Log("msg", "releasing image", "err", err)
		}
		library.image = nil
	}
	library.exports = nil
	library.imports = nil
	library.resolve = nil
}

// Lookup resolves name against the exported symbol table, the dynamic
// symbol table and finally the resolve table. A miss leaves the library
// usable.
func (library *Library) Lookup(name string) (uintptr, error) {
	library.mu.RLock()
	defer library.mu.RUnlock()

	if library.state != StateReady {
		return 0, ErrLibraryClosed
	}
	for _, sym := range library.exports {
		if sym.Name == name {
			library.metrics.lookupsTotal.WithLabelValues("export").Inc()
			return sym.Addr, nil
		}
	}
	if addr, err := library.image.LookupDynamic(name); err == nil {
		library.metrics.lookupsTotal.WithLabelValues("dynamic").Inc()
		return addr, nil
	}
	if sym, ok := lo.Find(library.resolve, func(sym Symbol) bool { return sym.Name == name }); ok && sym.Addr != 0 {
		library.metrics.lookupsTotal.WithLabelValues("host").Inc()
		return sym.Addr, nil
	}
	library.metrics.lookupsTotal.WithLabelValues("miss").Inc()
	return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
}

// SetResolveTable replaces the host symbols imports resolve against.
func (library *Library) SetResolveTable(table []Symbol) error {
	library.mu.Lock()
	defer library.mu.Unlock()

	if library.state != StateReady {
		return ErrLibraryClosed
	}
	for i, sym := range table {
		if sym.Name == "" {
			return fmt.Errorf("soload: resolve table entry %d has no name", i)
		}
	}
	library.resolve = make([]Symbol, len(table))
	copy(library.resolve, table)
	return nil
}

// ResolveImport maps an import id to a host address through the imported
// name table and the resolve table. The trampoline calls it for every
// imported call the library makes.
func (library *Library) ResolveImport(id uint32) (uintptr, error) {
	library.mu.RLock()
	defer library.mu.RUnlock()

	addr, err := library.resolveImport(id)
	result := "ok"
	switch {
	case errors.Is(err, ErrUnknownImport):
		result = "unknown_import"
	case errors.Is(err, ErrNoResolveTable):
		result = "no_resolve_table"
	case errors.Is(err, ErrImportNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	library.metrics.importResolutionsTotal.WithLabelValues(result).Inc()
	return addr, err
}

func (library *Library) resolveImport(id uint32) (uintptr, error) {
	if library.state != StateReady {
		return 0, ErrLibraryClosed
	}
	if int64(id) >= int64(len(library.imports)) {
		return 0, fmt.Errorf("%w: %d of %d", ErrUnknownImport, id, len(library.imports))
	}
	if library.resolve == nil {
		return 0, ErrNoResolveTable
	}
	name := library.imports[id]
	sym, ok := lo.Find(library.resolve, func(sym Symbol) bool { return sym.Name == name })
	if !ok || sym.Addr == 0 {
		return 0, fmt.Errorf("%w: %s", ErrImportNotFound, name)
	}
	return sym.Addr, nil
}

// CallExport resolves name and calls it as a function taking no arguments,
// returning its pointer-sized result.
func (library *Library) CallExport(name string) (uintptr, error) {
	addr, err := library.Lookup(name)
	if err != nil {
		return 0, fmt.Errorf("soload: call export %q: %w", name, err)
	}
	if !native.Supported {
		return 0, fmt.Errorf("soload: call export %q: %w", name, ErrNativeCallsDisabled)
	}
	// The lock is not held across the call: the callee may re-enter through
	// the trampoline.
	return native.Call0(addr), nil
}

// Close releases the library. Closing twice, or closing a nil Library, is a
// no-op.
func (library *Library) Close() error {
	if library == nil {
		return nil
	}
	library.mu.Lock()
	defer library.mu.Unlock()

	if library.state != StateReady {
		return nil
	}
	size := library.image.Size()
	library.teardown()
	library.state = StateClosed
	library.metrics.liveLibraries.Dec()
	library.metrics.mappedBytes.Sub(float64(size))
	level.Debug(library.logger).Log("msg", "library closed")
	return nil
}

func (library *Library) State() State {
	library.mu.RLock()
	defer library.mu.RUnlock()
	return library.state
}

func (library *Library) Path() string {
	return library.path
}

// Base is the load bias, or zero once closed.
func (library *Library) Base() uintptr {
	library.mu.RLock()
	defer library.mu.RUnlock()
	if library.image == nil {
		return 0
	}
	return library.image.Base()
}

// Region is the reserved address range.
func (library *Library) Region() (uintptr, int) {
	library.mu.RLock()
	defer library.mu.RUnlock()
	if library.image == nil {
		return 0, 0
	}
	return library.image.Start(), library.image.Size()
}

// Exports returns a copy of the exported symbol table.
func (library *Library) Exports() []Symbol {
	library.mu.RLock()
	defer library.mu.RUnlock()
	return append([]Symbol(nil), library.exports...)
}

// Imports returns the imported names; an import's id is its index.
func (library *Library) Imports() []string {
	library.mu.RLock()
	defer library.mu.RUnlock()
	return append([]string(nil), library.imports...)
}

// DynamicSymbols lists the named entries of the image's dynamic symbol table.
func (library *Library) DynamicSymbols() ([]memmod.DynamicSymbol, error) {
	library.mu.RLock()
	defer library.mu.RUnlock()
	if library.state != StateReady {
		return nil, ErrLibraryClosed
	}
	return library.image.DynamicSymbols()
}

// Token is the handle value stored in the image's loader_handle cell.
func (library *Library) Token() trampoline.Token {
	library.mu.RLock()
	defer library.mu.RUnlock()
	return library.token
}
