package memmod

import (
	"errors"
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/sliverarmory/soload/internal/native"
)

const (
	maxExportEntries = 4096
	maxExportNameLen = 1024
)

// Export is one entry of an image's exported symbol table.
type Export struct {
	Name string
	Addr uintptr
}

// AdjustExportAddress turns a stored table value into a process address.
// Values below base are offsets from it; anything else is already absolute.
// An image mapped at a low base with large offsets is misread by this rule.
// Zero stays zero.
func AdjustExportAddress(base, stored uintptr) uintptr {
	if stored == 0 {
		return 0
	}
	if stored < base {
		return base + stored
	}
	return stored
}

// Exports returns the exported symbol table, reading it on first use. The
// entry point is only called once the image is protected.
func (img *Image) Exports() ([]Export, error) {
	if len(img.mem) == 0 {
		return nil, ErrImageClosed
	}
	img.exportsOnce.Do(func() {
		img.exports, img.exportsErr = img.readExports()
		if img.exportsErr == nil {
			level.Debug(img.logger).Log("msg", "read exported symbol table", "entries", len(img.exports))
		}
	})
	return img.exports, img.exportsErr
}

func (img *Image) readExports() ([]Export, error) {
	if !img.protected {
		return nil, fmt.Errorf("%w: image is not protected yet", ErrNoExportTable)
	}
	if entry := img.Entry(); entry != 0 && img.callEntry {
		table, err := img.entryPointTable(entry)
		if err == nil || !errors.Is(err, ErrNoExportTable) {
			return table, err
		}
		level.Debug(img.logger).Log("msg", "entry point does not provide an export table", "err", err)
	}
	info, err := img.LoaderInfo()
	if err != nil || info.Exported == 0 {
		return nil, fmt.Errorf("%w: no entry point and no loader_info.exported", ErrNoExportTable)
	}
	return img.exportTableAt(img.Abs(info.Exported))
}

// entryPointTable calls the entry point as `symbol_entry *(*)(void)`.
func (img *Image) entryPointTable(entry VAddr) ([]Export, error) {
	if !img.executable(entry) {
		return nil, fmt.Errorf("%w: entry %#x is not in an executable segment", ErrNoExportTable, uint64(entry))
	}
	if !native.Supported {
		return nil, fmt.Errorf("%w: %w", ErrNoExportTable, ErrNativeCallsDisabled)
	}
	ptr := native.Call0(img.Abs(entry))
	if ptr == 0 {
		return nil, fmt.Errorf("%w: entry point returned NULL", ErrNoExportTable)
	}
	return img.exportTableAt(ptr)
}

// exportTableAt reads a sentinel-terminated array of (name*, addr) pairs at
// process address ptr.
func (img *Image) exportTableAt(ptr uintptr) ([]Export, error) {
	base := img.Base()
	va, ok := img.FromAbs(AdjustExportAddress(base, ptr))
	if !ok {
		return nil, fmt.Errorf("%w: table %#x lies outside the image", ErrMalformedExportTable, ptr)
	}

	word := img.wordSize()
	var table []Export
	for i := uint64(0); i < maxExportEntries; i++ {
		slot := va + VAddr(2*word*i)
		namePtr, err := img.readWord(slot)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedExportTable, i, err)
		}
		if namePtr == 0 {
			return table, nil
		}
		addr, err := img.readWord(slot + VAddr(word))
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedExportTable, i, err)
		}
		nameVA, ok := img.FromAbs(AdjustExportAddress(base, uintptr(namePtr)))
		if !ok {
			return nil, fmt.Errorf("%w: entry %d name %#x lies outside the image", ErrMalformedExportTable, i, namePtr)
		}
		name, err := img.cString(nameVA, maxExportNameLen)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedExportTable, i, err)
		}
		// Unrelocated slots resolve like an undefined symbol.
		if addr == 0 {
			level.Debug(img.logger).Log("msg", "skipping export without an address", "name", name)
			continue
		}
		table = append(table, Export{Name: name, Addr: AdjustExportAddress(base, uintptr(addr))})
	}
	return nil, fmt.Errorf("%w: no sentinel within %d entries", ErrMalformedExportTable, maxExportEntries)
}

// LookupExport resolves name through the exported symbol table only.
func (img *Image) LookupExport(name string) (uintptr, error) {
	table, err := img.Exports()
	if err != nil {
		if errors.Is(err, ErrImageClosed) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %s: %v", ErrSymbolNotFound, name, err)
	}
	for _, exp := range table {
		if exp.Name == name {
			return exp.Addr, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
}

// Lookup tries the exported symbol table, then the dynamic symbol table.
func (img *Image) Lookup(name string) (uintptr, error) {
	addr, err := img.LookupExport(name)
	if err == nil || errors.Is(err, ErrImageClosed) {
		return addr, err
	}
	return img.LookupDynamic(name)
}
