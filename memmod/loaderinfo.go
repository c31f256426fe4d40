package memmod

import (
	"errors"
	"fmt"
)

const maxImportEntries = 4096

// LoaderInfo is the image's view of the loader, found through the dynamic
// symbol "loader_info":
//
//	struct {
//		symbol_entry *exported;
//		const char **imported;
//		void **loader_handle;
//		void **isos_trampoline;
//	};
//
// Zero fields are absent.
type LoaderInfo struct {
	Addr           VAddr
	Exported       VAddr
	Imported       VAddr
	LoaderHandle   VAddr
	IsosTrampoline VAddr
}

// LoaderInfo locates the loader_info structure. Images without one may still
// publish an "imported_symbols" array and the two cells as plain symbols.
func (img *Image) LoaderInfo() (LoaderInfo, error) {
	var info LoaderInfo
	sym, err := img.findDynamicSymbol("loader_info")
	if err != nil {
		if errors.Is(err, ErrImageClosed) {
			return info, err
		}
		return img.looseLoaderInfo()
	}
	info.Addr = sym.Value
	fields := []*VAddr{&info.Exported, &info.Imported, &info.LoaderHandle, &info.IsosTrampoline}
	for i, field := range fields {
		raw, err := img.readWord(sym.Value + VAddr(uint64(i)*img.wordSize()))
		if err != nil {
			return info, fmt.Errorf("%w: field %d: %v", ErrNoLoaderInfo, i, err)
		}
		if *field, err = img.pointerField(raw); err != nil {
			return info, fmt.Errorf("%w: field %d: %v", ErrNoLoaderInfo, i, err)
		}
	}
	return info, nil
}

func (img *Image) looseLoaderInfo() (LoaderInfo, error) {
	var info LoaderInfo
	found := false
	for name, field := range map[string]*VAddr{
		"imported_symbols": &info.Imported,
		"exported_symbols": &info.Exported,
		"loader_handle":    &info.LoaderHandle,
		"isos_trampoline":  &info.IsosTrampoline,
	} {
		if sym, err := img.findDynamicSymbol(name); err == nil {
			*field = sym.Value
			found = true
		}
	}
	if !found {
		return info, ErrNoLoaderInfo
	}
	return info, nil
}

// pointerField converts a pointer stored in the image into a link-time
// address. It works both before relocation (raw vaddr) and after.
func (img *Image) pointerField(raw uint64) (VAddr, error) {
	if raw == 0 {
		return 0, nil
	}
	va, ok := img.FromAbs(AdjustExportAddress(img.Base(), uintptr(raw)))
	if !ok {
		return 0, fmt.Errorf("%w: pointer %#x", ErrOutOfImage, raw)
	}
	return va, nil
}

// ImportNames reads the NULL-terminated array of imported symbol names. The
// index of a name is its import identifier.
func (img *Image) ImportNames() ([]string, error) {
	info, err := img.LoaderInfo()
	if err != nil {
		return nil, err
	}
	if info.Imported == 0 {
		return nil, nil
	}
	var names []string
	for i := uint64(0); i < maxImportEntries; i++ {
		raw, err := img.readWord(info.Imported + VAddr(i*img.wordSize()))
		if err != nil {
			return nil, fmt.Errorf("imported name %d: %w", i, err)
		}
		if raw == 0 {
			return names, nil
		}
		va, err := img.pointerField(raw)
		if err != nil {
			return nil, fmt.Errorf("imported name %d: %w", i, err)
		}
		name, err := img.cString(va, maxSymbolNameLen)
		if err != nil {
			return nil, fmt.Errorf("imported name %d: %w", i, err)
		}
		names = append(names, name)
	}
	return nil, fmt.Errorf("%w: imported names have no terminator within %d entries", ErrNoLoaderInfo, maxImportEntries)
}

// BindLoader stores the handle token and the trampoline address in the
// image's cells. It must run after relocation and before protection.
func (img *Image) BindLoader(handle uint64, trampoline uintptr) error {
	if !img.relocated {
		return fmt.Errorf("%w: bind before relocation", ErrNoLoaderInfo)
	}
	if img.protected {
		return fmt.Errorf("%w: image is already protected", ErrNoLoaderInfo)
	}
	info, err := img.LoaderInfo()
	if err != nil {
		return err
	}
	if info.LoaderHandle == 0 && info.IsosTrampoline == 0 {
		return fmt.Errorf("%w: no loader cells", ErrNoLoaderInfo)
	}
	if info.LoaderHandle != 0 {
		if err := img.writeWord(info.LoaderHandle, handle); err != nil {
			return fmt.Errorf("write loader_handle: %w", err)
		}
	}
	if info.IsosTrampoline != 0 {
		if err := img.writeWord(info.IsosTrampoline, uint64(trampoline)); err != nil {
			return fmt.Errorf("write isos_trampoline: %w", err)
		}
	}
	return nil
}
