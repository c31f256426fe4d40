package memmod

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	maxSymbolNameLen   = 1024
	unknownStrtabBound = 1000000
	sym64Size          = 24
	sym32Size          = 16
)

// DynamicSymbol is a decoded entry of the dynamic symbol table.
type DynamicSymbol struct {
	Name    string
	Value   VAddr
	Size    uint64
	Bind    elf.SymBind
	Type    elf.SymType
	Section elf.SectionIndex
}

type symtabView struct {
	symtab uint64
	strtab uint64
	strsz  uint64
	syment uint64
	count  uint64
}

func (img *Image) symtab() (symtabView, error) {
	table, err := img.dynamicTable()
	if err != nil {
		return symtabView{}, err
	}
	var view symtabView
	var ok bool
	if view.symtab, ok = table.get(elf.DT_SYMTAB); !ok {
		return view, fmt.Errorf("%w: no DT_SYMTAB", ErrSymbolNotFound)
	}
	if view.strtab, ok = table.get(elf.DT_STRTAB); !ok {
		return view, fmt.Errorf("%w: no DT_STRTAB", ErrSymbolNotFound)
	}
	view.strsz, _ = table.get(elf.DT_STRSZ)

	want := uint64(sym64Size)
	if img.desc.Class == elf.ELFCLASS32 {
		want = sym32Size
	}
	view.syment, _ = table.get(elf.DT_SYMENT)
	if view.syment == 0 {
		view.syment = want
	}
	if view.syment != want {
		return view, fmt.Errorf("%w: DT_SYMENT %d, expected %d", ErrSymbolNotFound, view.syment, want)
	}

	count, ok := img.symbolCount(table)
	if !ok {
		count = fallbackSymbolCap
		// The string table conventionally follows the symbol table.
		if view.strtab > view.symtab {
			if fit := (view.strtab - view.symtab) / view.syment; fit < count {
				count = fit
			}
		}
	}
	view.count = count
	return view, nil
}

func (img *Image) readSymbol(view symtabView, idx uint64) (DynamicSymbol, uint32, error) {
	buf, err := img.Bytes(VAddr(view.symtab+idx*view.syment), view.syment)
	if err != nil {
		return DynamicSymbol{}, 0, err
	}
	var (
		sym  DynamicSymbol
		name uint32
		info uint8
	)
	name = binary.LittleEndian.Uint32(buf)
	if img.desc.Class == elf.ELFCLASS32 {
		sym.Value = VAddr(binary.LittleEndian.Uint32(buf[4:]))
		sym.Size = uint64(binary.LittleEndian.Uint32(buf[8:]))
		info = buf[12]
		sym.Section = elf.SectionIndex(binary.LittleEndian.Uint16(buf[14:]))
	} else {
		info = buf[4]
		sym.Section = elf.SectionIndex(binary.LittleEndian.Uint16(buf[6:]))
		sym.Value = VAddr(binary.LittleEndian.Uint64(buf[8:]))
		sym.Size = binary.LittleEndian.Uint64(buf[16:])
	}
	sym.Bind = elf.ST_BIND(info)
	sym.Type = elf.ST_TYPE(info)
	return sym, name, nil
}

// symbolName returns the name at index name of the string table, or false for
// entries that are nameless or implausible.
func (img *Image) symbolName(view symtabView, name uint32) (string, bool) {
	if name == 0 {
		return "", false
	}
	bound := view.strsz
	if bound == 0 {
		bound = unknownStrtabBound
	}
	if uint64(name) >= bound {
		return "", false
	}
	max := maxSymbolNameLen
	if view.strsz != 0 && view.strsz-uint64(name) < uint64(max) {
		max = int(view.strsz - uint64(name))
	}
	str, err := img.cString(VAddr(view.strtab+uint64(name)), max)
	if err != nil || str == "" {
		return "", false
	}
	if ch := str[0]; ch < 0x20 || ch > 0x7e {
		return "", false
	}
	return str, true
}

func (img *Image) eachDynamicSymbol(fn func(sym DynamicSymbol) bool) error {
	view, err := img.symtab()
	if err != nil {
		return err
	}
	for idx := uint64(0); idx < view.count; idx++ {
		sym, name, err := img.readSymbol(view, idx)
		if err != nil {
			// The count was only an estimate; stop at the end of the mapping.
			return nil
		}
		str, ok := img.symbolName(view, name)
		if !ok {
			continue
		}
		sym.Name = str
		if !fn(sym) {
			return nil
		}
	}
	return nil
}

// DynamicSymbols lists the named entries of the dynamic symbol table.
func (img *Image) DynamicSymbols() ([]DynamicSymbol, error) {
	var out []DynamicSymbol
	err := img.eachDynamicSymbol(func(sym DynamicSymbol) bool {
		out = append(out, sym)
		return true
	})
	if err != nil && !errors.Is(err, errNoDynamic) {
		return nil, err
	}
	return out, nil
}

// LookupDynamic resolves name through the dynamic symbol table. Versioned
// entries ("name@VERSION") match their bare name. Symbols with a zero value
// are undefined here and are not returned.
func (img *Image) LookupDynamic(name string) (uintptr, error) {
	sym, err := img.findDynamicSymbol(name)
	if err != nil {
		return 0, err
	}
	return img.Abs(sym.Value), nil
}

func (img *Image) findDynamicSymbol(name string) (DynamicSymbol, error) {
	if name == "" {
		return DynamicSymbol{}, fmt.Errorf("%w: empty name", ErrSymbolNotFound)
	}
	var (
		found DynamicSymbol
		hit   bool
	)
	err := img.eachDynamicSymbol(func(sym DynamicSymbol) bool {
		if sym.Name != name && !strings.HasPrefix(sym.Name, name+"@") {
			return true
		}
		if sym.Value == 0 {
			return true
		}
		found, hit = sym, true
		return false
	})
	if err != nil {
		if errors.Is(err, ErrSymbolNotFound) || errors.Is(err, ErrImageClosed) {
			return found, err
		}
		return found, fmt.Errorf("%w: %s: %v", ErrSymbolNotFound, name, err)
	}
	if !hit {
		return found, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	return found, nil
}
