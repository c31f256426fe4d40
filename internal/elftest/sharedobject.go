package elftest

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// Link-time layout of the objects built by SharedObject. The text segment
// holds one small function per export; everything else lives in a single
// writable segment whose second page is BSS.
const (
	TextVaddr           = 0x1000
	TextSize            = 0x100
	DataVaddr           = 0x3000
	DataFilesz          = 0x1000
	DataMemsz           = 0x2000
	DynamicVaddr        = 0x3000
	SymtabVaddr         = 0x3200
	StrtabVaddr         = 0x3500
	HashVaddr           = 0x3800
	RelocVaddr          = 0x3900
	LoaderInfoVaddr     = 0x3c00
	HandleCellVaddr     = 0x3c20
	TrampolineCellVaddr = 0x3c28
	ImportsVaddr        = 0x3c40
	ExportsVaddr        = 0x3ca0
	ScratchVaddr        = 0x3d80
	EntryVaddr          = 0x10f0

	maxNames = 8
)

var relativeTypes = map[elf.Machine]uint32{
	elf.EM_X86_64:  uint32(elf.R_X86_64_RELATIVE),
	elf.EM_AARCH64: uint32(elf.R_AARCH64_RELATIVE),
	elf.EM_ARM:     uint32(elf.R_ARM_RELATIVE),
	elf.EM_386:     uint32(elf.R_386_RELATIVE),
}

// SharedObject describes a library built around the loader_info protocol.
type SharedObject struct {
	Class   elf.Class
	Machine elf.Machine
	// Exports become functions returning ExportResult(i), listed both in the
	// exported symbol table and as dynamic symbols.
	Exports []string
	// Imports fill the imported_symbols table in order.
	Imports []string
	// Loose publishes imported_symbols, exported_symbols and the two cells
	// as dynamic symbols instead of a loader_info structure.
	Loose bool
	// NoHash leaves out DT_HASH so symbol counts fall back to the bound
	// between the symbol and string tables.
	NoHash bool
	// EntryTable makes the entry point a function returning the link-time
	// address of the exported symbol table.
	EntryTable bool
	// HideExportTable keeps the exported symbol table out of loader_info and
	// the dynamic symbols, leaving the entry point as the only way to it.
	HideExportTable bool
}

// ExportVaddr is the link-time address of the i-th export.
func ExportVaddr(i int) uint64 {
	return TextVaddr + 16*uint64(i)
}

// ExportResult is what the i-th export returns when called.
func ExportResult(i int) uintptr {
	return uintptr(42 + i)
}

// RelativeCount is the number of RELATIVE relocations in the object. One
// more relocation, of type NONE, is always present.
func (so SharedObject) RelativeCount() int {
	n := len(so.Imports) + 2*len(so.Exports)
	if !so.Loose {
		n += 3
		if so.publishExports() {
			n++
		}
	}
	return n
}

func (so SharedObject) publishExports() bool {
	return len(so.Exports) > 0 && !so.HideExportTable
}

// File lays the object out. It panics on more than eight exports or imports.
func (so SharedObject) File() File {
	if len(so.Exports) > maxNames || len(so.Imports) > maxNames {
		panic(fmt.Sprintf("elftest: at most %d exports and imports", maxNames))
	}
	class := so.Class
	if class == elf.ELFCLASSNONE {
		class = elf.ELFCLASS64
	}
	relative, ok := relativeTypes[so.Machine]
	if !ok {
		panic(fmt.Sprintf("elftest: no RELATIVE type for %s", so.Machine))
	}

	text := make([]byte, TextSize)
	for i := range so.Exports {
		copy(text[16*i:], returnConst(so.Machine, uint32(ExportResult(i))))
	}
	var entry uint64
	if so.EntryTable {
		entry = EntryVaddr
		copy(text[EntryVaddr-TextVaddr:], returnConst(so.Machine, ExportsVaddr))
	}

	data := NewBlob(class, DataVaddr, DataFilesz)
	word := data.WordSize()

	// String table.
	strOff := map[string]uint32{}
	next := uint64(StrtabVaddr + 1)
	addString := func(s string) uint64 {
		if off, ok := strOff[s]; ok {
			return StrtabVaddr + uint64(off)
		}
		strOff[s] = uint32(next - StrtabVaddr)
		va := next
		next = data.String(next, s)
		return va
	}

	// Dynamic symbols.
	type dynsym struct {
		name  string
		value uint64
		size  uint64
		typ   elf.SymType
	}
	syms := []dynsym{}
	if so.Loose {
		syms = append(syms,
			dynsym{"imported_symbols", ImportsVaddr, uint64(len(so.Imports)+1) * word, elf.STT_OBJECT},
			dynsym{"loader_handle", HandleCellVaddr, word, elf.STT_OBJECT},
			dynsym{"isos_trampoline", TrampolineCellVaddr, word, elf.STT_OBJECT},
		)
		if so.publishExports() {
			syms = append(syms, dynsym{"exported_symbols", ExportsVaddr, uint64(len(so.Exports)+1) * 2 * word, elf.STT_OBJECT})
		}
	} else {
		syms = append(syms, dynsym{"loader_info", LoaderInfoVaddr, 4 * word, elf.STT_OBJECT})
	}
	for i, name := range so.Exports {
		syms = append(syms, dynsym{name, ExportVaddr(i), 16, elf.STT_FUNC})
	}
	syms = append(syms, dynsym{"host_undefined", 0, 0, elf.STT_FUNC})

	for i, sym := range syms {
		va := SymtabVaddr + uint64(i+1)*data.SymSize()
		shndx := elf.SectionIndex(1)
		if sym.value == 0 {
			shndx = elf.SHN_UNDEF
		}
		name := uint32(addString(sym.name) - StrtabVaddr)
		data.Symbol(va, name, sym.value, sym.size, elf.STB_GLOBAL, sym.typ, shndx)
	}
	nsyms := uint32(len(syms) + 1)

	// Pointers are stored as link-time addresses with a RELATIVE fixup.
	relocs := 0
	relocate := func(where, value uint64) {
		data.Word(where, value)
		slot := RelocVaddr + uint64(relocs)*3*word
		if class == elf.ELFCLASS32 {
			slot = RelocVaddr + uint64(relocs)*2*word
			data.Rel(slot, where, relative)
		} else {
			data.Rela(slot, where, relative, int64(value))
		}
		relocs++
	}

	for i, name := range so.Imports {
		relocate(ImportsVaddr+uint64(i)*word, addString(name))
	}
	for i, name := range so.Exports {
		entry := ExportsVaddr + uint64(i)*2*word
		relocate(entry, addString(name))
		relocate(entry+word, ExportVaddr(i))
	}
	if !so.Loose {
		if so.publishExports() {
			relocate(LoaderInfoVaddr, ExportsVaddr)
		}
		relocate(LoaderInfoVaddr+word, ImportsVaddr)
		relocate(LoaderInfoVaddr+2*word, HandleCellVaddr)
		relocate(LoaderInfoVaddr+3*word, TrampolineCellVaddr)
	}
	// One relocation the loader has to skip.
	if class == elf.ELFCLASS32 {
		data.Rel(RelocVaddr+uint64(relocs)*2*word, ScratchVaddr, 0)
	} else {
		data.Rela(RelocVaddr+uint64(relocs)*3*word, ScratchVaddr, 0, 0)
	}
	relocs++

	if !so.NoHash {
		data.Uint32(HashVaddr, 1)
		data.Uint32(HashVaddr+4, nsyms)
		data.Uint32(HashVaddr+8, nsyms-1)
		for k := uint32(1); k < nsyms; k++ {
			data.Uint32(HashVaddr+12+4*uint64(k), k-1)
		}
	}

	dyn := [][2]uint64{
		{uint64(elf.DT_SYMTAB), SymtabVaddr},
		{uint64(elf.DT_STRTAB), StrtabVaddr},
		{uint64(elf.DT_STRSZ), next - StrtabVaddr},
		{uint64(elf.DT_SYMENT), data.SymSize()},
	}
	if !so.NoHash {
		dyn = append(dyn, [2]uint64{uint64(elf.DT_HASH), HashVaddr})
	}
	if class == elf.ELFCLASS32 {
		dyn = append(dyn,
			[2]uint64{uint64(elf.DT_REL), RelocVaddr},
			[2]uint64{uint64(elf.DT_RELSZ), uint64(relocs) * 2 * word},
			[2]uint64{uint64(elf.DT_RELENT), 2 * word},
		)
	} else {
		dyn = append(dyn,
			[2]uint64{uint64(elf.DT_RELA), RelocVaddr},
			[2]uint64{uint64(elf.DT_RELASZ), uint64(relocs) * 3 * word},
			[2]uint64{uint64(elf.DT_RELAENT), 3 * word},
		)
	}
	dynSize := data.Dynamic(DynamicVaddr, dyn...)

	return File{
		Class:   class,
		Machine: so.Machine,
		Entry:   entry,
		Segments: []Segment{
			{Flags: elf.PF_R | elf.PF_X, Vaddr: TextVaddr, Data: text},
			{Flags: elf.PF_R | elf.PF_W, Vaddr: DataVaddr, Data: data.Data, Memsz: DataMemsz},
			{Type: elf.PT_DYNAMIC, Flags: elf.PF_R | elf.PF_W, Vaddr: DynamicVaddr, Filesz: dynSize, Align: word},
		},
	}
}

// returnConst encodes a function that returns v.
func returnConst(machine elf.Machine, v uint32) []byte {
	le := binary.LittleEndian
	switch machine {
	case elf.EM_X86_64, elf.EM_386:
		code := []byte{0xb8, 0, 0, 0, 0, 0xc3} // mov $v, %eax; ret
		le.PutUint32(code[1:], v)
		return code
	case elf.EM_AARCH64:
		code := make([]byte, 8)
		le.PutUint32(code, 0xd2800000|(v&0xffff)<<5) // movz x0, #v
		le.PutUint32(code[4:], 0xd65f03c0)           // ret
		return code
	case elf.EM_ARM:
		code := make([]byte, 8)
		le.PutUint32(code, 0xe3000000|(v&0xf000)<<4|v&0xfff) // movw r0, #v
		le.PutUint32(code[4:], 0xe12fff1e)                   // bx lr
		return code
	}
	return nil
}
