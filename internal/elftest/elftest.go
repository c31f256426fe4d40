// Package elftest builds small ELF shared objects for tests. The objects are
// laid out by hand so that every table sits at a known address.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// Segment is one program header plus the bytes it maps from the file.
type Segment struct {
	Type   elf.ProgType // zero means PT_LOAD
	Flags  elf.ProgFlag
	Vaddr  uint64
	Offset uint64 // zero means the same as Vaddr
	Data   []byte
	Filesz uint64 // zero means len(Data)
	Memsz  uint64 // zero means Filesz
	Align  uint64 // zero means 0x1000
}

func (seg Segment) offset() uint64 {
	if seg.Offset == 0 {
		return seg.Vaddr
	}
	return seg.Offset
}

func (seg Segment) filesz() uint64 {
	if seg.Filesz == 0 {
		return uint64(len(seg.Data))
	}
	return seg.Filesz
}

func (seg Segment) memsz() uint64 {
	if seg.Memsz == 0 {
		return seg.filesz()
	}
	return seg.Memsz
}

// File describes an ELF file. Zero header fields take the values a linker
// would write.
type File struct {
	Class     elf.Class
	Data      elf.Data
	Type      elf.Type
	Machine   elf.Machine
	Entry     uint64
	Ehsize    uint16
	Phentsize uint16
	Segments  []Segment
}

func (f File) class() elf.Class {
	if f.Class == elf.ELFCLASSNONE {
		return elf.ELFCLASS64
	}
	return f.Class
}

// Bytes renders the file: header, program headers, then segment data at
// each segment's offset.
func (f File) Bytes() []byte {
	class := f.class()
	ehsize, phentsize := uint16(64), uint16(56)
	if class == elf.ELFCLASS32 {
		ehsize, phentsize = 52, 32
	}
	if f.Ehsize != 0 {
		ehsize = f.Ehsize
	}
	if f.Phentsize != 0 {
		phentsize = f.Phentsize
	}
	data := f.Data
	if data == elf.ELFDATANONE {
		data = elf.ELFDATA2LSB
	}
	typ := f.Type
	if typ == elf.ET_NONE {
		typ = elf.ET_DYN
	}

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(class)
	ident[elf.EI_DATA] = byte(data)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var out bytes.Buffer
	// Program headers follow the real header even when Ehsize lies.
	phoff := uint64(64)
	if class == elf.ELFCLASS32 {
		phoff = 52
	}
	phnum := uint16(len(f.Segments))
	if class == elf.ELFCLASS32 {
		hdr := elf.Header32{
			Ident: ident, Type: uint16(typ), Machine: uint16(f.Machine), Version: uint32(elf.EV_CURRENT),
			Entry: uint32(f.Entry), Phoff: uint32(phoff), Ehsize: ehsize, Phentsize: phentsize, Phnum: phnum,
		}
		binary.Write(&out, binary.LittleEndian, &hdr)
	} else {
		hdr := elf.Header64{
			Ident: ident, Type: uint16(typ), Machine: uint16(f.Machine), Version: uint32(elf.EV_CURRENT),
			Entry: f.Entry, Phoff: phoff, Ehsize: ehsize, Phentsize: phentsize, Phnum: phnum,
		}
		binary.Write(&out, binary.LittleEndian, &hdr)
	}

	for _, seg := range f.Segments {
		typ := seg.Type
		if typ == elf.PT_NULL {
			typ = elf.PT_LOAD
		}
		align := seg.Align
		if align == 0 {
			align = 0x1000
		}
		if class == elf.ELFCLASS32 {
			binary.Write(&out, binary.LittleEndian, &elf.Prog32{
				Type: uint32(typ), Flags: uint32(seg.Flags), Off: uint32(seg.offset()), Vaddr: uint32(seg.Vaddr),
				Paddr: uint32(seg.Vaddr), Filesz: uint32(seg.filesz()), Memsz: uint32(seg.memsz()), Align: uint32(align),
			})
		} else {
			binary.Write(&out, binary.LittleEndian, &elf.Prog64{
				Type: uint32(typ), Flags: uint32(seg.Flags), Off: seg.offset(), Vaddr: seg.Vaddr,
				Paddr: seg.Vaddr, Filesz: seg.filesz(), Memsz: seg.memsz(), Align: align,
			})
		}
	}

	buf := out.Bytes()
	for _, seg := range f.Segments {
		if len(seg.Data) == 0 {
			continue
		}
		end := seg.offset() + uint64(len(seg.Data))
		if end > uint64(len(buf)) {
			buf = append(buf, make([]byte, end-uint64(len(buf)))...)
		}
		copy(buf[seg.offset():], seg.Data)
	}
	return buf
}

// Write stores the rendered file under t.TempDir and returns its path.
func (f File) Write(t testing.TB, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, f.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// Blob is the content of one segment, addressed by link-time address.
type Blob struct {
	Class elf.Class
	Vaddr uint64
	Data  []byte
}

func NewBlob(class elf.Class, vaddr uint64, size int) *Blob {
	return &Blob{Class: class, Vaddr: vaddr, Data: make([]byte, size)}
}

// WordSize is 4 for ELF32 and 8 otherwise.
func (b *Blob) WordSize() uint64 {
	if b.Class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

func (b *Blob) at(va uint64, n int) []byte {
	off := va - b.Vaddr
	return b.Data[off : off+uint64(n)]
}

func (b *Blob) Word(va, value uint64) {
	if b.Class == elf.ELFCLASS32 {
		binary.LittleEndian.PutUint32(b.at(va, 4), uint32(value))
		return
	}
	binary.LittleEndian.PutUint64(b.at(va, 8), value)
}

func (b *Blob) Uint32(va uint64, value uint32) {
	binary.LittleEndian.PutUint32(b.at(va, 4), value)
}

func (b *Blob) Put(va uint64, p []byte) {
	copy(b.at(va, len(p)), p)
}

// String writes s with its NUL terminator and returns the address after it.
func (b *Blob) String(va uint64, s string) uint64 {
	b.Put(va, append([]byte(s), 0))
	return va + uint64(len(s)) + 1
}

// Dynamic writes tag/value pairs followed by DT_NULL and returns the size
// of the table.
func (b *Blob) Dynamic(va uint64, entries ...[2]uint64) uint64 {
	word := b.WordSize()
	for i, ent := range entries {
		b.Word(va+uint64(i)*2*word, ent[0])
		b.Word(va+uint64(i)*2*word+word, ent[1])
	}
	b.Word(va+uint64(len(entries))*2*word, uint64(elf.DT_NULL))
	b.Word(va+uint64(len(entries))*2*word+word, 0)
	return uint64(len(entries)+1) * 2 * word
}

// SymSize is the size of one symbol table entry.
func (b *Blob) SymSize() uint64 {
	if b.Class == elf.ELFCLASS32 {
		return 16
	}
	return 24
}

// Symbol writes a symbol table entry at va.
func (b *Blob) Symbol(va uint64, name uint32, value, size uint64, bind elf.SymBind, typ elf.SymType, shndx elf.SectionIndex) {
	info := elf.ST_INFO(bind, typ)
	if b.Class == elf.ELFCLASS32 {
		b.Uint32(va, name)
		b.Uint32(va+4, uint32(value))
		b.Uint32(va+8, uint32(size))
		b.Put(va+12, []byte{info, 0})
		binary.LittleEndian.PutUint16(b.at(va+14, 2), uint16(shndx))
		return
	}
	b.Uint32(va, name)
	b.Put(va+4, []byte{info, 0})
	binary.LittleEndian.PutUint16(b.at(va+6, 2), uint16(shndx))
	binary.LittleEndian.PutUint64(b.at(va+8, 8), value)
	binary.LittleEndian.PutUint64(b.at(va+16, 8), size)
}

// Rela writes one RELA entry; ELF32 entries carry the type in the low byte
// of info.
func (b *Blob) Rela(va, where uint64, typ uint32, addend int64) {
	word := b.WordSize()
	b.Word(va, where)
	b.Word(va+word, b.info(typ))
	b.Word(va+2*word, uint64(addend))
}

// Rel writes one REL entry.
func (b *Blob) Rel(va, where uint64, typ uint32) {
	b.Word(va, where)
	b.Word(va+b.WordSize(), b.info(typ))
}

func (b *Blob) info(typ uint32) uint64 {
	if b.Class == elf.ELFCLASS32 {
		return uint64(typ & 0xff)
	}
	return uint64(typ)
}
