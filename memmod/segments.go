package memmod

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"

	"github.com/samber/lo"
)

// Segment is one program header entry.
type Segment struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Offset uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

func (seg Segment) end() uint64 {
	return seg.Vaddr + seg.Memsz
}

func (seg Segment) String() string {
	return fmt.Sprintf("%s %s off=%#x vaddr=%#x filesz=%#x memsz=%#x align=%#x",
		seg.Type, seg.Flags, seg.Offset, seg.Vaddr, seg.Filesz, seg.Memsz, seg.Align)
}

// ReadSegments decodes the program header table described by desc.
func ReadSegments(r io.ReaderAt, desc *Descriptor) ([]Segment, error) {
	if want := progHeaderSize(desc.Class); desc.Phentsize != want {
		return nil, fmt.Errorf("%w: e_phentsize %d, expected %d", ErrSizeMismatch, desc.Phentsize, want)
	}
	if desc.Phnum == 0 {
		return nil, ErrNoSegments
	}
	tableSize := uint64(desc.Phnum) * uint64(desc.Phentsize)
	if size, ok := readerSize(r); ok && (desc.Phoff > size || tableSize > size-desc.Phoff) {
		return nil, fmt.Errorf("%w: %d program headers at %#x exceed file size %d", ErrOutOfMemory, desc.Phnum, desc.Phoff, size)
	}

	raw := make([]byte, tableSize)
	n, err := r.ReadAt(raw, int64(desc.Phoff))
	if n != len(raw) {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: program headers: %v", ErrIO, err)
	}

	order := desc.byteOrder()
	rd := bytes.NewReader(raw)
	segs := make([]Segment, 0, desc.Phnum)
	for i := 0; i < int(desc.Phnum); i++ {
		var seg Segment
		if desc.Class == elf.ELFCLASS64 {
			var ph elf.Prog64
			if err := binary.Read(rd, order, &ph); err != nil {
				return nil, fmt.Errorf("%w: program header %d: %v", ErrIO, i, err)
			}
			seg = Segment{
				Type:   elf.ProgType(ph.Type),
				Flags:  elf.ProgFlag(ph.Flags),
				Offset: ph.Off,
				Vaddr:  ph.Vaddr,
				Filesz: ph.Filesz,
				Memsz:  ph.Memsz,
				Align:  ph.Align,
			}
		} else {
			var ph elf.Prog32
			if err := binary.Read(rd, order, &ph); err != nil {
				return nil, fmt.Errorf("%w: program header %d: %v", ErrIO, i, err)
			}
			seg = Segment{
				Type:   elf.ProgType(ph.Type),
				Flags:  elf.ProgFlag(ph.Flags),
				Offset: uint64(ph.Off),
				Vaddr:  uint64(ph.Vaddr),
				Filesz: uint64(ph.Filesz),
				Memsz:  uint64(ph.Memsz),
				Align:  uint64(ph.Align),
			}
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// Loadable returns the PT_LOAD entries in table order.
func Loadable(segs []Segment) []Segment {
	return lo.Filter(segs, func(seg Segment, _ int) bool {
		return seg.Type == elf.PT_LOAD
	})
}

// ValidateLayout checks the loadable segments before anything is mapped.
func ValidateLayout(segs []Segment) error {
	loads := Loadable(segs)
	if len(loads) == 0 {
		return ErrNoLoadableSegments
	}
	for i, seg := range loads {
		if seg.Memsz < seg.Filesz {
			return fmt.Errorf("%w: segment %d memsz %#x < filesz %#x", ErrSizeMismatch, i, seg.Memsz, seg.Filesz)
		}
		if seg.Vaddr+seg.Memsz < seg.Vaddr {
			return fmt.Errorf("%w: segment %d wraps the address space", ErrSegmentOverlap, i)
		}
		if seg.Align > 1 && seg.Align&(seg.Align-1) == 0 && seg.Vaddr%seg.Align != seg.Offset%seg.Align {
			return fmt.Errorf("%w: segment %d vaddr %#x and offset %#x differ modulo %#x", ErrAlignmentViolation, i, seg.Vaddr, seg.Offset, seg.Align)
		}
		if i == 0 {
			continue
		}
		prev := loads[i-1]
		if seg.Vaddr < prev.Vaddr || seg.Vaddr < prev.end() {
			return fmt.Errorf("%w: segment %d [%#x,%#x) after [%#x,%#x)", ErrSegmentOverlap, i, seg.Vaddr, seg.end(), prev.Vaddr, prev.end())
		}
	}
	return nil
}

func findSegment(segs []Segment, typ elf.ProgType) (Segment, bool) {
	return lo.Find(segs, func(seg Segment) bool {
		return seg.Type == typ
	})
}

// loadSpan returns the page-rounded [min, max) covered by the loadable segments.
func loadSpan(loads []Segment, pageSize uint64) (uint64, uint64) {
	sorted := append([]Segment(nil), loads...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Vaddr < sorted[j].Vaddr })
	last := lo.MaxBy(sorted, func(a, b Segment) bool { return a.end() > b.end() })
	return alignDown(sorted[0].Vaddr, pageSize), alignUp(last.end(), pageSize)
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	return value &^ (align - 1)
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	return (value + align - 1) &^ (align - 1)
}

func readerSize(r io.ReaderAt) (uint64, bool) {
	switch v := r.(type) {
	case interface{ Size() int64 }:
		return uint64(v.Size()), true
	case interface{ Stat() (fs.FileInfo, error) }:
		info, err := v.Stat()
		if err != nil {
			return 0, false
		}
		return uint64(info.Size()), true
	}
	return 0, false
}
