package memmod

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
)

// DynamicEntry is one decoded entry of the dynamic table.
type DynamicEntry struct {
	Tag elf.DynTag
	Val uint64
}

// Packed relative relocation tags. debug/elf has no names for them.
const (
	DT_RELRSZ  elf.DynTag = 35
	DT_RELR    elf.DynTag = 36
	DT_RELRENT elf.DynTag = 37
)

// TagName is like elf.DynTag.String but also knows the RELR tags.
func TagName(tag elf.DynTag) string {
	switch tag {
	case DT_RELRSZ:
		return "DT_RELRSZ"
	case DT_RELR:
		return "DT_RELR"
	case DT_RELRENT:
		return "DT_RELRENT"
	}
	return tag.String()
}

func (ent DynamicEntry) String() string {
	return fmt.Sprintf("%s %#x", TagName(ent.Tag), ent.Val)
}

// DynamicEntries walks the mapped dynamic table up to its DT_NULL terminator.
func (img *Image) DynamicEntries() ([]DynamicEntry, error) {
	seg, ok := findSegment(img.segs, elf.PT_DYNAMIC)
	if !ok {
		return nil, errNoDynamic
	}
	if seg.Memsz == 0 {
		return nil, fmt.Errorf("%w: empty dynamic segment", ErrMalformedDynamic)
	}
	buf, err := img.Bytes(VAddr(seg.Vaddr), seg.Memsz)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDynamic, err)
	}
	return decodeDynamic(buf, img.desc.Class)
}

// ReadDynamic decodes the dynamic table straight from the file, without
// mapping anything.
func ReadDynamic(r io.ReaderAt, desc *Descriptor, segs []Segment) ([]DynamicEntry, error) {
	seg, ok := findSegment(segs, elf.PT_DYNAMIC)
	if !ok {
		return nil, nil
	}
	if size, ok := readerSize(r); ok && (seg.Offset > size || seg.Filesz > size-seg.Offset) {
		return nil, fmt.Errorf("%w: dynamic table [%#x,+%#x) in a %d byte file", ErrTruncatedSource, seg.Offset, seg.Filesz, size)
	}
	buf := make([]byte, seg.Filesz)
	if n, err := r.ReadAt(buf, int64(seg.Offset)); n != len(buf) {
		return nil, fmt.Errorf("%w: dynamic table: %v", ErrIO, err)
	}
	return decodeDynamic(buf, desc.Class)
}

func decodeDynamic(buf []byte, class elf.Class) ([]DynamicEntry, error) {
	word := int(wordSize(class))
	var entries []DynamicEntry
	for off := 0; off+2*word <= len(buf); off += 2 * word {
		var ent DynamicEntry
		if word == 4 {
			ent.Tag = elf.DynTag(int32(binary.LittleEndian.Uint32(buf[off:])))
			ent.Val = uint64(binary.LittleEndian.Uint32(buf[off+4:]))
		} else {
			ent.Tag = elf.DynTag(int64(binary.LittleEndian.Uint64(buf[off:])))
			ent.Val = binary.LittleEndian.Uint64(buf[off+8:])
		}
		if ent.Tag == elf.DT_NULL {
			return entries, nil
		}
		entries = append(entries, ent)
	}
	return nil, fmt.Errorf("%w: no DT_NULL within %d bytes", ErrMalformedDynamic, len(buf))
}

// dynamicTable indexes the first value of each tag.
type dynamicTable map[elf.DynTag]uint64

func newDynamicTable(entries []DynamicEntry) dynamicTable {
	table := make(dynamicTable, len(entries))
	for _, ent := range entries {
		if _, seen := table[ent.Tag]; !seen {
			table[ent.Tag] = ent.Val
		}
	}
	return table
}

func (table dynamicTable) get(tag elf.DynTag) (uint64, bool) {
	val, ok := table[tag]
	return val, ok
}

func (img *Image) dynamicTable() (dynamicTable, error) {
	entries, err := img.DynamicEntries()
	if err != nil {
		return nil, err
	}
	return newDynamicTable(entries), nil
}
