package memmod

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-kit/log/level"
)

// RelocStats counts what Relocate did.
type RelocStats struct {
	Applied int
	Packed  int
	Skipped int
}

func (stats RelocStats) Total() int {
	return stats.Applied + stats.Packed + stats.Skipped
}

// Relocate applies the base-relative fixups of the image. Only the host's
// RELATIVE type is honored; everything else is counted as skipped. An image
// is relocated at most once.
func (img *Image) Relocate() (RelocStats, error) {
	var stats RelocStats

	img.mu.Lock()
	defer img.mu.Unlock()
	if len(img.mem) == 0 {
		return stats, ErrImageClosed
	}
	if img.relocated {
		return stats, ErrAlreadyRelocated
	}
	if img.protected {
		return stats, fmt.Errorf("%w: image is already protected", ErrAlreadyRelocated)
	}
	img.relocated = true

	table, err := img.dynamicTable()
	if errors.Is(err, errNoDynamic) {
		level.Debug(img.logger).Log("msg", "no dynamic segment, nothing to relocate")
		return stats, nil
	}
	if err != nil {
		return stats, err
	}

	if err := img.applyRela(table, &stats); err != nil {
		return stats, err
	}
	if err := img.applyRel(table, &stats); err != nil {
		return stats, err
	}
	if err := img.applyRelr(table, &stats); err != nil {
		return stats, err
	}

	level.Debug(img.logger).Log("msg", "relocated image", "applied", stats.Applied, "packed", stats.Packed, "skipped", stats.Skipped)
	return stats, nil
}

// relocTable returns the bytes of the table named by addrTag/sizeTag and its
// entry size.
func (img *Image) relocTable(table dynamicTable, addrTag, sizeTag, entTag elf.DynTag, defaultEnt uint64) ([]byte, uint64, error) {
	addr, ok := table.get(addrTag)
	if !ok {
		return nil, 0, nil
	}
	size, _ := table.get(sizeTag)
	if size == 0 {
		return nil, 0, nil
	}
	ent, ok := table.get(entTag)
	if !ok || ent == 0 {
		ent = defaultEnt
	}
	if ent != defaultEnt {
		return nil, 0, fmt.Errorf("%w: %s %d, expected %d", ErrMalformedDynamic, entTag, ent, defaultEnt)
	}
	buf, err := img.Bytes(VAddr(addr), size)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s table: %v", ErrMalformedDynamic, addrTag, err)
	}
	return buf, ent, nil
}

func (img *Image) relocType(info uint64) uint32 {
	if img.desc.Class == elf.ELFCLASS32 {
		return uint32(info & 0xff)
	}
	return uint32(info)
}

func (img *Image) applyRela(table dynamicTable, stats *RelocStats) error {
	word := img.wordSize()
	buf, ent, err := img.relocTable(table, elf.DT_RELA, elf.DT_RELASZ, elf.DT_RELAENT, 3*word)
	if err != nil || buf == nil {
		return err
	}
	base := uint64(img.Base())
	for off := uint64(0); off+ent <= uint64(len(buf)); off += ent {
		var where, info, addend uint64
		if word == 4 {
			where = uint64(binary.LittleEndian.Uint32(buf[off:]))
			info = uint64(binary.LittleEndian.Uint32(buf[off+4:]))
			addend = uint64(int64(int32(binary.LittleEndian.Uint32(buf[off+8:]))))
		} else {
			where = binary.LittleEndian.Uint64(buf[off:])
			info = binary.LittleEndian.Uint64(buf[off+8:])
			addend = binary.LittleEndian.Uint64(buf[off+16:])
		}
		if img.relocType(info) != img.arch.RelativeType {
			stats.Skipped++
			continue
		}
		if err := img.writeWord(VAddr(where), base+addend); err != nil {
			return fmt.Errorf("relocation at %#x: %w", where, err)
		}
		stats.Applied++
	}
	return nil
}

func (img *Image) applyRel(table dynamicTable, stats *RelocStats) error {
	word := img.wordSize()
	buf, ent, err := img.relocTable(table, elf.DT_REL, elf.DT_RELSZ, elf.DT_RELENT, 2*word)
	if err != nil || buf == nil {
		return err
	}
	base := uint64(img.Base())
	for off := uint64(0); off+ent <= uint64(len(buf)); off += ent {
		var where, info uint64
		if word == 4 {
			where = uint64(binary.LittleEndian.Uint32(buf[off:]))
			info = uint64(binary.LittleEndian.Uint32(buf[off+4:]))
		} else {
			where = binary.LittleEndian.Uint64(buf[off:])
			info = binary.LittleEndian.Uint64(buf[off+8:])
		}
		if img.relocType(info) != img.arch.RelativeType {
			stats.Skipped++
			continue
		}
		addend, err := img.readWord(VAddr(where))
		if err != nil {
			return fmt.Errorf("relocation at %#x: %w", where, err)
		}
		if err := img.writeWord(VAddr(where), base+addend); err != nil {
			return fmt.Errorf("relocation at %#x: %w", where, err)
		}
		stats.Applied++
	}
	return nil
}

// applyRelr decodes packed relative relocations: an even word is an address
// to fix, an odd word is a bitmap covering the next wordbits-1 slots.
func (img *Image) applyRelr(table dynamicTable, stats *RelocStats) error {
	word := img.wordSize()
	buf, ent, err := img.relocTable(table, DT_RELR, DT_RELRSZ, DT_RELRENT, word)
	if err != nil || buf == nil {
		return err
	}
	base := uint64(img.Base())
	bits := word*8 - 1

	fix := func(where uint64) error {
		val, err := img.readWord(VAddr(where))
		if err != nil {
			return fmt.Errorf("packed relocation at %#x: %w", where, err)
		}
		if err := img.writeWord(VAddr(where), val+base); err != nil {
			return fmt.Errorf("packed relocation at %#x: %w", where, err)
		}
		stats.Packed++
		return nil
	}

	var where uint64
	for off := uint64(0); off+ent <= uint64(len(buf)); off += ent {
		var entry uint64
		if word == 4 {
			entry = uint64(binary.LittleEndian.Uint32(buf[off:]))
		} else {
			entry = binary.LittleEndian.Uint64(buf[off:])
		}
		if entry&1 == 0 {
			where = entry
			if err := fix(where); err != nil {
				return err
			}
			where += word
			continue
		}
		for i, bitmap := uint64(0), entry>>1; bitmap != 0; i, bitmap = i+1, bitmap>>1 {
			if bitmap&1 != 0 {
				if err := fix(where + i*word); err != nil {
					return err
				}
			}
		}
		where += bits * word
	}
	return nil
}
