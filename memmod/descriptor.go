package memmod

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// Descriptor is the decoded ELF file header. It is never modified after
// ParseDescriptor returns.
type Descriptor struct {
	Ident     [elf.EI_NIDENT]byte
	Class     elf.Class
	Data      elf.Data
	Type      elf.Type
	Machine   elf.Machine
	Entry     uint64
	Phoff     uint64
	Phentsize uint16
	Phnum     uint16
	Ehsize    uint16
}

// OpenDescriptor opens path and parses its header. The returned file is
// positioned nowhere in particular; callers read it with ReadAt.
func OpenDescriptor(path string) (*Descriptor, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	desc, err := ParseDescriptor(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return desc, f, nil
}

// ParseDescriptor reads the fixed-size header at the start of r.
func ParseDescriptor(r io.ReaderAt) (*Descriptor, error) {
	buf := make([]byte, headerSize(elf.ELFCLASS64))
	n, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: read header: %v", ErrIO, err)
	}
	buf = buf[:n]
	if n < elf.EI_NIDENT {
		return nil, fmt.Errorf("%w: %d bytes, identification needs %d", ErrTruncated, n, elf.EI_NIDENT)
	}
	if !bytes.Equal(buf[:len(elf.ELFMAG)], []byte(elf.ELFMAG)) {
		return nil, fmt.Errorf("%w: % x", ErrBadMagic, buf[:len(elf.ELFMAG)])
	}

	desc := &Descriptor{
		Class: elf.Class(buf[elf.EI_CLASS]),
		Data:  elf.Data(buf[elf.EI_DATA]),
	}
	copy(desc.Ident[:], buf[:elf.EI_NIDENT])

	var order binary.ByteOrder = binary.LittleEndian
	if desc.Data == elf.ELFDATA2MSB {
		order = binary.BigEndian
	}

	switch desc.Class {
	case elf.ELFCLASS64:
		var hdr elf.Header64
		if n < int(headerSize(elf.ELFCLASS64)) {
			return nil, fmt.Errorf("%w: %d bytes, ELF64 header needs %d", ErrTruncated, n, headerSize(elf.ELFCLASS64))
		}
		if err := binary.Read(bytes.NewReader(buf), order, &hdr); err != nil {
			return nil, fmt.Errorf("%w: decode header: %v", ErrTruncated, err)
		}
		desc.Type = elf.Type(hdr.Type)
		desc.Machine = elf.Machine(hdr.Machine)
		desc.Entry = hdr.Entry
		desc.Phoff = hdr.Phoff
		desc.Phentsize = hdr.Phentsize
		desc.Phnum = hdr.Phnum
		desc.Ehsize = hdr.Ehsize
	case elf.ELFCLASS32:
		var hdr elf.Header32
		if n < int(headerSize(elf.ELFCLASS32)) {
			return nil, fmt.Errorf("%w: %d bytes, ELF32 header needs %d", ErrTruncated, n, headerSize(elf.ELFCLASS32))
		}
		if err := binary.Read(bytes.NewReader(buf), order, &hdr); err != nil {
			return nil, fmt.Errorf("%w: decode header: %v", ErrTruncated, err)
		}
		desc.Type = elf.Type(hdr.Type)
		desc.Machine = elf.Machine(hdr.Machine)
		desc.Entry = uint64(hdr.Entry)
		desc.Phoff = uint64(hdr.Phoff)
		desc.Phentsize = hdr.Phentsize
		desc.Phnum = hdr.Phnum
		desc.Ehsize = hdr.Ehsize
	}
	// Unknown classes keep only the identification bytes; Validate rejects them.
	return desc, nil
}

// Validate checks the descriptor against the host profile. The order of the
// checks is fixed: magic, class, object type, header size, program header
// entry size, segment count, then data encoding and machine.
func (desc *Descriptor) Validate(host Arch) error {
	if !bytes.Equal(desc.Ident[:len(elf.ELFMAG)], []byte(elf.ELFMAG)) {
		return fmt.Errorf("magic check: %w", ErrBadMagic)
	}
	if desc.Class != host.Class {
		return fmt.Errorf("class check: %w: %s, host needs %s", ErrWrongClass, desc.Class, host.Class)
	}
	if desc.Type != elf.ET_DYN {
		return fmt.Errorf("type check: %w: %s", ErrWrongType, desc.Type)
	}
	if want := headerSize(desc.Class); desc.Ehsize != want {
		return fmt.Errorf("header size check: %w: e_ehsize %d, expected %d", ErrSizeMismatch, desc.Ehsize, want)
	}
	if want := progHeaderSize(desc.Class); desc.Phentsize != want {
		return fmt.Errorf("program header size check: %w: e_phentsize %d, expected %d", ErrSizeMismatch, desc.Phentsize, want)
	}
	if desc.Phnum == 0 {
		return fmt.Errorf("segment count check: %w", ErrNoSegments)
	}
	if desc.Data != elf.ELFDATA2LSB {
		return fmt.Errorf("encoding check: %w: %s", ErrWrongEncoding, desc.Data)
	}
	if desc.Machine != host.Machine {
		return fmt.Errorf("machine check: %w: provided %s, expected %s", ErrWrongMachine, desc.Machine, host.Machine)
	}
	return nil
}

func (desc *Descriptor) byteOrder() binary.ByteOrder {
	if desc.Data == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
