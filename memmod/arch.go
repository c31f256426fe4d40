package memmod

import (
	"debug/elf"
	"runtime"
)

// Arch describes the ELF flavour a host is able to load.
type Arch struct {
	Name         string
	Class        elf.Class
	Machine      elf.Machine
	RelativeType uint32
}

var knownArches = []Arch{
	{Name: "amd64", Class: elf.ELFCLASS64, Machine: elf.EM_X86_64, RelativeType: uint32(elf.R_X86_64_RELATIVE)},
	{Name: "arm64", Class: elf.ELFCLASS64, Machine: elf.EM_AARCH64, RelativeType: uint32(elf.R_AARCH64_RELATIVE)},
	{Name: "arm", Class: elf.ELFCLASS32, Machine: elf.EM_ARM, RelativeType: uint32(elf.R_ARM_RELATIVE)},
	{Name: "386", Class: elf.ELFCLASS32, Machine: elf.EM_386, RelativeType: uint32(elf.R_386_RELATIVE)},
}

// HostArch returns the profile of the running process. Unknown
// architectures get a zero class, which every descriptor fails.
func HostArch() Arch {
	for _, arch := range knownArches {
		if arch.Name == runtime.GOARCH {
			return arch
		}
	}
	return Arch{Name: runtime.GOARCH}
}

// ArchForMachine returns the profile for an ELF machine.
func ArchForMachine(machine elf.Machine) (Arch, bool) {
	for _, arch := range knownArches {
		if arch.Machine == machine {
			return arch, true
		}
	}
	return Arch{}, false
}

// WordSize is the size of a pointer in bytes.
func (arch Arch) WordSize() uint64 {
	return wordSize(arch.Class)
}

func wordSize(class elf.Class) uint64 {
	if class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

func headerSize(class elf.Class) uint16 {
	if class == elf.ELFCLASS32 {
		return 52
	}
	return 64
}

func progHeaderSize(class elf.Class) uint16 {
	if class == elf.ELFCLASS32 {
		return 32
	}
	return 56
}
