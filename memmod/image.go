package memmod

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/samber/lo"
)

// VAddr is a link-time virtual address inside an image. It only becomes a
// process address through Image.Abs.
type VAddr uint64

// Image is a shared object mapped into a private reservation.
type Image struct {
	mu sync.Mutex

	mem      []byte
	minVaddr uint64
	pageSize uint64
	desc     *Descriptor
	segs     []Segment
	loads    []Segment
	arch     Arch
	logger   log.Logger

	relocated bool
	protected bool
	callEntry bool

	exportsOnce sync.Once
	exports     []Export
	exportsErr  error

	release func([]byte) error
}

func newImage(mem []byte, minVaddr uint64, desc *Descriptor, segs []Segment, arch Arch) *Image {
	return &Image{
		mem:       mem,
		minVaddr:  minVaddr,
		pageSize:  defaultPageSize,
		desc:      desc,
		segs:      segs,
		loads:     Loadable(segs),
		arch:      arch,
		logger:    log.NewNopLogger(),
		callEntry: true,
	}
}

const defaultPageSize = 4096

// Base is the load bias: the process address of link-time address zero.
func (img *Image) Base() uintptr {
	if len(img.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&img.mem[0])) - uintptr(img.minVaddr)
}

// Start is the first address of the reservation.
func (img *Image) Start() uintptr {
	if len(img.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&img.mem[0]))
}

// Size is the length of the reservation in bytes.
func (img *Image) Size() int {
	return len(img.mem)
}

func (img *Image) Descriptor() *Descriptor {
	return img.desc
}

func (img *Image) Segments() []Segment {
	return append([]Segment(nil), img.segs...)
}

func (img *Image) Arch() Arch {
	return img.arch
}

// Relocated reports whether Relocate has run.
func (img *Image) Relocated() bool {
	return img.relocated
}

// Protected reports whether final segment protections are in place.
func (img *Image) Protected() bool {
	return img.protected
}

func (img *Image) Abs(va VAddr) uintptr {
	return img.Base() + uintptr(va)
}

func (img *Image) FromAbs(addr uintptr) (VAddr, bool) {
	base := img.Base()
	if base == 0 && len(img.mem) == 0 {
		return 0, false
	}
	va := VAddr(addr - base)
	return va, img.contains(va, 1)
}

// Entry returns the entry point as a link-time address.
func (img *Image) Entry() VAddr {
	return VAddr(img.desc.Entry)
}

func (img *Image) segmentFor(va VAddr) (Segment, bool) {
	return lo.Find(img.loads, func(seg Segment) bool {
		return uint64(va) >= seg.Vaddr && uint64(va) < seg.end()
	})
}

func (img *Image) contains(va VAddr, n uint64) bool {
	if len(img.mem) == 0 {
		return false
	}
	seg, ok := img.segmentFor(va)
	if !ok {
		return false
	}
	if n == 0 {
		return true
	}
	end := uint64(va) + n
	return end > uint64(va) && end <= seg.end()
}

func (img *Image) executable(va VAddr) bool {
	seg, ok := img.segmentFor(va)
	return ok && seg.Flags&elf.PF_X != 0
}

// Bytes returns a view of n bytes at va. The view aliases the mapping and
// must not be used after Free.
func (img *Image) Bytes(va VAddr, n uint64) ([]byte, error) {
	if len(img.mem) == 0 {
		return nil, ErrImageClosed
	}
	if !img.contains(va, n) {
		return nil, fmt.Errorf("%w: [%#x,+%#x)", ErrOutOfImage, uint64(va), n)
	}
	off := uint64(va) - img.minVaddr
	return img.mem[off : off+n : off+n], nil
}

func (img *Image) wordSize() uint64 {
	return wordSize(img.desc.Class)
}

func (img *Image) readWord(va VAddr) (uint64, error) {
	buf, err := img.Bytes(va, img.wordSize())
	if err != nil {
		return 0, err
	}
	if len(buf) == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (img *Image) writeWord(va VAddr, value uint64) error {
	buf, err := img.Bytes(va, img.wordSize())
	if err != nil {
		return err
	}
	if len(buf) == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(value))
		return nil
	}
	binary.LittleEndian.PutUint64(buf, value)
	return nil
}

func (img *Image) readUint32(va VAddr) (uint32, error) {
	buf, err := img.Bytes(va, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// cString reads a NUL-terminated string of at most max bytes that lies
// entirely within one loaded segment.
func (img *Image) cString(va VAddr, max int) (string, error) {
	if len(img.mem) == 0 {
		return "", ErrImageClosed
	}
	seg, ok := img.segmentFor(va)
	if !ok {
		return "", fmt.Errorf("%w: string at %#x", ErrOutOfImage, uint64(va))
	}
	limit := seg.end() - uint64(va)
	if limit > uint64(max)+1 {
		limit = uint64(max) + 1
	}
	buf, err := img.Bytes(va, limit)
	if err != nil {
		return "", err
	}
	for i, ch := range buf {
		if ch == 0 {
			return string(buf[:i]), nil
		}
	}
	return "", fmt.Errorf("%w: unterminated string at %#x", ErrOutOfImage, uint64(va))
}

// Free releases the reservation. It is safe to call more than once.
func (img *Image) Free() error {
	if img == nil {
		return nil
	}
	img.mu.Lock()
	defer img.mu.Unlock()

	if len(img.mem) == 0 {
		return nil
	}
	mem := img.mem
	img.mem = nil
	img.exports = nil
	if img.release == nil {
		return nil
	}
	return img.release(mem)
}
