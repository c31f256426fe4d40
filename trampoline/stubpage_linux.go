//go:build linux

package trampoline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sliverarmory/soload/internal/native"
)

const stubHeader = 16

// StubPage is an executable page of import stubs built at run time. The
// first bytes hold the handle cell and the trampoline cell every stub reads.
type StubPage struct {
	mu    sync.Mutex
	mem   []byte
	slot  int
	count int
}

// NewStubPage writes one stub per id, all bound to token and trampoline, and
// seals the page read/execute.
func NewStubPage(emitter Emitter, token Token, trampoline uintptr, ids []uint32) (*StubPage, error) {
	if len(ids) == 0 {
		return nil, errors.New("no import ids")
	}
	slot := (emitter.StubSize() + 15) &^ 15
	pageSize := unix.Getpagesize()
	size := (stubHeader + slot*len(ids) + pageSize - 1) &^ (pageSize - 1)

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("map stub page: %w", os.NewSyscallError("mmap", err))
	}

	base := uintptr(unsafe.Pointer(&mem[0]))
	word := 8
	if emitter.Arch() == "arm" {
		word = 4
	}
	putWord(mem[0:], word, uint64(token))
	putWord(mem[word:], word, uint64(trampoline))

	for i, id := range ids {
		off := stubHeader + i*slot
		code := emitter.EncodeStub(id, base, base+uintptr(word))
		copy(mem[off:off+slot], code)
	}
	native.ClearCache(base, size)

	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("seal stub page: %w", os.NewSyscallError("mprotect", err))
	}
	return &StubPage{mem: mem, slot: slot, count: len(ids)}, nil
}

func putWord(dst []byte, word int, value uint64) {
	if word == 4 {
		binary.LittleEndian.PutUint32(dst, uint32(value))
		return
	}
	binary.LittleEndian.PutUint64(dst, value)
}

// Stub returns the address of the i-th stub.
func (page *StubPage) Stub(i int) (uintptr, error) {
	page.mu.Lock()
	defer page.mu.Unlock()

	if page.mem == nil {
		return 0, errors.New("stub page is closed")
	}
	if i < 0 || i >= page.count {
		return 0, fmt.Errorf("stub %d out of range [0,%d)", i, page.count)
	}
	return uintptr(unsafe.Pointer(&page.mem[stubHeader+i*page.slot])), nil
}

// Len is the number of stubs on the page.
func (page *StubPage) Len() int {
	return page.count
}

// Close unmaps the page. It is safe to call more than once.
func (page *StubPage) Close() error {
	page.mu.Lock()
	defer page.mu.Unlock()

	if page.mem == nil {
		return nil
	}
	mem := page.mem
	page.mem = nil
	return os.NewSyscallError("munmap", unix.Munmap(mem))
}
