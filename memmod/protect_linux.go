//go:build linux && (386 || amd64 || arm || arm64)

package memmod

import (
	"debug/elf"
	"fmt"

	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

type protRange struct {
	start uint64
	end   uint64
	prot  int
}

func progProt(flags elf.ProgFlag) int {
	prot := unix.PROT_NONE
	if flags&elf.PF_R != 0 {
		prot |= unix.PROT_READ
	}
	if flags&elf.PF_W != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// protectionPlan computes page-aligned ranges and their final protection.
// A page shared by two segments gets the union of both.
func protectionPlan(loads []Segment, pageSize uint64) []protRange {
	pages := make(map[uint64]int)
	var order []uint64
	for _, seg := range loads {
		if seg.Memsz == 0 {
			continue
		}
		prot := progProt(seg.Flags)
		for page := alignDown(seg.Vaddr, pageSize); page < seg.end(); page += pageSize {
			if _, seen := pages[page]; !seen {
				order = append(order, page)
			}
			pages[page] |= prot
		}
	}

	var plan []protRange
	for _, page := range order {
		prot := pages[page]
		if n := len(plan); n > 0 && plan[n-1].end == page && plan[n-1].prot == prot {
			plan[n-1].end = page + pageSize
			continue
		}
		plan = append(plan, protRange{start: page, end: page + pageSize, prot: prot})
	}
	return plan
}

// Protect applies the final segment protections. It runs once, after
// relocation and after the loader cells have been written.
func (img *Image) Protect() error {
	img.mu.Lock()
	defer img.mu.Unlock()

	if len(img.mem) == 0 {
		return ErrImageClosed
	}
	if !img.relocated {
		return fmt.Errorf("%w: image is not relocated", ErrProtectFailed)
	}
	if img.protected {
		return nil
	}
	for _, rng := range protectionPlan(img.loads, img.pageSize) {
		if err := unix.Mprotect(img.view(rng.start, rng.end), rng.prot); err != nil {
			return fmt.Errorf("%w: [%#x,%#x) prot %#x: %v", ErrProtectFailed, rng.start, rng.end, rng.prot, err)
		}
	}
	img.protected = true
	level.Debug(img.logger).Log("msg", "applied segment protections", "base", fmt.Sprintf("%#x", img.Base()))
	return nil
}
