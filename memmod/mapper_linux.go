//go:build linux && (386 || amd64 || arm || arm64)

package memmod

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// Load maps the loadable segments of desc into one fresh reservation. The
// returned image is writable everywhere it is backed; call Relocate and then
// Protect before running any of its code.
func Load(f *os.File, desc *Descriptor, segs []Segment, opts ...LoadOption) (*Image, error) {
	cfg := newLoadConfig(opts)
	pageSize := uint64(unix.Getpagesize())
	if cfg.pageSize > pageSize {
		pageSize = cfg.pageSize
	}

	loads := Loadable(segs)
	if len(loads) == 0 {
		return nil, ErrNoLoadableSegments
	}
	if err := ValidateLayout(segs); err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, f.Name(), err)
	}
	fileSize := uint64(info.Size())
	for i, seg := range loads {
		if seg.Offset > fileSize || seg.Filesz > fileSize-seg.Offset {
			return nil, fmt.Errorf("%w: segment %d needs [%#x,%#x), file has %#x bytes", ErrTruncatedSource, i, seg.Offset, seg.Offset+seg.Filesz, fileSize)
		}
	}

	minVaddr, maxVaddr := loadSpan(loads, pageSize)
	size := maxVaddr - minVaddr
	ptr, err := unix.MmapPtr(-1, 0, nil, uintptr(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes: %v", ErrReservationFailed, size, os.NewSyscallError("mmap", err))
	}

	img := newImage(unsafe.Slice((*byte)(ptr), size), minVaddr, desc, segs, cfg.arch)
	img.pageSize = pageSize
	img.logger = cfg.logger
	img.callEntry = cfg.entryPoint
	img.release = func(mem []byte) error {
		untrackReservation(uintptr(unsafe.Pointer(&mem[0])))
		return os.NewSyscallError("munmap", unix.MunmapPtr(unsafe.Pointer(&mem[0]), uintptr(len(mem))))
	}
	trackReservation(uintptr(ptr), size)

	var prevPageEnd uint64
	for i, seg := range loads {
		if err := img.mapSegment(f, seg, prevPageEnd); err != nil {
			freeErr := img.Free()
			return nil, errors.Join(fmt.Errorf("segment %d: %w", i, err), freeErr)
		}
		prevPageEnd = alignUp(seg.end(), pageSize)
	}

	level.Debug(img.logger).Log("msg", "mapped image", "base", fmt.Sprintf("%#x", img.Base()), "size", size, "segments", len(loads))
	return img, nil
}

// view returns the reservation bytes for the link-time range [start, end).
func (img *Image) view(start, end uint64) []byte {
	return img.mem[start-img.minVaddr : end-img.minVaddr]
}

func (img *Image) mapSegment(f *os.File, seg Segment, prevPageEnd uint64) error {
	pageStart := alignDown(seg.Vaddr, img.pageSize)
	fileEnd := seg.Vaddr + seg.Filesz
	filePageEnd := alignUp(fileEnd, img.pageSize)

	if seg.Filesz > 0 {
		if err := unix.Mprotect(img.view(pageStart, filePageEnd), unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return fmt.Errorf("%w: mprotect: %v", ErrSegmentMapFailed, err)
		}
		congruent := seg.Offset%img.pageSize == seg.Vaddr%img.pageSize
		if congruent && pageStart >= prevPageEnd {
			if err := img.mapFile(f, seg, pageStart, filePageEnd); err != nil {
				return err
			}
		} else if err := pread(f, img.view(seg.Vaddr, fileEnd), seg.Offset); err != nil {
			return fmt.Errorf("%w: %v", ErrSegmentMapFailed, err)
		}
	}

	if seg.Memsz > seg.Filesz {
		bssPageStart := alignDown(fileEnd, img.pageSize)
		bssPageEnd := alignUp(seg.end(), img.pageSize)
		if err := unix.Mprotect(img.view(bssPageStart, bssPageEnd), unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return fmt.Errorf("%w: %v", ErrBSSProtectionFailed, err)
		}
		clear(img.view(fileEnd, seg.end()))
	}
	return nil
}

// mapFile maps the file pages behind seg over the reservation.
func (img *Image) mapFile(f *os.File, seg Segment, pageStart, pageEnd uint64) error {
	dst := img.view(pageStart, pageEnd)
	offset := alignDown(seg.Offset, img.pageSize)
	_, err := unix.MmapPtr(int(f.Fd()), int64(offset), unsafe.Pointer(&dst[0]), uintptr(len(dst)),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_FIXED)
	if err != nil {
		return fmt.Errorf("%w: mmap offset %#x: %v", ErrSegmentMapFailed, offset, err)
	}
	// The last page carries whatever follows the segment in the file.
	if tail := seg.Vaddr + seg.Filesz; tail < pageEnd {
		clear(img.view(tail, pageEnd))
	}
	return nil
}

func pread(f *os.File, dst []byte, offset uint64) error {
	fd := int(f.Fd())
	for read := 0; read < len(dst); {
		n, err := unix.Pread(fd, dst[read:], int64(offset)+int64(read))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("pread at %#x: %w", offset+uint64(read), err)
		}
		if n <= 0 {
			return fmt.Errorf("pread at %#x: short read (%d/%d)", offset, read, len(dst))
		}
		read += n
	}
	return nil
}
