//go:build !linux || !(386 || amd64 || arm || arm64)

package memmod

import "os"

func Load(f *os.File, desc *Descriptor, segs []Segment, opts ...LoadOption) (*Image, error) {
	_, _, _, _ = f, desc, segs, opts
	return nil, ErrUnsupportedPlatform
}

func (img *Image) Protect() error {
	return ErrUnsupportedPlatform
}
