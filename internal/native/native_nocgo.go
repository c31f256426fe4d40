//go:build !cgo

package native

const Supported = false

func Call0(fn uintptr) uintptr {
	panic("native: Call0 requires cgo")
}

func Call1(fn, a0 uintptr) uintptr {
	panic("native: Call1 requires cgo")
}

func Call2(fn, a0, a1 uintptr) uintptr {
	panic("native: Call2 requires cgo")
}

func ClearCache(start uintptr, size int) {}
