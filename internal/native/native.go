// Package native calls into machine code that was not produced by the Go
// toolchain: entry points of loaded images and host C helpers.
package native

import "unsafe"

// CString copies the NUL-terminated string at ptr, reading at most max bytes.
// The memory must be readable; callers validate ptr first.
func CString(ptr uintptr, max int) string {
	if ptr == 0 {
		return ""
	}
	buf := make([]byte, 0, 64)
	for i := 0; i < max; i++ {
		ch := *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
		if ch == 0 {
			break
		}
		buf = append(buf, ch)
	}
	return string(buf)
}
