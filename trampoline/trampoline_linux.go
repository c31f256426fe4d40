//go:build linux && cgo && (amd64 || arm64 || arm)

package trampoline

/*
#include <stdint.h>

extern void soload_isos_trampoline(void);

static uintptr_t soload_trampoline_address(void) {
	return (uintptr_t)&soload_isos_trampoline;
}
*/
import "C"

// Supported reports whether this build carries the host trampoline.
const Supported = true

// Address is the entry of the host trampoline, the value stored in an
// image's isos_trampoline cell.
func Address() uintptr {
	return uintptr(C.soload_trampoline_address())
}
