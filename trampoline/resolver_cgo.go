//go:build linux && cgo && (amd64 || arm64 || arm)

package trampoline

/*
#include <stdint.h>
*/
import "C"

import "github.com/go-kit/log/level"

// soloadResolveImport is called by soload_isos_trampoline. Returning zero
// makes the trampoline trap instead of jumping.
//
//export soloadResolveImport
func soloadResolveImport(handle, id C.uintptr_t) C.uintptr_t {
	addr, err := Resolve(Token(handle), uint32(id))
	if err != nil {
		level.Error(currentLogger()).Log("msg", "trampoline resolution failed", "handle", uintptr(handle), "id", uint32(id), "err", err)
		return 0
	}
	return C.uintptr_t(addr)
}
