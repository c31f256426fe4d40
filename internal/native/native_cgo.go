//go:build cgo

package native

/*
#include <stdint.h>
#include <stddef.h>

typedef uintptr_t (*soload_fn0)(void);
typedef uintptr_t (*soload_fn1)(uintptr_t);
typedef uintptr_t (*soload_fn2)(uintptr_t, uintptr_t);

static uintptr_t soload_call0(uintptr_t fn) {
	return ((soload_fn0)fn)();
}

static uintptr_t soload_call1(uintptr_t fn, uintptr_t a0) {
	return ((soload_fn1)fn)(a0);
}

static uintptr_t soload_call2(uintptr_t fn, uintptr_t a0, uintptr_t a1) {
	return ((soload_fn2)fn)(a0, a1);
}

static void soload_clear_cache(uintptr_t start, size_t size) {
	__builtin___clear_cache((char *)start, (char *)(start + size));
}
*/
import "C"

// Supported reports whether this build can call native code.
const Supported = true

func Call0(fn uintptr) uintptr {
	return uintptr(C.soload_call0(C.uintptr_t(fn)))
}

func Call1(fn, a0 uintptr) uintptr {
	return uintptr(C.soload_call1(C.uintptr_t(fn), C.uintptr_t(a0)))
}

func Call2(fn, a0, a1 uintptr) uintptr {
	return uintptr(C.soload_call2(C.uintptr_t(fn), C.uintptr_t(a0), C.uintptr_t(a1)))
}

// ClearCache makes freshly written instructions in [start, start+size)
// visible to instruction fetch.
func ClearCache(start uintptr, size int) {
	C.soload_clear_cache(C.uintptr_t(start), C.size_t(size))
}
