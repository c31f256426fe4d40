//go:build cgo

package hostsyms

/*
#include <stdint.h>

static const char *new_foo(void) {
	return "Hello from new_foo()";
}

static const char *new_bar(void) {
	return "Hello from new_bar()";
}

static uintptr_t soload_host_add(uintptr_t a, uintptr_t b) {
	return a + b;
}

static uintptr_t soload_host_answer(void) {
	return 42;
}

static uintptr_t host_addr(int which) {
	switch (which) {
	case 0: return (uintptr_t)&new_foo;
	case 1: return (uintptr_t)&new_bar;
	case 2: return (uintptr_t)&soload_host_add;
	case 3: return (uintptr_t)&soload_host_answer;
	}
	return 0;
}
*/
import "C"

const Supported = true

// Table returns new_foo, new_bar, soload_host_add and soload_host_answer, in
// that order.
func Table() []Entry {
	names := []string{"new_foo", "new_bar", "soload_host_add", "soload_host_answer"}
	table := make([]Entry, 0, len(names))
	for i, name := range names {
		table = append(table, Entry{Name: name, Addr: uintptr(C.host_addr(C.int(i)))})
	}
	return table
}
