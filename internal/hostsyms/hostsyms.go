// Package hostsyms provides the host functions that demo libraries import
// through the trampoline.
package hostsyms

// Entry is one host function offered to loaded libraries.
type Entry struct {
	Name string
	Addr uintptr
}
