//go:build !cgo

package hostsyms

const Supported = false

// Table is empty without cgo: there is no C code to point at.
func Table() []Entry {
	return nil
}
