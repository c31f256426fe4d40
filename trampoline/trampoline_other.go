//go:build !(linux && cgo && (amd64 || arm64 || arm))

package trampoline

const Supported = false

// Address is zero when the host trampoline is not built in.
func Address() uintptr {
	return 0
}
