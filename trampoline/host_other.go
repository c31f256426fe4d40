//go:build !amd64 && !arm64 && !arm

package trampoline

func HostEmitter() (Emitter, bool) {
	return nil, false
}
