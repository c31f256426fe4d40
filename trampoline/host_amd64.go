package trampoline

// HostEmitter returns the emitter for the architecture this binary runs on.
func HostEmitter() (Emitter, bool) {
	return x86Emitter{}, true
}
