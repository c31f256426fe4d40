// Package trampoline bridges calls made by a loaded image to host functions.
//
// Each import of an image is a small stub that pushes its import identifier
// and the image's handle token, then jumps to one host trampoline. The
// trampoline asks Resolve for the target and tail-jumps to it with the
// caller's arguments intact.
package trampoline

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
)

var (
	ErrUnknownHandle  = errors.New("unknown trampoline handle")
	ErrUnknownImport  = errors.New("unknown import identifier")
	ErrNoResolveTable = errors.New("no resolve table")
	ErrImportNotFound = errors.New("import not found in resolve table")
)

// Resolver maps an import identifier to a host function address.
type Resolver interface {
	ResolveImport(id uint32) (uintptr, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(id uint32) (uintptr, error)

func (fn ResolverFunc) ResolveImport(id uint32) (uintptr, error) {
	return fn(id)
}

// Token identifies a registered resolver. It is what a loaded image stores
// in its handle cell, so no Go pointer ever reaches foreign code.
type Token uintptr

var (
	nextToken atomic.Uintptr
	resolvers sync.Map // Token -> Resolver

	loggerMu sync.RWMutex
	logger   log.Logger = log.NewNopLogger()
)

// Register adds r and returns its token. Tokens are never zero and never
// reused.
func Register(r Resolver) Token {
	token := Token(nextToken.Add(1))
	resolvers.Store(token, r)
	return token
}

// Unregister drops the resolver behind token. Unknown tokens are ignored.
func Unregister(token Token) {
	resolvers.Delete(token)
}

// Lookup returns the resolver registered under token.
func Lookup(token Token) (Resolver, bool) {
	r, ok := resolvers.Load(token)
	if !ok {
		return nil, false
	}
	return r.(Resolver), true
}

// Resolve is what the trampoline runs for every imported call. A zero
// address is never returned without an error.
func Resolve(token Token, id uint32) (uintptr, error) {
	r, ok := Lookup(token)
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrUnknownHandle, uintptr(token))
	}
	addr, err := r.ResolveImport(id)
	if err != nil {
		return 0, err
	}
	if addr == 0 {
		return 0, fmt.Errorf("%w: import %d resolved to NULL", ErrImportNotFound, id)
	}
	return addr, nil
}

// SetLogger sets the logger used when a trampoline call cannot be resolved.
func SetLogger(l log.Logger) {
	if l == nil {
		l = log.NewNopLogger()
	}
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

func currentLogger() log.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}
