package soload

import (
	"errors"
	"fmt"

	"github.com/sliverarmory/soload/memmod"
	"github.com/sliverarmory/soload/trampoline"
)

var ErrLibraryClosed = errors.New("soload: library is closed")

// Errors callers are expected to test for with errors.Is.
var (
	ErrSymbolNotFound      = memmod.ErrSymbolNotFound
	ErrNativeCallsDisabled = memmod.ErrNativeCallsDisabled
	ErrUnknownImport       = trampoline.ErrUnknownImport
	ErrNoResolveTable      = trampoline.ErrNoResolveTable
	ErrImportNotFound      = trampoline.ErrImportNotFound
)

// OpenError reports the stage an Open failed in.
type OpenError struct {
	Path  string
	Stage State
	Err   error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("soload: open %s: %s: %v", e.Path, e.Stage, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}
