package memmod

import "errors"

// Input errors.
var (
	ErrNotFound      = errors.New("library file not found")
	ErrTruncated     = errors.New("truncated ELF header")
	ErrBadMagic      = errors.New("bad ELF magic")
	ErrWrongClass    = errors.New("unsupported ELF class")
	ErrWrongType     = errors.New("not a position-independent shared object")
	ErrSizeMismatch  = errors.New("size mismatch")
	ErrNoSegments    = errors.New("no program headers")
	ErrWrongEncoding = errors.New("unsupported data encoding")
	ErrWrongMachine  = errors.New("foreign platform")
	ErrIO            = errors.New("read error")
	ErrOutOfMemory   = errors.New("program header table too large")
)

// Layout and resource errors.
var (
	ErrNoLoadableSegments  = errors.New("no loadable segments")
	ErrSegmentOverlap      = errors.New("loadable segments overlap or are unordered")
	ErrAlignmentViolation  = errors.New("alignment violation")
	ErrTruncatedSource     = errors.New("segment data extends past end of file")
	ErrReservationFailed   = errors.New("address space reservation failed")
	ErrSegmentMapFailed    = errors.New("segment mapping failed")
	ErrBSSProtectionFailed = errors.New("making bss writable failed")
	ErrProtectFailed       = errors.New("applying segment protections failed")
	ErrUnsupportedPlatform = errors.New("memmod is only supported on linux")
)

// Relocation and resolution errors.
var (
	ErrMalformedDynamic     = errors.New("malformed dynamic table")
	ErrAlreadyRelocated     = errors.New("image already relocated")
	ErrOutOfImage           = errors.New("address outside loaded segments")
	ErrSymbolNotFound       = errors.New("symbol not found")
	ErrNoExportTable        = errors.New("no exported symbol table")
	ErrMalformedExportTable = errors.New("malformed exported symbol table")
	ErrNoLoaderInfo         = errors.New("no loader_info in image")
	ErrNativeCallsDisabled  = errors.New("native calls require cgo")
	ErrImageClosed          = errors.New("image is released")
)

var errNoDynamic = errors.New("no dynamic segment")
