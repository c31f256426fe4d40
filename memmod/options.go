package memmod

import "github.com/go-kit/log"

type loadConfig struct {
	logger     log.Logger
	arch       Arch
	pageSize   uint64
	entryPoint bool
}

// LoadOption configures Load.
type LoadOption func(*loadConfig)

// WithLogger sets the logger used by the image for debug records.
func WithLogger(logger log.Logger) LoadOption {
	return func(cfg *loadConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithArch overrides the host profile, mostly for tests.
func WithArch(arch Arch) LoadOption {
	return func(cfg *loadConfig) {
		cfg.arch = arch
	}
}

// WithPageSize overrides the page granularity. It must be a power of two no
// smaller than the real page size.
func WithPageSize(size uint64) LoadOption {
	return func(cfg *loadConfig) {
		if size != 0 && size&(size-1) == 0 {
			cfg.pageSize = size
		}
	}
}

// WithEntryPoint controls whether Exports may call the entry point.
func WithEntryPoint(enabled bool) LoadOption {
	return func(cfg *loadConfig) {
		cfg.entryPoint = enabled
	}
}

func newLoadConfig(opts []LoadOption) loadConfig {
	cfg := loadConfig{
		logger:     log.NewNopLogger(),
		arch:       HostArch(),
		entryPoint: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
