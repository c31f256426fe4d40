package soload

import (
	"github.com/go-kit/log"

	"github.com/sliverarmory/soload/memmod"
)

type config struct {
	logger       log.Logger
	metrics      *Metrics
	resolveTable []Symbol
	arch         memmod.Arch
	entryPoint   bool
}

// Option configures Open.
type Option func(*config)

func WithLogger(logger log.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetrics records loader activity in m. Share one Metrics between
// libraries that report to the same registry.
func WithMetrics(m *Metrics) Option {
	return func(cfg *config) {
		if m != nil {
			cfg.metrics = m
		}
	}
}

// WithResolveTable installs the host symbols imports are resolved against.
func WithResolveTable(table []Symbol) Option {
	return func(cfg *config) {
		cfg.resolveTable = make([]Symbol, len(table))
		copy(cfg.resolveTable, table)
	}
}

// WithArch overrides the host profile used for validation.
func WithArch(arch memmod.Arch) Option {
	return func(cfg *config) {
		cfg.arch = arch
	}
}

// WithEntryPointTable controls whether Open calls the image's entry point to
// fetch its exported symbol table. It is on by default.
func WithEntryPointTable(enabled bool) Option {
	return func(cfg *config) {
		cfg.entryPoint = enabled
	}
}

func newConfig(opts []Option) config {
	cfg := config{
		logger:     log.NewNopLogger(),
		arch:       memmod.HostArch(),
		entryPoint: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = NewMetrics(nil)
	}
	return cfg
}
