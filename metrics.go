package soload

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the loader's collectors. A nil registerer keeps them
// unregistered, which is what Open uses by default.
type Metrics struct {
	opensTotal             prometheus.Counter
	openFailuresTotal      *prometheus.CounterVec
	relocationsTotal       *prometheus.CounterVec
	lookupsTotal           *prometheus.CounterVec
	importResolutionsTotal *prometheus.CounterVec
	liveLibraries          prometheus.Gauge
	mappedBytes            prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		opensTotal: registerOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soload_opens_total",
			Help: "Number of libraries opened successfully.",
		})),
		openFailuresTotal: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soload_open_failures_total",
			Help: "Number of failed opens by the stage that failed.",
		}, []string{"stage"})),
		relocationsTotal: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soload_relocations_total",
			Help: "Relocation entries processed, by outcome.",
		}, []string{"kind"})),
		lookupsTotal: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soload_lookups_total",
			Help: "Symbol lookups by the table that answered them.",
		}, []string{"source"})),
		importResolutionsTotal: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soload_import_resolutions_total",
			Help: "Trampoline import resolutions by result.",
		}, []string{"result"})),
		liveLibraries: registerOrGet(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "soload_live_libraries",
			Help: "Libraries currently open.",
		})),
		mappedBytes: registerOrGet(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "soload_mapped_bytes",
			Help: "Bytes reserved by open libraries.",
		})),
	}
}

func registerOrGet[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	err := reg.Register(c)
	if err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(T)
		}
		panic(err)
	}
	return c
}
