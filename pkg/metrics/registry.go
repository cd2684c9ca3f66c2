// Package metrics provides Prometheus metrics collection for a cerver.
//
// Metrics are optional. Until InitRegistry is called, constructors hand out
// no-op recorders and the cerver behaves the same without them.
//
//	metrics.InitRegistry()
//	m := prometheus.NewCerverMetrics()
//	c := server.New(config, m) // or nil for no metrics
package metrics

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Version is reported by the cerver_build_info gauge. cmd/cerver sets it
// before InitRegistry.
var Version = "dev"

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the process-wide registry, with the Go runtime and
// process collectors and a build info gauge already registered. Later calls
// are no-ops.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		build := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cerver_build_info",
			Help: "Build information, always 1",
		}, []string{"version", "go_version"})
		build.WithLabelValues(Version, runtime.Version()).Set(1)
		reg.MustRegister(build)

		registry = reg
	})
}

// GetRegistry returns the registry, or nil before InitRegistry.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
