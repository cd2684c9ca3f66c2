package config

import (
	"github.com/marmos91/cerver/pkg/metrics"
	promMetrics "github.com/marmos91/cerver/pkg/metrics/prometheus"
)

// MetricsResult holds what InitializeMetrics built.
type MetricsResult struct {
	// Server serves /metrics and /healthz. Nil when metrics are disabled.
	Server *metrics.Server

	// CerverMetrics is passed to server.New. Never nil.
	CerverMetrics metrics.CerverMetrics
}

// Enabled reports whether a metrics server was built.
func (r *MetricsResult) Enabled() bool {
	return r.Server != nil
}

// InitializeMetrics builds the cerver recorder and, when server.metrics is
// enabled, the Prometheus registry and its HTTP server. health backs
// /healthz and may be nil.
func InitializeMetrics(cfg *Config, health func() error) *MetricsResult {
	mc := cfg.Server.Metrics
	if !mc.Enabled {
		return &MetricsResult{CerverMetrics: metrics.NewNoopCerverMetrics()}
	}

	metrics.InitRegistry()
	return &MetricsResult{
		Server:        metrics.NewServer(metrics.ServerConfig{Port: mc.Port, Health: health}),
		CerverMetrics: promMetrics.NewCerverMetrics(),
	}
}
