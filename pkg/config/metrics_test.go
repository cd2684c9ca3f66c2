package config

import "testing"

func TestInitializeMetrics_Disabled(t *testing.T) {
	cfg := GetDefaultConfig()

	m := InitializeMetrics(cfg, nil)
	if m.Enabled() {
		t.Error("Expected no metrics server when metrics are disabled")
	}
	if m.CerverMetrics == nil {
		t.Fatal("Expected no-op cerver metrics")
	}
}

func TestInitializeMetrics_Enabled(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.Metrics.Enabled = true
	cfg.Server.Metrics.Port = 0

	m := InitializeMetrics(cfg, func() error { return nil })
	if !m.Enabled() {
		t.Fatal("Expected a metrics server")
	}
	if m.CerverMetrics == nil {
		t.Fatal("Expected prometheus cerver metrics")
	}
}
