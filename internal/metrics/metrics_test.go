package metrics

import (
	"strings"
	"testing"
)

func TestPrometheusIncludesLifecycleLatencyMetrics(t *testing.T) {
	store := NewStore()
	store.ObserveStopLatency(0.8, true)
	store.ObserveStopLatency(3.6, false)
	store.ObserveRestartLatency(1.2, true)

	out := store.Prometheus(false)

	required := []string{
		"obs_stop_latency_count 2",
		"obs_stop_latency_success_total 1",
		"obs_stop_latency_within_slo_total 1",
		"obs_restart_latency_count 1",
		"obs_restart_latency_success_total 1",
		"obs_restart_latency_within_slo_total 1",
		"obs_stop_slo_compliance_ratio 0.500000",
		"obs_restart_slo_compliance_ratio 1.000000",
		"obs_stop_slo_target_seconds 3.0",
		"obs_restart_slo_target_seconds 5.0",
	}
	for _, token := range required {
		if !strings.Contains(out, token) {
			t.Fatalf("expected metric output to contain %q\noutput:\n%s", token, out)
		}
	}
}

func TestPrometheusReflectsActiveGauge(t *testing.T) {
	store := NewStore()
	if !strings.Contains(store.Prometheus(true), "obs_supervisor_active 1") {
		t.Fatalf("expected active gauge to report 1 when active")
	}
	if !strings.Contains(store.Prometheus(false), "obs_supervisor_active 0") {
		t.Fatalf("expected active gauge to report 0 when inactive")
	}
}

func TestCountersCoverRequestsAndAuthFailures(t *testing.T) {
	store := NewStore()
	store.IncRequest("broker")
	store.IncRequest("broker")
	store.IncAuthFailure()
	out := store.Prometheus(false)
	if !strings.Contains(out, `obs_http_requests_total{component="broker"} 2`) {
		t.Fatalf("expected request counter in output, got:\n%s", out)
	}
	if !strings.Contains(out, "obs_auth_failures_total 1") {
		t.Fatalf("expected auth failure counter in output, got:\n%s", out)
	}
}
