// Package metrics is an in-process Prometheus-text metrics store exposed by
// both the broker and the façade at /metrics.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	stopSLOSeconds    = 3.0
	restartSLOSeconds = 5.0
)

type latencyHist struct {
	count     int64
	successes int64
	withinSLO int64
}

func (h *latencyHist) observe(withinSLO bool) {
	h.count++
	if withinSLO {
		h.successes++
		h.withinSLO++
	}
}

func (h *latencyHist) complianceRatio() float64 {
	if h.count == 0 {
		return 0
	}
	return float64(h.withinSLO) / float64(h.count)
}

// Store accumulates request, auth-failure and SLO-compliance counters for
// the lifetime of a broker or façade process. All methods are safe for concurrent use.
type Store struct {
	mu            sync.Mutex
	stop          latencyHist
	restart       latencyHist
	requests      map[string]int64
	authFailures  int64
}

// NewStore returns an empty metrics store.
func NewStore() *Store {
	return &Store{requests: make(map[string]int64)}
}

// ObserveStopLatency counts one stopService call and whether it completed
// within the SLO target; the seconds value itself is not recorded.
func (s *Store) ObserveStopLatency(seconds float64, withinSLO bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop.observe(withinSLO)
}

// ObserveRestartLatency counts one restart and its SLO compliance; the
// seconds value itself is not recorded.
func (s *Store) ObserveRestartLatency(seconds float64, withinSLO bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restart.observe(withinSLO)
}

// IncRequest increments the request counter for the given component label
// (e.g. "broker" or "facade").
func (s *Store) IncRequest(component string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[component]++
}

// IncAuthFailure increments the façade's auth-failure counter.
func (s *Store) IncAuthFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFailures++
}

// Prometheus renders the store in Prometheus text-exposition format. active
// reports whether the calling process's supervisor loop is currently armed.
func (s *Store) Prometheus(active bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	activeVal := 0
	if active {
		activeVal = 1
	}
	fmt.Fprintf(&b, "obs_supervisor_active %d\n", activeVal)

	fmt.Fprintf(&b, "obs_stop_latency_count %d\n", s.stop.count)
	fmt.Fprintf(&b, "obs_stop_latency_success_total %d\n", s.stop.successes)
	fmt.Fprintf(&b, "obs_stop_latency_within_slo_total %d\n", s.stop.withinSLO)
	fmt.Fprintf(&b, "obs_stop_slo_compliance_ratio %.6f\n", s.stop.complianceRatio())
	fmt.Fprintf(&b, "obs_stop_slo_target_seconds %.1f\n", stopSLOSeconds)

	fmt.Fprintf(&b, "obs_restart_latency_count %d\n", s.restart.count)
	fmt.Fprintf(&b, "obs_restart_latency_success_total %d\n", s.restart.successes)
	fmt.Fprintf(&b, "obs_restart_latency_within_slo_total %d\n", s.restart.withinSLO)
	fmt.Fprintf(&b, "obs_restart_slo_compliance_ratio %.6f\n", s.restart.complianceRatio())
	fmt.Fprintf(&b, "obs_restart_slo_target_seconds %.1f\n", restartSLOSeconds)

	components := make([]string, 0, len(s.requests))
	for c := range s.requests {
		components = append(components, c)
	}
	sort.Strings(components)
	for _, c := range components {
		fmt.Fprintf(&b, "obs_http_requests_total{component=%q} %d\n", c, s.requests[c])
	}
	fmt.Fprintf(&b, "obs_auth_failures_total %d\n", s.authFailures)

	return b.String()
}
