package facadeapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/trading-cli/observability/internal/brokerapi"
	"github.com/trading-cli/observability/internal/metrics"
	"github.com/trading-cli/observability/internal/ratelimit"
	"github.com/trading-cli/observability/internal/store"
)

// newBackingBroker starts a real brokerapi.Server behind an httptest server,
// so facadeapi tests exercise the façade's actual downstream HTTP path
// rather than a hand-rolled stub.
func newBackingBroker(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	st := store.Open(filepath.Join(dir, "state.json"), filepath.Join(dir, "audit.jsonl"), time.Hour, 100)
	t.Cleanup(st.Close)
	srv := brokerapi.NewServer(brokerapi.Config{
		Store:   st,
		Metrics: metrics.NewStore(),
		Limiter: ratelimit.New(1000, 1000, time.Minute),
	})
	ts := httptest.NewServer(srv.NewHandler())
	t.Cleanup(ts.Close)
	return ts
}

func newTestFacade(t *testing.T, brokerURL string) *Server {
	t.Helper()
	dir := t.TempDir()
	s := NewServer(Config{
		BrokerBaseURL:     brokerURL,
		ControlToken:      "secret-token",
		SupervisorDir:     filepath.Join(dir, "supervisor"),
		TradesDir:         filepath.Join(dir, "trades"),
		DownstreamTimeout: 5 * time.Second,
		OperationTTL:      time.Hour,
		OperationMax:      100,
		ControlAuditFile:  filepath.Join(dir, "facade-audit.jsonl"),
		Metrics:           metrics.NewStore(),
		Limiter:           ratelimit.New(1000, 1000, time.Minute),
	})
	t.Cleanup(s.Close)
	return s
}

func registerOnBroker(t *testing.T, brokerURL, workflowID, bot, status string) {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{
		"workflow_id": workflowID, "trace_id": workflowID, "source_bot": bot, "status": status,
	})
	resp, err := http.Post(brokerURL+"/workflows/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("register on broker: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register on broker: expected 200, got %d", resp.StatusCode)
	}
}

func TestHandleGetWorkflowOverlaysStoppedRuntimeState(t *testing.T) {
	broker := newBackingBroker(t)
	registerOnBroker(t, broker.URL, "wf-1", "sports-agent", "running")

	s := newTestFacade(t, broker.URL)
	h := s.NewHandler()

	req := httptest.NewRequest(http.MethodGet, "/v1/projects/local/locations/us-central1/workflows/wf-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var view map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view["runtime_state"] != "PROCESS_STOPPED" {
		t.Fatalf("expected PROCESS_STOPPED with no pidfile present, got %v", view["runtime_state"])
	}
	if view["workflow_id"] != "wf-1" {
		t.Fatalf("expected broker-authoritative workflow_id passthrough, got %v", view["workflow_id"])
	}
}

func TestWorkflowActionRequiresControlToken(t *testing.T) {
	broker := newBackingBroker(t)
	registerOnBroker(t, broker.URL, "wf-2", "sports-agent", "awaiting_approval")

	s := newTestFacade(t, broker.URL)
	h := s.NewHandler()

	body, _ := json.Marshal(map[string]interface{}{"actor": "op", "reason": "go", "requestId": "r1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/projects/local/locations/us-central1/workflows/wf-2:execute", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a control token, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/projects/local/locations/us-central1/workflows/wf-2:execute", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid control token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStopServiceOnlyAcceptsTheOneManagedService(t *testing.T) {
	broker := newBackingBroker(t)
	s := newTestFacade(t, broker.URL)
	h := s.NewHandler()

	body, _ := json.Marshal(map[string]interface{}{"actor": "op", "reason": "maintenance", "requestId": "r1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/projects/local/locations/us-central1/services/weather-bot:stop", bytes.NewReader(body))
	req.Header.Set("X-Observability-Control-Token", "secret-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unsupported stop target, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/projects/local/locations/us-central1/services/sports-agent:stop", bytes.NewReader(body))
	req.Header.Set("X-Observability-Control-Token", "secret-token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 stopping sports-agent with no pidfile (already stopped), got %d: %s", rec.Code, rec.Body.String())
	}
	var op map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &op); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if op["done"] != true {
		t.Fatalf("expected done=true, got %v", op)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/v1/projects/local/locations/us-central1/services/sports-agent:stop", bytes.NewReader(body))
	req2.Header.Set("X-Observability-Control-Token", "secret-token")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	var op2 map[string]interface{}
	if err := json.Unmarshal(rec2.Body.Bytes(), &op2); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if op["name"] != op2["name"] {
		t.Fatalf("expected idempotent stopService replay by requestId, got %v vs %v", op["name"], op2["name"])
	}
}

func TestSearchWorkflowsRanksByFuzzySimilarity(t *testing.T) {
	broker := newBackingBroker(t)
	registerOnBroker(t, broker.URL, "wf-sports", "sports-agent", "running")
	registerOnBroker(t, broker.URL, "wf-weather", "weather-bot", "running")

	s := newTestFacade(t, broker.URL)
	h := s.NewHandler()

	req := httptest.NewRequest(http.MethodGet, "/v1/projects/local/locations/us-central1/workflows:search?q=sports-agent", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Workflows []map[string]interface{} `json:"workflows"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Workflows) != 2 {
		t.Fatalf("expected 2 ranked matches, got %d", len(resp.Workflows))
	}
	if resp.Workflows[0]["source_bot"] != "sports-agent" {
		t.Fatalf("expected the exact source_bot match ranked first, got %v", resp.Workflows[0]["source_bot"])
	}
}

func TestReadyzReportsBrokerUnreachable(t *testing.T) {
	s := newTestFacade(t, "http://127.0.0.1:1")
	h := s.NewHandler()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with an unreachable broker, got %d: %s", rec.Code, rec.Body.String())
	}
}
