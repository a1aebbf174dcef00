package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/trading-cli/observability/internal/workflow"
)

func TestOpenEmptyWhenMissing(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "state.json"), filepath.Join(dir, "audit.jsonl"), 0, 0)
	defer s.Close()
	if len(s.List()) != 0 {
		t.Fatalf("expected empty store on first open")
	}
}

func TestOpenRecoversFromMalformedSnapshot(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	if err := os.WriteFile(statePath, []byte("not json"), 0o644); err != nil {
		t.Fatalf("seed malformed snapshot: %v", err)
	}
	s := Open(statePath, filepath.Join(dir, "audit.jsonl"), 0, 0)
	defer s.Close()
	if len(s.List()) != 0 {
		t.Fatalf("expected malformed snapshot to start empty, not crash")
	}
}

func TestWithLockPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	auditPath := filepath.Join(dir, "audit.jsonl")

	s := Open(statePath, auditPath, 0, 0)
	wf := workflow.New(workflow.UpsertPayload{WorkflowID: "wf-1", SourceBot: "weather-bot"}, time.Now().UTC())
	s.WithLock(func(workflows map[string]*workflow.Workflow) {
		workflows[wf.WorkflowID] = wf
	})
	s.Close()

	data, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatalf("expected snapshot file to exist: %v", err)
	}
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("snapshot should be valid json: %v", err)
	}
	if doc.Version != snapshotVersion {
		t.Fatalf("expected version %d, got %d", snapshotVersion, doc.Version)
	}
	if _, ok := doc.Workflows["wf-1"]; !ok {
		t.Fatalf("expected wf-1 in persisted snapshot")
	}

	reopened := Open(statePath, auditPath, 0, 0)
	defer reopened.Close()
	got, ok := reopened.Get("wf-1")
	if !ok || got.SourceBot != "weather-bot" {
		t.Fatalf("expected reopened store to recover wf-1, got %+v ok=%v", got, ok)
	}
}

func TestAppendAuditRedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.jsonl")
	s := Open(filepath.Join(dir, "state.json"), auditPath, 0, 0)
	s.AppendAudit(map[string]interface{}{"actor": "alice", "reason": "Authorization: Bearer topsecret"})
	s.Close()

	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("expected audit file to exist: %v", err)
	}
	if string(data) == "" {
		t.Fatalf("expected a non-empty audit line")
	}
	if strings.Contains(string(data), "topsecret") {
		t.Fatalf("expected secret to be redacted from audit line, got %q", string(data))
	}
}
