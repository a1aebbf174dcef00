package trace

import (
	"strings"
	"testing"

	"github.com/trading-cli/observability/internal/ingest"
	"github.com/trading-cli/observability/internal/workflow"
)

func TestFuseSyntheticTraceWithExecution(t *testing.T) {
	events := []ingest.Event{
		{ID: "weather-bot:trades-2026-01-01:0", Seq: 0, TSEpoch: 1767225600, Bot: "weather-bot", Kind: "strategy_cycle_start", TraceID: "weather-bot-20260101T000000-1", Raw: []byte(`{"kind":"strategy_cycle_start"}`)},
		{ID: "weather-bot:trades-2026-01-01:1", Seq: 1, TSEpoch: 1767225601, Bot: "weather-bot", Kind: "order_placed", TraceID: "weather-bot-20260101T000000-1", Raw: []byte(`{"kind":"order_placed","ticker":"KXTEMP","side":"yes","price_cents":23,"count":10}`)},
	}

	traces := Fuse(events, nil, nil)
	if len(traces) != 1 {
		t.Fatalf("expected a single fused trace, got %d", len(traces))
	}
	tr := traces[0]
	if tr.ExecutedTradeCount != 1 {
		t.Fatalf("expected executed_trade_count=1, got %d", tr.ExecutedTradeCount)
	}
	if tr.LatestExecution == nil {
		t.Fatalf("expected latest_execution to be set")
	}
	summary := tr.LatestExecution.Summary
	for _, want := range []string{"KXTEMP", "23", "x10"} {
		if !strings.Contains(summary, want) {
			t.Fatalf("expected summary %q to contain %q", summary, want)
		}
	}
}

func TestFuseMergesBrokerWorkflowAuthoritativeFields(t *testing.T) {
	wf := workflow.Workflow{
		WorkflowID:  "wf-1",
		TraceID:     "wf-1",
		SourceBot:   "sports-agent",
		Status:      workflow.StatusCanceledHard,
		CancelState: workflow.CancelHardRequested,
		ControlLocked: true,
	}
	traces := Fuse(nil, []workflow.Workflow{wf}, nil)
	if len(traces) != 1 {
		t.Fatalf("expected one trace, got %d", len(traces))
	}
	tr := traces[0]
	if tr.Status != workflow.StatusCanceledHard || !tr.ControlLocked {
		t.Fatalf("expected authoritative broker status to win, got %+v", tr)
	}
	if len(tr.AvailableActions) != 0 {
		t.Fatalf("expected no available actions on a hard-canceled trace, got %v", tr.AvailableActions)
	}
}

func TestFuseIsDeterministic(t *testing.T) {
	events := []ingest.Event{
		{ID: "a", Seq: 0, TSEpoch: 1, Bot: "arbitrage-bot", Kind: "bot_start", TraceID: "trace-a", Raw: []byte(`{}`)},
	}
	wfs := []workflow.Workflow{{WorkflowID: "wf-2", TraceID: "trace-b", SourceBot: "arbitrage-bot", Status: workflow.StatusRunning}}

	first := Fuse(events, wfs, nil)
	second := Fuse(events, wfs, nil)
	if len(first) != len(second) {
		t.Fatalf("expected deterministic trace count, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].TraceID != second[i].TraceID {
			t.Fatalf("expected identical ordering across runs at index %d: %s vs %s", i, first[i].TraceID, second[i].TraceID)
		}
	}
}

func TestFuseRuntimeStateInjected(t *testing.T) {
	wfs := []workflow.Workflow{{WorkflowID: "wf-3", TraceID: "wf-3", SourceBot: "sports-agent", Status: workflow.StatusRunning}}
	traces := Fuse(nil, wfs, func(bot string) RuntimeState {
		if bot == "sports-agent" {
			return RuntimeRunning
		}
		return RuntimeUnknown
	})
	if traces[0].RuntimeState != RuntimeRunning {
		t.Fatalf("expected runtime state to be injected, got %s", traces[0].RuntimeState)
	}
}
