// Package ingest scans the trade-journal directory tree that the trading
// bots write to, parses each JSONL line, derives synthetic trace ids for
// events that lack one, and extracts execution records.
package ingest

import "encoding/json"

// Event is one parsed trade-journal line, enriched with the identifiers the
// Trace Fusion Layer needs to merge it with broker state.
type Event struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	TSEpoch   float64         `json:"ts_epoch"`
	Bot       string          `json:"bot"`
	Kind      string          `json:"kind"`
	TraceID   string          `json:"trace_id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	Raw       json.RawMessage `json:"raw"`
}

// ExecutionRecord is derived from an order_placed or qualifying
// execution_result event.
type ExecutionRecord struct {
	TraceID      string  `json:"trace_id"`
	WorkflowID   string  `json:"workflow_id,omitempty"`
	SourceBot    string  `json:"source_bot"`
	Ticker       string  `json:"ticker,omitempty"`
	Side         string  `json:"side,omitempty"`
	Action       string  `json:"action,omitempty"`
	PriceCents   *int64  `json:"price_cents,omitempty"`
	Count        *int64  `json:"count,omitempty"`
	FeeCentsEst  *int64  `json:"fee_cents_est,omitempty"`
	Status       string  `json:"status,omitempty"`
	Summary      string  `json:"summary,omitempty"`
	TSEpoch      float64 `json:"ts"`
}

// cycleStartKinds mint a fresh trace for their bot unless the event itself
// carries an explicit trace_id/workflow_id.
var cycleStartKinds = map[string]bool{
	"strategy_cycle_start":     true,
	"bot_start":                true,
	"recommendation_generated": true,
	"research_requested":       true,
}

// terminalKinds clear the bot's active trace once the event has been
// assigned to it.
var terminalKinds = map[string]bool{
	"strategy_cycle_summary": true,
	"bot_shutdown":           true,
	"order_placed":           true,
	"workflow_complete":      true,
	"approval_timeout":       true,
	"workflow_canceled_soft": true,
	"workflow_canceled_hard": true,
}

var fillResults = map[string]bool{
	"complete_fill":               true,
	"partial_fill_unwound":        true,
	"partial_fill_unwind_failed":  true,
}
