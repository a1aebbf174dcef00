package ingest

import (
	"encoding/json"
	"fmt"
	"time"
)

// deriveTraces assigns a synthetic trace id to every raw event per
// spec.md §4.5, given events already sorted by (ts_epoch asc, seq asc).
func deriveTraces(events []rawEvent) []Event {
	active := make(map[string]string)
	counters := make(map[string]int)
	out := make([]Event, 0, len(events))

	for _, e := range events {
		var traceID string
		switch {
		case e.traceID != "":
			traceID = e.traceID
			active[e.bot] = traceID
		case e.workflowID != "":
			traceID = e.workflowID
			active[e.bot] = traceID
		case cycleStartKinds[e.kind] || active[e.bot] == "":
			counters[e.bot]++
			traceID = fmt.Sprintf("%s-%s-%d", e.bot, compactTimestamp(e.tsEpoch), counters[e.bot])
			active[e.bot] = traceID
		default:
			traceID = active[e.bot]
		}

		out = append(out, Event{
			ID:         e.id,
			Seq:        e.seq,
			TSEpoch:    e.tsEpoch,
			Bot:        e.bot,
			Kind:       e.kind,
			TraceID:    traceID,
			WorkflowID: e.workflowID,
			Mode:       e.mode,
			Raw:        e.raw,
		})

		if terminalKinds[e.kind] {
			active[e.bot] = ""
		}
	}
	return out
}

func compactTimestamp(tsEpoch float64) string {
	return time.Unix(int64(tsEpoch), 0).UTC().Format("20060102T150405")
}

// ExtractExecution derives an ExecutionRecord from e if it is an
// order_placed event, or an execution_result event reporting a fill-like
// outcome, per spec.md §4.5.
func ExtractExecution(e Event) (*ExecutionRecord, bool) {
	var payload map[string]interface{}
	if err := json.Unmarshal(e.Raw, &payload); err != nil {
		return nil, false
	}

	switch e.Kind {
	case "order_placed":
		return buildExecutionRecord(e, payload), true
	case "execution_result":
		status, _ := payload["status"].(string)
		result, _ := payload["result"].(string)
		if status == "order_placed" || fillResults[result] {
			return buildExecutionRecord(e, payload), true
		}
	}
	return nil, false
}

func buildExecutionRecord(e Event, payload map[string]interface{}) *ExecutionRecord {
	rec := &ExecutionRecord{
		TraceID:    e.TraceID,
		WorkflowID: e.WorkflowID,
		SourceBot:  e.Bot,
		TSEpoch:    e.TSEpoch,
	}
	if v, ok := payload["ticker"].(string); ok {
		rec.Ticker = v
	}
	if v, ok := payload["side"].(string); ok {
		rec.Side = v
	}
	if v, ok := payload["action"].(string); ok {
		rec.Action = v
	}
	if v, ok := payload["status"].(string); ok {
		rec.Status = v
	}
	if v, ok := payload["summary"].(string); ok {
		rec.Summary = v
	}
	rec.PriceCents = safeInt(payload["price_cents"])
	rec.Count = safeInt(payload["count"])
	rec.FeeCentsEst = safeInt(payload["fee_cents_est"])
	if rec.Summary == "" {
		rec.Summary = summarize(rec)
	}
	return rec
}

// summarize synthesizes a human-readable one-line description of an
// execution when the source event carried no explicit summary field.
func summarize(rec *ExecutionRecord) string {
	parts := rec.Ticker
	if rec.Side != "" {
		parts += " " + rec.Side
	}
	if rec.PriceCents != nil {
		parts += fmt.Sprintf(" @%d¢", *rec.PriceCents)
	}
	if rec.Count != nil {
		parts += fmt.Sprintf(" x%d", *rec.Count)
	}
	return parts
}

// safeInt accepts a JSON number, a numeric string, or nil/missing, and
// returns nil for anything else rather than erroring.
func safeInt(v interface{}) *int64 {
	switch n := v.(type) {
	case float64:
		i := int64(n)
		return &i
	case string:
		var i int64
		if _, err := fmt.Sscanf(n, "%d", &i); err != nil {
			return nil
		}
		return &i
	default:
		return nil
	}
}
