// Package trace implements the Trace Fusion Layer: a pure function that
// merges trade-journal events with broker workflow state into unified,
// read-only Trace resources.
package trace

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/trading-cli/observability/internal/ingest"
	"github.com/trading-cli/observability/internal/workflow"
)

// RuntimeState mirrors the Process Supervisor Probe's reported state for a
// trace's bot.
type RuntimeState string

const (
	RuntimeRunning RuntimeState = "PROCESS_RUNNING"
	RuntimeStopped RuntimeState = "PROCESS_STOPPED"
	RuntimeUnknown RuntimeState = "UNKNOWN"
)

// Trace is the fused, read-only view of one workflow/trade lifecycle.
type Trace struct {
	TraceID            string                  `json:"trace_id"`
	WorkflowID         string                  `json:"workflow_id,omitempty"`
	SourceBot          string                  `json:"source_bot"`
	Mode               string                  `json:"mode,omitempty"`
	Status             workflow.Status         `json:"status"`
	RequiresApproval   bool                    `json:"requires_approval"`
	Approval           *workflow.Approval      `json:"approval,omitempty"`
	CancelState        workflow.CancelState    `json:"cancel_state"`
	ControlLocked      bool                    `json:"control_locked"`
	LastCommandAt      *time.Time              `json:"last_command_at,omitempty"`
	LastCommandBy      string                  `json:"last_command_by,omitempty"`
	Events             []workflow.Event        `json:"events"`
	EventCount         int                     `json:"event_count"`
	ExecutedTradeCount int                     `json:"executed_trade_count"`
	LatestExecutionTS  float64                 `json:"latest_execution_ts,omitempty"`
	LatestExecution    *ingest.ExecutionRecord `json:"latest_execution,omitempty"`
	RuntimeState       RuntimeState            `json:"runtime_state"`
	AvailableActions   []workflow.Action       `json:"available_actions"`
	TSStart            time.Time               `json:"ts_start"`
	TSEnd              time.Time               `json:"ts_end"`
}

var statusPriority = map[workflow.Status]int{
	workflow.StatusRunning:          1,
	workflow.StatusAwaitingApproval: 2,
	workflow.StatusApproved:         3,
	workflow.StatusCompleted:        4,
	workflow.StatusExecuted:         5,
	workflow.StatusCanceledSoft:     6,
	workflow.StatusCanceledHard:     7,
	workflow.StatusFailed:           8,
}

var lifecyclePriority = map[workflow.Status]int{
	workflow.StatusExecuted:         8,
	workflow.StatusAwaitingApproval: 7,
	workflow.StatusApproved:         6,
	workflow.StatusRunning:          5,
	workflow.StatusCompleted:        4,
	workflow.StatusCanceledSoft:     3,
	workflow.StatusCanceledHard:     2,
	workflow.StatusFailed:           1,
}

// RuntimeStateFunc resolves a bot's current process runtime state,
// implemented by the Process Supervisor Probe and injected so Fuse stays a
// pure function over its two input slices.
type RuntimeStateFunc func(bot string) RuntimeState

// Fuse merges trade-journal events and broker workflows into a slice of
// Trace resources, sorted for presentation per spec.md §4.6.
func Fuse(events []ingest.Event, workflows []workflow.Workflow, runtimeOf RuntimeStateFunc) []Trace {
	traces := make(map[string]*Trace)
	order := make([]string, 0)

	getOrCreate := func(id string) *Trace {
		if t, ok := traces[id]; ok {
			return t
		}
		t := &Trace{TraceID: id, Status: workflow.StatusRunning, RuntimeState: RuntimeUnknown}
		traces[id] = t
		order = append(order, id)
		return t
	}

	for _, e := range events {
		t := getOrCreate(e.TraceID)
		if t.SourceBot == "" {
			t.SourceBot = e.Bot
		}
		if e.WorkflowID != "" {
			t.WorkflowID = e.WorkflowID
		}
		if e.Mode != "" {
			t.Mode = e.Mode
		}
		ts := time.Unix(int64(e.TSEpoch), 0).UTC()
		widen(t, ts)

		if inferred, ok := eventInferredStatus(e.Kind); ok {
			t.Status = combineStatus(t.Status, inferred)
		}
		t.Events = append(t.Events, workflow.Event{Timestamp: ts, Kind: e.Kind, Payload: json.RawMessage(e.Raw)})
		t.EventCount++

		if rec, ok := ingest.ExtractExecution(e); ok {
			t.ExecutedTradeCount++
			if rec.TSEpoch >= t.LatestExecutionTS {
				t.LatestExecutionTS = rec.TSEpoch
				t.LatestExecution = rec
			}
		}
	}

	for i := range workflows {
		wf := &workflows[i]
		id := wf.TraceID
		if id == "" {
			id = wf.WorkflowID
		}
		t := getOrCreate(id)
		t.WorkflowID = wf.WorkflowID
		if wf.SourceBot != "" {
			t.SourceBot = wf.SourceBot
		}
		if wf.Mode != "" {
			t.Mode = wf.Mode
		}
		t.Status = combineStatus(t.Status, wf.Status)
		t.RequiresApproval = wf.RequiresApproval
		t.Approval = wf.Approval
		t.CancelState = wf.CancelState
		t.ControlLocked = wf.ControlLocked
		t.LastCommandAt = wf.LastCommandAt
		t.LastCommandBy = wf.LastCommandBy
		widen(t, wf.CreatedAt)
		widen(t, wf.UpdatedAt)
		t.Events = append(t.Events, wf.Events...)
		t.EventCount += len(wf.Events)
	}

	out := make([]Trace, 0, len(order))
	for _, id := range order {
		t := traces[id]
		t.Status = workflow.Normalize(string(t.Status))
		t.AvailableActions = workflow.AvailableActions(&workflow.Workflow{
			Status:        t.Status,
			CancelState:   t.CancelState,
			ControlLocked: t.ControlLocked,
		})
		if runtimeOf != nil && t.SourceBot != "" {
			t.RuntimeState = runtimeOf(t.SourceBot)
		}
		out = append(out, *t)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ExecutedTradeCount != b.ExecutedTradeCount {
			return a.ExecutedTradeCount > b.ExecutedTradeCount
		}
		if lifecyclePriority[a.Status] != lifecyclePriority[b.Status] {
			return lifecyclePriority[a.Status] > lifecyclePriority[b.Status]
		}
		if a.LatestExecutionTS != b.LatestExecutionTS {
			return a.LatestExecutionTS > b.LatestExecutionTS
		}
		return a.TSStart.After(b.TSStart)
	})
	return out
}

func widen(t *Trace, ts time.Time) {
	if ts.IsZero() {
		return
	}
	if t.TSStart.IsZero() || ts.Before(t.TSStart) {
		t.TSStart = ts
	}
	if t.TSEnd.IsZero() || ts.After(t.TSEnd) {
		t.TSEnd = ts
	}
}

// eventKindStatus maps the trade-journal event kinds that carry an implicit
// lifecycle status onto the workflow status enum. Kinds with no lifecycle
// meaning (e.g. strategy_cycle_summary) return ok=false and never move the
// trace's status.
var eventKindStatus = map[string]workflow.Status{
	"order_placed":           workflow.StatusExecuted,
	"execution_result":       workflow.StatusExecuted,
	"workflow_complete":      workflow.StatusCompleted,
	"workflow_canceled_soft": workflow.StatusCanceledSoft,
	"workflow_canceled_hard": workflow.StatusCanceledHard,
	"execution_approved":     workflow.StatusApproved,
}

func eventInferredStatus(kind string) (workflow.Status, bool) {
	s, ok := eventKindStatus[kind]
	return s, ok
}

// combineStatus applies the status priority lattice: the higher-priority
// status wins, so a late-arriving low-priority event (e.g. a stray
// "running" marker after "executed") never regresses the trace's status.
func combineStatus(current, candidate workflow.Status) workflow.Status {
	if _, ok := statusPriority[candidate]; !ok {
		return current
	}
	if statusPriority[candidate] >= statusPriority[current] {
		return candidate
	}
	return current
}
