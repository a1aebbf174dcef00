package workflow

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NewID synthesizes a workflow_id in the wf-<epoch_ms>-<rand8> shape used
// whenever a caller omits one on create.
func NewID() string {
	return fmt.Sprintf("wf-%d-%s", time.Now().UnixMilli(), randHex(4))
}

func randHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Normalize trims, lowercases, and maps legacy synonyms onto the closed
// status enum. It is idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "error" || s == "internal_error":
		return StatusFailed
	case strings.HasPrefix(s, "cancelled_"):
		s = "canceled_" + strings.TrimPrefix(s, "cancelled_")
	case s == "cancelled":
		s = "canceled_soft"
	}
	switch Status(s) {
	case StatusRunning, StatusAwaitingApproval, StatusApproved, StatusExecuted,
		StatusCompleted, StatusFailed, StatusCanceledSoft, StatusCanceledHard:
		return Status(s)
	default:
		if s == "" {
			return StatusRunning
		}
		return Status(s)
	}
}

// isOtherTerminal reports whether status is a terminal status other than
// canceled_soft (which may still be escalated to canceled_hard).
func isOtherTerminal(s Status) bool {
	switch s {
	case StatusExecuted, StatusCompleted, StatusFailed, StatusCanceledHard:
		return true
	default:
		return false
	}
}

func reject(wf *Workflow, msg string) error {
	return &RejectionError{CurrentStatus: wf.Status, Message: msg}
}

func touch(wf *Workflow, now time.Time) {
	if now.Before(wf.UpdatedAt) {
		now = wf.UpdatedAt
	}
	wf.UpdatedAt = now
}

func appendEvent(wf *Workflow, now time.Time, kind string, payload interface{}) {
	wf.Events = append(wf.Events, Event{
		Timestamp: now,
		Kind:      kind,
		Payload:   marshalPayload(payload),
	})
}

// New creates a fresh Workflow record from an upsert payload. The caller
// supplies `now`; the store is responsible for wall-clock time so the
// machine stays pure and deterministic under test.
func New(p UpsertPayload, now time.Time) *Workflow {
	id := strings.TrimSpace(p.WorkflowID)
	if id == "" {
		id = NewID()
	}
	traceID := strings.TrimSpace(p.TraceID)
	if traceID == "" {
		traceID = id
	}
	status := StatusRunning
	if p.RequiresApproval {
		status = StatusAwaitingApproval
	}
	if raw := strings.TrimSpace(p.Status); raw != "" {
		status = Normalize(raw)
	}
	wf := &Workflow{
		WorkflowID:       id,
		TraceID:          traceID,
		SourceBot:        p.SourceBot,
		Mode:             p.Mode,
		RequiresApproval: p.RequiresApproval,
		Status:           status,
		CancelState:      CancelNone,
		Recommendation:   p.Recommendation,
		Result:           p.Result,
		Input:            p.Input,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	appendEvent(wf, now, "workflow_registered", map[string]string{"status": string(status)})
	return wf
}

// Upsert merges an incoming payload into an existing workflow record,
// preserving events and never regressing UpdatedAt.
func Upsert(wf *Workflow, p UpsertPayload, now time.Time) {
	if p.TraceID != "" {
		wf.TraceID = p.TraceID
	}
	if p.SourceBot != "" {
		wf.SourceBot = p.SourceBot
	}
	if p.Mode != "" {
		wf.Mode = p.Mode
	}
	wf.RequiresApproval = p.RequiresApproval || wf.RequiresApproval
	if raw := strings.TrimSpace(p.Status); raw != "" {
		wf.Status = Normalize(raw)
	}
	if p.Recommendation != nil {
		wf.Recommendation = p.Recommendation
	}
	if p.Result != nil {
		wf.Result = p.Result
	}
	if p.Input != nil {
		wf.Input = p.Input
	}
	touch(wf, now)
}

// Execute transitions an awaiting_approval workflow to approved.
func Execute(wf *Workflow, actor, reason string, now time.Time) error {
	if wf.ControlLocked {
		return reject(wf, fmt.Sprintf("workflow is control-locked in status %q", wf.Status))
	}
	if wf.Status != StatusAwaitingApproval {
		return reject(wf, fmt.Sprintf("execute is not legal from status %q", wf.Status))
	}
	wf.Status = StatusApproved
	wf.CancelState = CancelNone
	wf.Approval = &Approval{
		Approved:   true,
		ApprovedAt: now,
		ApprovedBy: actor,
		Reason:     reason,
	}
	wf.LastCommandAt = &now
	wf.LastCommandBy = actor
	appendEvent(wf, now, "execute_requested", map[string]string{"actor": actor, "reason": reason})
	appendEvent(wf, now, "execution_approved", map[string]string{"actor": actor})
	touch(wf, now)
	return nil
}

// SoftCancel requests cooperative cancellation. It is idempotent: calling it
// again while already soft-requested, or once the workflow has reached
// canceled_soft, succeeds as a no-op.
func SoftCancel(wf *Workflow, actor, reason string, now time.Time) error {
	if wf.ControlLocked {
		return reject(wf, fmt.Sprintf("workflow is control-locked in status %q", wf.Status))
	}
	if wf.Status == StatusCanceledSoft || wf.CancelState == CancelSoftRequested {
		return nil
	}
	if isOtherTerminal(wf.Status) {
		return reject(wf, fmt.Sprintf("cancel is not legal from terminal status %q", wf.Status))
	}
	wf.CancelState = CancelSoftRequested
	wf.LastCommandAt = &now
	wf.LastCommandBy = actor
	appendEvent(wf, now, "cancel_requested_soft", map[string]string{"actor": actor, "reason": reason})
	touch(wf, now)
	return nil
}

// HardCancel immediately and irreversibly locks the workflow out of further
// control actions.
func HardCancel(wf *Workflow, actor, reason string, now time.Time) error {
	if wf.Status == StatusCanceledHard {
		return nil
	}
	if isOtherTerminal(wf.Status) {
		return reject(wf, fmt.Sprintf("hardCancel is not legal from terminal status %q", wf.Status))
	}
	wf.Status = StatusCanceledHard
	wf.CancelState = CancelHardRequested
	wf.ControlLocked = true
	wf.LastCommandAt = &now
	wf.LastCommandBy = actor
	appendEvent(wf, now, "cancel_requested_hard", map[string]string{"actor": actor, "reason": reason})
	appendEvent(wf, now, "cleanup_started", nil)
	appendEvent(wf, now, "cleanup_completed", nil)
	appendEvent(wf, now, "workflow_canceled_hard", map[string]string{"actor": actor})
	touch(wf, now)
	return nil
}

// Complete records a worker-reported terminal outcome. Already-canceled
// workflows ignore the new status but still record that the attempt
// happened (open question in spec.md §9, preserved as-is).
func Complete(wf *Workflow, newStatus string, result interface{}, now time.Time) error {
	if wf.Status == StatusCanceledSoft || wf.Status == StatusCanceledHard {
		appendEvent(wf, now, "workflow_complete_ignored", map[string]string{"attempted_status": newStatus})
		touch(wf, now)
		return nil
	}
	wf.Status = Normalize(newStatus)
	wf.Result = marshalPayload(result)
	appendEvent(wf, now, "workflow_complete", map[string]string{"status": string(wf.Status)})
	touch(wf, now)
	return nil
}

// AvailableActions derives the legal next control actions per spec.md §4.2.
func AvailableActions(wf *Workflow) []Action {
	if wf.ControlLocked || wf.CancelState == CancelHardRequested {
		return []Action{}
	}
	if wf.CancelState == CancelSoftRequested {
		return []Action{ActionHardCancel}
	}
	switch wf.Status {
	case StatusAwaitingApproval:
		return []Action{ActionExecute, ActionCancel, ActionHardCancel}
	case StatusRunning, StatusApproved:
		return []Action{ActionCancel, ActionHardCancel}
	default:
		return []Action{}
	}
}

func marshalPayload(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return json.RawMessage(b)
}
