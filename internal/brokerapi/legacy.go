package brokerapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/trading-cli/observability/internal/httpenvelope"
	"github.com/trading-cli/observability/internal/workflow"
)

// legacyUpsertRequest is the flattened shape accepted by the pre-V1 register
// and research/start routes; identical semantics to workflow.UpsertPayload.
type legacyUpsertRequest struct {
	WorkflowID       string      `json:"workflow_id"`
	TraceID          string      `json:"trace_id"`
	SourceBot        string      `json:"source_bot"`
	Mode             string      `json:"mode"`
	RequiresApproval bool        `json:"requires_approval"`
	Status           string      `json:"status"`
	Recommendation   interface{} `json:"recommendation"`
	Result           interface{} `json:"result"`
	Input            interface{} `json:"input"`
}

func (req legacyUpsertRequest) toPayload() workflow.UpsertPayload {
	return workflow.UpsertPayload{
		WorkflowID:       req.WorkflowID,
		TraceID:          req.TraceID,
		SourceBot:        req.SourceBot,
		Mode:             req.Mode,
		RequiresApproval: req.RequiresApproval,
		Status:           req.Status,
		Recommendation:   marshalOrNil(req.Recommendation),
		Result:           marshalOrNil(req.Result),
		Input:            marshalOrNil(req.Input),
	}
}

func (s *Server) upsertWorkflow(req legacyUpsertRequest) workflow.Workflow {
	now := time.Now().UTC()
	payload := req.toPayload()

	var out workflow.Workflow
	s.store.WithLock(func(workflows map[string]*workflow.Workflow) {
		id := payload.WorkflowID
		if wf, ok := workflows[id]; ok && id != "" {
			workflow.Upsert(wf, payload, now)
			out = *wf
			return
		}
		wf := workflow.New(payload, now)
		workflows[wf.WorkflowID] = wf
		out = *wf
	})
	return out
}

func (s *Server) handleLegacyRegister(w http.ResponseWriter, r *http.Request) {
	var req legacyUpsertRequest
	if !s.readBody(w, r, &req) {
		return
	}
	wf := s.upsertWorkflow(req)
	httpenvelope.WriteJSON(w, r, http.StatusOK, toWorkflowView(&wf))
}

func (s *Server) handleLegacyResearchStart(w http.ResponseWriter, r *http.Request) {
	s.handleLegacyRegister(w, r)
}

func (s *Server) handleLegacyGet(w http.ResponseWriter, r *http.Request) {
	s.writeWorkflow(w, r, r.PathValue("id"))
}

func (s *Server) handleLegacyResearchGet(w http.ResponseWriter, r *http.Request) {
	s.writeWorkflow(w, r, r.PathValue("id"))
}

type legacyCompleteRequest struct {
	Status string      `json:"status"`
	Result interface{} `json:"result"`
}

func (s *Server) handleLegacyComplete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req legacyCompleteRequest
	if !s.readBody(w, r, &req) {
		return
	}

	var found bool
	now := time.Now().UTC()
	s.store.WithLock(func(workflows map[string]*workflow.Workflow) {
		wf, ok := workflows[id]
		if !ok {
			return
		}
		found = true
		_ = workflow.Complete(wf, req.Status, req.Result, now)
	})
	if !found {
		httpenvelope.WriteError(w, r, httpenvelope.StatusNotFound, "workflow not found: "+id)
		return
	}
	s.writeWorkflow(w, r, id)
}

type legacyEventRequest struct {
	Kind    string      `json:"kind"`
	Payload interface{} `json:"payload"`
}

func (s *Server) handleLegacyAppendEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req legacyEventRequest
	if !s.readBody(w, r, &req) {
		return
	}

	var found bool
	now := time.Now().UTC()
	s.store.WithLock(func(workflows map[string]*workflow.Workflow) {
		wf, ok := workflows[id]
		if !ok {
			return
		}
		found = true
		wf.Events = append(wf.Events, workflow.Event{
			Timestamp: now,
			Kind:      req.Kind,
			Payload:   marshalOrNil(req.Payload),
		})
	})
	if !found {
		httpenvelope.WriteError(w, r, httpenvelope.StatusNotFound, "workflow not found: "+id)
		return
	}
	s.writeWorkflow(w, r, id)
}

// handleLegacyApprove maps the legacy approval endpoint onto execute() when
// the workflow is awaiting_approval, per spec.md §4.4.
func (s *Server) handleLegacyApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req actionRequest
	if !s.readBody(w, r, &req) {
		return
	}
	s.runAction(w, r, id, "execute", req)
}

func (s *Server) handleLegacyApprovalStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, ok := s.store.Get(id)
	if !ok {
		httpenvelope.WriteError(w, r, httpenvelope.StatusNotFound, "workflow not found: "+id)
		return
	}
	httpenvelope.WriteJSON(w, r, http.StatusOK, map[string]interface{}{
		"workflow_id": wf.WorkflowID,
		"status":      wf.Status,
		"approval":    wf.Approval,
	})
}

func marshalOrNil(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return json.RawMessage(b)
}
