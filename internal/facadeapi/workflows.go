package facadeapi

import (
	"log"
	"net/http"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"github.com/trading-cli/observability/internal/httpenvelope"
	"github.com/trading-cli/observability/internal/ingest"
	"github.com/trading-cli/observability/internal/supervisor"
	"github.com/trading-cli/observability/internal/trace"
	"github.com/trading-cli/observability/internal/workflow"
)

// facadeWorkflowView is the broker's workflow view with the runtime-state
// and execution-derivation overlay from §4.5/§4.6 merged on top, per
// spec.md §4.7's "delegates to broker for authoritative fields but
// overlays runtime state and execution derivations" contract.
type facadeWorkflowView struct {
	brokerWorkflow
	RuntimeState       trace.RuntimeState      `json:"runtime_state"`
	ExecutedTradeCount int                     `json:"executed_trade_count,omitempty"`
	LatestExecution     *ingest.ExecutionRecord `json:"latest_execution,omitempty"`
}

func (s *Server) runtimeStateFunc() trace.RuntimeStateFunc {
	return func(bot string) trace.RuntimeState {
		switch s.probe.RuntimeState(supervisor.ServiceName(bot)) {
		case supervisor.RuntimeRunning:
			return trace.RuntimeRunning
		default:
			return trace.RuntimeStopped
		}
	}
}

func (s *Server) scanEvents() []ingest.Event {
	events, err := s.scanner.Scan()
	if err != nil {
		log.Printf("facadeapi: trade-journal scan failed: %v", err)
		return nil
	}
	return events
}

// overlayByWorkflowID fuses events against wfs and indexes the resulting
// traces by workflow id, so callers can overlay runtime/execution fields
// onto a broker-returned page without reordering it.
func (s *Server) overlayByWorkflowID(wfs []workflow.Workflow) map[string]trace.Trace {
	events := s.scanEvents()
	traces := trace.Fuse(events, wfs, s.runtimeStateFunc())
	out := make(map[string]trace.Trace, len(traces))
	for _, t := range traces {
		if t.WorkflowID != "" {
			out[t.WorkflowID] = t
		}
	}
	return out
}

func toFacadeView(bw brokerWorkflow, overlay map[string]trace.Trace) facadeWorkflowView {
	view := facadeWorkflowView{brokerWorkflow: bw, RuntimeState: trace.RuntimeUnknown}
	if t, ok := overlay[bw.WorkflowID]; ok {
		view.RuntimeState = t.RuntimeState
		view.ExecutedTradeCount = t.ExecutedTradeCount
		view.LatestExecution = t.LatestExecution
	}
	return view
}

func (s *Server) writeUpstreamErr(w http.ResponseWriter, r *http.Request, err error) {
	if up, ok := err.(*upstreamError); ok {
		httpenvelope.WriteError(w, r, statusFromUpstreamCode(up.statusCode), up.message)
		return
	}
	httpenvelope.WriteError(w, r, httpenvelope.StatusUnavailable, "broker is unreachable: "+err.Error())
}

func statusFromUpstreamCode(code int) httpenvelope.Status {
	switch code {
	case http.StatusNotFound:
		return httpenvelope.StatusNotFound
	case http.StatusUnauthorized:
		return httpenvelope.StatusUnauthenticated
	case http.StatusBadRequest:
		return httpenvelope.StatusFailedPrecondition
	case http.StatusServiceUnavailable:
		return httpenvelope.StatusUnavailable
	default:
		return httpenvelope.StatusInternal
	}
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	bw, err := s.broker.getWorkflow(r.Context(), s.project, s.location, id)
	if err != nil {
		s.writeUpstreamErr(w, r, err)
		return
	}
	overlay := s.overlayByWorkflowID([]workflow.Workflow{bw.Workflow})
	httpenvelope.WriteJSON(w, r, http.StatusOK, toFacadeView(*bw, overlay))
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	resp, err := s.broker.listWorkflows(r.Context(), s.project, s.location, r.URL.RawQuery)
	if err != nil {
		s.writeUpstreamErr(w, r, err)
		return
	}

	wfs := make([]workflow.Workflow, 0, len(resp.Workflows))
	for _, bw := range resp.Workflows {
		wfs = append(wfs, bw.Workflow)
	}
	overlay := s.overlayByWorkflowID(wfs)

	views := make([]facadeWorkflowView, 0, len(resp.Workflows))
	for _, bw := range resp.Workflows {
		views = append(views, toFacadeView(bw, overlay))
	}

	out := map[string]interface{}{"workflows": views}
	if resp.NextPageToken != "" {
		out["nextPageToken"] = resp.NextPageToken
	}
	httpenvelope.WriteJSON(w, r, http.StatusOK, out)
}

// handleSearchWorkflows ranks traces by fuzzy similarity of q against
// trace_id and source_bot, per SPEC_FULL.md §4.7's search convenience.
// This is a read-only, unauthenticated endpoint and never participates in
// the exact-match filter grammar of §4.4.
func (s *Server) handleSearchWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		httpenvelope.WriteError(w, r, httpenvelope.StatusInvalidArgument, "missing required query parameter: q")
		return
	}
	limit := 10
	resp, err := s.broker.listWorkflows(r.Context(), s.project, s.location, "pageSize=1000")
	if err != nil {
		s.writeUpstreamErr(w, r, err)
		return
	}

	wfs := make([]workflow.Workflow, 0, len(resp.Workflows))
	for _, bw := range resp.Workflows {
		wfs = append(wfs, bw.Workflow)
	}
	overlay := s.overlayByWorkflowID(wfs)

	matches := rankBySimilarity(q, resp.Workflows, overlay, limit)
	httpenvelope.WriteJSON(w, r, http.StatusOK, map[string]interface{}{"workflows": matches})
}

type scoredWorkflowView struct {
	facadeWorkflowView
	Score float64 `json:"score"`
}

func rankBySimilarity(q string, wfs []brokerWorkflow, overlay map[string]trace.Trace, limit int) []scoredWorkflowView {
	jw := metrics.NewJaroWinkler()
	scored := make([]scoredWorkflowView, 0, len(wfs))
	for _, bw := range wfs {
		byTrace := strutil.Similarity(q, bw.TraceID, jw)
		byBot := strutil.Similarity(q, bw.SourceBot, jw)
		score := byTrace
		if byBot > score {
			score = byBot
		}
		scored = append(scored, scoredWorkflowView{facadeWorkflowView: toFacadeView(bw, overlay), Score: score})
	}
	for i := 1; i < len(scored); i++ {
		for j := i; j > 0 && scored[j].Score > scored[j-1].Score; j-- {
			scored[j], scored[j-1] = scored[j-1], scored[j]
		}
	}
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}
