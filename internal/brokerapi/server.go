// Package brokerapi implements the Broker HTTP Surface: the Google-style
// V1 resource API plus legacy compatibility routes in front of the state
// store and operation registry.
package brokerapi

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/trading-cli/observability/internal/digest"
	"github.com/trading-cli/observability/internal/httpenvelope"
	"github.com/trading-cli/observability/internal/metrics"
	"github.com/trading-cli/observability/internal/ratelimit"
	"github.com/trading-cli/observability/internal/store"
	"github.com/trading-cli/observability/internal/workflow"
)

const (
	defaultPageSize               = 200
	maxPageSize                   = 1000
	defaultAuditPayloadTokenLimit = 256
)

// Config bundles the broker's collaborators and tunables.
type Config struct {
	Store                  *store.Store
	Metrics                *metrics.Store
	Limiter                *ratelimit.Limiter
	Project                string
	Location               string
	MaxBodyBytes           int64
	AllowedOrigin          string
	AuditPayloadTokenLimit int
}

// Server is the broker's HTTP surface.
type Server struct {
	store                  *store.Store
	metrics                *metrics.Store
	limiter                *ratelimit.Limiter
	project                string
	location               string
	maxBodyBytes           int64
	allowedOrigin          string
	auditPayloadTokenLimit int
}

// NewServer builds a broker Server from cfg, applying spec.md defaults for
// any zero-valued field.
func NewServer(cfg Config) *Server {
	if cfg.Project == "" {
		cfg.Project = "local"
	}
	if cfg.Location == "" {
		cfg.Location = "us-central1"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.AuditPayloadTokenLimit <= 0 {
		cfg.AuditPayloadTokenLimit = defaultAuditPayloadTokenLimit
	}
	return &Server{
		store:                  cfg.Store,
		metrics:                cfg.Metrics,
		limiter:                cfg.Limiter,
		project:                cfg.Project,
		location:               cfg.Location,
		maxBodyBytes:           cfg.MaxBodyBytes,
		allowedOrigin:          cfg.AllowedOrigin,
		auditPayloadTokenLimit: cfg.AuditPayloadTokenLimit,
	}
}

// NewHandler registers every V1 and legacy route behind the shared
// security middleware.
func (s *Server) NewHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/projects/{project}/locations/{location}/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /v1/projects/{project}/locations/{location}/workflows/{id}", s.handleGetOrActOnWorkflow)
	mux.HandleFunc("POST /v1/projects/{project}/locations/{location}/workflows/{id}", s.handleGetOrActOnWorkflow)
	mux.HandleFunc("GET /v1/projects/{project}/locations/{location}/operations", s.handleListOperations)
	mux.HandleFunc("GET /v1/projects/{project}/locations/{location}/operations/{id}", s.handleGetOperation)

	mux.HandleFunc("POST /research/start", s.handleLegacyResearchStart)
	mux.HandleFunc("GET /research/{id}", s.handleLegacyResearchGet)
	mux.HandleFunc("POST /workflows/register", s.handleLegacyRegister)
	mux.HandleFunc("GET /workflows/{id}", s.handleLegacyGet)
	mux.HandleFunc("POST /workflows/{id}/complete", s.handleLegacyComplete)
	mux.HandleFunc("POST /workflows/{id}/events", s.handleLegacyAppendEvent)
	mux.HandleFunc("POST /execution/{id}/approve", s.handleLegacyApprove)
	mux.HandleFunc("GET /execution/{id}/approval", s.handleLegacyApprovalStatus)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	return s.withSecurity(mux)
}

func (s *Server) withSecurity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpenvelope.CORS(w, r, s.allowedOrigin)
		r = httpenvelope.WithRequestID(r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		ip := ratelimit.ClientIP(r.RemoteAddr)
		if s.limiter != nil && !s.limiter.Allow(ip) {
			httpenvelope.WriteError(w, r, httpenvelope.StatusUnavailable, "rate limit exceeded")
			return
		}
		if s.metrics != nil {
			s.metrics.IncRequest("broker")
		}
		httpenvelope.LimitBody(w, r, s.maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// readBody reads and JSON-decodes r's body into dst, translating a
// MaxBytesReader overflow into the 413 INVALID_ARGUMENT envelope required by
// testable property 8. Returns false if the response has already been
// written.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil {
		return true
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		if isBodyTooLarge(err) {
			httpenvelope.WriteJSON(w, r, http.StatusRequestEntityTooLarge, map[string]interface{}{"error": map[string]interface{}{
				"code":    http.StatusRequestEntityTooLarge,
				"status":  httpenvelope.StatusInvalidArgument,
				"message": "request body exceeds the configured limit",
				"details": []interface{}{},
			}})
		} else {
			httpenvelope.WriteError(w, r, httpenvelope.StatusInvalidArgument, "failed to read request body")
		}
		return false
	}
	if len(data) == 0 {
		return true
	}
	if err := json.Unmarshal(data, dst); err != nil {
		httpenvelope.WriteError(w, r, httpenvelope.StatusInvalidArgument, "malformed JSON body")
		return false
	}
	return true
}

func isBodyTooLarge(err error) bool {
	return err != nil && strings.Contains(err.Error(), "http: request body too large")
}

type actionRequest struct {
	Actor     string `json:"actor"`
	Reason    string `json:"reason"`
	RequestID string `json:"requestId"`
}

// splitIDAction splits a Google-style "{id}:{action}" path segment. Plain
// ids (no colon) return an empty action.
func splitIDAction(raw string) (id, action string) {
	idx := strings.LastIndex(raw, ":")
	if idx < 0 {
		return raw, ""
	}
	return raw[:idx], raw[idx+1:]
}

func resourceName(project, location, collection, id string) string {
	return "projects/" + project + "/locations/" + location + "/" + collection + "/" + id
}

func (s *Server) handleGetOrActOnWorkflow(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("id")
	id, action := splitIDAction(raw)

	if r.Method == http.MethodGet {
		if action != "" {
			httpenvelope.WriteError(w, r, httpenvelope.StatusInvalidArgument, "GET does not accept an action suffix")
			return
		}
		s.writeWorkflow(w, r, id)
		return
	}

	switch action {
	case "execute", "cancel", "hardCancel":
		s.handleAction(w, r, id, action)
	default:
		httpenvelope.WriteError(w, r, httpenvelope.StatusInvalidArgument, "unsupported workflow action: "+action)
	}
}

func (s *Server) writeWorkflow(w http.ResponseWriter, r *http.Request, id string) {
	wf, ok := s.store.Get(id)
	if !ok {
		httpenvelope.WriteError(w, r, httpenvelope.StatusNotFound, "workflow not found: "+id)
		return
	}
	httpenvelope.WriteJSON(w, r, http.StatusOK, toWorkflowView(&wf))
}

type workflowView struct {
	*workflow.Workflow
	AvailableActions []workflow.Action `json:"available_actions"`
}

func toWorkflowView(wf *workflow.Workflow) workflowView {
	return workflowView{Workflow: wf, AvailableActions: workflow.AvailableActions(wf)}
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, id, action string) {
	var req actionRequest
	if !s.readBody(w, r, &req) {
		return
	}
	s.runAction(w, r, id, action, req)
}

// runAction performs action against an already-parsed actionRequest,
// letting callers that parsed the body themselves (the legacy approve
// route) avoid reading the body a second time.
func (s *Server) runAction(w http.ResponseWriter, r *http.Request, id, action string, req actionRequest) {
	op := s.store.Ops.Create(s.project, s.location, action, "workflows/"+id, req.Actor, req.Reason, req.RequestID)
	if op.Done {
		httpenvelope.WriteJSON(w, r, http.StatusOK, op)
		return
	}

	var (
		outcome string
		failErr error
	)
	now := time.Now().UTC()
	s.store.WithLock(func(workflows map[string]*workflow.Workflow) {
		wf, ok := workflows[id]
		if !ok {
			failErr = &workflow.RejectionError{Message: "workflow not found: " + id}
			return
		}
		switch action {
		case "execute":
			if err := workflow.Execute(wf, req.Actor, req.Reason, now); err != nil {
				failErr = err
				return
			}
			outcome = "execution_approved"
		case "cancel":
			if err := workflow.SoftCancel(wf, req.Actor, req.Reason, now); err != nil {
				failErr = err
				return
			}
			outcome = "soft_cancel_requested"
		case "hardCancel":
			if err := workflow.HardCancel(wf, req.Actor, req.Reason, now); err != nil {
				failErr = err
				return
			}
			outcome = "canceled_hard"
		}
	})

	auditStatus := "ok"
	if failErr != nil {
		auditStatus = "failed"
	}
	s.store.AppendAudit(map[string]interface{}{
		"actor": req.Actor, "action": action, "target": id,
		"request_id": req.RequestID, "reason": digest.Preview(req.Reason, s.auditPayloadTokenLimit),
		"status": auditStatus,
	})

	if failErr != nil {
		if isWorkflowNotFound(failErr) {
			s.store.WithLock(func(map[string]*workflow.Workflow) {
				s.store.Ops.Fail(op, http.StatusNotFound, string(httpenvelope.StatusNotFound), failErr.Error())
			})
			httpenvelope.WriteError(w, r, httpenvelope.StatusNotFound, failErr.Error())
			return
		}
		s.store.WithLock(func(map[string]*workflow.Workflow) {
			s.store.Ops.Fail(op, http.StatusBadRequest, string(httpenvelope.StatusFailedPrecondition), failErr.Error())
		})
		httpenvelope.WriteError(w, r, httpenvelope.StatusFailedPrecondition, failErr.Error())
		return
	}

	s.store.WithLock(func(map[string]*workflow.Workflow) {
		s.store.Ops.Complete(op, map[string]interface{}{"outcome": outcome, "workflowId": id})
	})
	httpenvelope.WriteJSON(w, r, http.StatusOK, op)
}

// isWorkflowNotFound distinguishes the synthetic not-found RejectionError
// built above (CurrentStatus left unset) from a genuine illegal-transition
// rejection raised by the state machine (CurrentStatus always set).
func isWorkflowNotFound(err error) bool {
	rej, ok := err.(*workflow.RejectionError)
	return ok && rej.CurrentStatus == ""
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	pageSize, offset, err := parsePage(r.URL.Query().Get("pageSize"), r.URL.Query().Get("pageToken"))
	if err != nil {
		httpenvelope.WriteError(w, r, httpenvelope.StatusInvalidArgument, err.Error())
		return
	}
	filter := parseFilter(r.URL.Query().Get("filter"))

	all := s.store.List()
	matched := make([]workflow.Workflow, 0, len(all))
	for _, wf := range all {
		if filter.matches(wf) {
			matched = append(matched, wf)
		}
	}
	sortWorkflowsByUpdateTimeDesc(matched)

	views := make([]workflowView, 0, pageSize)
	end := offset + pageSize
	for i := offset; i < len(matched) && i < end; i++ {
		views = append(views, toWorkflowView(&matched[i]))
	}

	resp := map[string]interface{}{"workflows": views}
	if end < len(matched) {
		resp["nextPageToken"] = strconv.Itoa(end)
	}
	httpenvelope.WriteJSON(w, r, http.StatusOK, resp)
}

func sortWorkflowsByUpdateTimeDesc(wfs []workflow.Workflow) {
	for i := 1; i < len(wfs); i++ {
		for j := i; j > 0 && wfs[j].UpdatedAt.After(wfs[j-1].UpdatedAt); j-- {
			wfs[j], wfs[j-1] = wfs[j-1], wfs[j]
		}
	}
}

func parsePage(rawSize, rawToken string) (int, int, error) {
	size := defaultPageSize
	if rawSize != "" {
		n, err := strconv.Atoi(rawSize)
		if err != nil {
			return 0, 0, &workflow.RejectionError{Message: "invalid pageSize"}
		}
		size = n
	}
	if size < 1 {
		size = 1
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	offset := 0
	if rawToken != "" {
		n, err := strconv.Atoi(rawToken)
		if err != nil || n < 0 {
			return 0, 0, &workflow.RejectionError{Message: "invalid pageToken"}
		}
		offset = n
	}
	return size, offset, nil
}

// workflowFilter holds the two fields the grammar in spec.md §4.4
// recognizes; any other "field=value" clause is parsed but ignored.
type workflowFilter struct {
	state     string
	sourceBot string
}

func parseFilter(raw string) workflowFilter {
	var f workflowFilter
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return f
	}
	for _, clause := range strings.Split(raw, " and ") {
		clause = strings.TrimSpace(clause)
		eq := strings.Index(clause, "=")
		if eq < 0 {
			continue
		}
		field := strings.TrimSpace(clause[:eq])
		value := strings.Trim(strings.TrimSpace(clause[eq+1:]), `"`)
		switch field {
		case "state":
			f.state = value
		case "source_bot":
			f.sourceBot = value
		}
	}
	return f
}

func (f workflowFilter) matches(wf workflow.Workflow) bool {
	if f.state != "" && !strings.EqualFold(f.state, string(wf.Status)) {
		return false
	}
	if f.sourceBot != "" && f.sourceBot != wf.SourceBot {
		return false
	}
	return true
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	httpenvelope.WriteJSON(w, r, http.StatusOK, map[string]interface{}{"operations": s.store.Ops.List()})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	name := resourceName(s.project, s.location, "operations", r.PathValue("id"))
	op, ok := s.store.Ops.Get(name)
	if !ok {
		httpenvelope.WriteError(w, r, httpenvelope.StatusNotFound, "operation not found")
		return
	}
	httpenvelope.WriteJSON(w, r, http.StatusOK, op)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httpenvelope.WriteJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	httpenvelope.WriteJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if s.metrics == nil {
		return
	}
	if _, err := w.Write([]byte(s.metrics.Prometheus(true))); err != nil {
		log.Printf("brokerapi: failed to write metrics: %v", err)
	}
}
