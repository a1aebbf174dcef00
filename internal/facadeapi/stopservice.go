package facadeapi

import (
	"net/http"

	"github.com/trading-cli/observability/internal/digest"
	"github.com/trading-cli/observability/internal/httpenvelope"
)

const stoppableService = "sports-agent"

// handleServiceAction implements the façade's one locally-owned
// long-running operation, `services/sports-agent:stop`, per spec.md §4.7.
// It is idempotent by (project, location, stopService, service, requestId)
// via the façade's own operation registry.
func (s *Server) handleServiceAction(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("id")
	service, action := splitIDAction(raw)
	if action != "stop" {
		httpenvelope.WriteError(w, r, httpenvelope.StatusInvalidArgument, "unsupported service action: "+action)
		return
	}
	if service != stoppableService {
		httpenvelope.WriteError(w, r, httpenvelope.StatusInvalidArgument, "unsupported stop target: "+service)
		return
	}

	var req actionRequest
	if !s.readBody(w, r, &req) {
		return
	}

	op := s.ops.Create(s.project, s.location, "stopService", "services/"+service, req.Actor, req.Reason, req.RequestID)
	if op.Done {
		httpenvelope.WriteJSON(w, r, http.StatusOK, op)
		return
	}

	result, stopErr := s.probe.Stop(service)

	auditStatus := "ok"
	if stopErr != nil {
		auditStatus = "failed"
	}
	s.audit.append(map[string]interface{}{
		"actor": req.Actor, "action": "stopService", "target": "services/" + service,
		"request_id": req.RequestID, "reason": digest.Preview(req.Reason, s.auditPayloadTokenLimit), "upstream_status": auditStatus,
	})

	if stopErr != nil {
		s.ops.Fail(op, http.StatusInternalServerError, string(httpenvelope.StatusInternal), stopErr.Error())
		httpenvelope.WriteError(w, r, httpenvelope.StatusInternal, stopErr.Error())
		return
	}

	s.ops.Complete(op, map[string]interface{}{
		"serviceName":    service,
		"runtimeState":   s.probe.RuntimeState(service),
		"alreadyStopped": result.AlreadyStopped,
		"forced":         result.Forced,
		"pid":            result.PID,
	})
	httpenvelope.WriteJSON(w, r, http.StatusOK, op)
}
