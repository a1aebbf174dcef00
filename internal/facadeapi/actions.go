package facadeapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/trading-cli/observability/internal/digest"
	"github.com/trading-cli/observability/internal/httpenvelope"
)

// handleWorkflowAction requires the control token (enforced by
// withControlAuth before this handler runs) and forwards execute/cancel/
// hardCancel to the broker, writing a control-audit line regardless of
// outcome per spec.md §4.7.
func (s *Server) handleWorkflowAction(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("id")
	id, action := splitIDAction(raw)
	switch action {
	case "execute", "cancel", "hardCancel":
	default:
		httpenvelope.WriteError(w, r, httpenvelope.StatusInvalidArgument, "unsupported workflow action: "+action)
		return
	}

	var req actionRequest
	if !s.readBody(w, r, &req) {
		return
	}

	op, err := s.broker.runAction(r.Context(), s.project, s.location, id, action, req)

	upstreamStatus := "ok"
	if err != nil {
		upstreamStatus = "failed"
	}
	s.audit.append(map[string]interface{}{
		"actor": req.Actor, "action": action, "target": "workflows/" + id,
		"request_id": req.RequestID, "reason": digest.Preview(req.Reason, s.auditPayloadTokenLimit),
		"upstream_status": upstreamStatus,
	})

	if err != nil {
		s.writeUpstreamErr(w, r, err)
		return
	}
	httpenvelope.WriteJSON(w, r, http.StatusOK, op)
}

// readBody reads and JSON-decodes r's body into dst, translating a
// MaxBytesReader overflow into the 413 INVALID_ARGUMENT envelope, mirroring
// brokerapi.Server.readBody so both surfaces reject oversized bodies the
// same way.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil {
		return true
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		if strings.Contains(err.Error(), "http: request body too large") {
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
