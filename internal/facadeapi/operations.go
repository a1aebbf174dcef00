package facadeapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/trading-cli/observability/internal/httpenvelope"
)

// handleListOperations merges the façade's own stopService operations with
// the broker's, sorted by createTime desc, per spec.md §4.7.
func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	local := s.ops.List()
	localRaw := make([]map[string]interface{}, 0, len(local))
	for _, op := range local {
		localRaw = append(localRaw, toRawOperation(op))
	}

	brokerOps, err := s.broker.listOperations(r.Context(), s.project, s.location)
	if err != nil {
		s.writeUpstreamErr(w, r, err)
		return
	}

	merged := append(localRaw, brokerOps...)
	sort.SliceStable(merged, func(i, j int) bool {
		return operationCreateTime(merged[i]).After(operationCreateTime(merged[j]))
	})
	httpenvelope.WriteJSON(w, r, http.StatusOK, map[string]interface{}{"operations": merged})
}

// handleGetOperation checks the façade's local registry first (it owns the
// name), falling back to the broker for everything else.
func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	name := resourceName(s.project, s.location, "operations", r.PathValue("id"))
	if op, ok := s.ops.Get(name); ok {
		httpenvelope.WriteJSON(w, r, http.StatusOK, op)
		return
	}

	ops, err := s.broker.listOperations(r.Context(), s.project, s.location)
	if err != nil {
		s.writeUpstreamErr(w, r, err)
		return
	}
	for _, op := range ops {
		if n, _ := op["name"].(string); n == name {
			httpenvelope.WriteJSON(w, r, http.StatusOK, op)
			return
		}
	}
	httpenvelope.WriteError(w, r, httpenvelope.StatusNotFound, "operation not found")
}

func toRawOperation(v interface{}) map[string]interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

func operationCreateTime(op map[string]interface{}) time.Time {
	meta, ok := op["metadata"].(map[string]interface{})
	if !ok {
		return time.Time{}
	}
	raw, ok := meta["createTime"].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
