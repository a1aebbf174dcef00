package facadeapi

import (
	"net/http"

	"github.com/trading-cli/observability/internal/httpenvelope"
)

// handleConfig serves the façade's public configuration probe. It must
// never leak OBS_CONTROL_TOKEN, so the response is a fixed shape with no
// path from the server's actual token value to the wire.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	httpenvelope.WriteJSON(w, r, http.StatusOK, map[string]interface{}{
		"project":              s.project,
		"location":             s.location,
		"control_token_required": true,
		"control_token_default": nil,
	})
}
