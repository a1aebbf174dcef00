// Package httpenvelope provides the Google-style error envelope, CORS,
// request-id, and body-size-limit middleware shared by the broker and
// façade HTTP surfaces.
package httpenvelope

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Status is the closed RPC-style status enum carried in error envelopes.
type Status string

const (
	StatusInvalidArgument    Status = "INVALID_ARGUMENT"
	StatusUnauthenticated    Status = "UNAUTHENTICATED"
	StatusNotFound           Status = "NOT_FOUND"
	StatusFailedPrecondition Status = "FAILED_PRECONDITION"
	StatusUnavailable        Status = "UNAVAILABLE"
	StatusInternal           Status = "INTERNAL"
)

// HTTPStatus maps a Status onto the HTTP status code used in the envelope's
// "code" field, following the conventional Google API REST mapping.
func HTTPStatus(s Status) int {
	switch s {
	case StatusInvalidArgument:
		return http.StatusBadRequest
	case StatusUnauthenticated:
		return http.StatusUnauthorized
	case StatusNotFound:
		return http.StatusNotFound
	case StatusFailedPrecondition:
		return http.StatusBadRequest
	case StatusUnavailable:
		return http.StatusServiceUnavailable
	case StatusInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

type apiError struct {
	Code    int           `json:"code"`
	Status  Status        `json:"status"`
	Message string        `json:"message"`
	Details []interface{} `json:"details"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

const requestIDHeader = "X-Request-Id"

// WriteJSON writes a successful JSON response with the ambient headers
// (no-store, request id) every response on these surfaces carries.
func WriteJSON(w http.ResponseWriter, r *http.Request, statusCode int, payload interface{}) {
	setAmbientHeaders(w, r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("httpenvelope: encode response failed: %v", err)
	}
}

// WriteError writes the {error:{code,status,message,details}} envelope.
func WriteError(w http.ResponseWriter, r *http.Request, status Status, message string, details ...interface{}) {
	code := HTTPStatus(status)
	setAmbientHeaders(w, r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	env := errorEnvelope{Error: apiError{Code: code, Status: status, Message: message, Details: details}}
	if details == nil {
		env.Error.Details = []interface{}{}
	}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Printf("httpenvelope: encode error envelope failed: %v", err)
	}
}

func setAmbientHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	if rid := RequestID(r); rid != "" {
		w.Header().Set(requestIDHeader, rid)
	}
}

type contextKey string

const requestIDContextKey contextKey = "request_id"

const maxRequestIDLength = 128

func isValidRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, ch := range id {
		if ch < 33 || ch > 126 {
			return false
		}
	}
	return true
}

// WithRequestID echoes a well-formed caller-supplied X-Request-Id, or mints
// a fresh one, and stashes it on the request context.
func WithRequestID(r *http.Request) *http.Request {
	if r == nil {
		return r
	}
	rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if !isValidRequestID(rid) {
		rid = uuid.NewString()
	}
	return r.WithContext(context.WithValue(r.Context(), requestIDContextKey, rid))
}

// RequestID returns the request id stashed by WithRequestID, if any.
func RequestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	if rid, ok := r.Context().Value(requestIDContextKey).(string); ok {
		return rid
	}
	return ""
}

// CORS sets the access-control headers. A request Origin is echoed when it
// is on the small allow-list of local origins or is any other localhost or
// 127.0.0.1 origin; otherwise http://localhost:3000 is sent. extraOrigin
// joins the allow-list only when it is itself a localhost or 127.0.0.1
// origin, so a non-local extraOrigin is never echoed.
func CORS(w http.ResponseWriter, r *http.Request, extraOrigin string) {
	origin := strings.TrimSpace(r.Header.Get("Origin"))

	allowed := map[string]struct{}{
		"http://localhost":      {},
		"http://localhost:3000": {},
		"http://localhost:3001": {},
	}
	if extraOrigin != "" && isLocalOrigin(extraOrigin) {
		allowed[extraOrigin] = struct{}{}
	}

	if origin != "" {
		if _, ok := allowed[origin]; !ok && !isLocalOrigin(origin) {
			origin = ""
		}
	}
	if origin == "" {
		origin = "http://localhost:3000"
	}

	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id, X-Observability-Actor, X-Observability-Control-Token")
}

func isLocalOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "localhost" || host == "127.0.0.1"
}

// LimitBody wraps r's body so a read past maxBytes fails; combined with
// MaxBytesHandler-style handling at the call site, exceeding the limit maps
// to a 413 INVALID_ARGUMENT response.
func LimitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}
