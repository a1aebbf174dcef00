// Package facadeapi implements the Control Façade: the read-only,
// authenticated-write HTTP surface that overlays trade-journal and
// process-supervisor state onto the broker's authoritative workflow
// records, and owns the one locally-executed long-running operation
// (stopping a managed bot process).
package facadeapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/trading-cli/observability/internal/httpenvelope"
	"github.com/trading-cli/observability/internal/ingest"
	"github.com/trading-cli/observability/internal/metrics"
	"github.com/trading-cli/observability/internal/opreg"
	"github.com/trading-cli/observability/internal/ratelimit"
	"github.com/trading-cli/observability/internal/supervisor"
)

// Config bundles the façade's collaborators and tunables.
type Config struct {
	BrokerBaseURL          string
	ControlToken           string
	SupervisorDir          string
	TradesDir              string
	Project                string
	Location               string
	MaxBodyBytes           int64
	AllowedOrigin          string
	DownstreamTimeout      time.Duration
	OperationTTL           time.Duration
	OperationMax           int
	ControlAuditFile       string
	AuditPayloadTokenLimit int
	Metrics                *metrics.Store
	Limiter                *ratelimit.Limiter
}

// Server is the façade's HTTP surface.
type Server struct {
	broker        *brokerClient
	controlToken  string
	project       string
	location      string
	maxBodyBytes  int64
	allowedOrigin string

	ops                    *opreg.Registry
	scanner                *ingest.Scanner
	probe                  *supervisor.Probe
	audit                  *auditWriter
	metrics                *metrics.Store
	limiter                *ratelimit.Limiter
	tradesDir              string
	supervisorDir          string
	auditPayloadTokenLimit int
}

// defaultAuditPayloadTokenLimit bounds the digest.Preview truncation applied
// to control-audit "reason" fields, mirroring brokerapi's own default.
const defaultAuditPayloadTokenLimit = 256

// NewServer builds a façade Server from cfg, applying spec.md defaults for
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
	if cfg.DownstreamTimeout <= 0 {
		cfg.DownstreamTimeout = 10 * time.Second
	}
	if cfg.ControlToken == "" {
		cfg.ControlToken = "local-dev-token"
	}
	if cfg.AuditPayloadTokenLimit <= 0 {
		cfg.AuditPayloadTokenLimit = defaultAuditPayloadTokenLimit
	}
	return &Server{
		broker:                 newBrokerClient(cfg.BrokerBaseURL, cfg.DownstreamTimeout),
		controlToken:           cfg.ControlToken,
		project:                cfg.Project,
		location:               cfg.Location,
		maxBodyBytes:           cfg.MaxBodyBytes,
		allowedOrigin:          cfg.AllowedOrigin,
		ops:                    opreg.New(cfg.OperationTTL, cfg.OperationMax),
		scanner:                ingest.NewScanner(cfg.TradesDir),
		probe:                  supervisor.NewProbe(cfg.SupervisorDir),
		audit:                  newAuditWriter(cfg.ControlAuditFile),
		metrics:                cfg.Metrics,
		limiter:                cfg.Limiter,
		tradesDir:              cfg.TradesDir,
		supervisorDir:          cfg.SupervisorDir,
		auditPayloadTokenLimit: cfg.AuditPayloadTokenLimit,
	}
}

// Close drains the façade's own audit writer, for graceful shutdown.
func (s *Server) Close() {
	s.audit.Close()
}

// Evict runs the façade-local operation registry's eviction sweep, called
// by obsctl's background ticker and directly by tests.
func (s *Server) Evict(now time.Time) {
	s.ops.Evict(now)
}

// NewHandler registers every façade route behind the shared security
// middleware, with bearer-token auth additionally required on the two
// control-action route groups.
func (s *Server) NewHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/config", s.handleConfig)

	mux.HandleFunc("GET /v1/projects/{project}/locations/{location}/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /v1/projects/{project}/locations/{location}/workflows:search", s.handleSearchWorkflows)
	mux.HandleFunc("GET /v1/projects/{project}/locations/{location}/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("POST /v1/projects/{project}/locations/{location}/workflows/{id}", s.withControlAuth(s.handleWorkflowAction))

	mux.HandleFunc("POST /v1/projects/{project}/locations/{location}/services/{id}", s.withControlAuth(s.handleServiceAction))

	mux.HandleFunc("GET /v1/projects/{project}/locations/{location}/operations", s.handleListOperations)
	mux.HandleFunc("GET /v1/projects/{project}/locations/{location}/operations/{id}", s.handleGetOperation)

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
			s.metrics.IncRequest("facade")
		}
		httpenvelope.LimitBody(w, r, s.maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// withControlAuth requires a bearer token equal to the façade's configured
// OBS_CONTROL_TOKEN, accepted either as "Authorization: Bearer <token>" or
// the alternate "X-Observability-Control-Token" header, per spec.md §6.
func (s *Server) withControlAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || token != s.controlToken {
			ip := ratelimit.ClientIP(r.RemoteAddr)
			if s.limiter != nil {
				s.limiter.AddAuthFailure(ip)
			}
			if s.metrics != nil {
				s.metrics.IncAuthFailure()
			}
			httpenvelope.WriteError(w, r, httpenvelope.StatusUnauthenticated, "missing or invalid control token")
			return
		}
		if s.limiter != nil {
			s.limiter.ClearAuthFailures(ratelimit.ClientIP(r.RemoteAddr))
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Observability-Control-Token"))
}

// splitIDAction splits a Google-style "{id}:{action}" path segment,
// mirroring brokerapi's own convention so the two surfaces read alike.
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

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httpenvelope.WriteJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if s.metrics == nil {
		return
	}
	_, _ = w.Write([]byte(s.metrics.Prometheus(true)))
}
