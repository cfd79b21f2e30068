// Package api exposes the broker over HTTP: session lifecycle, command
// routing, memory sampling, and pool introspection on one chi router.
// Engine failures stay inside the reply envelope; only broker-level
// failures (capacity, spawn, unknown session) surface as HTTP errors.
package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/orrery/internal/broker"
	"github.com/zjrosen/orrery/internal/log"
	"github.com/zjrosen/orrery/internal/metrics"
	"github.com/zjrosen/orrery/internal/ports"
	"github.com/zjrosen/orrery/internal/rpc"
	"github.com/zjrosen/orrery/internal/tracing"
)

// Handler provides the HTTP endpoints over a session registry.
type Handler struct {
	registry   *broker.Registry
	pool       *ports.Pool
	apiKey     string
	origins    string
	ratePerMin int
	tracer     trace.Tracer
	validate   *validator.Validate
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	// Registry manages session lifecycle (required).
	Registry *broker.Registry
	// Pool answers /port-status (required).
	Pool *ports.Pool
	// APIKey gates everything except /health and /metrics. Empty
	// disables the gate.
	APIKey string
	// CORSAllowedOrigins is a comma-separated origin list; empty means "*".
	CORSAllowedOrigins string
	// RateLimitPerMin limits mutating requests per client IP per minute.
	// Zero disables rate limiting.
	RateLimitPerMin int
	// Tracer instruments requests when tracing is enabled (optional).
	Tracer trace.Tracer
}

// NewHandler creates an API handler over the given registry and pool.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		registry:   cfg.Registry,
		pool:       cfg.Pool,
		apiKey:     cfg.APIKey,
		origins:    cfg.CORSAllowedOrigins,
		ratePerMin: cfg.RateLimitPerMin,
		tracer:     cfg.Tracer,
		validate:   validator.New(),
	}
}

// Routes returns the assembled router. /health and /metrics sit outside
// the API-key gate; mutating endpoints additionally pass the per-IP rate
// limiter when one is configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(h.recoverer)
	r.Use(accessLog)
	r.Use(metrics.HTTPMetricsMiddleware)
	r.Use(tracing.HTTPMiddleware(h.tracer))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: ParseOrigins(h.origins),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(g chi.Router) {
		g.Use(h.requireAPIKey)

		g.Get("/sessions", h.ListSessions)
		g.Get("/session-memory", h.SessionMemoryAll)
		g.Get("/port-status", h.PortStatus)

		g.Group(func(m chi.Router) {
			if h.ratePerMin > 0 {
				m.Use(httprate.LimitByIP(h.ratePerMin, 1*time.Minute))
			}
			m.Post("/start-session", h.StartSession)
			m.Post("/end-session/{id}", h.EndSession)
			m.Post("/update-user-info/{id}", h.UpdateUserInfo)
			m.Post("/session-memory/{id}", h.SessionMemory)
			m.Post("/send/{id}", h.Send)
		})
	})

	return r
}

// === Request/Response Types ===

// UserInfoRequest is the body of /update-user-info/{id}.
type UserInfoRequest struct {
	FirstName string `json:"first_name" validate:"required"`
	LastName  string `json:"last_name" validate:"required"`
	Email     string `json:"email,omitempty" validate:"omitempty,email"`
}

// SuccessResponse acknowledges a lifecycle mutation.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// MemoryResponse is the body of /session-memory/{id}.
type MemoryResponse struct {
	MemUsed float64 `json:"mem_used"`
}

// HealthResponse is the ungated liveness body.
type HealthResponse struct {
	Status string `json:"status"`
}

// === Handlers ===

// StartSession spawns a worker and answers with the session snapshot.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.registry.Create(r.Context(), ClientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, broker.ErrNoCapacity) {
			h.writeDetail(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		// Spawn failures and anything else unexpected.
		h.writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// EndSession terminates one session with the manual reason.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	if !h.registry.End(chi.URLParam(r, "id"), broker.ReasonManual) {
		h.writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	h.writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// ListSessions reaps idle sessions first, then lists the survivors.
// Self-healing of dead workers happens inside List.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	h.registry.ReapIdle()
	h.writeJSON(w, http.StatusOK, h.registry.List())
}

// UpdateUserInfo attaches user metadata to a session.
func (h *Handler) UpdateUserInfo(w http.ResponseWriter, r *http.Request) {
	var req UserInfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeDetail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if !h.registry.UpdateUserInfo(chi.URLParam(r, "id"), req.FirstName, req.LastName, req.Email) {
		h.writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	h.writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// SessionMemoryAll samples every live session, skipping sessions whose
// process no longer answers.
func (h *Handler) SessionMemoryAll(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.registry.SampleAllMemory())
}

// SessionMemory samples one session's resident set.
func (h *Handler) SessionMemory(w http.ResponseWriter, r *http.Request) {
	mib, ok := h.registry.SampleMemory(chi.URLParam(r, "id"))
	if !ok {
		h.writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	h.writeJSON(w, http.StatusOK, MemoryResponse{MemUsed: mib})
}

// PortStatus reports the pool occupancy.
func (h *Handler) PortStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.pool.Status())
}

// Send routes a command envelope to the session's worker and relays the
// reply verbatim. Worker-side failures arrive as a failed envelope with
// status 200; only an unknown session is an HTTP error.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req rpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeDetail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	reply, err := h.registry.Send(chi.URLParam(r, "id"), req)
	if err != nil {
		if errors.Is(err, broker.ErrUnknownSession) {
			h.writeDetail(w, http.StatusNotFound, "Invalid session ID")
			return
		}
		h.writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, reply)
}

// Health is the ungated liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// === Helpers ===

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatAPI, "encoding response failed", err)
	}
}

// writeDetail writes the error body shape clients expect: {"detail": msg}.
func (h *Handler) writeDetail(w http.ResponseWriter, status int, detail string) {
	h.writeJSON(w, status, map[string]string{"detail": detail})
}

// ClientIP attributes a request to a client: the first X-Forwarded-For
// hop when present, otherwise the peer address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
