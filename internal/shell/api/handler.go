// Package api provides HTTP handlers for the DeployForge API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/artpar/deployforge/internal/core/auth"
	"github.com/artpar/deployforge/internal/core/domain"
	"github.com/artpar/deployforge/internal/shell/admission"
	apimw "github.com/artpar/deployforge/internal/shell/api/middleware"
	"github.com/artpar/deployforge/internal/shell/api/openapi"
	"github.com/artpar/deployforge/internal/shell/store"
)

// =============================================================================
// Dependencies
// =============================================================================

// Service is the deployment API the handler exposes.
// admission.Controller implements it.
type Service interface {
	RequestDeployment(ctx context.Context, projectID, userID string) (admission.Admission, error)
	GetDeployment(ctx context.Context, id, userID string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, userID string, opts store.ListOptions) ([]domain.Deployment, error)
	ListEvents(ctx context.Context, id, userID string) ([]domain.DeploymentEvent, error)
	CancelDeployment(ctx context.Context, id, userID string) (*domain.Deployment, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Streamer serves the live event stream.
type Streamer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, caller auth.Context)
}

// Config holds configuration for the API.
type Config struct {
	Auth           apimw.AuthConfig
	AllowedOrigins []string
	Version        string
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	service  Service
	database Pinger
	stream   Streamer
	config   Config
	docs     *openapi.Generator
	logger   *slog.Logger
}

// NewHandler creates a new API handler. stream may be nil, in which case the
// event stream route is not registered.
func NewHandler(svc Service, database Pinger, stream Streamer, cfg Config, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = l
	}
	return &Handler{
		service:  svc,
		database: database,
		stream:   stream,
		config:   cfg,
		docs:     openapi.NewGenerator(openapi.WithVersion(cfg.Version)),
		logger:   l.With("component", "api"),
	}
}

type endpoint struct {
	handler http.HandlerFunc
	doc     openapi.Route
}

func (h *Handler) endpoints() []endpoint {
	eps := []endpoint{
		{h.handleCreateDeployment, openapi.Route{
			Method: http.MethodPost, Path: "/api/deployments", OperationID: "requestDeployment",
			Summary: "Request a deployment of a project", Tag: "Deployments",
			Request: CreateDeploymentRequest{}, Response: AdmissionResponse{}, Status: http.StatusCreated,
			Errors: []int{http.StatusBadRequest, http.StatusNotFound, http.StatusTooManyRequests, http.StatusServiceUnavailable},
		}},
		{h.handleListDeployments, openapi.Route{
			Method: http.MethodGet, Path: "/api/deployments", OperationID: "listDeployments",
			Summary: "List the caller's deployments", Tag: "Deployments",
			Response: DeploymentListResponse{}, Query: []string{"limit", "offset"},
		}},
		{h.handleGetDeployment, openapi.Route{
			Method: http.MethodGet, Path: "/api/deployments/{id}", OperationID: "getDeployment",
			Summary: "Get a deployment", Tag: "Deployments",
			Response: DeploymentResponse{}, Errors: []int{http.StatusNotFound},
		}},
		{h.handleListEvents, openapi.Route{
			Method: http.MethodGet, Path: "/api/deployments/{id}/events", OperationID: "listDeploymentEvents",
			Summary: "Get a deployment's status history", Tag: "Deployments",
			Response: EventListResponse{}, Errors: []int{http.StatusNotFound},
		}},
		{h.handleCancelDeployment, openapi.Route{
			Method: http.MethodPost, Path: "/api/deployments/{id}/cancel", OperationID: "cancelDeployment",
			Summary: "Cancel a deployment that has not finished", Tag: "Deployments",
			Response: DeploymentResponse{}, Errors: []int{http.StatusBadRequest, http.StatusNotFound},
		}},
	}
	if h.stream != nil {
		eps = append(eps, endpoint{h.handleStream, openapi.Route{
			Method: http.MethodGet, Path: "/api/stream", OperationID: "streamEvents",
			Summary: "Websocket stream of the caller's status changes", Tag: "Events",
			Status: http.StatusSwitchingProtocols,
		}})
	}
	return eps
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestIDHeader)
	if len(h.config.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.config.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", auth.HeaderUserID},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Health endpoints
	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Get("/openapi.json", h.docs.Handler())

	authMW := apimw.NewAuthMiddleware(h.config.Auth)
	r.Group(func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Use(apimw.RequireAuth(h.logger))

		for _, ep := range h.endpoints() {
			ep.doc.Protected = true
			h.docs.RegisterRoute(ep.doc)
			r.Method(ep.doc.Method, ep.doc.Path, ep.handler)
		}
	})

	h.docs.RegisterRoute(openapi.Route{Method: http.MethodGet, Path: "/health", OperationID: "health", Tag: "Health", Response: HealthResponse{}})
	h.docs.RegisterRoute(openapi.Route{Method: http.MethodGet, Path: "/ready", OperationID: "ready", Tag: "Health", Response: ReadyResponse{}, Errors: []int{http.StatusServiceUnavailable}})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"database": "ok"}
	if err := h.database.Ping(r.Context()); err != nil {
		h.logger.Warn("readiness check failed", "check", "database", "error", err)
		checks["database"] = "failed"
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Checks: checks})
		return
	}
	h.writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

// =============================================================================
// Deployment Handlers
// =============================================================================

func (h *Handler) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req CreateDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	caller := auth.FromContext(r.Context())
	adm, err := h.service.RequestDeployment(r.Context(), req.ProjectID, caller.UserID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, AdmissionResponse{
		DeploymentID: adm.DeploymentID,
		Status:       string(adm.Status),
	})
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	opts := store.DefaultListOptions()
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}
	opts = opts.Normalize()

	caller := auth.FromContext(r.Context())
	deployments, err := h.service.ListDeployments(r.Context(), caller.UserID, opts)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := DeploymentListResponse{
		Deployments: make([]DeploymentResponse, 0, len(deployments)),
		Limit:       opts.Limit,
		Offset:      opts.Offset,
	}
	for i := range deployments {
		resp.Deployments = append(resp.Deployments, deploymentToResponse(&deployments[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	caller := auth.FromContext(r.Context())
	d, err := h.service.GetDeployment(r.Context(), chi.URLParam(r, "id"), caller.UserID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, deploymentToResponse(d))
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	caller := auth.FromContext(r.Context())
	evts, err := h.service.ListEvents(r.Context(), chi.URLParam(r, "id"), caller.UserID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := EventListResponse{Events: make([]EventResponse, 0, len(evts))}
	for _, e := range evts {
		resp.Events = append(resp.Events, eventToResponse(e))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCancelDeployment(w http.ResponseWriter, r *http.Request) {
	caller := auth.FromContext(r.Context())
	d, err := h.service.CancelDeployment(r.Context(), chi.URLParam(r, "id"), caller.UserID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, deploymentToResponse(d))
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	h.stream.ServeWS(w, r, auth.FromContext(r.Context()))
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	apimw.WriteJSONError(w, status, message, code)
}

// writeDomainError maps the domain error taxonomy onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		h.writeError(w, http.StatusBadRequest, domain.Message(err), "validation_error")
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, domain.Message(err), "not_found")
	case errors.Is(err, domain.ErrResourceExhausted):
		h.writeError(w, http.StatusTooManyRequests, domain.Message(err), "limit_reached")
	case errors.Is(err, domain.ErrQueueUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, domain.Message(err), "queue_unavailable")
	default:
		h.logger.Error("request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error", "internal_error")
	}
}
