package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fairyhunter13/inference-gateway/internal/config"
	"github.com/fairyhunter13/inference-gateway/internal/dispatch"
	"github.com/fairyhunter13/inference-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/inference-gateway/internal/observability"
	"github.com/fairyhunter13/inference-gateway/internal/registry"
	"github.com/fairyhunter13/inference-gateway/internal/service/breaker"
)

// Server wires HTTP handlers to the dispatch core.
type Server struct {
	Cfg        config.Config
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	Breakers   *breaker.Table

	// TenantResolver maps a tenant id to its full context. Nil falls back to
	// the configured default RPS limit.
	TenantResolver func(tenantID string) domain.TenantContext

	// Readiness checks; nil checks are skipped.
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	QueueCheck func(ctx context.Context) error
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() { validate = validator.New() })
	return validate
}

type inferMessage struct {
	Role    string `json:"role" validate:"required"`
	Content string `json:"content"`
}

type inferHints struct {
	PreferredProvider string `json:"preferred_provider,omitempty"`
	DeviceHint        string `json:"device_hint,omitempty"`
	CostSensitive     bool   `json:"cost_sensitive,omitempty"`
	TimeoutMS         int64  `json:"timeout_ms,omitempty" validate:"omitempty,min=0"`
	Priority          int    `json:"priority,omitempty"`
}

type inferRequest struct {
	Model      string            `json:"model" validate:"required"`
	Messages   []inferMessage    `json:"messages" validate:"required,min=1,dive"`
	Parameters domain.Parameters `json:"parameters"`
	Stream     bool              `json:"stream"`
	Tools      []domain.ToolSpec `json:"tools,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Hints      inferHints        `json:"hints"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (in inferRequest) toDomain(requestID, tenantID string) domain.InferenceRequest {
	msgs := make([]domain.Message, len(in.Messages))
	for i, m := range in.Messages {
		msgs[i] = domain.Message{Role: m.Role, Content: m.Content}
	}
	return domain.InferenceRequest{
		ID:         requestID,
		TenantID:   tenantID,
		Model:      in.Model,
		Messages:   msgs,
		Parameters: in.Parameters,
		Stream:     in.Stream,
		Tools:      in.Tools,
		SessionID:  in.SessionID,
		Hints: domain.RoutingHints{
			PreferredProvider: in.Hints.PreferredProvider,
			DeviceHint:        in.Hints.DeviceHint,
			CostSensitive:     in.Hints.CostSensitive,
			Timeout:           time.Duration(in.Hints.TimeoutMS) * time.Millisecond,
			Priority:          in.Hints.Priority,
		},
		Metadata: in.Metadata,
	}
}

// decodeInfer parses and validates the request body, returning the domain
// request bound to the authenticated tenant.
func (s *Server) decodeInfer(w http.ResponseWriter, r *http.Request) (domain.InferenceRequest, domain.TenantContext, bool) {
	principal, ok := TenantFrom(r)
	if !ok {
		writeError(w, r, domain.E(domain.CodeAuthMissingTenant, "tenant not resolved"))
		return domain.InferenceRequest{}, domain.TenantContext{}, false
	}

	var in inferRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	if err := dec.Decode(&in); err != nil {
		writeError(w, r, domain.WrapErr(domain.CodeBadRequest, "invalid request body", err))
		return domain.InferenceRequest{}, domain.TenantContext{}, false
	}
	if err := getValidator().Struct(in); err != nil {
		writeError(w, r, domain.WrapErr(domain.CodeBadRequest, "request validation failed", err))
		return domain.InferenceRequest{}, domain.TenantContext{}, false
	}

	reqID := obsctx.RequestIDFromContext(r.Context())
	if reqID == "" {
		reqID = uuid.New().String()
	}
	return in.toDomain(reqID, principal.Tenant.ID), principal.Tenant, true
}

// InferHandler serves POST /v1/infer. Streaming is selected either by the
// stream flag in the body or an Accept: text/event-stream header.
func (s *Server) InferHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, tenant, ok := s.decodeInfer(w, r)
		if !ok {
			return
		}

		wantsSSE := req.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream")
		if wantsSSE {
			stream, err := s.Dispatcher.ExecuteStream(r.Context(), req, tenant)
			if err != nil {
				writeError(w, r, err)
				return
			}
			serveSSE(w, r, stream)
			return
		}

		resp, err := s.Dispatcher.Execute(r.Context(), req, tenant)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// JobsSubmitHandler serves POST /v1/jobs: async submission, 202 on accept.
func (s *Server) JobsSubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, tenant, ok := s.decodeInfer(w, r)
		if !ok {
			return
		}
		job, err := s.Dispatcher.Submit(r.Context(), req, tenant)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

// JobGetHandler serves GET /v1/jobs/{id}. Jobs are tenant-scoped; a job owned
// by another tenant is indistinguishable from a missing one.
func (s *Server) JobGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := TenantFrom(r)
		id := chi.URLParam(r, "id")
		job, ok := s.Dispatcher.Jobs().Get(id)
		if !ok || job.TenantID != principal.Tenant.ID {
			writeNotFound(w, "job not found")
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// JobCancelHandler serves DELETE /v1/jobs/{id}.
func (s *Server) JobCancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := TenantFrom(r)
		id := chi.URLParam(r, "id")
		job, err := s.Dispatcher.CancelJob(r.Context(), id, principal.Tenant.ID)
		if err != nil {
			writeNotFound(w, "job not found")
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// JobsListHandler serves GET /v1/jobs, newest first.
func (s *Server) JobsListHandler() http.HandlerFunc {
	type listResponse struct {
		Jobs []domain.AsyncJob `json:"jobs"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := TenantFrom(r)
		jobs := s.Dispatcher.Jobs().ListByTenant(principal.Tenant.ID)
		writeJSON(w, http.StatusOK, listResponse{Jobs: jobs})
	}
}

type providerView struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Health    string   `json:"health"`
	Circuit   string   `json:"circuit"`
	Streaming bool     `json:"streaming"`
	Models    []string `json:"models,omitempty"`
}

// ProvidersHandler serves GET /v1/providers: the registry view with live
// health and circuit state per provider.
func (s *Server) ProvidersHandler() http.HandlerFunc {
	type listResponse struct {
		Providers []providerView `json:"providers"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ids := s.Registry.List()
		out := make([]providerView, 0, len(ids))
		for _, id := range ids {
			p, ok := s.Registry.Get(id)
			if !ok {
				continue
			}
			caps := p.Capabilities()
			models := make([]string, 0, len(caps.Models))
			for m := range caps.Models {
				models = append(models, m)
			}
			h := p.Health(r.Context())
			out = append(out, providerView{
				ID:        p.ID(),
				Name:      p.Name(),
				Version:   p.Version(),
				Health:    string(h.Status),
				Circuit:   s.Breakers.State(id).String(),
				Streaming: caps.Streaming,
				Models:    models,
			})
		}
		writeJSON(w, http.StatusOK, listResponse{Providers: out})
	}
}

// HealthzHandler is the liveness probe.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
