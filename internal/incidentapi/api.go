// Package incidentapi exposes incident intake and run lookup over HTTP.
package incidentapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/arbiter/internal/triage"
)

// maxBatch caps the number of incidents accepted by one batch request.
const maxBatch = 50

// IncidentService defines the business operations the API needs.
type IncidentService interface {
	Submit(ctx context.Context, inc triage.Incident) (*triage.SubmitResult, error)
	Process(ctx context.Context, inc triage.Incident) (*triage.RCA, error)
	ProcessBatch(ctx context.Context, incs []triage.Incident) []triage.BatchItem
	Get(ctx context.Context, id string) (*triage.Run, bool, error)
	GetByIncident(ctx context.Context, incidentID string) (*triage.Run, bool, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    IncidentService
	auth   func(http.Handler) http.Handler
}

// Option configures an API.
type Option func(*API)

// WithAuth protects every route with the given middleware.
func WithAuth(mw func(http.Handler) http.Handler) Option {
	return func(a *API) { a.auth = mw }
}

// New creates a new API handler.
func New(logger log.Logger, svc IncidentService, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	a := &API{logger: logger, svc: svc}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if a.auth != nil {
			r.Use(a.auth)
		}
		r.Post("/incidents", a.handleSubmit)
		r.Post("/incidents/process", a.handleProcess)
		r.Post("/incidents/batch", a.handleBatch)
		r.Get("/incidents/{id}/run", a.handleGetIncidentRun)
		r.Get("/runs/{id}", a.handleGetRun)
	})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("arbiter.run.id", id))

	run, ok, err := a.svc.Get(r.Context(), id)
	a.writeRun(w, r, run, ok, err, "run_id", id)
}

func (a *API) handleGetIncidentRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("arbiter.incident.id", id))

	run, ok, err := a.svc.GetByIncident(r.Context(), id)
	a.writeRun(w, r, run, ok, err, "incident_id", id)
}

func (a *API) writeRun(w http.ResponseWriter, r *http.Request, run *triage.Run, ok bool, err error, key, id string) {
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to load run", key, id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("arbiter.run.status", string(run.Status)))
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
