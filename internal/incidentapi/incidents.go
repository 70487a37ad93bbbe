package incidentapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/arbiter/internal/triage"
)

type submitResponse struct {
	RunID   string `json:"run_id,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type batchRequest struct {
	Incidents []triage.Incident `json:"incidents"`
}

type batchResponse struct {
	Results []triage.BatchItem `json:"results"`
}

func decodeIncident(r *http.Request) (triage.Incident, error) {
	var inc triage.Incident
	if err := json.NewDecoder(r.Body).Decode(&inc); err != nil {
		return inc, fmt.Errorf("invalid payload: %w", err)
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("arbiter.incident.id", inc.ID))
	return inc, nil
}

// handleSubmit accepts an incident for async processing and returns the run
// id. An incident that already has an active run returns that run's id.
func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	inc, err := decodeIncident(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res, err := a.svc.Submit(r.Context(), inc)
	if err != nil {
		a.writeServiceError(w, r, err, inc.ID)
		return
	}

	status := http.StatusAccepted
	if res.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{RunID: res.ID, Skipped: res.Skipped, Reason: res.Reason})
}

// handleProcess runs the pipeline synchronously and returns the RCA.
func (a *API) handleProcess(w http.ResponseWriter, r *http.Request) {
	inc, err := decodeIncident(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	rca, err := a.svc.Process(r.Context(), inc)
	if err != nil {
		a.writeServiceError(w, r, err, inc.ID)
		return
	}
	writeJSON(w, http.StatusOK, rca)
}

func (a *API) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	switch {
	case len(req.Incidents) == 0:
		writeError(w, http.StatusBadRequest, "no incidents")
		return
	case len(req.Incidents) > maxBatch:
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d incidents per batch", maxBatch))
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("arbiter.batch.size", len(req.Incidents)))
	writeJSON(w, http.StatusOK, batchResponse{Results: a.svc.ProcessBatch(r.Context(), req.Incidents)})
}

func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, incidentID string) {
	switch {
	case errors.Is(err, triage.ErrInvalidIncident):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, triage.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	default:
		a.logger.Error(r.Context(), err, "incident processing failed", "incident_id", incidentID)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
