package triage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

const (
	defaultClaimTTL   = 15 * time.Minute
	defaultBatchLimit = 4
)

// SubmitResult is the outcome of submitting an incident for async processing.
type SubmitResult struct {
	ID      string
	Skipped bool
	Reason  string
}

// BatchItem is the per-incident result of ProcessBatch.
type BatchItem struct {
	IncidentID string `json:"incident_id"`
	RCA        *RCA   `json:"rca,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ServiceOptions wires optional sinks into the service. Nil fields are skipped.
type ServiceOptions struct {
	Sink       RCASink
	Tickets    TicketUpdater
	Notifier   Notifier
	Claimer    Claimer
	ClaimTTL   time.Duration
	BatchLimit int
	Metrics    *Metrics
}

// Service is the business boundary for incident processing: validation,
// dedup, run lifecycle and fan-out of the finished RCA to its sinks.
//
// Dedup within one process is serialised per incident id. Across replicas
// sharing a store it additionally needs a Claimer; without one, two replicas
// can both pass the store lookup for the same incident.
type Service struct {
	store  Store
	engine *Engine
	logger log.Logger
	opts   ServiceOptions

	mu       sync.Mutex
	inflight map[string]string // incident id -> run id
}

// NewService creates a new incident service.
func NewService(store Store, engine *Engine, logger log.Logger, opts ServiceOptions) *Service {
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = defaultClaimTTL
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = defaultBatchLimit
	}
	return &Service{
		store:    store,
		engine:   engine,
		logger:   logger,
		opts:     opts,
		inflight: make(map[string]string),
	}
}

// Submit accepts an incident for asynchronous processing and returns the run
// id immediately. An incident with an active run is skipped.
func (s *Service) Submit(ctx context.Context, inc Incident) (*SubmitResult, error) {
	if err := inc.Validate(); err != nil {
		s.countSubmit("invalid")
		return nil, err
	}

	id := ulid.Make().String()
	if holder, ok := s.hold(inc.ID, id); !ok {
		s.countSubmit("duplicate")
		return &SubmitResult{ID: holder, Skipped: true, Reason: "duplicate"}, nil
	}

	// dedup: skip if already pending or in progress
	if existing, ok, err := s.store.GetByIncident(ctx, inc.ID); err != nil {
		s.unhold(inc.ID, id)
		s.countSubmit("error")
		return nil, err
	} else if ok && existing.Status.Active() {
		s.unhold(inc.ID, id)
		s.countSubmit("duplicate")
		return &SubmitResult{ID: existing.ID, Skipped: true, Reason: "duplicate"}, nil
	}

	claimed, err := s.claim(ctx, inc.ID, id)
	if err != nil {
		s.unhold(inc.ID, id)
		s.countSubmit("error")
		return nil, err
	}
	if !claimed {
		s.unhold(inc.ID, id)
		s.countSubmit("claimed")
		return &SubmitResult{Skipped: true, Reason: "claimed by another replica"}, nil
	}

	run := &Run{
		ID:         id,
		IncidentID: inc.ID,
		Status:     RunPending,
		CreatedAt:  time.Now(),
	}
	if err := s.store.Put(ctx, run); err != nil {
		s.release(context.WithoutCancel(ctx), inc.ID, id)
		s.countSubmit("error")
		return nil, err
	}

	s.countSubmit("accepted")

	// pass only the ID to avoid sharing the Run pointer with the caller
	go func(ctx context.Context) {
		if _, err := s.execute(ctx, id, inc); err != nil {
			s.logger.Error(ctx, err, "async run failed", "run_id", id, "incident_id", inc.ID)
		}
	}(context.WithoutCancel(ctx))

	return &SubmitResult{ID: id}, nil
}

// Process runs the pipeline synchronously and returns the RCA. Persistence
// failures are logged and do not affect the returned record.
func (s *Service) Process(ctx context.Context, inc Incident) (*RCA, error) {
	if err := inc.Validate(); err != nil {
		s.countSubmit("invalid")
		return nil, err
	}

	id := ulid.Make().String()
	if holder, ok := s.hold(inc.ID, id); !ok {
		s.countSubmit("duplicate")
		return nil, fmt.Errorf("%w: run %s", ErrDuplicate, holder)
	}

	if existing, ok, err := s.store.GetByIncident(ctx, inc.ID); err != nil {
		s.logger.Warn(ctx, "dedup lookup failed, processing anyway", "incident_id", inc.ID, "error", err)
	} else if ok && existing.Status.Active() {
		s.unhold(inc.ID, id)
		s.countSubmit("duplicate")
		return nil, fmt.Errorf("%w: run %s", ErrDuplicate, existing.ID)
	}

	claimed, err := s.claim(ctx, inc.ID, id)
	if err != nil {
		s.unhold(inc.ID, id)
		s.countSubmit("error")
		return nil, err
	}
	if !claimed {
		s.unhold(inc.ID, id)
		s.countSubmit("claimed")
		return nil, fmt.Errorf("%w: claimed by another replica", ErrDuplicate)
	}
	s.countSubmit("accepted")

	// once claimed, the run must reach a terminal status even if the caller
	// goes away, or the incident stays deduped forever
	ctx = context.WithoutCancel(ctx)

	run := &Run{
		ID:         id,
		IncidentID: inc.ID,
		Status:     RunPending,
		CreatedAt:  time.Now(),
	}
	if err := s.store.Put(ctx, run); err != nil {
		s.logger.Error(ctx, err, "failed to persist pending run", "run_id", id)
	}

	return s.execute(ctx, id, inc)
}

// ProcessBatch processes incidents concurrently, each through its own
// sequential pipeline, and returns results in input order.
func (s *Service) ProcessBatch(ctx context.Context, incs []Incident) []BatchItem {
	items := make([]BatchItem, len(incs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.BatchLimit)

	for i, inc := range incs {
		g.Go(func() error {
			items[i].IncidentID = inc.ID
			rca, err := s.Process(gctx, inc)
			if err != nil {
				items[i].Error = err.Error()
				return nil
			}
			items[i].RCA = rca
			return nil
		})
	}
	_ = g.Wait()
	return items
}

// Get retrieves a run by ID.
func (s *Service) Get(ctx context.Context, id string) (*Run, bool, error) {
	return s.store.Get(ctx, id)
}

// GetByIncident retrieves the latest run for an incident.
func (s *Service) GetByIncident(ctx context.Context, incidentID string) (*Run, bool, error) {
	return s.store.GetByIncident(ctx, incidentID)
}

func (s *Service) execute(ctx context.Context, id string, inc Incident) (*RCA, error) {
	ctx = context.WithoutCancel(ctx)
	L := s.logger.With("run_id", id, "incident_id", inc.ID)
	defer s.release(ctx, inc.ID, id)

	run := &Run{
		ID:         id,
		IncidentID: inc.ID,
		Status:     RunInProgress,
		CreatedAt:  time.Now(),
	}
	if existing, ok, err := s.store.Get(ctx, id); err == nil && ok {
		run = existing
		run.Status = RunInProgress
	}
	if err := s.store.Put(ctx, run); err != nil {
		L.Error(ctx, err, "failed to update status to in_progress")
	}

	rca, err := s.engine.Run(ctx, inc)
	run.CompletedAt = time.Now()
	if err != nil {
		run.Status = RunFailed
		run.Error = err.Error()
		if perr := s.store.Put(ctx, run); perr != nil {
			L.Error(ctx, perr, "failed to persist failed run")
		}
		return nil, err
	}

	run.RCA = rca
	run.Status = RunComplete
	if rca.Status == RCAAborted {
		run.Status = RunAborted
	}
	if err := s.store.Put(ctx, run); err != nil {
		L.Error(ctx, err, "failed to persist run")
	}

	s.publish(ctx, L, rca)
	return rca, nil
}

// publish hands the RCA to every configured sink. Failures are logged only.
func (s *Service) publish(ctx context.Context, L log.Logger, rca *RCA) {
	if s.opts.Sink != nil {
		if err := s.opts.Sink.PutRCA(ctx, rca); err != nil {
			L.Error(ctx, err, "failed to archive rca")
			s.countSink("archive", false)
		} else {
			s.countSink("archive", true)
		}
	}
	if s.opts.Tickets != nil {
		if err := s.opts.Tickets.UpdateTicket(ctx, rca.Incident.ID, rca.Decision.Outcome, rca); err != nil {
			L.Error(ctx, err, "failed to update ticket")
			s.countSink("ticket", false)
		} else {
			s.countSink("ticket", true)
		}
	}
	if s.opts.Notifier != nil {
		if err := s.opts.Notifier.Send(ctx, rca); err != nil {
			L.Error(ctx, err, "failed to send notification")
			s.countSink("notify", false)
		} else {
			s.countSink("notify", true)
		}
	}
}

func (s *Service) claim(ctx context.Context, incidentID, owner string) (bool, error) {
	if s.opts.Claimer == nil {
		return true, nil
	}
	ok, err := s.opts.Claimer.Claim(ctx, incidentID, owner, s.opts.ClaimTTL)
	if err != nil {
		return false, fmt.Errorf("claim incident %s: %w", incidentID, err)
	}
	return ok, nil
}

// hold reserves incidentID for owner within this process. It reports the
// current holder when the incident is already reserved.
func (s *Service) hold(incidentID, owner string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, busy := s.inflight[incidentID]; busy {
		return holder, false
	}
	s.inflight[incidentID] = owner
	return owner, true
}

func (s *Service) unhold(incidentID, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[incidentID] == owner {
		delete(s.inflight, incidentID)
	}
}

func (s *Service) release(ctx context.Context, incidentID, owner string) {
	s.unhold(incidentID, owner)
	if s.opts.Claimer == nil {
		return
	}
	if err := s.opts.Claimer.Release(ctx, incidentID, owner); err != nil {
		s.logger.Warn(ctx, "failed to release incident claim", "incident_id", incidentID, "error", err)
	}
}

func (s *Service) countSubmit(result string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.SubmitsTotal.WithLabelValues(result).Inc()
	}
}

func (s *Service) countSink(sink string, ok bool) {
	if s.opts.Metrics == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	s.opts.Metrics.SinkWritesTotal.WithLabelValues(sink, status).Inc()
}
