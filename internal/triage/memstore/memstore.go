// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/arbiter/internal/triage"
)

// Store holds runs in memory. Suitable for dev/testing and single-replica
// deployments that do not need history across restarts.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]*triage.Run // run ID -> run
	latest map[string]string      // incident ID -> most recent run ID
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		runs:   make(map[string]*triage.Run),
		latest: make(map[string]string),
	}
}

// Get retrieves a run by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*triage.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, false, nil
	}
	return clone(r), true, nil
}

// GetByIncident retrieves the most recently created run for an incident. Returns a copy.
func (s *Store) GetByIncident(_ context.Context, incidentID string) (*triage.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.latest[incidentID]
	if !ok {
		return nil, false, nil
	}
	return clone(s.runs[id]), true, nil
}

// Put stores a copy of the run. A run created before the incident's current
// latest run does not displace it.
func (s *Store) Put(_ context.Context, r *triage.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = clone(r)

	if cur, ok := s.latest[r.IncidentID]; ok && cur != r.ID {
		if s.runs[cur].CreatedAt.After(r.CreatedAt) {
			return nil
		}
	}
	s.latest[r.IncidentID] = r.ID
	return nil
}

// clone copies the run and its RCA so callers cannot mutate stored state.
func clone(r *triage.Run) *triage.Run {
	cp := *r
	if r.RCA != nil {
		rca := *r.RCA
		cp.RCA = &rca
	}
	return &cp
}
