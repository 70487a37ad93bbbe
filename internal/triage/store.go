package triage

import (
	"context"
	"time"

	"github.com/linnemanlabs/arbiter/internal/policy"
)

// Store is the persistence interface for run records.
type Store interface {
	Get(ctx context.Context, id string) (*Run, bool, error)
	// GetByIncident returns the most recently created run for an incident.
	GetByIncident(ctx context.Context, incidentID string) (*Run, bool, error)
	Put(ctx context.Context, run *Run) error
}

// RCASink archives completed RCAs keyed by incident id and generation time.
type RCASink interface {
	PutRCA(ctx context.Context, rca *RCA) error
}

// TicketUpdater pushes the final outcome back to the ticketing source.
type TicketUpdater interface {
	UpdateTicket(ctx context.Context, incidentID string, outcome policy.Outcome, rca *RCA) error
}

// Notifier announces finished RCAs.
type Notifier interface {
	Send(ctx context.Context, rca *RCA) error
}

// Claimer provides a cross-process lock on an incident id so two replicas do
// not process the same incident at once.
type Claimer interface {
	Claim(ctx context.Context, incidentID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, incidentID, owner string) error
}
