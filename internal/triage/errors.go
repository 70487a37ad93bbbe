package triage

import "errors"

var (
	// ErrInvalidIncident is returned for incidents that cannot enter the pipeline.
	ErrInvalidIncident = errors.New("invalid incident")

	// ErrMalformedRCA means an earlier stage broke its output contract.
	ErrMalformedRCA = errors.New("malformed rca")

	// ErrDuplicate is returned when the incident already has an active run.
	ErrDuplicate = errors.New("incident already being processed")
)
