package triage

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Assemble turns a guardrail-corrected candidate into the terminal RCA. It
// adds no judgement of its own; an error means an earlier stage broke its
// contract.
func Assemble(cand RCA, now time.Time) (*RCA, error) {
	switch {
	case cand.Incident.ID == "":
		return nil, fmt.Errorf("%w: incident id is empty", ErrMalformedRCA)
	case cand.Classification.Intent == "":
		return nil, fmt.Errorf("%w: classification has no intent", ErrMalformedRCA)
	case !cand.Decision.Outcome.Valid():
		return nil, fmt.Errorf("%w: decision outcome %q", ErrMalformedRCA, cand.Decision.Outcome)
	case cand.Action.Action == "":
		return nil, fmt.Errorf("%w: action result has no action", ErrMalformedRCA)
	}

	rca := cand
	if rca.ID == "" {
		rca.ID = ulid.Make().String()
	}
	if rca.Status == "" {
		rca.Status = RCAComplete
	}
	if rca.Gates == nil {
		rca.Gates = []GateResult{}
	}
	if rca.Guardrails == nil {
		rca.Guardrails = []GuardrailRecord{}
	}
	rca.Investigation = NormalizeInvestigation(rca.Investigation)
	rca.GeneratedAt = now.UTC()
	return &rca, nil
}
