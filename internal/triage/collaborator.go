package triage

import (
	"context"

	"github.com/linnemanlabs/arbiter/internal/policy"
)

// Classifier assigns an intent and confidence to an incident.
type Classifier interface {
	Classify(ctx context.Context, inc Incident) (Classification, error)
}

// Investigator gathers evidence for a classified incident.
type Investigator interface {
	Investigate(ctx context.Context, c Classification, inc Incident) (Investigation, error)
}

// ActionExecutor attempts a remediation once Gate A has approved it.
type ActionExecutor interface {
	Execute(ctx context.Context, inv Investigation, inc Incident) (ActionResult, error)
}

// Router advises which optional stages to run. Its advice is untrusted: the
// engine applies policy routing on top and can only drop stages on its word.
type Router interface {
	Plan(ctx context.Context, inc Incident, c Classification) (Plan, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, inc Incident) (Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, inc Incident) (Classification, error) {
	return f(ctx, inc)
}

// InvestigatorFunc adapts a function to Investigator.
type InvestigatorFunc func(ctx context.Context, c Classification, inc Incident) (Investigation, error)

func (f InvestigatorFunc) Investigate(ctx context.Context, c Classification, inc Incident) (Investigation, error) {
	return f(ctx, c, inc)
}

// ActionExecutorFunc adapts a function to ActionExecutor.
type ActionExecutorFunc func(ctx context.Context, inv Investigation, inc Incident) (ActionResult, error)

func (f ActionExecutorFunc) Execute(ctx context.Context, inv Investigation, inc Incident) (ActionResult, error) {
	return f(ctx, inv, inc)
}

// RuleRouter derives a plan from the policy table alone.
type RuleRouter struct {
	Policy *policy.Table
}

// Plan implements Router.
func (r RuleRouter) Plan(_ context.Context, _ Incident, c Classification) (Plan, error) {
	p := Plan{Investigate: true, Remediate: true, Source: "rules"}
	switch {
	case r.Policy.FastTracked(c.Intent):
		p.Investigate, p.Remediate = false, false
		p.Rationale = "fast-tracked intent"
	case r.Policy.SkipsInvestigation(c.Intent):
		p.Investigate = false
		p.Rationale = "intent skips investigation"
	default:
		p.Rationale = "full pipeline"
	}
	return p, nil
}
