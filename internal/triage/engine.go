package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/arbiter/internal/policy"
)

const tracerName = "github.com/linnemanlabs/arbiter/internal/triage"

// DefaultStageTimeout bounds a single collaborator call.
const DefaultStageTimeout = 2 * time.Minute

var errCollaboratorPanic = errors.New("collaborator panicked")

// Collaborators are the external dependencies the engine sequences.
type Collaborators struct {
	Classifier   Classifier
	Investigator Investigator
	Executor     ActionExecutor
	// Router is optional; the policy rule router is used when nil.
	Router Router
}

// EngineHooks holds optional callbacks invoked during Engine.Run.
// All fields are nil-safe; unset hooks are skipped.
type EngineHooks struct {
	OnStageError func(stage Stage, err error)
	OnGate       func(r *GateResult)
	OnGuardrail  func(rec *GuardrailRecord)
	OnComplete   func(e *CompleteEvent)
}

// CompleteEvent summarizes a finished run for metrics.
type CompleteEvent struct {
	Status     RCAStatus
	AbortStage Stage
	Intent     string
	Outcome    policy.Outcome
	Confidence float64
	Evidence   float64
	Score      float64
	Overridden bool
	Guardrails int
	Duration   float64
}

// Engine drives one incident through the decision pipeline. It holds no
// per-incident state and may be shared across goroutines.
type Engine struct {
	policy       *policy.Table
	collab       Collaborators
	logger       log.Logger
	hooks        EngineHooks
	stageTimeout time.Duration
	now          func() time.Time
}

// NewEngine creates an engine over the given policy and collaborators.
func NewEngine(tbl *policy.Table, c Collaborators, logger log.Logger, hooks EngineHooks) *Engine {
	if c.Router == nil {
		c.Router = RuleRouter{Policy: tbl}
	}
	return &Engine{
		policy:       tbl,
		collab:       c,
		logger:       logger,
		hooks:        hooks,
		stageTimeout: DefaultStageTimeout,
		now:          time.Now,
	}
}

// WithStageTimeout sets the per-collaborator timeout. Zero disables it.
func (e *Engine) WithStageTimeout(d time.Duration) *Engine {
	e.stageTimeout = d
	return e
}

// Policy returns the table the engine enforces.
func (e *Engine) Policy() *policy.Table {
	return e.policy
}

// Run processes one incident to completion and returns its RCA. Collaborator
// failures never surface as errors: they produce an abort record with a
// human_review decision. An error is returned only when the RCA itself cannot
// be assembled.
//
// The run is not cancellable once started; only stage timeouts apply.
func (e *Engine) Run(ctx context.Context, inc Incident) (*RCA, error) {
	ctx = context.WithoutCancel(ctx)
	start := e.now()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "triage.run",
		trace.WithAttributes(attribute.String("arbiter.incident.id", inc.ID)),
	)
	defer span.End()

	L := e.logger.With("incident_id", inc.ID)

	cand := RCA{
		Incident: inc,
		Status:   RCAComplete,
		Classification: Classification{
			Intent:    policy.IntentUnknown,
			Reasoning: "Classification unavailable",
		},
		Investigation: Investigation{
			Findings:          []Finding{},
			RootCause:         "Investigation not performed",
			RecommendedAction: ActionNone,
		},
		Action: ActionResult{Action: ActionNone, Error: "remediation not attempted"},
	}

	// classify
	cls, err := runStage(ctx, e, StageClassify, func(ctx context.Context) (Classification, error) {
		return e.collab.Classifier.Classify(ctx, inc)
	})
	if err != nil {
		return e.abort(ctx, L, cand, StageClassify, err, start)
	}
	cls = NormalizeClassification(e.policy, cls)
	cand.Classification = cls
	intent := cls.Intent
	span.SetAttributes(attribute.String("arbiter.intent", intent), attribute.Float64("arbiter.confidence", cls.Confidence))
	L = L.With("intent", intent)
	if cls.ValidationError != "" {
		L.Warn(ctx, "classification failed validation", "error", cls.ValidationError)
	}
	L.Info(ctx, "incident classified", "confidence", cls.Confidence)

	// route
	plan := e.plan(ctx, L, inc, cls)
	cand.Plan = plan

	// investigate
	inv := SkippedInvestigation(intent)
	if plan.Investigate {
		inv, err = runStage(ctx, e, StageInvestigate, func(ctx context.Context) (Investigation, error) {
			return e.collab.Investigator.Investigate(ctx, cls, inc)
		})
		if err != nil {
			return e.abort(ctx, L, cand, StageInvestigate, err, start)
		}
		if inv.ValidationError != "" {
			L.Warn(ctx, "investigation failed validation", "error", inv.ValidationError)
		}
	}
	inv = NormalizeInvestigation(inv)
	cand.Investigation = inv
	L.Info(ctx, "investigation done",
		"skipped", inv.Skipped,
		"evidence", inv.EvidenceScore,
		"retry_recommended", inv.RetryRecommended,
	)

	// gate A
	ga := withSpan(ctx, StageGateA, func() GateResult {
		return EvaluateBeforeAction(e.policy, intent, cls.Confidence, inv.EvidenceScore, inv.RetryRecommended)
	})
	cand.Gates = append(cand.Gates, ga)
	e.onGate(&ga)
	L.Info(ctx, "pre-action gate", "approved", ga.Approved, "reason", ga.Reasoning)

	// remediate
	act := NoAction()
	if ga.Approved && plan.Remediate {
		act, err = runStage(ctx, e, StageRemediate, func(ctx context.Context) (ActionResult, error) {
			return e.collab.Executor.Execute(ctx, inv, inc)
		})
		if err != nil {
			cand.Action = ActionResult{Action: "error", Error: err.Error()}
			return e.abort(ctx, L, cand, StageRemediate, err, start)
		}
		if act.Action == "" {
			act.Action = ActionNone
		}
		L.Info(ctx, "remediation done", "action", act.Action, "success", act.Success)
	}
	cand.Action = act

	// policy
	dec := withSpan(ctx, StagePolicy, func() PolicyDecision {
		return ApplyPolicy(e.policy, cls, inv, act)
	})
	L.Info(ctx, "policy decision", "outcome", dec.Outcome, "score", dec.Score, "override", dec.OverrideApplied)

	return e.finish(ctx, L, cand, dec, start)
}

// plan asks the router for advice and constrains it by policy routing. A
// router failure falls back to the rule router.
func (e *Engine) plan(ctx context.Context, L log.Logger, inc Incident, cls Classification) Plan {
	plan, err := runStage(ctx, e, StageRoute, func(ctx context.Context) (Plan, error) {
		return e.collab.Router.Plan(ctx, inc, cls)
	})
	if err != nil {
		L.Warn(ctx, "router failed, using policy rules", "error", err)
		e.onStageError(StageRoute, err)
		plan, _ = RuleRouter{Policy: e.policy}.Plan(ctx, inc, cls)
		plan.Rationale = appendReason(plan.Rationale, "router error: "+err.Error())
	}

	if e.policy.SkipsInvestigation(cls.Intent) {
		plan.Investigate = false
	}
	if e.policy.FastTracked(cls.Intent) {
		plan.Remediate = false
	}
	L.Info(ctx, "routing plan", "source", plan.Source, "investigate", plan.Investigate, "remediate", plan.Remediate)
	return plan
}

func (e *Engine) abort(ctx context.Context, L log.Logger, cand RCA, stage Stage, err error, start time.Time) (*RCA, error) {
	L.Error(ctx, err, "stage failed, aborting run", "stage", stage)
	e.onStageError(stage, err)

	cand.Status = RCAAborted
	cand.AbortStage = stage
	dec := PolicyDecision{
		Outcome:   policy.HumanReview,
		Score:     0,
		Reasoning: fmt.Sprintf("Orchestration aborted at stage %s: %v", stage, err),
	}
	return e.finish(ctx, L, cand, dec, start)
}

// finish runs the close gate, the guardrail and assembly. Every run, aborted
// or not, leaves through here.
func (e *Engine) finish(ctx context.Context, L log.Logger, cand RCA, dec PolicyDecision, start time.Time) (*RCA, error) {
	cls, inv := cand.Classification, cand.Investigation

	gb := withSpan(ctx, StageGateB, func() GateResult {
		return EvaluateBeforeClose(e.policy, cls.Intent, cls.Confidence, inv.EvidenceScore, dec.Outcome, dec.Score, cand.Action.Success)
	})
	cand.Gates = append(cand.Gates, gb)
	e.onGate(&gb)
	if gb.ApprovedAction != dec.Outcome {
		dec.Reasoning = appendReason(dec.Reasoning, gb.Reasoning)
		dec.Outcome = gb.ApprovedAction
	}
	if gb.OverrideEnforced {
		dec.OverrideApplied = true
	}
	cand.Decision = dec
	L.Info(ctx, "pre-close gate", "approved_action", gb.ApprovedAction, "downgraded", gb.Downgraded, "override", gb.OverrideEnforced)

	before := len(cand.Guardrails)
	cand = withSpan(ctx, StageGuardrail, func() RCA {
		return ApplyGuardrails(e.policy, cand, cand.Incident)
	})
	for i := before; i < len(cand.Guardrails); i++ {
		rec := cand.Guardrails[i]
		L.Warn(ctx, "guardrail corrected decision", "type", rec.Type, "original", rec.Original, "enforced", rec.Enforced)
		if e.hooks.OnGuardrail != nil {
			e.hooks.OnGuardrail(&rec)
		}
	}

	now := e.now()
	cand.Duration = now.Sub(start).Seconds()
	rca, err := Assemble(cand, now)
	if err != nil {
		L.Error(ctx, err, "rca assembly failed")
		e.onStageError(StageAssemble, err)
		return nil, err
	}

	if e.hooks.OnComplete != nil {
		e.hooks.OnComplete(&CompleteEvent{
			Status:     rca.Status,
			AbortStage: rca.AbortStage,
			Intent:     rca.Classification.Intent,
			Outcome:    rca.Decision.Outcome,
			Confidence: rca.Classification.Confidence,
			Evidence:   rca.Investigation.EvidenceScore,
			Score:      rca.Decision.Score,
			Overridden: rca.Decision.OverrideApplied,
			Guardrails: len(rca.Guardrails),
			Duration:   rca.Duration,
		})
	}

	L.Info(ctx, "run complete",
		"rca_id", rca.ID,
		"status", rca.Status,
		"decision", rca.Decision.Outcome,
		"score", rca.Decision.Score,
		"guardrails", len(rca.Guardrails),
		"duration", rca.Duration,
	)
	return rca, nil
}

func (e *Engine) onGate(r *GateResult) {
	if e.hooks.OnGate != nil {
		e.hooks.OnGate(r)
	}
}

func (e *Engine) onStageError(stage Stage, err error) {
	if e.hooks.OnStageError != nil {
		e.hooks.OnStageError(stage, err)
	}
}

// runStage calls a collaborator under its own span and timeout. A panic or
// timeout is returned as an error like any other failure. The call runs on
// its own goroutine so a collaborator that ignores ctx cannot hold the
// pipeline past its deadline.
func runStage[T any](ctx context.Context, e *Engine, stage Stage, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "triage."+string(stage),
		trace.WithAttributes(attribute.String("arbiter.stage", string(stage))),
	)
	defer span.End()

	if e.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stageTimeout)
		defer cancel()
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: fmt.Errorf("%w: %v", errCollaboratorPanic, p)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.err = fmt.Errorf("%s timed out: %w", stage, ctx.Err())
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		var zero T
		return zero, res.err
	}
	return res.v, nil
}

func withSpan[T any](ctx context.Context, stage Stage, fn func() T) T {
	_, span := otel.Tracer(tracerName).Start(ctx, "triage."+string(stage),
		trace.WithAttributes(attribute.String("arbiter.stage", string(stage))),
	)
	defer span.End()
	return fn()
}
