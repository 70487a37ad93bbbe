package triage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/arbiter/internal/policy"
)

// stubCollaborators returns fixed records and counts calls.
type stubCollaborators struct {
	cls      Classification
	inv      Investigation
	act      ActionResult
	clsErr   error
	invErr   error
	actErr   error
	invCalls atomic.Int32
	actCalls atomic.Int32
}

func (s *stubCollaborators) collaborators() Collaborators {
	return Collaborators{
		Classifier: ClassifierFunc(func(context.Context, Incident) (Classification, error) {
			return s.cls, s.clsErr
		}),
		Investigator: InvestigatorFunc(func(context.Context, Classification, Incident) (Investigation, error) {
			s.invCalls.Add(1)
			return s.inv, s.invErr
		}),
		Executor: ActionExecutorFunc(func(context.Context, Investigation, Incident) (ActionResult, error) {
			s.actCalls.Add(1)
			return s.act, s.actErr
		}),
	}
}

func testIncident() Incident {
	return Incident{
		ID:               "INC0012345",
		ShortDescription: "Glue job nightly_orders failed",
		Category:         "data_pipeline",
	}
}

func newTestEngine(s *stubCollaborators, hooks EngineHooks) *Engine {
	return NewEngine(policy.Default(), s.collaborators(), log.Nop(), hooks)
}

func TestRun_GlueAutoClose(t *testing.T) {
	t.Parallel()

	s := &stubCollaborators{
		cls: Classification{Intent: "glue_etl_failure", Confidence: 0.85},
		inv: Investigation{RootCause: "transient S3 throttling", EvidenceScore: 0.8, RetryRecommended: true, RecommendedAction: "retry_glue_job"},
		act: ActionResult{Action: "retry_glue_job", Success: true},
	}

	rca, err := newTestEngine(s, EngineHooks{}).Run(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rca.Status != RCAComplete {
		t.Errorf("Status = %q", rca.Status)
	}
	if rca.Decision.Outcome != policy.AutoClose {
		t.Errorf("Outcome = %q, want auto_close (%s)", rca.Decision.Outcome, rca.Decision.Reasoning)
	}
	if rca.Decision.Score < 0.8 {
		t.Errorf("Score = %v, want >= 0.8", rca.Decision.Score)
	}
	if len(rca.Guardrails) != 0 {
		t.Errorf("Guardrails = %+v, want none", rca.Guardrails)
	}
	if len(rca.Gates) != 2 || !rca.Gates[0].Approved || rca.Gates[1].ApprovedAction != policy.AutoClose {
		t.Errorf("Gates = %+v", rca.Gates)
	}
	if s.actCalls.Load() != 1 {
		t.Errorf("executor calls = %d, want 1", s.actCalls.Load())
	}
	if rca.Action.Action != "retry_glue_job" {
		t.Errorf("Action = %+v", rca.Action)
	}
}

func TestRun_UnknownLowConfidence(t *testing.T) {
	t.Parallel()

	s := &stubCollaborators{
		cls: Classification{Intent: "unknown", Confidence: 0.2},
		inv: Investigation{EvidenceScore: 0.8, RetryRecommended: true},
		act: ActionResult{Action: "retry_emr", Success: true},
	}

	rca, err := newTestEngine(s, EngineHooks{}).Run(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rca.Gates[0].Approved {
		t.Error("Gate A should reject on the confidence floor")
	}
	if s.actCalls.Load() != 0 {
		t.Error("no remediation should be attempted")
	}
	if rca.Action.Action != ActionNone || !rca.Action.Success {
		t.Errorf("Action = %+v, want none/success", rca.Action)
	}
	if rca.Decision.Outcome != policy.HumanReview {
		t.Errorf("Outcome = %q, want human_review", rca.Decision.Outcome)
	}
}

func TestRun_FastTrack(t *testing.T) {
	t.Parallel()

	s := &stubCollaborators{
		cls: Classification{Intent: "access_denied", Confidence: 0.95},
		inv: Investigation{EvidenceScore: 0.9, RetryRecommended: true},
	}

	rca, err := newTestEngine(s, EngineHooks{}).Run(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if s.invCalls.Load() != 0 || s.actCalls.Load() != 0 {
		t.Errorf("investigator calls = %d, executor calls = %d, want 0/0", s.invCalls.Load(), s.actCalls.Load())
	}
	if !rca.Investigation.Skipped {
		t.Error("investigation should be the skipped sentinel")
	}
	if rca.Gates[0].Approved {
		t.Error("Gate A must reject fast-tracked intents")
	}
	if rca.Decision.Outcome != policy.Escalate || !rca.Decision.OverrideApplied {
		t.Errorf("Decision = %+v, want escalate with override", rca.Decision)
	}
}

func TestRun_EvidenceFloorDowngrade(t *testing.T) {
	t.Parallel()

	// The policy function closes on a strong classification and a successful
	// retry, but evidence is too weak for Gate B.
	tbl := policy.Default()
	tbl.SuccessBonus = 0.3
	if err := tbl.Validate(); err != nil {
		t.Fatal(err)
	}
	s := &stubCollaborators{
		cls: Classification{Intent: "dag_failure", Confidence: 1},
		inv: Investigation{EvidenceScore: 0.6, RetryRecommended: true},
		act: ActionResult{Action: "retry_airflow_dag", Success: true},
	}

	rca, err := NewEngine(tbl, s.collaborators(), log.Nop(), EngineHooks{}).Run(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	gb := rca.Gates[len(rca.Gates)-1]
	if gb.OriginalDecision != policy.AutoClose || !gb.Downgraded {
		t.Errorf("Gate B = %+v, want downgraded auto_close", gb)
	}
	if rca.Decision.Outcome != policy.HumanReview {
		t.Errorf("Outcome = %q, want human_review", rca.Decision.Outcome)
	}
	if len(rca.Guardrails) != 0 {
		t.Errorf("guardrail should have nothing left to correct, got %+v", rca.Guardrails)
	}
}

func TestRun_CollaboratorFailureAborts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(*stubCollaborators)
		stage Stage
	}{
		{"classifier", func(s *stubCollaborators) { s.clsErr = errors.New("model unavailable") }, StageClassify},
		{"investigator", func(s *stubCollaborators) { s.invErr = errors.New("gateway 502") }, StageInvestigate},
		{"executor", func(s *stubCollaborators) { s.actErr = errors.New("retry api down") }, StageRemediate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := &stubCollaborators{
				cls: Classification{Intent: "glue_etl_failure", Confidence: 0.9},
				inv: Investigation{EvidenceScore: 0.9, RetryRecommended: true},
				act: ActionResult{Action: "retry_glue_job", Success: true},
			}
			tt.setup(s)

			var stageErrs []Stage
			var mu sync.Mutex
			hooks := EngineHooks{OnStageError: func(st Stage, _ error) {
				mu.Lock()
				stageErrs = append(stageErrs, st)
				mu.Unlock()
			}}

			rca, err := newTestEngine(s, hooks).Run(context.Background(), testIncident())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if rca.Status != RCAAborted || rca.AbortStage != tt.stage {
				t.Errorf("Status = %q stage %q, want aborted at %q", rca.Status, rca.AbortStage, tt.stage)
			}
			if rca.Decision.Outcome != policy.HumanReview || rca.Decision.Score != 0 {
				t.Errorf("Decision = %+v, want human_review/0", rca.Decision)
			}
			if !strings.Contains(rca.Decision.Reasoning, "aborted at stage "+string(tt.stage)) {
				t.Errorf("Reasoning = %q", rca.Decision.Reasoning)
			}
			if rca.Gates[len(rca.Gates)-1].Gate != GateBeforeClose {
				t.Error("abort records still pass the close gate")
			}
			if len(stageErrs) != 1 || stageErrs[0] != tt.stage {
				t.Errorf("stage errors = %v", stageErrs)
			}
		})
	}
}

func TestRun_PanicAborts(t *testing.T) {
	t.Parallel()

	c := Collaborators{
		Classifier: ClassifierFunc(func(context.Context, Incident) (Classification, error) {
			panic("nil map")
		}),
	}
	rca, err := NewEngine(policy.Default(), c, log.Nop(), EngineHooks{}).Run(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rca.Status != RCAAborted || rca.AbortStage != StageClassify {
		t.Errorf("Status = %q at %q", rca.Status, rca.AbortStage)
	}
	if rca.Classification.Intent != policy.IntentUnknown || rca.Classification.Confidence != 0 {
		t.Errorf("Classification = %+v, want safe default", rca.Classification)
	}
}

func TestRun_TimeoutAborts(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)

	s := &stubCollaborators{cls: Classification{Intent: "emr_failure", Confidence: 0.9}}
	c := s.collaborators()
	c.Investigator = InvestigatorFunc(func(context.Context, Classification, Incident) (Investigation, error) {
		<-block // ignores ctx on purpose
		return Investigation{}, nil
	})

	e := NewEngine(policy.Default(), c, log.Nop(), EngineHooks{}).WithStageTimeout(20 * time.Millisecond)
	rca, err := e.Run(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rca.AbortStage != StageInvestigate {
		t.Errorf("AbortStage = %q, want investigate", rca.AbortStage)
	}
	if !strings.Contains(rca.Decision.Reasoning, "timed out") {
		t.Errorf("Reasoning = %q", rca.Decision.Reasoning)
	}
}

func TestRun_UnrecognizedIntentClamped(t *testing.T) {
	t.Parallel()

	s := &stubCollaborators{
		cls: Classification{Intent: "solar_flare", Confidence: 0.99},
		inv: Investigation{EvidenceScore: 1, RetryRecommended: true},
		act: ActionResult{Action: "retry_emr", Success: true},
	}
	rca, err := newTestEngine(s, EngineHooks{}).Run(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rca.Classification.Intent != policy.IntentUnknown || rca.Classification.Confidence != 0.5 {
		t.Errorf("Classification = %+v, want unknown/0.5", rca.Classification)
	}
	if rca.Decision.Outcome.Automated() {
		t.Errorf("Outcome = %q, automated outcome for an unrecognized intent", rca.Decision.Outcome)
	}
}

// fixedRouter returns a canned plan or error.
type fixedRouter struct {
	plan Plan
	err  error
}

func (r fixedRouter) Plan(context.Context, Incident, Classification) (Plan, error) {
	return r.plan, r.err
}

func TestRun_RouterCannotAddStages(t *testing.T) {
	t.Parallel()

	s := &stubCollaborators{cls: Classification{Intent: "access_denied", Confidence: 0.95}}
	c := s.collaborators()
	c.Router = fixedRouter{plan: Plan{Investigate: true, Remediate: true, Source: "llm"}}

	rca, err := NewEngine(policy.Default(), c, log.Nop(), EngineHooks{}).Run(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.invCalls.Load() != 0 {
		t.Error("router must not re-enable a skipped investigation")
	}
	if rca.Plan.Investigate || rca.Plan.Remediate {
		t.Errorf("Plan = %+v, want both stages off", rca.Plan)
	}
	if rca.Decision.Outcome != policy.Escalate {
		t.Errorf("Outcome = %q", rca.Decision.Outcome)
	}
}

func TestRun_RouterCanSkipStages(t *testing.T) {
	t.Parallel()

	s := &stubCollaborators{
		cls: Classification{Intent: "emr_failure", Confidence: 0.9},
		inv: Investigation{EvidenceScore: 0.9, RetryRecommended: true},
	}
	c := s.collaborators()
	c.Router = fixedRouter{plan: Plan{Investigate: false, Remediate: false, Source: "llm"}}

	rca, err := NewEngine(policy.Default(), c, log.Nop(), EngineHooks{}).Run(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.invCalls.Load() != 0 || !rca.Investigation.Skipped {
		t.Error("router skip should replace investigation with the sentinel")
	}
	if rca.Decision.Outcome.Automated() {
		t.Errorf("Outcome = %q, zero evidence must not automate", rca.Decision.Outcome)
	}
}

func TestRun_RouterErrorFallsBack(t *testing.T) {
	t.Parallel()

	s := &stubCollaborators{
		cls: Classification{Intent: "glue_etl_failure", Confidence: 0.85},
		inv: Investigation{EvidenceScore: 0.8, RetryRecommended: true},
		act: ActionResult{Action: "retry_glue_job", Success: true},
	}
	c := s.collaborators()
	c.Router = fixedRouter{err: errors.New("router produced garbage")}

	rca, err := NewEngine(policy.Default(), c, log.Nop(), EngineHooks{}).Run(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rca.Status != RCAComplete {
		t.Errorf("router failure should not abort, got %q", rca.Status)
	}
	if rca.Plan.Source != "rules" || !strings.Contains(rca.Plan.Rationale, "router error") {
		t.Errorf("Plan = %+v", rca.Plan)
	}
	if rca.Decision.Outcome != policy.AutoClose {
		t.Errorf("Outcome = %q", rca.Decision.Outcome)
	}
}

func TestRun_Hooks(t *testing.T) {
	t.Parallel()

	var gates []string
	var completed *CompleteEvent
	hooks := EngineHooks{
		OnGate:     func(r *GateResult) { gates = append(gates, r.Gate) },
		OnComplete: func(e *CompleteEvent) { completed = e },
	}
	s := &stubCollaborators{
		cls: Classification{Intent: "glue_etl_failure", Confidence: 0.85},
		inv: Investigation{EvidenceScore: 0.8, RetryRecommended: true},
		act: ActionResult{Action: "retry_glue_job", Success: true},
	}

	if _, err := newTestEngine(s, hooks).Run(context.Background(), testIncident()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(gates) != 2 || gates[0] != GateBeforeAction || gates[1] != GateBeforeClose {
		t.Errorf("gates = %v", gates)
	}
	if completed == nil {
		t.Fatal("OnComplete not called")
	}
	if completed.Outcome != policy.AutoClose || completed.Intent != "glue_etl_failure" || completed.Status != RCAComplete {
		t.Errorf("CompleteEvent = %+v", completed)
	}
}

func TestRun_InvalidIncidentFailsAssembly(t *testing.T) {
	t.Parallel()

	s := &stubCollaborators{cls: Classification{Intent: "unknown", Confidence: 0.1}}
	_, err := newTestEngine(s, EngineHooks{}).Run(context.Background(), Incident{})
	if !errors.Is(err, ErrMalformedRCA) {
		t.Errorf("err = %v, want ErrMalformedRCA", err)
	}
}

func TestRun_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	s := &stubCollaborators{
		cls: Classification{Intent: "glue_etl_failure", Confidence: 0.85},
		inv: Investigation{EvidenceScore: 0.8, RetryRecommended: true},
		act: ActionResult{Action: "retry_glue_job", Success: true},
	}
	if _, err := newTestEngine(s, EngineHooks{}).Run(context.Background(), testIncident()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	counts := make(map[string]int)
	for _, sp := range exporter.GetSpans() {
		counts[sp.Name]++
	}
	for _, name := range []string{
		"triage.run",
		"triage.classify",
		"triage.route",
		"triage.investigate",
		"triage.gate_a",
		"triage.remediate",
		"triage.policy",
		"triage.gate_b",
		"triage.guardrail",
	} {
		if counts[name] != 1 {
			t.Errorf("%s spans = %d, want 1", name, counts[name])
		}
	}

	for _, sp := range exporter.GetSpans() {
		if sp.Name != "triage.run" {
			continue
		}
		attrs := make(map[string]any)
		for _, a := range sp.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		if v := attrs["arbiter.incident.id"]; v != "INC0012345" {
			t.Errorf("arbiter.incident.id = %v", v)
		}
		if v := attrs["arbiter.intent"]; v != "glue_etl_failure" {
			t.Errorf("arbiter.intent = %v", v)
		}
	}
}
