package triage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/arbiter/internal/policy"
)

// ActionNone is the action identifier for "no remediation attempted".
const ActionNone = "none"

// Incident is an operational ticket as received from the ticketing source.
// It is never modified by the pipeline.
type Incident struct {
	ID               string            `json:"id"`
	ShortDescription string            `json:"short_description"`
	Description      string            `json:"description,omitempty"`
	Category         string            `json:"category,omitempty"`
	Subcategory      string            `json:"subcategory,omitempty"`
	Context          map[string]string `json:"context,omitempty"`
}

// Validate reports whether the incident can be processed at all.
func (i *Incident) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: missing incident id", ErrInvalidIncident)
	}
	if i.ShortDescription == "" && i.Description == "" {
		return fmt.Errorf("%w: incident %s has no description", ErrInvalidIncident, i.ID)
	}
	return nil
}

// Classification is the classifier's verdict on an incident.
type Classification struct {
	Intent          string  `json:"intent"`
	Confidence      float64 `json:"confidence"`
	Reasoning       string  `json:"reasoning"`
	ValidationError string  `json:"validation_error,omitempty"`
}

// Finding is one piece of evidence gathered during an investigation.
type Finding struct {
	Tool    string          `json:"tool"`
	Result  json.RawMessage `json:"result,omitempty"`
	Summary string          `json:"summary"`
}

// Investigation is the investigator's report. A skipped investigation is a
// regular value with Skipped set, never a nil pointer.
type Investigation struct {
	Findings          []Finding `json:"findings"`
	RootCause         string    `json:"root_cause"`
	EvidenceScore     float64   `json:"evidence_score"`
	RetryRecommended  bool      `json:"retry_recommended"`
	RecommendedAction string    `json:"recommended_action"`
	Skipped           bool      `json:"skipped,omitempty"`
	ValidationError   string    `json:"validation_error,omitempty"`
}

// SkippedInvestigation is the sentinel used when routing skips the
// investigate stage.
func SkippedInvestigation(intent string) Investigation {
	return Investigation{
		Findings:          []Finding{},
		RootCause:         fmt.Sprintf("Investigation skipped: intent '%s' handled via policy", intent),
		EvidenceScore:     0,
		RetryRecommended:  false,
		RecommendedAction: ActionNone,
		Skipped:           true,
	}
}

// ActionResult is what the action executor did, if anything.
type ActionResult struct {
	Action  string         `json:"action"`
	Success bool           `json:"success"`
	Details map[string]any `json:"details,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// NoAction means no remediation was attempted and that was correct.
func NoAction() ActionResult {
	return ActionResult{Action: ActionNone, Success: true}
}

// Attempted reports whether a remediation other than none was tried.
func (a ActionResult) Attempted() bool {
	return a.Action != "" && a.Action != ActionNone
}

// PolicyDecision is the scored disposition of an incident.
type PolicyDecision struct {
	Outcome         policy.Outcome `json:"outcome"`
	Score           float64        `json:"score"`
	Reasoning       string         `json:"reasoning"`
	OverrideApplied bool           `json:"override_applied"`
}

// Gate names recorded on GateResult.
const (
	GateBeforeAction = "evaluate_before_action"
	GateBeforeClose  = "evaluate_before_close"
)

// GateResult records a gate verdict together with every check it evaluated.
type GateResult struct {
	Gate             string             `json:"gate"`
	Approved         bool               `json:"approved"`
	ApprovedAction   policy.Outcome     `json:"approved_action,omitempty"`
	OriginalDecision policy.Outcome     `json:"original_decision,omitempty"`
	OverrideEnforced bool               `json:"override_enforced,omitempty"`
	Downgraded       bool               `json:"downgraded,omitempty"`
	Reasoning        string             `json:"reasoning"`
	Checks           map[string]bool    `json:"checks"`
	Scores           map[string]float64 `json:"scores,omitempty"`
}

// GuardrailType tags the rule that produced a guardrail correction.
type GuardrailType string

const (
	GuardrailPolicyOverride      GuardrailType = "policy_override"
	GuardrailEvidenceThreshold   GuardrailType = "evidence_threshold"
	GuardrailCombinedThreshold   GuardrailType = "combined_threshold"
	GuardrailConfidenceThreshold GuardrailType = "confidence_threshold"
	GuardrailInvalidOutcome      GuardrailType = "invalid_outcome"
)

// GuardrailRecord is appended to an RCA whenever the post-check changes its
// decision.
type GuardrailRecord struct {
	Type     GuardrailType  `json:"type"`
	Original policy.Outcome `json:"original"`
	Enforced policy.Outcome `json:"enforced"`
	Reason   string         `json:"reason"`
}

// Plan is the router's advice on which optional stages to run.
type Plan struct {
	Investigate bool   `json:"investigate"`
	Remediate   bool   `json:"remediate"`
	Rationale   string `json:"rationale,omitempty"`
	Source      string `json:"source"`
}

// RCAStatus tells a normal record apart from an abort record.
type RCAStatus string

const (
	RCAComplete RCAStatus = "complete"
	RCAAborted  RCAStatus = "aborted"
)

// Stage names one step of the orchestration state machine.
type Stage string

const (
	StageClassify    Stage = "classify"
	StageRoute       Stage = "route"
	StageInvestigate Stage = "investigate"
	StageGateA       Stage = "gate_a"
	StageRemediate   Stage = "remediate"
	StagePolicy      Stage = "policy"
	StageGateB       Stage = "gate_b"
	StageGuardrail   Stage = "guardrail"
	StageAssemble    Stage = "assemble"
)

// RCA is the terminal decision record for one incident. Before Assemble it
// serves as the candidate that the guardrail corrects; after Assemble it is
// treated as immutable.
type RCA struct {
	ID             string            `json:"id"`
	Incident       Incident          `json:"incident"`
	Classification Classification    `json:"classification"`
	Investigation  Investigation     `json:"investigation"`
	Action         ActionResult      `json:"action"`
	Decision       PolicyDecision    `json:"decision"`
	Gates          []GateResult      `json:"gates"`
	Guardrails     []GuardrailRecord `json:"guardrails"`
	Plan           Plan              `json:"plan"`
	Status         RCAStatus         `json:"status"`
	AbortStage     Stage             `json:"abort_stage,omitempty"`
	GeneratedAt    time.Time         `json:"generated_at"`
	Duration       float64           `json:"duration_seconds"`
}

// RunStatus tracks where a processing run is in its lifecycle.
type RunStatus string

const (
	// RunPending means accepted, not yet started
	RunPending RunStatus = "pending"

	// RunInProgress means the pipeline is executing
	RunInProgress RunStatus = "in_progress"

	// RunComplete means an RCA was produced
	RunComplete RunStatus = "complete"

	// RunAborted means an abort record was produced
	RunAborted RunStatus = "aborted"

	// RunFailed means no RCA could be assembled
	RunFailed RunStatus = "failed"
)

// Active reports whether a run with this status still owns its incident.
func (s RunStatus) Active() bool {
	return s == RunPending || s == RunInProgress
}

// Run is the lifecycle record of one pipeline invocation.
type Run struct {
	ID          string    `json:"id"`
	IncidentID  string    `json:"incident_id"`
	Status      RunStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Error       string    `json:"error,omitempty"`
	RCA         *RCA      `json:"rca,omitempty"`
}
