// Package policy holds the static decision policy: the intent taxonomy,
// per-intent overrides, routing sets and the numeric thresholds the gates
// and guardrails enforce. A Table is built once at startup and is read-only
// afterwards, so it is safe for concurrent use without locking.
package policy

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// Outcome is the disposition of an incident.
type Outcome string

const (
	AutoClose   Outcome = "auto_close"
	AutoRetry   Outcome = "auto_retry"
	Escalate    Outcome = "escalate"
	HumanReview Outcome = "human_review"
)

// Valid reports whether o is one of the four known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case AutoClose, AutoRetry, Escalate, HumanReview:
		return true
	}
	return false
}

// Automated reports whether o causes an automated side effect without a human.
func (o Outcome) Automated() bool {
	return o == AutoClose || o == AutoRetry
}

// IntentUnknown is the catch-all intent that terminates every taxonomy.
const IntentUnknown = "unknown"

// Thresholds are the evaluation cutoffs shared by the gates and guardrails.
type Thresholds struct {
	MinConfidenceForAutoAction float64 `yaml:"min_confidence_for_auto_action" json:"min_confidence_for_auto_action"`
	MinEvidenceForAutoClose    float64 `yaml:"min_evidence_for_auto_close" json:"min_evidence_for_auto_close"`
	MinCombinedForAutoAction   float64 `yaml:"min_combined_for_auto_action" json:"min_combined_for_auto_action"`
}

// DecisionThresholds map an effective score to an outcome. Scores below
// Escalate map to human_review.
type DecisionThresholds struct {
	AutoClose float64 `yaml:"auto_close" json:"auto_close"`
	AutoRetry float64 `yaml:"auto_retry" json:"auto_retry"`
	Escalate  float64 `yaml:"escalate" json:"escalate"`
}

// Weights blend classification confidence and investigation evidence into
// the combined score.
type Weights struct {
	Confidence float64 `yaml:"confidence" json:"confidence"`
	Evidence   float64 `yaml:"evidence" json:"evidence"`
}

// Table is the complete decision policy.
type Table struct {
	Taxonomy           []string            `yaml:"taxonomy" json:"taxonomy"`
	Overrides          map[string]Outcome  `yaml:"overrides" json:"overrides"`
	SkipInvestigation  []string            `yaml:"skip_investigation" json:"skip_investigation"`
	FastTrack          []string            `yaml:"fast_track" json:"fast_track"`
	Thresholds         Thresholds          `yaml:"thresholds" json:"thresholds"`
	Decision           DecisionThresholds  `yaml:"decision_thresholds" json:"decision_thresholds"`
	Weights            Weights             `yaml:"weights" json:"weights"`
	SuccessBonus       float64             `yaml:"success_bonus" json:"success_bonus"`
	IntentTools        map[string][]string `yaml:"intent_tools" json:"intent_tools"`
	IntentDescriptions map[string]string   `yaml:"intent_descriptions" json:"intent_descriptions"`

	taxonomy map[string]struct{}
	skip     map[string]struct{}
	fast     map[string]struct{}
}

// Default returns the reference policy. It always validates.
func Default() *Table {
	t := &Table{
		Taxonomy: []string{
			"dag_failure",
			"dag_alarm",
			"mwaa_failure",
			"glue_etl_failure",
			"athena_failure",
			"emr_failure",
			"kafka_events_failed",
			"data_missing",
			"source_zero_data",
			"data_not_available",
			"batch_auto_recovery_failed",
			"access_denied",
			IntentUnknown,
		},
		Overrides: map[string]Outcome{
			"access_denied":       Escalate,
			"kafka_events_failed": HumanReview,
		},
		SkipInvestigation: []string{"access_denied"},
		FastTrack:         []string{"access_denied"},
		Thresholds: Thresholds{
			MinConfidenceForAutoAction: 0.6,
			MinEvidenceForAutoClose:    0.7,
			MinCombinedForAutoAction:   0.5,
		},
		Decision: DecisionThresholds{
			AutoClose: 0.8,
			AutoRetry: 0.6,
			Escalate:  0.4,
		},
		Weights:      Weights{Confidence: 0.5, Evidence: 0.5},
		SuccessBonus: 0.1,
		IntentTools: map[string][]string{
			"emr_failure":                {"get_emr_logs", "retry_emr"},
			"glue_etl_failure":           {"get_glue_logs", "retry_glue_job"},
			"mwaa_failure":               {"get_mwaa_logs", "retry_airflow_dag"},
			"dag_failure":                {"get_mwaa_logs", "retry_airflow_dag"},
			"dag_alarm":                  {"get_mwaa_logs", "get_cloudwatch_alarm"},
			"athena_failure":             {"get_athena_query", "retry_athena_query"},
			"kafka_events_failed":        {"retry_kafka"},
			"data_missing":               {"verify_source_data", "get_s3_logs"},
			"source_zero_data":           {"verify_source_data", "get_s3_logs"},
			"data_not_available":         {"verify_source_data", "get_s3_logs"},
			"access_denied":              {"get_s3_logs", "get_cloudwatch_alarm"},
			"batch_auto_recovery_failed": {"get_cloudwatch_alarm"},
		},
		IntentDescriptions: map[string]string{
			"dag_failure":                "Airflow DAG run or task failed",
			"dag_alarm":                  "CloudWatch alarm raised for an Airflow DAG",
			"mwaa_failure":               "Managed Airflow environment failure",
			"glue_etl_failure":           "Glue ETL job failed",
			"athena_failure":             "Athena query failed",
			"emr_failure":                "EMR cluster or step failed",
			"kafka_events_failed":        "Kafka events failed to process",
			"data_missing":               "Expected data is missing from the target",
			"source_zero_data":           "Source system delivered zero records",
			"data_not_available":         "Data not yet available for downstream consumers",
			"batch_auto_recovery_failed": "Batch job auto recovery failed",
			"access_denied":              "Access request or permission denied",
			IntentUnknown:                "Does not match any known category",
		},
	}
	if err := t.Validate(); err != nil {
		panic(fmt.Sprintf("policy: default table invalid: %v", err))
	}
	return t
}

// Validate checks the table for consistency and builds its lookup sets.
// Every problem found is reported.
func (t *Table) Validate() error {
	var errs []error

	if len(t.Taxonomy) == 0 {
		errs = append(errs, errors.New("taxonomy is empty"))
	} else if t.Taxonomy[len(t.Taxonomy)-1] != IntentUnknown {
		errs = append(errs, fmt.Errorf("taxonomy must end with %q", IntentUnknown))
	}

	tax := make(map[string]struct{}, len(t.Taxonomy))
	for _, intent := range t.Taxonomy {
		if intent == "" {
			errs = append(errs, errors.New("taxonomy contains an empty intent"))
			continue
		}
		if _, dup := tax[intent]; dup {
			errs = append(errs, fmt.Errorf("taxonomy lists %q twice", intent))
		}
		tax[intent] = struct{}{}
	}

	for intent, out := range t.Overrides {
		if _, ok := tax[intent]; !ok {
			errs = append(errs, fmt.Errorf("override for %q: intent not in taxonomy", intent))
		}
		// Overrides are applied unconditionally by the guardrail, so an
		// automated override would let it relax a human decision.
		if out != Escalate && out != HumanReview {
			errs = append(errs, fmt.Errorf("override for %q: outcome %q must be %s or %s", intent, out, Escalate, HumanReview))
		}
	}

	skip, setErrs := buildSet("skip_investigation", t.SkipInvestigation, tax)
	errs = append(errs, setErrs...)
	fast, setErrs := buildSet("fast_track", t.FastTrack, tax)
	errs = append(errs, setErrs...)

	errs = append(errs,
		checkUnit("thresholds.min_confidence_for_auto_action", t.Thresholds.MinConfidenceForAutoAction),
		checkUnit("thresholds.min_evidence_for_auto_close", t.Thresholds.MinEvidenceForAutoClose),
		checkUnit("thresholds.min_combined_for_auto_action", t.Thresholds.MinCombinedForAutoAction),
		checkUnit("decision_thresholds.auto_close", t.Decision.AutoClose),
		checkUnit("decision_thresholds.auto_retry", t.Decision.AutoRetry),
		checkUnit("decision_thresholds.escalate", t.Decision.Escalate),
		checkUnit("weights.confidence", t.Weights.Confidence),
		checkUnit("weights.evidence", t.Weights.Evidence),
		checkUnit("success_bonus", t.SuccessBonus),
	)

	if !(t.Decision.AutoClose > t.Decision.AutoRetry && t.Decision.AutoRetry > t.Decision.Escalate) {
		errs = append(errs, fmt.Errorf("decision thresholds must be strictly descending, got auto_close=%.2f auto_retry=%.2f escalate=%.2f",
			t.Decision.AutoClose, t.Decision.AutoRetry, t.Decision.Escalate))
	}
	if math.Abs(t.Weights.Confidence+t.Weights.Evidence-1) > 1e-9 {
		errs = append(errs, fmt.Errorf("weights must sum to 1, got %.3f", t.Weights.Confidence+t.Weights.Evidence))
	}

	for intent := range t.IntentTools {
		if _, ok := tax[intent]; !ok {
			errs = append(errs, fmt.Errorf("intent_tools for %q: intent not in taxonomy", intent))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	// Fast-tracked intents never run an investigation.
	for intent := range fast {
		skip[intent] = struct{}{}
	}

	t.taxonomy = tax
	t.skip = skip
	t.fast = fast
	return nil
}

func buildSet(field string, intents []string, tax map[string]struct{}) (map[string]struct{}, []error) {
	var errs []error
	set := make(map[string]struct{}, len(intents))
	for _, intent := range intents {
		if _, ok := tax[intent]; !ok {
			errs = append(errs, fmt.Errorf("%s: intent %q not in taxonomy", field, intent))
			continue
		}
		set[intent] = struct{}{}
	}
	return set, errs
}

func checkUnit(field string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%s must be within [0,1], got %v", field, v)
	}
	return nil
}

// Known reports whether intent is part of the taxonomy.
func (t *Table) Known(intent string) bool {
	_, ok := t.taxonomy[intent]
	return ok
}

// SkipsInvestigation reports whether the investigate stage is replaced by the
// skipped sentinel for intent.
func (t *Table) SkipsInvestigation(intent string) bool {
	_, ok := t.skip[intent]
	return ok
}

// FastTracked reports whether both investigation and remediation are skipped
// for intent.
func (t *Table) FastTracked(intent string) bool {
	_, ok := t.fast[intent]
	return ok
}

// Override returns the forced outcome for intent, if any.
func (t *Table) Override(intent string) (Outcome, bool) {
	out, ok := t.Overrides[intent]
	return out, ok
}

// Combined blends confidence and evidence with the configured weights.
func (t *Table) Combined(confidence, evidence float64) float64 {
	return t.Weights.Confidence*confidence + t.Weights.Evidence*evidence
}

// ToolsFor returns the tool hints for intent in declaration order.
func (t *Table) ToolsFor(intent string) []string {
	return slices.Clone(t.IntentTools[intent])
}

// TicketStatus maps a final outcome to the external ticket status.
func TicketStatus(o Outcome) string {
	switch o {
	case AutoClose:
		return "resolved"
	case AutoRetry:
		return "in_progress"
	case Escalate:
		return "escalated"
	case HumanReview:
		return "on_hold"
	}
	// an unrecognised outcome parks the ticket for a human
	return "on_hold"
}
