package policy

import (
	"strings"
	"testing"
)

func TestDefault_Valid(t *testing.T) {
	t.Parallel()

	tbl := Default()

	if !tbl.Known("glue_etl_failure") {
		t.Error("glue_etl_failure should be in taxonomy")
	}
	if tbl.Known("made_up") {
		t.Error("made_up should not be in taxonomy")
	}
	if got := tbl.Taxonomy[len(tbl.Taxonomy)-1]; got != IntentUnknown {
		t.Errorf("last taxonomy entry = %q, want %q", got, IntentUnknown)
	}
	if out, ok := tbl.Override("access_denied"); !ok || out != Escalate {
		t.Errorf("override(access_denied) = %q,%v, want escalate,true", out, ok)
	}
	if out, ok := tbl.Override("kafka_events_failed"); !ok || out != HumanReview {
		t.Errorf("override(kafka_events_failed) = %q,%v, want human_review,true", out, ok)
	}
	if _, ok := tbl.Override("glue_etl_failure"); ok {
		t.Error("glue_etl_failure should have no override")
	}
	if !tbl.FastTracked("access_denied") || !tbl.SkipsInvestigation("access_denied") {
		t.Error("access_denied should be fast-tracked and skip investigation")
	}
	if tbl.SkipsInvestigation("emr_failure") {
		t.Error("emr_failure should be investigated")
	}
}

func TestCombined(t *testing.T) {
	t.Parallel()

	tbl := Default()
	tests := []struct {
		conf, ev, want float64
	}{
		{0, 0, 0},
		{1, 1, 1},
		{0.85, 0.8, 0.825},
		{0.3, 0.5, 0.4},
	}
	for _, tt := range tests {
		if got := tbl.Combined(tt.conf, tt.ev); !approx(got, tt.want) {
			t.Errorf("Combined(%v, %v) = %v, want %v", tt.conf, tt.ev, got, tt.want)
		}
	}
}

func approx(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Table)
		want   string
	}{
		{
			name:   "taxonomy without unknown",
			mutate: func(tb *Table) { tb.Taxonomy = []string{"a", "b"} },
			want:   `taxonomy must end with "unknown"`,
		},
		{
			name:   "duplicate intent",
			mutate: func(tb *Table) { tb.Taxonomy = []string{"a", "a", IntentUnknown}; tb.clearRefs() },
			want:   `taxonomy lists "a" twice`,
		},
		{
			name:   "override outside taxonomy",
			mutate: func(tb *Table) { tb.Overrides = map[string]Outcome{"nope": Escalate} },
			want:   `override for "nope": intent not in taxonomy`,
		},
		{
			name:   "automated override",
			mutate: func(tb *Table) { tb.Overrides = map[string]Outcome{"dag_failure": AutoClose} },
			want:   `outcome "auto_close" must be escalate or human_review`,
		},
		{
			name:   "fast track outside taxonomy",
			mutate: func(tb *Table) { tb.FastTrack = []string{"nope"} },
			want:   `fast_track: intent "nope" not in taxonomy`,
		},
		{
			name:   "threshold out of range",
			mutate: func(tb *Table) { tb.Thresholds.MinEvidenceForAutoClose = 1.5 },
			want:   "thresholds.min_evidence_for_auto_close must be within [0,1]",
		},
		{
			name:   "decision thresholds not descending",
			mutate: func(tb *Table) { tb.Decision.AutoRetry = 0.9 },
			want:   "decision thresholds must be strictly descending",
		},
		{
			name:   "weights do not sum to one",
			mutate: func(tb *Table) { tb.Weights = Weights{Confidence: 0.7, Evidence: 0.7} },
			want:   "weights must sum to 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tbl := Default()
			tt.mutate(tbl)
			err := tbl.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

// clearRefs drops references to default intents so a replaced taxonomy is
// judged on its own.
func (t *Table) clearRefs() {
	t.Overrides = nil
	t.SkipInvestigation = nil
	t.FastTrack = nil
	t.IntentTools = nil
}

func TestValidate_ReportsAll(t *testing.T) {
	t.Parallel()

	tbl := Default()
	tbl.Thresholds.MinConfidenceForAutoAction = -1
	tbl.SuccessBonus = 2

	err := tbl.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"min_confidence_for_auto_action", "success_bonus"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestTicketStatus(t *testing.T) {
	t.Parallel()

	tests := map[Outcome]string{
		AutoClose:   "resolved",
		AutoRetry:   "in_progress",
		Escalate:    "escalated",
		HumanReview: "on_hold",
		"bogus":     "on_hold",
		"":          "on_hold",
	}
	for out, want := range tests {
		if got := TicketStatus(out); got != want {
			t.Errorf("TicketStatus(%q) = %q, want %q", out, got, want)
		}
	}
}

func TestOutcome(t *testing.T) {
	t.Parallel()

	for _, o := range []Outcome{AutoClose, AutoRetry, Escalate, HumanReview} {
		if !o.Valid() {
			t.Errorf("%q should be valid", o)
		}
	}
	if Outcome("close").Valid() {
		t.Error("close should not be valid")
	}
	if !AutoClose.Automated() || !AutoRetry.Automated() {
		t.Error("auto outcomes should be automated")
	}
	if Escalate.Automated() || HumanReview.Automated() {
		t.Error("escalate/human_review should not be automated")
	}
}

func TestToolsFor_ReturnsCopy(t *testing.T) {
	t.Parallel()

	tbl := Default()
	got := tbl.ToolsFor("glue_etl_failure")
	got[0] = "mutated"

	if tbl.ToolsFor("glue_etl_failure")[0] != "get_glue_logs" {
		t.Error("ToolsFor should return a copy")
	}
	if len(tbl.ToolsFor("unknown")) != 0 {
		t.Error("unknown should have no tool hints")
	}
}
