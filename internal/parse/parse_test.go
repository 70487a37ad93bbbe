package parse

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/linnemanlabs/arbiter/internal/policy"
	"github.com/linnemanlabs/arbiter/internal/triage"
)

func TestExtract(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"json fence", "Here you go:\n```json\n{\"a\": 1}\n```\nthanks", `{"a": 1}`},
		{"plain fence", "```\n{\"b\": true}\n```", `{"b": true}`},
		{"prose around braces", `I think {"intent":"dag_failure"} is right.`, `{"intent":"dag_failure"}`},
		{"nested", `x {"a":{"b":{"c":1}}} y`, `{"a":{"b":{"c":1}}}`},
		{"brace in string", `{"msg":"closing } inside","n":2}`, `{"msg":"closing } inside","n":2}`},
		{"escaped quote", `{"msg":"say \"}\" now"}`, `{"msg":"say \"}\" now"}`},
		{"skips invalid first span", `{not json} then {"ok":true}`, `{"ok":true}`},
		{"fence preferred over earlier braces", "{ignored prose}\n```json\n{\"a\":2}\n```", `{"a":2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Extract(tt.in)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Extract = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExtract_NoJSON(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "no braces here", "{unterminated", "```json\nnot json\n```"} {
		if _, err := Extract(in); !errors.Is(err, ErrNoJSON) {
			t.Errorf("Extract(%q) err = %v, want ErrNoJSON", in, err)
		}
	}
}

func TestClassification(t *testing.T) {
	t.Parallel()

	text := "```json\n{\"intent\": \"glue_etl_failure\", \"confidence\": 0.92, \"reasoning\": \"Glue job name in description\"}\n```"
	got, err := Classification(text)
	if err != nil {
		t.Fatalf("Classification: %v", err)
	}
	want := triage.Classification{Intent: "glue_etl_failure", Confidence: 0.92, Reasoning: "Glue job name in description"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Classification mismatch (-want +got):\n%s", diff)
	}
}

func TestSchemaViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		kind Kind
		in   string
	}{
		{"classification missing confidence", KindClassification, `{"intent":"dag_failure"}`},
		{"classification confidence as string", KindClassification, `{"intent":"dag_failure","confidence":"high"}`},
		{"classification empty intent", KindClassification, `{"intent":"","confidence":0.5}`},
		{"investigation missing retry flag", KindInvestigation, `{"root_cause":"oom","evidence_score":0.7}`},
		{"investigation finding without tool", KindInvestigation, `{"root_cause":"x","evidence_score":0.5,"retry_recommended":false,"findings":[{"summary":"s"}]}`},
		{"action missing success", KindAction, `{"action":"retry_emr"}`},
		{"action details not object", KindAction, `{"action":"retry_emr","success":true,"details":"done"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.in, tt.kind); !errors.Is(err, ErrSchema) {
				t.Errorf("Decode err = %v, want ErrSchema", err)
			}
		})
	}
}

func TestOutOfRangeScoresAreNotRejected(t *testing.T) {
	t.Parallel()

	c, err := Classification(`{"intent":"dag_failure","confidence":1.7}`)
	if err != nil {
		t.Fatalf("Classification: %v", err)
	}
	if c.Confidence != 1.7 {
		t.Errorf("Confidence = %v, want raw 1.7 (clamped later)", c.Confidence)
	}
}

func TestInvestigationAndAction(t *testing.T) {
	t.Parallel()

	inv, err := Investigation(`{
		"findings": [{"tool": "get_emr_logs", "result": {"exit": 137}, "summary": "OOM killed"}],
		"root_cause": "EMR step exceeded memory allocation",
		"evidence_score": 0.7,
		"retry_recommended": true,
		"recommended_action": "retry_emr"
	}`)
	if err != nil {
		t.Fatalf("Investigation: %v", err)
	}
	if len(inv.Findings) != 1 || inv.Findings[0].Tool != "get_emr_logs" {
		t.Errorf("Findings = %+v", inv.Findings)
	}
	if string(inv.Findings[0].Result) != `{"exit": 137}` {
		t.Errorf("Result = %s", inv.Findings[0].Result)
	}
	if !inv.RetryRecommended || inv.EvidenceScore != 0.7 {
		t.Errorf("Investigation = %+v", inv)
	}

	act, err := Action(`{"action":"retry_emr","success":true,"details":{"resource_id":"j-1"},"error":null}`)
	if err != nil {
		t.Fatalf("Action: %v", err)
	}
	if act.Action != "retry_emr" || !act.Success || act.Details["resource_id"] != "j-1" || act.Error != "" {
		t.Errorf("Action = %+v", act)
	}
}

func TestSafeDefaults(t *testing.T) {
	t.Parallel()

	c := SafeClassification("I could not decide")
	if c.Intent != policy.IntentUnknown || c.Confidence != fallbackConfidence || c.ValidationError == "" {
		t.Errorf("SafeClassification = %+v", c)
	}
	if !strings.HasPrefix(c.Reasoning, "Classification failed validation") {
		t.Errorf("Reasoning = %q", c.Reasoning)
	}

	inv := SafeInvestigation(`{"root_cause": 3}`)
	if inv.EvidenceScore != fallbackEvidence || inv.RetryRecommended || inv.ValidationError == "" {
		t.Errorf("SafeInvestigation = %+v", inv)
	}
	if inv.Findings == nil || inv.RecommendedAction != triage.ActionNone {
		t.Errorf("SafeInvestigation fields = %+v", inv)
	}

	act := SafeAction("")
	if act.Action != ActionValidationFailed || act.Success || act.Error == "" {
		t.Errorf("SafeAction = %+v", act)
	}
}

func TestSafeDefaultsPassThroughValid(t *testing.T) {
	t.Parallel()

	c := SafeClassification(`{"intent":"access_denied","confidence":0.95}`)
	if c.Intent != "access_denied" || c.ValidationError != "" {
		t.Errorf("SafeClassification = %+v", c)
	}
}

func FuzzExtract(f *testing.F) {
	f.Add(`{"a":1}`)
	f.Add("```json\n{\"intent\":\"x\"}\n```")
	f.Add(`{"s":"\"}{"}`)
	f.Add(`{{{`)
	f.Fuzz(func(t *testing.T, in string) {
		raw, err := Extract(in)
		if err != nil {
			if !errors.Is(err, ErrNoJSON) {
				t.Fatalf("unexpected error type: %v", err)
			}
			return
		}
		if !strings.HasPrefix(string(raw), "{") || !strings.HasSuffix(string(raw), "}") {
			t.Fatalf("extracted %q is not an object span", raw)
		}
	})
}
