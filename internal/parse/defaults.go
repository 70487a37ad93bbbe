package parse

import (
	"fmt"

	"github.com/linnemanlabs/arbiter/internal/policy"
	"github.com/linnemanlabs/arbiter/internal/triage"
)

// Safe-default scores substituted when a response fails validation.
const (
	fallbackConfidence = 0.1
	fallbackEvidence   = 0.2
)

// ActionValidationFailed is the action recorded when the executor's response
// could not be validated.
const ActionValidationFailed = "validation_failed"

// SafeClassification parses text and substitutes a low-confidence unknown
// classification carrying the validation error when parsing fails.
func SafeClassification(text string) triage.Classification {
	c, err := Classification(text)
	if err != nil {
		return triage.Classification{
			Intent:          policy.IntentUnknown,
			Confidence:      fallbackConfidence,
			Reasoning:       fmt.Sprintf("Classification failed validation: %v", err),
			ValidationError: err.Error(),
		}
	}
	return c
}

// SafeInvestigation parses text and substitutes a weak-evidence investigation
// that does not recommend retry when parsing fails.
func SafeInvestigation(text string) triage.Investigation {
	inv, err := Investigation(text)
	if err != nil {
		return triage.Investigation{
			Findings:          []triage.Finding{},
			RootCause:         fmt.Sprintf("Investigation incomplete: %v", err),
			EvidenceScore:     fallbackEvidence,
			RetryRecommended:  false,
			RecommendedAction: triage.ActionNone,
			ValidationError:   err.Error(),
		}
	}
	return inv
}

// SafeAction parses text and substitutes a failed validation_failed action
// when parsing fails.
func SafeAction(text string) triage.ActionResult {
	a, err := Action(text)
	if err != nil {
		return triage.ActionResult{
			Action:  ActionValidationFailed,
			Success: false,
			Error:   err.Error(),
		}
	}
	return a
}
