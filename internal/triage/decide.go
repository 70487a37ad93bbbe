package triage

import (
	"fmt"
	"math"

	"github.com/linnemanlabs/arbiter/internal/policy"
)

// ApplyPolicy scores an incident and maps the score to an outcome.
//
// The combined score blends confidence and evidence with the table weights.
// A successful remediation adds the table's success bonus; a failed or absent
// one leaves the combined score as is. Classifications under the confidence
// floor never get an automated or escalated outcome. An override replaces
// whatever the score produced.
func ApplyPolicy(tbl *policy.Table, c Classification, inv Investigation, act ActionResult) PolicyDecision {
	combined := tbl.Combined(c.Confidence, inv.EvidenceScore)
	score := combined
	bonus := act.Attempted() && act.Success
	if bonus {
		score = math.Min(1, combined+tbl.SuccessBonus)
	}

	if forced, ok := tbl.Override(c.Intent); ok {
		return PolicyDecision{
			Outcome:         forced,
			Score:           score,
			Reasoning:       fmt.Sprintf("Policy override: %s always -> %s (score %.2f ignored)", c.Intent, forced, score),
			OverrideApplied: true,
		}
	}

	basis := fmt.Sprintf("combined %.2f (confidence %.2f, evidence %.2f)", combined, c.Confidence, inv.EvidenceScore)
	if bonus {
		basis += fmt.Sprintf(" + remediation bonus %.2f", tbl.SuccessBonus)
	}

	if c.Confidence < tbl.Thresholds.MinConfidenceForAutoAction {
		return PolicyDecision{
			Outcome: policy.HumanReview,
			Score:   score,
			Reasoning: fmt.Sprintf("Classification confidence %.2f below %.2f; %s requires human review",
				c.Confidence, tbl.Thresholds.MinConfidenceForAutoAction, basis),
		}
	}

	d := tbl.Decision
	var out policy.Outcome
	switch {
	case score >= d.AutoClose && act.Success:
		out = policy.AutoClose
	case score >= d.AutoRetry:
		// Includes high scores whose remediation failed: the diagnosis is
		// trusted but the incident is not resolved.
		out = policy.AutoRetry
	case score >= d.Escalate:
		out = policy.Escalate
	default:
		out = policy.HumanReview
	}

	return PolicyDecision{
		Outcome:   out,
		Score:     score,
		Reasoning: fmt.Sprintf("Score %.2f from %s -> %s", score, basis, out),
	}
}
