package triage

import (
	"fmt"

	"github.com/linnemanlabs/arbiter/internal/policy"
)

// EvaluateBeforeAction decides whether remediation may be attempted. Rules
// are evaluated in order and the first rejection wins. Approval is a
// precondition for remediation, not a promise that it will succeed.
func EvaluateBeforeAction(tbl *policy.Table, intent string, confidence, evidence float64, retryRecommended bool) GateResult {
	combined := tbl.Combined(confidence, evidence)
	r := GateResult{
		Gate:   GateBeforeAction,
		Checks: make(map[string]bool, 4),
		Scores: map[string]float64{
			"confidence": confidence,
			"evidence":   evidence,
			"combined":   combined,
		},
	}
	th := tbl.Thresholds

	// true means the intent is fast-tracked and the gate rejects
	r.Checks["fast_track"] = tbl.FastTracked(intent)
	if r.Checks["fast_track"] {
		r.Reasoning = fmt.Sprintf("Intent '%s' is fast-tracked, no remediation needed", intent)
		return r
	}

	r.Checks["confidence_check"] = confidence >= th.MinConfidenceForAutoAction
	if !r.Checks["confidence_check"] {
		r.Reasoning = fmt.Sprintf("Confidence %.2f below threshold %.2f", confidence, th.MinConfidenceForAutoAction)
		return r
	}

	r.Checks["combined_check"] = combined >= th.MinCombinedForAutoAction
	if !r.Checks["combined_check"] {
		r.Reasoning = fmt.Sprintf("Combined score %.2f below threshold %.2f", combined, th.MinCombinedForAutoAction)
		return r
	}

	r.Checks["retry_recommended"] = retryRecommended
	if !retryRecommended {
		r.Reasoning = "Investigation does not recommend retry"
		return r
	}

	r.Approved = true
	r.Reasoning = fmt.Sprintf("All checks passed: confidence=%.2f, evidence=%.2f, retry recommended", confidence, evidence)
	return r
}

// EvaluateBeforeClose is the last checkpoint before an outcome becomes
// externally visible. An override always wins; otherwise automated outcomes
// that fail their thresholds are downgraded to human_review.
func EvaluateBeforeClose(tbl *policy.Table, intent string, confidence, evidence float64, decision policy.Outcome, score float64, actionSuccess bool) GateResult {
	combined := tbl.Combined(confidence, evidence)
	r := GateResult{
		Gate:             GateBeforeClose,
		OriginalDecision: decision,
		Checks:           make(map[string]bool, 3),
		Scores: map[string]float64{
			"confidence":   confidence,
			"evidence":     evidence,
			"combined":     combined,
			"policy_score": score,
		},
	}
	th := tbl.Thresholds
	r.Checks["action_success"] = actionSuccess

	if forced, ok := tbl.Override(intent); ok {
		r.Checks["override"] = true
		r.ApprovedAction = forced
		r.OverrideEnforced = true
		r.Approved = forced == decision
		r.Reasoning = fmt.Sprintf("Policy override: %s always -> %s", intent, forced)
		return r
	}
	r.Checks["override"] = false

	switch decision {
	case policy.AutoClose:
		r.Checks["evidence_check"] = evidence >= th.MinEvidenceForAutoClose
		if !r.Checks["evidence_check"] {
			r.ApprovedAction = policy.HumanReview
			r.Downgraded = true
			r.Reasoning = fmt.Sprintf("Auto-close blocked: evidence score %.2f below threshold %.2f", evidence, th.MinEvidenceForAutoClose)
			return r
		}
	case policy.AutoRetry:
		r.Checks["combined_check"] = combined >= th.MinCombinedForAutoAction
		if !r.Checks["combined_check"] {
			r.ApprovedAction = policy.HumanReview
			r.Downgraded = true
			r.Reasoning = fmt.Sprintf("Auto-retry blocked: combined score %.2f below threshold %.2f", combined, th.MinCombinedForAutoAction)
			return r
		}
	}

	r.ApprovedAction = decision
	r.Approved = true
	r.Reasoning = fmt.Sprintf("All gates passed. Proceeding with: %s", decision)
	return r
}
