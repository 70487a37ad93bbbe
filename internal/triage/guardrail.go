package triage

import (
	"fmt"
	"slices"

	"github.com/linnemanlabs/arbiter/internal/policy"
)

// ApplyGuardrails re-validates the decision on a candidate RCA against the
// policy table, regardless of which gates ran upstream. It only ever
// tightens a decision and appends one record per correction. Applying it to
// its own output changes nothing.
//
// The candidate is taken by value and its slices are copied, so the caller's
// record is left untouched.
func ApplyGuardrails(tbl *policy.Table, cand RCA, inc Incident) RCA {
	if cand.Incident.ID == "" {
		cand.Incident = inc
	}
	cand.Gates = slices.Clone(cand.Gates)
	cand.Guardrails = slices.Clone(cand.Guardrails)
	cand.Classification = NormalizeClassification(tbl, cand.Classification)
	cand.Investigation.EvidenceScore = clampUnit(cand.Investigation.EvidenceScore)

	intent := cand.Classification.Intent
	conf := cand.Classification.Confidence
	ev := cand.Investigation.EvidenceScore
	th := tbl.Thresholds

	correct := func(typ GuardrailType, to policy.Outcome, reason string) {
		cand.Guardrails = append(cand.Guardrails, GuardrailRecord{
			Type:     typ,
			Original: cand.Decision.Outcome,
			Enforced: to,
			Reason:   reason,
		})
		cand.Decision.Outcome = to
		cand.Decision.Reasoning = appendReason(cand.Decision.Reasoning, "guardrail: "+reason)
	}

	if !cand.Decision.Outcome.Valid() {
		correct(GuardrailInvalidOutcome, policy.HumanReview,
			fmt.Sprintf("Unrecognized outcome %q replaced with %s", cand.Decision.Outcome, policy.HumanReview))
	}

	if forced, ok := tbl.Override(intent); ok {
		if cand.Decision.Outcome != forced {
			correct(GuardrailPolicyOverride, forced,
				fmt.Sprintf("Policy override enforced: %s -> %s (original: %s)", intent, forced, cand.Decision.Outcome))
		}
		cand.Decision.OverrideApplied = true
		return cand
	}

	if cand.Decision.Outcome == policy.AutoClose && ev < th.MinEvidenceForAutoClose {
		correct(GuardrailEvidenceThreshold, policy.HumanReview,
			fmt.Sprintf("Auto-close blocked: evidence %.2f below %.2f", ev, th.MinEvidenceForAutoClose))
	}

	if cand.Decision.Outcome == policy.AutoRetry {
		if combined := tbl.Combined(conf, ev); combined < th.MinCombinedForAutoAction {
			correct(GuardrailCombinedThreshold, policy.HumanReview,
				fmt.Sprintf("Auto-retry blocked: combined score %.2f below %.2f", combined, th.MinCombinedForAutoAction))
		}
	}

	if cand.Decision.Outcome.Automated() && conf < th.MinConfidenceForAutoAction {
		correct(GuardrailConfidenceThreshold, policy.HumanReview,
			fmt.Sprintf("Confidence %.2f below %.2f for %s", conf, th.MinConfidenceForAutoAction, cand.Decision.Outcome))
	}

	return cand
}

func appendReason(base, extra string) string {
	if base == "" {
		return extra
	}
	return base + "; " + extra
}
