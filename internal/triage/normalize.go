package triage

import (
	"math"

	"github.com/linnemanlabs/arbiter/internal/policy"
)

// unrecognizedConfidenceCap bounds the confidence of a classification whose
// intent is outside the taxonomy.
const unrecognizedConfidenceCap = 0.5

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// NormalizeClassification maps an unrecognized intent to unknown with its
// confidence capped, and clamps confidence into [0,1]. It is idempotent.
func NormalizeClassification(tbl *policy.Table, c Classification) Classification {
	c.Confidence = clampUnit(c.Confidence)
	if !tbl.Known(c.Intent) {
		c.Intent = policy.IntentUnknown
		c.Confidence = math.Min(c.Confidence, unrecognizedConfidenceCap)
	}
	return c
}

// NormalizeInvestigation clamps the evidence score into [0,1] and fills the
// fields downstream stages rely on.
func NormalizeInvestigation(inv Investigation) Investigation {
	inv.EvidenceScore = clampUnit(inv.EvidenceScore)
	if inv.Findings == nil {
		inv.Findings = []Finding{}
	}
	if inv.RecommendedAction == "" {
		inv.RecommendedAction = ActionNone
	}
	return inv
}
