package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/linnemanlabs/arbiter/internal/policy"
	"github.com/linnemanlabs/arbiter/internal/triage"
)

// Prompt field limits keep large ticket bodies and findings from crowding
// out the instructions.
const (
	maxDescriptionChars = 500
	maxContextChars     = 1000
	maxFindingsChars    = 2000
)

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func classifierSystemPrompt(tbl *policy.Table) string {
	var b strings.Builder
	b.WriteString(`You are an incident classifier for a data platform. Analyze incident descriptions from the ticketing system and classify each into exactly one category of the taxonomy below.

## Intent Taxonomy

`)
	for _, intent := range tbl.Taxonomy {
		desc := tbl.IntentDescriptions[intent]
		if desc == "" {
			desc = "No description"
		}
		fmt.Fprintf(&b, "- **%s**: %s\n", intent, desc)
	}
	b.WriteString(`
## Instructions

1. Read the short description and any additional context.
2. Match keywords, error patterns and service names against the taxonomy.
3. Pick the single best category; use "unknown" when nothing fits.
4. Give a confidence between 0.0 and 1.0 and brief reasoning.

## Confidence Guidelines

- 0.9-1.0: unambiguous match with specific error codes or service names
- 0.7-0.9: strong keyword match
- 0.5-0.7: moderate match, some ambiguity
- 0.3-0.5: weak match, several categories possible
- 0.0-0.3: best guess

## Response Format

Respond with a single JSON object:

{"intent": "<category>", "confidence": <0.0-1.0>, "reasoning": "<brief explanation>"}`)
	return b.String()
}

func classifierPrompt(inc triage.Incident) string {
	return fmt.Sprintf(`Classify the following incident:

Short Description: %s

Description: %s

Category: %s
Subcategory: %s

Respond with the classification JSON.`,
		orNA(inc.ShortDescription),
		orNA(truncate(inc.Description, maxDescriptionChars)),
		orNA(inc.Category),
		orNA(inc.Subcategory),
	)
}

const investigatorSystemPrompt = `You are an incident investigator for a data platform. Gather evidence with the diagnostic tools available to you and identify the root cause.

## Objectives

1. Start with the tools recommended for the incident's intent.
2. Look for error messages, stack traces and failure indicators.
3. For data incidents, verify source data availability.
4. Decide whether a retry would plausibly fix the problem. Do not recommend a retry for permanent failures such as permission errors, code bugs, schema mismatches or invalid configuration.

## Evidence Score Guidelines

- 0.8-1.0: clear root cause with strong evidence
- 0.6-0.8: likely root cause with supporting evidence
- 0.4-0.6: possible root cause, some uncertainty
- 0.2-0.4: weak evidence, several possibilities
- 0.0-0.2: root cause not determined

## Response Format

When done, respond with a single JSON object:

{"findings": [{"tool": "<tool name>", "result": {}, "summary": "<key finding>"}], "root_cause": "<root cause>", "evidence_score": <0.0-1.0>, "retry_recommended": <true|false>, "recommended_action": "<action tool name or none>"}`

func investigatorPrompt(tbl *policy.Table, c triage.Classification, inc triage.Incident) string {
	recommended := "Use whichever available tools fit the incident"
	if names := tbl.ToolsFor(c.Intent); len(names) > 0 {
		recommended = strings.Join(names, ", ")
	}
	ctxJSON := "{}"
	if len(inc.Context) > 0 {
		if raw, err := json.MarshalIndent(inc.Context, "", "  "); err == nil {
			ctxJSON = truncate(string(raw), maxContextChars)
		}
	}

	return fmt.Sprintf(`Investigate the following incident:

Incident:
- ID: %s
- Short Description: %s
- Category: %s

Classification:
- Intent: %s
- Confidence: %.2f
- Reasoning: %s

Recommended Tools: %s

Additional Context:
%s

Use the resource identifiers in the incident (cluster ids, job names, DAG ids) in your tool calls.`,
		inc.ID,
		orNA(inc.ShortDescription),
		orNA(inc.Category),
		c.Intent,
		c.Confidence,
		orNA(c.Reasoning),
		recommended,
		ctxJSON,
	)
}

const executorSystemPrompt = `You execute remediation actions for a data platform based on investigation findings.

## Guidelines

1. Only act when the investigation recommends it.
2. Use the specific resource identifiers from the findings.
3. Retry only transient failures, never code bugs or permission problems.
4. Execute at most the one action that fits the recommendation and report its result.

## Response Format

Respond with a single JSON object:

{"action": "<action taken or none>", "success": <true|false>, "details": {"resource_id": "<resource>", "new_execution_id": "<new run id>", "status": "<status>"}, "error": "<error message or null>"}`

func executorPrompt(inv triage.Investigation, inc triage.Incident) string {
	findings := "[]"
	if raw, err := json.MarshalIndent(inv.Findings, "", "  "); err == nil {
		findings = truncate(string(raw), maxFindingsChars)
	}
	return fmt.Sprintf(`Execute the recommended action for this incident:

Root Cause: %s

Recommended Action: %s

Investigation Findings:
%s

Incident:
- ID: %s
- Short Description: %s`,
		orNA(inv.RootCause),
		orNA(inv.RecommendedAction),
		findings,
		inc.ID,
		orNA(inc.ShortDescription),
	)
}

const routerSystemPrompt = `You route incidents through a triage pipeline. After classification, decide whether the investigate stage and the remediate stage are worth running.

Skip investigation when the incident needs no technical diagnosis (access requests, questions). Skip remediation when no automated retry could help.

Respond with a single JSON object:

{"investigate": <true|false>, "remediate": <true|false>, "rationale": "<one sentence>"}`

func routerPrompt(inc triage.Incident, c triage.Classification) string {
	return fmt.Sprintf(`Incident %s: %s

Intent: %s (confidence %.2f)
Reasoning: %s

Which stages should run?`,
		inc.ID,
		orNA(inc.ShortDescription),
		c.Intent,
		c.Confidence,
		orNA(c.Reasoning),
	)
}
