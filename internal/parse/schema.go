package parse

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Scores are validated as numbers only; clamping into [0,1] happens in the
// triage normalizers so out-of-range values are corrected, not rejected.
var rawSchemas = map[Kind]string{
	KindClassification: `{
		"type": "object",
		"required": ["intent", "confidence"],
		"properties": {
			"intent":     {"type": "string", "minLength": 1},
			"confidence": {"type": "number"},
			"reasoning":  {"type": "string"}
		}
	}`,
	KindInvestigation: `{
		"type": "object",
		"required": ["root_cause", "evidence_score", "retry_recommended"],
		"properties": {
			"findings": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["tool"],
					"properties": {
						"tool":    {"type": "string"},
						"summary": {"type": "string"}
					}
				}
			},
			"root_cause":         {"type": "string"},
			"evidence_score":     {"type": "number"},
			"retry_recommended":  {"type": "boolean"},
			"recommended_action": {"type": ["string", "null"]}
		}
	}`,
	KindAction: `{
		"type": "object",
		"required": ["action", "success"],
		"properties": {
			"action":  {"type": "string", "minLength": 1},
			"success": {"type": "boolean"},
			"details": {"type": ["object", "null"]},
			"error":   {"type": ["string", "null"]}
		}
	}`,
}

var schemas = mustCompile(rawSchemas)

func mustCompile(raw map[Kind]string) map[Kind]*jsonschema.Schema {
	out := make(map[Kind]*jsonschema.Schema, len(raw))
	for kind, src := range raw {
		url := fmt.Sprintf("https://arbiter.schemas.local/%s.schema.json", kind)
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			panic(fmt.Sprintf("parse: add schema %s: %v", kind, err))
		}
		sch, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("parse: compile schema %s: %v", kind, err))
		}
		out[kind] = sch
	}
	return out
}
