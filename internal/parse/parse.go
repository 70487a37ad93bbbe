// Package parse extracts and validates the structured JSON records that model
// collaborators return inside free-form text. Invalid output never escapes as
// a partially filled record: callers get either a validated value or an error
// wrapping ErrNoJSON or ErrSchema.
package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/linnemanlabs/arbiter/internal/triage"
)

var (
	// ErrNoJSON means the text contained no parseable JSON object.
	ErrNoJSON = errors.New("no JSON object in response")
	// ErrSchema means a JSON object was found but does not match the record schema.
	ErrSchema = errors.New("response does not match schema")
)

// Kind selects which record schema a response is validated against.
type Kind string

const (
	KindClassification Kind = "classification"
	KindInvestigation  Kind = "investigation"
	KindAction         Kind = "action"
)

var fence = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")

// Extract returns the first JSON object in text. A fenced code block wins over
// bare braces; otherwise the first balanced {...} span is used.
func Extract(text string) (json.RawMessage, error) {
	for _, m := range fence.FindAllStringSubmatch(text, -1) {
		if obj, ok := firstObject(m[1]); ok {
			return obj, nil
		}
	}
	if obj, ok := firstObject(text); ok {
		return obj, nil
	}
	return nil, ErrNoJSON
}

// firstObject scans for the first balanced object that is valid JSON. Braces
// inside string literals are ignored.
func firstObject(s string) (json.RawMessage, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		end := matchBrace(s, start)
		if end > start {
			cand := s[start : end+1]
			if json.Valid([]byte(cand)) {
				return json.RawMessage(cand), true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

func matchBrace(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Decode extracts the JSON object from text and validates it against the
// schema for kind.
func Decode(text string, kind Kind) (json.RawMessage, error) {
	raw, err := Extract(text)
	if err != nil {
		return nil, err
	}
	sch, ok := schemas[kind]
	if !ok {
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoJSON, err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchema, kind, err)
	}
	return raw, nil
}

func decodeInto[T any](text string, kind Kind) (T, error) {
	var v T
	raw, err := Decode(text, kind)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrSchema, kind, err)
	}
	return v, nil
}

// Classification parses a classifier response.
func Classification(text string) (triage.Classification, error) {
	return decodeInto[triage.Classification](text, KindClassification)
}

// Investigation parses an investigator response.
func Investigation(text string) (triage.Investigation, error) {
	return decodeInto[triage.Investigation](text, KindInvestigation)
}

// Action parses an action executor response.
func Action(text string) (triage.ActionResult, error) {
	return decodeInto[triage.ActionResult](text, KindAction)
}
