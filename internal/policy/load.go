package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// file is the on-disk shape. Every section is optional; a present section
// replaces the default wholesale rather than merging into it.
type file struct {
	Taxonomy           []string            `yaml:"taxonomy"`
	Overrides          map[string]Outcome  `yaml:"overrides"`
	SkipInvestigation  []string            `yaml:"skip_investigation"`
	FastTrack          []string            `yaml:"fast_track"`
	Thresholds         *Thresholds         `yaml:"thresholds"`
	Decision           *DecisionThresholds `yaml:"decision_thresholds"`
	Weights            *Weights            `yaml:"weights"`
	SuccessBonus       *float64            `yaml:"success_bonus"`
	IntentTools        map[string][]string `yaml:"intent_tools"`
	IntentDescriptions map[string]string   `yaml:"intent_descriptions"`
}

// Load reads a YAML policy file layered over Default and validates it.
// An empty path returns the default table.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read policy %q: %w", path, err)
	}
	t, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", path, err)
	}
	return t, nil
}

// Parse decodes a YAML policy document layered over Default and validates it.
// Unknown keys are rejected so a misspelled threshold cannot silently fall
// back to its default.
func Parse(r io.Reader) (*Table, error) {
	var f file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}

	t := Default()
	if f.Taxonomy != nil {
		t.Taxonomy = slices.Clone(f.Taxonomy)
	}
	if f.Overrides != nil {
		t.Overrides = maps.Clone(f.Overrides)
	}
	if f.SkipInvestigation != nil {
		t.SkipInvestigation = slices.Clone(f.SkipInvestigation)
	}
	if f.FastTrack != nil {
		t.FastTrack = slices.Clone(f.FastTrack)
	}
	if f.Thresholds != nil {
		t.Thresholds = *f.Thresholds
	}
	if f.Decision != nil {
		t.Decision = *f.Decision
	}
	if f.Weights != nil {
		t.Weights = *f.Weights
	}
	if f.SuccessBonus != nil {
		t.SuccessBonus = *f.SuccessBonus
	}
	if f.IntentTools != nil {
		t.IntentTools = maps.Clone(f.IntentTools)
	}
	if f.IntentDescriptions != nil {
		t.IntentDescriptions = maps.Clone(f.IntentDescriptions)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Marshal renders t as YAML in the same shape Parse accepts.
func (t *Table) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		return nil, fmt.Errorf("encode policy: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode policy: %w", err)
	}
	return buf.Bytes(), nil
}
