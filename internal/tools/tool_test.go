package tools

import (
	"context"
	"encoding/json"
	"testing"
)

type stubTool struct {
	name string
	desc string
}

func (s *stubTool) Name() string                { return s.name }
func (s *stubTool) Description() string         { return s.desc }
func (s *stubTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (s *stubTool) Execute(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`"ok"`), nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(&stubTool{name: "my_tool", desc: "does stuff"})

	tool, ok := r.Get("my_tool")
	if !ok {
		t.Fatal("expected tool to be found")
	}
	if tool.Name() != "my_tool" {
		t.Errorf("Name() = %q, want %q", tool.Name(), "my_tool")
	}
}

func TestRegistry_GetMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, ok := r.Get("nonexistent")
	if ok {
		t.Fatal("expected ok=false for missing tool")
	}
}

func TestRegistry_ToToolDefsSorted(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(&stubTool{name: "query_prometheus", desc: "metrics"})
	r.Register(&stubTool{name: "get_glue_logs", desc: "glue"})
	r.Register(&stubTool{name: "query_loki", desc: "logs"})

	defs := r.ToToolDefs()
	want := []string{"get_glue_logs", "query_loki", "query_prometheus"}
	if len(defs) != len(want) {
		t.Fatalf("len(defs) = %d, want %d", len(defs), len(want))
	}
	for i, d := range defs {
		if d.Name != want[i] {
			t.Errorf("defs[%d].Name = %q, want %q", i, d.Name, want[i])
		}
		if len(d.InputSchema) == 0 {
			t.Errorf("tool %q has empty InputSchema", d.Name)
		}
	}
	if defs[0].Description != "glue" {
		t.Errorf("description = %q, want %q", defs[0].Description, "glue")
	}
}

func TestRegistry_Split(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, name := range []string{"get_emr_logs", "verify_source_data", "retry_emr", "retry_glue_job"} {
		r.Register(&stubTool{name: name})
	}

	diag, rem := r.Split()
	if got := diag.Names(); len(got) != 2 || got[0] != "get_emr_logs" || got[1] != "verify_source_data" {
		t.Errorf("diagnostic = %v", got)
	}
	if got := rem.Names(); len(got) != 2 || got[0] != "retry_emr" || got[1] != "retry_glue_job" {
		t.Errorf("remediation = %v", got)
	}
	if r.Len() != 4 {
		t.Errorf("Split modified the source registry: Len = %d", r.Len())
	}
}

func TestRegistry_Nil(t *testing.T) {
	t.Parallel()

	var r *Registry
	if r.Len() != 0 || r.Names() != nil || len(r.ToToolDefs()) != 0 {
		t.Error("nil registry should behave as empty")
	}
	if _, ok := r.Get("x"); ok {
		t.Error("nil registry Get returned ok")
	}
	if r.Filter(func(Tool) bool { return true }).Len() != 0 {
		t.Error("Filter on nil registry should be empty")
	}
}

func TestRegistry_RegisterOverwrites(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(&stubTool{name: "dup", desc: "first"})
	r.Register(&stubTool{name: "dup", desc: "second"})

	tool, ok := r.Get("dup")
	if !ok {
		t.Fatal("expected tool to be found")
	}
	if tool.Description() != "second" {
		t.Errorf("Description() = %q, want %q (should be overwritten)", tool.Description(), "second")
	}

	defs := r.ToToolDefs()
	if len(defs) != 1 {
		t.Errorf("len(defs) = %d, want 1 after overwrite", len(defs))
	}
}
