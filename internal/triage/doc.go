// Package triage is the decision core of Arbiter. It defines the pipeline
// records (Incident through RCA), the deterministic gates, policy function
// and guardrail, the Engine that sequences collaborators between them, and
// the Service that owns run lifecycle, dedup and fan-out to sinks.
//
// Nothing in the gates, policy function or guardrail talks to a model; the
// router and collaborators are advisory and the guardrail re-checks every
// decision before it is assembled.
package triage
