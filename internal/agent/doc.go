// Package agent implements the model-backed collaborators of the triage
// pipeline: classifier, investigator, action executor and advisory router.
// Each runs a bounded tool-use conversation through a Provider and hands its
// final text to the parse package, so a misbehaving model degrades to the
// documented safe defaults rather than to an error.
package agent
