package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/arbiter/internal/parse"
	"github.com/linnemanlabs/arbiter/internal/policy"
	"github.com/linnemanlabs/arbiter/internal/tools"
	"github.com/linnemanlabs/arbiter/internal/triage"
)

// permanentFailureIndicators in a root cause mean a retry cannot help.
var permanentFailureIndicators = []string{
	"permission denied",
	"access denied",
	"authorization",
	"syntax error",
	"compilation error",
	"code bug",
	"schema mismatch",
	"invalid configuration",
}

// Classifier classifies incidents with a single tool-less model turn.
type Classifier struct {
	runner *Runner
	policy *policy.Table
	logger log.Logger
}

// NewClassifier creates an LLM-backed triage.Classifier.
func NewClassifier(r *Runner, tbl *policy.Table, logger log.Logger) *Classifier {
	return &Classifier{runner: r, policy: tbl, logger: logger}
}

// Classify implements triage.Classifier. A response that fails validation
// yields the low-confidence unknown classification, not an error.
func (c *Classifier) Classify(ctx context.Context, inc triage.Incident) (triage.Classification, error) {
	tr, err := c.runner.Run(ctx, classifierSystemPrompt(c.policy), classifierPrompt(inc), nil)
	if err != nil {
		return triage.Classification{}, fmt.Errorf("classify: %w", err)
	}
	cls := parse.SafeClassification(tr.Text)
	if cls.ValidationError != "" {
		c.logger.Warn(ctx, "classification failed validation", "incident_id", inc.ID, "error", cls.ValidationError)
	}
	return cls, nil
}

// Investigator gathers evidence with the diagnostic tool registry.
type Investigator struct {
	runner *Runner
	policy *policy.Table
	tools  *tools.Registry
	logger log.Logger
}

// NewInvestigator creates an LLM-backed triage.Investigator.
func NewInvestigator(r *Runner, tbl *policy.Table, diagnostic *tools.Registry, logger log.Logger) *Investigator {
	return &Investigator{runner: r, policy: tbl, tools: diagnostic, logger: logger}
}

// Investigate implements triage.Investigator. Tool calls the model made but
// did not report are added as findings so the evidence trail is complete.
func (v *Investigator) Investigate(ctx context.Context, c triage.Classification, inc triage.Incident) (triage.Investigation, error) {
	tr, err := v.runner.Run(ctx, investigatorSystemPrompt, investigatorPrompt(v.policy, c, inc), v.tools)
	if err != nil {
		return triage.Investigation{}, fmt.Errorf("investigate: %w", err)
	}

	inv := parse.SafeInvestigation(tr.Text)
	if inv.ValidationError != "" {
		v.logger.Warn(ctx, "investigation failed validation", "incident_id", inc.ID, "error", inv.ValidationError)
	}
	if len(inv.Findings) == 0 {
		inv.Findings = findingsFromCalls(tr.ToolCalls)
	}
	return inv, nil
}

func findingsFromCalls(calls []ToolCall) []triage.Finding {
	out := make([]triage.Finding, 0, len(calls))
	for _, call := range calls {
		f := triage.Finding{Tool: call.Name, Summary: "tool call recorded without model summary"}
		if call.IsError {
			f.Summary = "tool call failed"
		} else if json.Valid(call.Output) {
			f.Result = call.Output
		}
		out = append(out, f)
	}
	return out
}

// Executor runs remediation with the remediation tool registry.
type Executor struct {
	runner *Runner
	tools  *tools.Registry
	logger log.Logger
}

// NewExecutor creates an LLM-backed triage.ActionExecutor.
func NewExecutor(r *Runner, remediation *tools.Registry, logger log.Logger) *Executor {
	return &Executor{runner: r, tools: remediation, logger: logger}
}

// Execute implements triage.ActionExecutor. It returns without a model call
// when the investigation does not recommend a retry or the root cause names
// a permanent failure.
func (x *Executor) Execute(ctx context.Context, inv triage.Investigation, inc triage.Incident) (triage.ActionResult, error) {
	if !inv.RetryRecommended {
		return triage.ActionResult{
			Action:  triage.ActionNone,
			Success: true,
			Details: map[string]any{"reason": "No action recommended"},
		}, nil
	}
	if indicator, ok := permanentFailure(inv.RootCause); ok {
		x.logger.Info(ctx, "permanent failure detected, skipping remediation",
			"incident_id", inc.ID,
			"indicator", indicator,
		)
		return triage.ActionResult{
			Action:  triage.ActionNone,
			Success: true,
			Details: map[string]any{
				"reason":     "Permanent failure detected, action would not help",
				"root_cause": inv.RootCause,
			},
		}, nil
	}
	if x.tools.Len() == 0 {
		return triage.ActionResult{
			Action:  triage.ActionNone,
			Success: false,
			Error:   "no remediation tools configured",
		}, nil
	}

	tr, err := x.runner.Run(ctx, executorSystemPrompt, executorPrompt(inv, inc), x.tools)
	if err != nil {
		return triage.ActionResult{}, fmt.Errorf("execute: %w", err)
	}
	act := parse.SafeAction(tr.Text)
	if act.Action == parse.ActionValidationFailed {
		x.logger.Warn(ctx, "action result failed validation", "incident_id", inc.ID, "error", act.Error)
	}
	return act, nil
}

func permanentFailure(rootCause string) (string, bool) {
	lc := strings.ToLower(rootCause)
	for _, ind := range permanentFailureIndicators {
		if strings.Contains(lc, ind) {
			return ind, true
		}
	}
	return "", false
}

// Router asks the model which optional stages to run. The engine treats the
// answer as advice and can only drop stages on its word.
type Router struct {
	runner *Runner
}

// NewRouter creates an LLM-backed triage.Router.
func NewRouter(r *Runner) *Router {
	return &Router{runner: r}
}

type planResponse struct {
	Investigate *bool  `json:"investigate"`
	Remediate   *bool  `json:"remediate"`
	Rationale   string `json:"rationale"`
}

// Plan implements triage.Router. An unparseable answer is an error so the
// engine falls back to the rule router.
func (rt *Router) Plan(ctx context.Context, inc triage.Incident, c triage.Classification) (triage.Plan, error) {
	tr, err := rt.runner.Run(ctx, routerSystemPrompt, routerPrompt(inc, c), nil)
	if err != nil {
		return triage.Plan{}, fmt.Errorf("route: %w", err)
	}
	raw, err := parse.Extract(tr.Text)
	if err != nil {
		return triage.Plan{}, fmt.Errorf("route: %w", err)
	}
	var pr planResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return triage.Plan{}, fmt.Errorf("route: %w: %v", parse.ErrSchema, err)
	}
	if pr.Investigate == nil || pr.Remediate == nil {
		return triage.Plan{}, fmt.Errorf("route: %w: investigate and remediate are required", parse.ErrSchema)
	}
	return triage.Plan{
		Investigate: *pr.Investigate,
		Remediate:   *pr.Remediate,
		Rationale:   pr.Rationale,
		Source:      "llm",
	}, nil
}
