package main

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"
	"github.com/spf13/cobra"

	"github.com/linnemanlabs/arbiter/internal/triage"
)

type evaluateFlags struct {
	incidentID    string
	description   string
	intent        string
	confidence    float64
	evidence      float64
	retry         bool
	rootCause     string
	action        string
	actionSuccess bool
	full          bool
}

// evaluateResult is the compact view printed unless --full is set.
type evaluateResult struct {
	Intent     string                   `json:"intent"`
	Plan       triage.Plan              `json:"plan"`
	Gates      []triage.GateResult      `json:"gates"`
	Decision   triage.PolicyDecision    `json:"decision"`
	Guardrails []triage.GuardrailRecord `json:"guardrails"`
	Status     triage.RCAStatus         `json:"status"`
}

func newEvaluateCmd(rf *rootFlags) *cobra.Command {
	var ef evaluateFlags
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run the decision pipeline on supplied scores instead of model output",
		Long: "evaluate feeds fixed classifier, investigator and executor results through\n" +
			"routing, both gates, policy scoring and the guardrail, and prints the outcome.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tbl, err := rf.load()
			if err != nil {
				return err
			}
			engine := triage.NewEngine(tbl, fixedCollaborators(ef), log.Nop(), triage.EngineHooks{})
			rca, err := engine.Run(cmd.Context(), triage.Incident{
				ID:               ef.incidentID,
				ShortDescription: ef.description,
			})
			if err != nil {
				return fmt.Errorf("evaluate: %w", err)
			}
			if ef.full {
				return writeJSON(cmd.OutOrStdout(), rca)
			}
			return writeJSON(cmd.OutOrStdout(), evaluateResult{
				Intent:     rca.Classification.Intent,
				Plan:       rca.Plan,
				Gates:      rca.Gates,
				Decision:   rca.Decision,
				Guardrails: rca.Guardrails,
				Status:     rca.Status,
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&ef.incidentID, "id", "INC-LOCAL", "incident id recorded on the RCA")
	f.StringVar(&ef.description, "description", "offline evaluation", "incident short description")
	f.StringVar(&ef.intent, "intent", "", "classified intent (required)")
	f.Float64Var(&ef.confidence, "confidence", 0, "classification confidence (0..1)")
	f.Float64Var(&ef.evidence, "evidence", 0, "investigation evidence score (0..1)")
	f.BoolVar(&ef.retry, "retry", false, "investigator recommends a retry")
	f.StringVar(&ef.rootCause, "root-cause", "supplied on the command line", "investigation root cause")
	f.StringVar(&ef.action, "action", triage.ActionNone, "remediation the executor reports, if gate A allows one")
	f.BoolVar(&ef.actionSuccess, "action-success", false, "the remediation succeeded")
	f.BoolVar(&ef.full, "full", false, "print the full RCA record")
	_ = cmd.MarkFlagRequired("intent")

	return cmd
}

// fixedCollaborators returns collaborators that answer with the flag values.
// Routing is left to the rule router.
func fixedCollaborators(ef evaluateFlags) triage.Collaborators {
	return triage.Collaborators{
		Classifier: triage.ClassifierFunc(func(context.Context, triage.Incident) (triage.Classification, error) {
			return triage.Classification{
				Intent:     ef.intent,
				Confidence: ef.confidence,
				Reasoning:  "supplied on the command line",
			}, nil
		}),
		Investigator: triage.InvestigatorFunc(func(context.Context, triage.Classification, triage.Incident) (triage.Investigation, error) {
			action := triage.ActionNone
			if ef.retry {
				action = "retry"
			}
			return triage.Investigation{
				Findings:          []triage.Finding{},
				RootCause:         ef.rootCause,
				EvidenceScore:     ef.evidence,
				RetryRecommended:  ef.retry,
				RecommendedAction: action,
			}, nil
		}),
		Executor: triage.ActionExecutorFunc(func(context.Context, triage.Investigation, triage.Incident) (triage.ActionResult, error) {
			if ef.action == "" || ef.action == triage.ActionNone {
				return triage.NoAction(), nil
			}
			return triage.ActionResult{Action: ef.action, Success: ef.actionSuccess}, nil
		}),
	}
}
