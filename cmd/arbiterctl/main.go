// arbiterctl inspects policy tables and replays the deterministic half of
// the triage pipeline offline.
//
// Usage:
//
//	arbiterctl policy validate [--policy=<file>]
//	arbiterctl policy show [--policy=<file>]
//	arbiterctl evaluate --intent=<intent> --confidence=<0..1> [--evidence=<0..1>] [--action=<name> --action-success]
//	arbiterctl guardrail -f <rca.json> [--check]
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	v "github.com/linnemanlabs/go-core/version"
	"github.com/spf13/cobra"

	"github.com/linnemanlabs/arbiter/internal/policy"
)

const appName = "arbiterctl"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootFlags are shared by every subcommand.
type rootFlags struct {
	policyFile string
}

func newRootCmd() *cobra.Command {
	v.AppName = appName
	v.Component = "cli"

	var rf rootFlags
	root := &cobra.Command{
		Use:           appName,
		Short:         "Inspect arbiter policy tables and replay triage decisions",
		Version:       v.Get().Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	root.PersistentFlags().StringVar(&rf.policyFile, "policy", os.Getenv("ARBITER_POLICY_FILE"),
		"YAML policy table layered over the built-in defaults (env ARBITER_POLICY_FILE)")

	root.AddCommand(newPolicyCmd(&rf))
	root.AddCommand(newEvaluateCmd(&rf))
	root.AddCommand(newGuardrailCmd(&rf))
	return root
}

func (rf *rootFlags) load() (*policy.Table, error) {
	tbl, err := policy.Load(rf.policyFile)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return tbl, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
