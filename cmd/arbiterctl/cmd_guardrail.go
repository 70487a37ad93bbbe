package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/arbiter/internal/triage"
)

// errGuardrailChanged is returned by --check when the stored decision would
// not survive the current policy.
var errGuardrailChanged = errors.New("guardrail changed the stored decision")

func newGuardrailCmd(rf *rootFlags) *cobra.Command {
	var (
		file  string
		check bool
	)
	cmd := &cobra.Command{
		Use:   "guardrail",
		Short: "Re-apply the guardrail to a stored RCA under the current policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tbl, err := rf.load()
			if err != nil {
				return err
			}
			rca, err := readRCA(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			before := rca.Decision.Outcome
			added := len(rca.Guardrails)
			out := triage.ApplyGuardrails(tbl, rca, rca.Incident)
			added = len(out.Guardrails) - added

			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if check && added > 0 {
				return fmt.Errorf("%w: %s -> %s (%d correction(s))", errGuardrailChanged, before, out.Decision.Outcome, added)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "RCA JSON file, - for stdin (required)")
	f.BoolVar(&check, "check", false, "exit non-zero if the guardrail corrects the decision")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func readRCA(stdin io.Reader, path string) (triage.RCA, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path) //nolint:gosec // operator-supplied path
	}
	if err != nil {
		return triage.RCA{}, fmt.Errorf("read rca: %w", err)
	}
	var rca triage.RCA
	if err := json.Unmarshal(data, &rca); err != nil {
		return triage.RCA{}, fmt.Errorf("parse rca: %w", err)
	}
	return rca, nil
}
