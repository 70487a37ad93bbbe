package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"
)

func newPolicyCmd(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate or print the effective policy table",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check that the policy table loads and is internally consistent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tbl, err := rf.load()
			if err != nil {
				return err
			}
			source := rf.policyFile
			if source == "" {
				source = "built-in defaults"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Policy:     %s\n", source)
			fmt.Fprintf(out, "Taxonomy:   %d intents\n", len(tbl.Taxonomy))
			fmt.Fprintf(out, "Overrides:  %d\n", len(tbl.Overrides))
			fmt.Fprintf(out, "Fast track: %d\n", len(tbl.FastTrack))
			for _, intent := range slices.Sorted(maps.Keys(tbl.Overrides)) {
				fmt.Fprintf(out, "  %s -> %s\n", intent, tbl.Overrides[intent])
			}
			fmt.Fprintln(out, "OK")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective policy table as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tbl, err := rf.load()
			if err != nil {
				return err
			}
			data, err := tbl.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	return cmd
}
