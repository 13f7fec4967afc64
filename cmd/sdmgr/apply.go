package main

import (
	"fmt"

	"github.com/cuemby/sdmgr/pkg/inventory"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply an inventory file",
	Long: `Load providers, settings, sites and domains from a YAML inventory into
the store. Records are matched by label (providers, sites) or name
(domains) and created or updated; applying the same file twice changes
nothing.

Examples:
  # Load an inventory
  sdmgr apply -f inventory.yaml

  # Only check that the file is valid
  sdmgr apply -f inventory.yaml --validate`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML inventory to apply (required)")
	applyCmd.Flags().Bool("validate", false, "Validate the file without writing to the store")
	_ = applyCmd.MarkFlagRequired("file")
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	validateOnly, _ := cmd.Flags().GetBool("validate")

	inv, err := inventory.ParseFile(filename)
	if err != nil {
		return err
	}
	if validateOnly {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d providers, %d sites, %d domains\n",
			filename, len(inv.Providers), len(inv.Sites), len(inv.Domains))
		return nil
	}

	m, err := openManager(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer m.Shutdown()

	res, err := inventory.Apply(m.Store(), inv)
	if err != nil {
		return fmt.Errorf("failed to apply %s: %w", filename, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Applied %s: %s\n", filename, res)
	return nil
}
