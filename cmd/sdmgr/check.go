package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var errChecksFailed = errors.New("one or more checks failed")

var checkCmd = &cobra.Command{
	Use:   "check DOMAIN",
	Short: "Reconcile one domain and print the report",
	Long: `Start the provider agents, run every check for DOMAIN (or only the one
named by --only) and print the results as JSON. The exit status is
non-zero when any check fails.

Checks: ns_records, a_records, waf, ssl, google_site_verification.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one sweep over every active domain",
	RunE:  runSweep,
}

func init() {
	checkCmd.Flags().String("only", "", "Run a single named check")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCheck(cmd *cobra.Command, args []string) error {
	only, _ := cmd.Flags().GetString("only")

	m, err := openManager(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer m.Shutdown()

	domain, err := m.Store().GetDomainByName(args[0])
	if err != nil {
		return err
	}

	if only != "" {
		result, err := m.RunCheck(cmd.Context(), domain.ID, only)
		if err != nil {
			return err
		}
		if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		if !result.Success {
			return errChecksFailed
		}
		return nil
	}

	report, err := m.CheckDomain(cmd.Context(), domain.ID)
	if err != nil {
		return err
	}
	if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if !report.Success() {
		return errChecksFailed
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	m, err := openManager(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer m.Shutdown()

	n, err := m.RunSweep(cmd.Context())
	if err != nil {
		return err
	}

	var failed []string
	checks, err := m.Ledger().List("")
	if err != nil {
		return err
	}
	for _, c := range checks {
		if !c.Success {
			failed = append(failed, c.CheckID)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Swept %d domains, %d failing checks\n", n, len(failed))
	for _, id := range failed {
		fmt.Fprintf(cmd.OutOrStdout(), "  ✗ %s\n", id)
	}
	return nil
}
