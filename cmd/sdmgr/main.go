package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/sdmgr/pkg/config"
	"github.com/cuemby/sdmgr/pkg/log"
	"github.com/cuemby/sdmgr/pkg/manager"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	v   = config.New()
	cfg *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sdmgr",
	Short: "sdmgr - keeps domains consistent across registrars, DNS, hosting and WAF",
	Long: `sdmgr reconciles every managed domain with the providers that serve it.

For each domain it checks that the registrar delegates to the DNS provider,
that A records point at the hosting or WAF addresses, that the WAF and
hosting aliases agree, that certificates cover every alias and that the
Google Site Verification token is published. Drift is corrected where the
provider allows it and every outcome is recorded.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sdmgr version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (YAML, TOML or JSON)")
	flags.String("data-dir", "./sdmgr-data", "Data directory for the store")
	flags.String("storage-driver", "bolt", "Storage backend (bolt or sqlite)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Log as JSON")

	_ = v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("storage.driver", flags.Lookup("storage-driver"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.json", flags.Lookup("log-json"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(sweepCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("config")

	c, err := config.Load(v, file)
	if err != nil {
		return err
	}
	cfg = c

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return nil
}

// openManager opens the store and, when withAgents is set, starts an agent
// for every active provider
func openManager(ctx context.Context, withAgents bool) (*manager.Manager, error) {
	m, err := manager.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	m.Health().SetVersion(Version)

	if withAgents {
		if err := m.Start(ctx); err != nil {
			_ = m.Shutdown()
			return nil, err
		}
	}
	return m, nil
}
