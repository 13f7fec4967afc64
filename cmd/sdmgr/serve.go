package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/sdmgr/pkg/api"
	"github.com/cuemby/sdmgr/pkg/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sweep loop and the REST API",
	Long: `Start an agent for every active provider, the periodic sweep over all
active domains, the metrics collector and the HTTP API.

The sweep loop is disabled when sweep_interval is 0; domains can still be
reconciled on demand through the API.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen-addr", "127.0.0.1:8080", "Address for the HTTP API")
	serveCmd.Flags().Duration("sweep-interval", 0, "Time between sweeps (0 disables the loop)")
	serveCmd.Flags().StringSlice("api-token", nil, "Bearer token accepted by the API (repeatable)")

	_ = v.BindPFlag("listen_addr", serveCmd.Flags().Lookup("listen-addr"))
	_ = v.BindPFlag("sweep_interval", serveCmd.Flags().Lookup("sweep-interval"))
	_ = v.BindPFlag("api.tokens", serveCmd.Flags().Lookup("api-token"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("serve")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := openManager(ctx, true)
	if err != nil {
		return err
	}
	m.Run()

	if !m.Tokens().Enabled() {
		logger.Warn().Msg("no API tokens configured, every /api request will be rejected")
	}

	server := api.NewServer(m)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	logger.Info().
		Str("version", Version).
		Str("listen_addr", cfg.ListenAddr).
		Dur("sweep_interval", cfg.SweepInterval).
		Msg("sdmgr running")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("signal received")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("API server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown incomplete")
	}
	if err := m.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}

	logger.Info().Msg("shutdown complete")
	return runErr
}
