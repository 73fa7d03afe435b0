package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"engage/offline/internal/app"
	"engage/offline/internal/logging"
	"engage/offline/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync agent and its local gateway",
	Long: `Starts the connectivity monitor, the sync queue drain loop and the
local HTTP gateway under one supervisor. Stops on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openAgent(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logging.Error().Err(err).Msg("close store")
		}
	}()

	service := app.NewService(cfg, a.store, a.queue, a.client)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	tree := supervisor.NewTree(supervisor.TreeConfig{ShutdownTimeout: cfg.ShutdownTimeout})
	tree.AddDataService(a.queue)
	if a.monitor != nil {
		tree.AddNetworkService(a.monitor)
	}
	tree.AddAPIService(supervisor.NewHTTPService(server, cfg.ShutdownTimeout))

	logging.Info().
		Str("addr", cfg.Addr).
		Str("remote", cfg.Remote.BaseURL).
		Str("store", cfg.Store.Backend).
		Str("network", cfg.Network.Mode).
		Msg("engage-sync starting")

	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		logging.Warn().Int("services", len(report)).Msg("services did not stop in time")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("engage-sync stopped")
	return nil
}
