package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/api"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/config"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/identity"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/ingest"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/nodeauth"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/roster"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/store"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Statix server",
	Long: `Start the Statix server: HTTP API, broker ingest pipeline, and the
live-roster WebSocket broadcaster.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	idSvc := identity.NewService(log, st, &cfg.Auth)

	// Seed reserved roles and permissions, then enforce the bootstrap
	// invariant (surfaces the bootstrap token on this log when pending).
	if err := idSvc.Seed(ctx); err != nil {
		return fmt.Errorf("seeding identity data: %w", err)
	}

	if err := idSvc.Prestart(ctx); err != nil {
		return fmt.Errorf("running identity prestart: %w", err)
	}

	nodeSvc := nodeauth.NewService(log, st, &cfg.MQTT)

	rosterSvc := roster.New(log, st, cfg.Roster.DebounceDuration())
	if err := rosterSvc.Start(ctx); err != nil {
		return fmt.Errorf("starting roster: %w", err)
	}

	ingestSvc := ingest.New(log, &cfg.MQTT, st, rosterSvc)
	if err := ingestSvc.Start(ctx); err != nil {
		return fmt.Errorf("starting ingest: %w", err)
	}

	srv := api.NewServer(log, cfg, st, idSvc, nodeSvc, rosterSvc, version)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	// Teardown order: stop accepting HTTP, revoke the broker
	// subscription, close roster sockets, then drain the store.
	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("API server stop error")
	}

	if err := ingestSvc.Stop(); err != nil {
		log.WithError(err).Warn("Ingest stop error")
	}

	if err := rosterSvc.Stop(); err != nil {
		log.WithError(err).Warn("Roster stop error")
	}

	if err := st.Stop(); err != nil {
		return fmt.Errorf("stopping store: %w", err)
	}

	return nil
}
