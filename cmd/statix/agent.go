package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/agent"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/config"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Start the Statix host agent",
	Long: `Start the per-host agent. Identity comes from the environment
(STATIX_NODE_ID, STATIX_NODE_TOKEN, STATIX_API_URL), optionally seeded
from a .env file in the working directory.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAgent()
	if err != nil {
		return fmt.Errorf("loading agent config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Shutting down agent")
		cancel()
	}()

	if err := agent.New(log, cfg, binaryBuild()).Run(ctx); err != nil &&
		err != context.Canceled {
		return fmt.Errorf("running agent: %w", err)
	}

	return nil
}
