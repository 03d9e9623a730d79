package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/agent"
)

// Build identity stamped via -ldflags. The server reports it on
// /health; the agent folds it into the inventory it publishes, so the
// dashboard can tell which binary a fleet member runs.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// binaryBuild returns the stamped identity in the shape the agent
// inventory uses.
func binaryBuild() agent.BuildInfo {
	return agent.BuildInfo{
		Version: version,
		Commit:  commit,
		BuiltAt: date,
	}
}

var (
	cfgFile  string
	logLevel string
	log      *logrus.Logger
)

func main() {
	log = logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("Failed to execute command")
	}
}

var rootCmd = &cobra.Command{
	Use:   "statix",
	Short: "Fleet telemetry platform",
	Long: `Statix is a minimal fleet-telemetry platform. A population of host
agents publish periodic metrics and system inventory over MQTT; the
server ingests the streams, persists them, and pushes a live roster
to dashboards.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}

		log.SetLevel(level)
		log.WithField("version", version).
			WithField("commit", commit).
			Debug("Build identity")

		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		b := binaryBuild()
		fmt.Printf("statix %s (commit %s, built %s)\n",
			b.Version, b.Commit, b.BuiltAt)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level",
		logrus.InfoLevel.String(), "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
}
