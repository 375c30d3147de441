// Package commands defines all Cobra CLI commands for the studiora binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/studiora/studiora-go/internal/audit"
	"github.com/studiora/studiora-go/internal/config"
	"github.com/studiora/studiora-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "studiora",
		Short: "Studiora — a study assistant grounded in your own course material",
		Long: `Studiora is a local-first study assistant for learners.

Ingest your notes, readings, and transcripts into a course scope, then ask
questions answered from that material with numbered source citations.
Questions are answered by an LLM over a Qdrant vector index; only content
ingested into the requested scope is ever used as context.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.studiora/config.yaml).
See 'studiora --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.studiora/config.yaml)")

	root.AddCommand(
		NewAskCmd(),
		NewServeCmd(),
		NewIngestCmd(),
		NewVersionCmd(),
	)

	return root
}
