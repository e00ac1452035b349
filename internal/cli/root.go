// Package cli implements the spawner command-line driver.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/spawner/orchestrator/internal/config"
	"github.com/spawner/orchestrator/internal/logging"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand creates the root spawner command.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "spawner",
		Short: "Skill orchestration driver",
		Long: `Spawner drives skill workflows and teams: it validates catalogs,
runs workflows step by step, serves a session over HTTP, inspects persisted
state and renders the [SPAWNER_EVENT] stream emitted along the way.`,
		Version:      Version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the YAML config (default $"+config.EnvPath+")")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log_level from the config")

	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newWorkflowsCommand(opts))
	cmd.AddCommand(newTeamsCommand(opts))
	cmd.AddCommand(newMatchCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newStateCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newEventsCommand())

	return cmd
}

// load reads the configuration and installs the logger.
func (o *rootOptions) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.Load(o.configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}
