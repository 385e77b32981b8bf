package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dshills/kbsearch-mcp/internal/config"
	"github.com/dshills/kbsearch-mcp/internal/logging"
)

// NewRootCmd creates the root kbsearch command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kbsearch",
		Short:         "Hybrid semantic and keyword search over a document knowledge base",
		Long:          "kbsearch indexes plain-text documents and answers hybrid searches, standalone or as an MCP server over stdio.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file (YAML, JSON or TOML)")
	root.PersistentFlags().String("log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(),
		newSearchCmd(),
		newIngestCmd(),
		newEmbedCmd(),
		newVersionCmd(),
	)

	return root
}

// loadConfig reads the config named by --config, applies flag overrides
// and builds the stderr logger.
func loadConfig(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}

	return cfg, logging.New(cfg.Log.Level, cfg.Log.Format), nil
}
