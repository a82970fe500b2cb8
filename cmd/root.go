// Package cmd defines the CLI commands for the pagecapture executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pagecapture/internal/config"
)

var cfgFile string

// configKeyType is the key for storing the loaded config in the context.
type configKeyType string

const configKey configKeyType = "config"

// loadConfig is a variable so tests can inject a config without a file.
var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pagecapture",
		Short: "Captures web pages as PDF documents.",
		Long: `pagecapture accepts capture jobs over HTTP, runs each URL through an
ordered chain of strategies (headless browser, plain HTTP fetch, metadata
summary, placeholder) and holds the resulting PDF until it is downloaded.`,
		SilenceUsage: true,

		// Runs before every subcommand so each one sees a validated config.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRenderCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "pagecapture: %v\n", err)
		os.Exit(1)
	}
}
