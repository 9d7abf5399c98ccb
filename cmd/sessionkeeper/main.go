package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"sessionkeeper/internal/config"
	"sessionkeeper/internal/logging"
)

type rootOptions struct {
	configFile string
	envFile    string
	verbose    bool
	jsonOutput bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "sessionkeeper",
		Short:        "Connectivity monitor and session continuity agent for the storefront shell",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "config.yaml", "path to configuration file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional dotenv file with SESSIONKEEPER_* overrides")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "log and print in JSON")

	cmd.AddCommand(
		newServeCommand(opts),
		newProbeCommand(opts),
		newSnapshotCommand(opts),
	)
	return cmd
}

// load reads the dotenv file, the YAML config and environment overrides, and
// configures logging accordingly.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return config.Config{}, err
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	if o.jsonOutput {
		cfg.Logging.Format = "json"
	}
	logging.Configure(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}, cmd.ErrOrStderr())
	return cfg, nil
}
