// Package cli wires the metabridge command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/metabridge-labs/metabridge/internal/cli/commands"
	"github.com/metabridge-labs/metabridge/internal/cli/config"
)

// Build-time version metadata, overridden via -ldflags.
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

var (
	cfgFile string
	cfg     *config.Config
)

// configKey stores the loaded configuration in the command context.
type configKey struct{}

// NewRootCmd builds the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "metabridge",
		Short: "metabridge - dbt to Metabase metadata bridge",
		Long: `metabridge propagates dbt model documentation into Metabase and
extracts Metabase questions and dashboards back as dbt exposures.

Models are read from a dbt manifest or parsed directly from a dbt project,
then reconciled against the Metabase data model with minimal updates.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch cmd.Name() {
			case "help", "completion", "__complete":
				return nil
			}

			var err error
			cfg, err = config.LoadConfig(cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}

			logger := newLogger(cmd.ErrOrStderr(), cfg.Verbose)
			ctx := context.WithValue(cmd.Context(), configKey{}, cfg)
			cmd.SetContext(context.WithValue(ctx, config.LoggerKey(), logger))

			if cfg.Verbose {
				if configFile := config.GetConfigFileUsed(); configFile != "" {
					fmt.Fprintf(os.Stderr, "Using config file: %s\n", configFile)
				}
			}
			return nil
		},
	}

	rootCmd.SetVersionTemplate(`{{.Name}} {{.Version}}
`)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./metabridge.yaml)")
	flags.String("manifest", "", "Path to dbt manifest.json (default: target/manifest.json)")
	flags.String("project-dir", "", "Path to dbt project root, parsed directly instead of a manifest")
	flags.String("dbt-database", "", "Database for models parsed from a project directory")
	flags.String("dbt-schema", "", "Schema for models parsed from a project directory")
	flags.String("metabase-url", "", "Metabase URL, e.g. https://metabase.example.com")
	flags.String("metabase-username", "", "Metabase username")
	flags.String("metabase-password", "", "Metabase password")
	flags.String("metabase-session-id", "", "Metabase session ID")
	flags.String("metabase-api-key", "", "Metabase API key")
	flags.Duration("metabase-timeout", config.DefaultTimeout, "Metabase API request timeout")
	flags.Bool("metabase-skip-verify", false, "Skip TLS certificate verification")
	flags.BoolP("verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(
		commands.NewVersionCommand(Version),
		commands.NewExportCommand(),
		commands.NewExposuresCommand(),
	)

	return rootCmd
}

// Execute runs the root command and reports its error on stderr.
func Execute() error {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// GetConfig retrieves the configuration from the command context, with a
// default-populated fallback for callers outside a command run.
func GetConfig(ctx context.Context) *config.Config {
	if c, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return c
	}
	return &config.Config{Manifest: config.DefaultManifest}
}

// newLogger builds the CLI logger. Verbose mode lowers the level to debug.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
