// Package commands implements the metabridge subcommands.
package commands

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/metabridge-labs/metabridge/internal/cli/config"
	"github.com/metabridge-labs/metabridge/internal/manifest"
	"github.com/metabridge-labs/metabridge/internal/metabase"
)

// sourceOptions selects which dbt models a command operates on.
type sourceOptions struct {
	includeDatabases []string
	excludeDatabases []string
	includeSchemas   []string
	excludeSchemas   []string
	includeModels    []string
	excludeModels    []string
	includeTags      []string
	excludeTags      []string
	skipSources      bool
}

func (o *sourceOptions) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringSliceVar(&o.includeDatabases, "include-databases", nil, "Only include dbt models with these databases")
	flags.StringSliceVar(&o.excludeDatabases, "exclude-databases", nil, "Exclude dbt models with these databases")
	flags.StringSliceVar(&o.includeSchemas, "include-schemas", nil, "Only include dbt models with these schemas")
	flags.StringSliceVar(&o.excludeSchemas, "exclude-schemas", nil, "Exclude dbt models with these schemas")
	flags.StringSliceVar(&o.includeModels, "include-models", nil, "Only include dbt models with these names")
	flags.StringSliceVar(&o.excludeModels, "exclude-models", nil, "Exclude dbt models with these names")
	flags.StringSliceVar(&o.includeTags, "include-tags", nil, "Only include dbt models with these tags")
	flags.StringSliceVar(&o.excludeTags, "exclude-tags", nil, "Exclude dbt models with these tags")
	flags.BoolVar(&o.skipSources, "skip-sources", false, "Skip dbt sources")
}

func (o *sourceOptions) readOptions() manifest.ReadOptions {
	return manifest.ReadOptions{
		Database:    manifest.NewFilter(o.includeDatabases, o.excludeDatabases),
		Schema:      manifest.NewFilter(o.includeSchemas, o.excludeSchemas),
		Model:       manifest.NewFilter(o.includeModels, o.excludeModels),
		Tag:         manifest.NewFilter(o.includeTags, o.excludeTags),
		SkipSources: o.skipSources,
	}
}

// readModels loads the selected dbt models, preferring direct project parsing
// when a project directory is configured.
func readModels(cfg *config.Config, logger *slog.Logger, opts manifest.ReadOptions) ([]*manifest.Model, error) {
	if cfg.ProjectDir != "" {
		models, _, err := manifest.NewFolderReader(cfg.ProjectDir, cfg.DBTDatabase, cfg.DBTSchema, logger).Read(opts)
		return models, err
	}
	return manifest.NewReader(cfg.Manifest, logger).Read(opts)
}

// newClient validates connection settings and authenticates against Metabase.
func newClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*metabase.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return metabase.NewClient(ctx, metabase.Config{
		URL:        cfg.Metabase.URL,
		Username:   cfg.Metabase.Username,
		Password:   cfg.Metabase.Password,
		SessionID:  cfg.Metabase.SessionID,
		APIKey:     cfg.Metabase.APIKey,
		Timeout:    cfg.Metabase.Timeout,
		SkipVerify: cfg.Metabase.SkipVerify,
	}, logger)
}
