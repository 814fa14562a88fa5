package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/metabridge-labs/metabridge/internal/cli/config"
	"github.com/metabridge-labs/metabridge/internal/export"
)

// ExportOptions holds options for the export command.
type ExportOptions struct {
	source sourceOptions

	Database    string
	SyncTimeout time.Duration
	AppendTags  bool
	DocsURL     string
}

// NewExportCommand creates the export command.
func NewExportCommand() *cobra.Command {
	opts := &ExportOptions{}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export dbt model metadata to Metabase",
		Long: `Reconcile dbt model and column documentation against the Metabase
data model. Only attributes that differ are written; a rerun without source
changes performs no updates.`,
		Example: `  # Export all models to the "warehouse" Metabase database
  metabridge export --database warehouse

  # Restrict to one schema and link back to hosted dbt docs
  metabridge export --database warehouse --include-schemas analytics \
    --docs-url https://dbt.example.com

  # Trust the existing Metabase schema and skip re-synchronization
  metabridge export --database warehouse --sync-timeout 0`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "database", "", "Target Metabase database name (required)")
	cmd.Flags().DurationVar(&opts.SyncTimeout, "sync-timeout", export.DefaultSyncTimeout, "Wait for Metabase schema sync, 0 to skip")
	cmd.Flags().BoolVar(&opts.AppendTags, "append-tags", false, "Append dbt tags to table descriptions")
	cmd.Flags().StringVar(&opts.DocsURL, "docs-url", "", "URL for hosted dbt docs, linked from table descriptions")
	opts.source.register(cmd)

	_ = cmd.MarkFlagRequired("database")

	return cmd
}

func runExport(cmd *cobra.Command, opts *ExportOptions) error {
	ctx := cmd.Context()
	cfg := config.GetCurrentConfig()
	logger := config.GetLogger(ctx)

	models, err := readModels(cfg, logger, opts.source.readOptions())
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return fmt.Errorf("no dbt models matched the selection")
	}

	client, err := newClient(ctx, cfg, logger)
	if err != nil {
		return err
	}

	summary, err := export.New(client, logger).Export(ctx, models, export.Options{
		Database:    opts.Database,
		SyncTimeout: opts.SyncTimeout,
		AppendTags:  opts.AppendTags,
		DocsURL:     opts.DocsURL,
	})
	if err != nil {
		return err
	}

	summary.Render(cmd.OutOrStdout())
	if summary.Skipped() > 0 {
		return fmt.Errorf("%d entities could not be exported", summary.Skipped())
	}
	return nil
}
