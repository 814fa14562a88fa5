package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metabridge-labs/metabridge/internal/cli/config"
	"github.com/metabridge-labs/metabridge/internal/exposures"
	"github.com/metabridge-labs/metabridge/internal/manifest"
)

// ExposuresOptions holds options for the exposures command.
type ExposuresOptions struct {
	source sourceOptions

	OutputPath         string
	OutputGrouping     string
	IncludeCollections []string
	ExcludeCollections []string
	AllowPersonal      bool
	ExcludeUnverified  bool
	Tags               []string
}

// NewExposuresCommand creates the exposures command.
func NewExposuresCommand() *cobra.Command {
	opts := &ExposuresOptions{}

	cmd := &cobra.Command{
		Use:   "exposures",
		Short: "Extract dbt exposures from Metabase",
		Long: `Walk Metabase collections and write the questions and dashboards that
depend on dbt models as dbt exposure YAML files.`,
		Example: `  # Write all exposures into ./models/exposures.yml
  metabridge exposures --output-path models

  # One file per collection, personal collections included
  metabridge exposures --output-grouping collection --allow-personal-collections`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExposures(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.OutputPath, "output-path", ".", "Output directory for exposure YAML files")
	cmd.Flags().StringVar(&opts.OutputGrouping, "output-grouping", "", "Group output files by 'collection' or 'type'")
	cmd.Flags().StringSliceVar(&opts.IncludeCollections, "include-collections", nil, "Only include these Metabase collections")
	cmd.Flags().StringSliceVar(&opts.ExcludeCollections, "exclude-collections", nil, "Exclude these Metabase collections")
	cmd.Flags().BoolVar(&opts.AllowPersonal, "allow-personal-collections", false, "Include personal collections")
	cmd.Flags().BoolVar(&opts.ExcludeUnverified, "exclude-unverified", false, "Exclude unverified cards")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "Tags attached to written exposures")
	opts.source.register(cmd)

	return cmd
}

func runExposures(cmd *cobra.Command, opts *ExposuresOptions) error {
	ctx := cmd.Context()
	cfg := config.GetCurrentConfig()
	logger := config.GetLogger(ctx)

	models, err := readModels(cfg, logger, opts.source.readOptions())
	if err != nil {
		return err
	}

	client, err := newClient(ctx, cfg, logger)
	if err != nil {
		return err
	}

	extracted, err := exposures.New(client, logger).Extract(ctx, models, exposures.Options{
		OutputPath:               opts.OutputPath,
		Grouping:                 opts.OutputGrouping,
		Collections:              manifest.NewFilter(opts.IncludeCollections, opts.ExcludeCollections),
		AllowPersonalCollections: opts.AllowPersonal,
		ExcludeUnverified:        opts.ExcludeUnverified,
		Tags:                     opts.Tags,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Extracted %d exposures to %s\n", len(extracted), opts.OutputPath)
	return nil
}
