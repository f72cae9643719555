package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/feed"
	"github.com/spigell/job-autopilot/internal/filtering"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <feed.json>...",
	Short: "Add postings from discovery feeds (JSON array or JSON lines) to the queue",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := setup(ctx)
		defer a.close()

		filters := filtering.Default(a.config.Filters)
		if cmd.Flag("no-filters").Value.String() == "true" {
			for _, f := range filters {
				f.Disable("disabled via flag")
			}
		}
		disabled, _ := cmd.Flags().GetStringSlice("disable-filter")
		for _, name := range disabled {
			filtering.DisableByName(filters, name, "disabled via flag")
		}
		for _, s := range filtering.Describe(filters) {
			a.logger.Debug("filter", zap.String("name", s.Name), zap.Bool("enabled", s.Enabled), zap.Any("details", s.Details))
		}

		imp := feed.NewImporter(a.queue, filtering.Deps{Ledger: a.ledger}, filters, a.logger)
		for _, path := range args {
			if _, err := imp.ImportFile(ctx, path); err != nil {
				a.logger.Fatal("importing feed", zap.String("path", path), zap.Error(err))
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().Bool("no-filters", false, "enqueue every valid posting, ignoring the filters section")
	enqueueCmd.Flags().StringSlice("disable-filter", nil, "disable a filter by name (decided, companies, titles, exclude_file)")
}
