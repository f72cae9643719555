package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/logger"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <company-id> <posting-id>",
	Short: "Signal that a paused posting can continue on the next run",
	Args:  cobra.ExactArgs(2),
	Run: func(_ *cobra.Command, args []string) {
		ctx := context.Background()
		a := setup(ctx)
		defer a.close()

		key := domain.Key{CompanyID: args[0], PostingID: args[1]}
		if err := a.queue.MarkResumable(ctx, key); err != nil {
			a.logger.Fatal("resuming posting", zap.Error(err))
		}

		a.logger.Info("posting will continue on the next run", logger.PostingFields(key.CompanyID, key.PostingID)...)
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
