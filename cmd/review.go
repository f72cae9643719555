package cmd

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/filtering"
	"github.com/spigell/job-autopilot/internal/logger"
)

const (
	PromptApprove = "Approve: fill the form on the next run"
	PromptSkip    = "Skip: never apply"
	PromptExclude = "Skip and append to the exclude file"
	PromptBack    = "back"
	PromptDone    = "done"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Go through postings whose fit score was ambiguous",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := context.Background()
		a := setup(ctx)
		defer a.close()

		if cmd.Flag("expire").Value.String() == "true" {
			expired, err := a.ledger.ExpireReviews(ctx, a.config.Review.TTL)
			if err != nil {
				a.logger.Fatal("expiring reviews", zap.Error(err))
			}
			a.logger.Info("expired reviews", zap.Int("count", len(expired)), zap.Duration("ttl", a.config.Review.TTL))
			return
		}

		if err := review(ctx, a); err != nil && !errors.Is(err, promptui.ErrInterrupt) {
			a.logger.Fatal("exiting", zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(reviewCmd)

	reviewCmd.Flags().Bool("expire", false, "only mark reviews older than review.ttl as skipped")
}

func review(ctx context.Context, a *application) error {
	// Approved postings stay pending in the ledger until the next run applies.
	handled := make(map[domain.Key]bool)
	for {
		pending, err := a.ledger.PendingReview(ctx)
		if err != nil {
			return err
		}
		pending = slices.DeleteFunc(pending, func(rec domain.SubmissionRecord) bool { return handled[rec.Key] })
		if len(pending) == 0 {
			a.logger.Info("review queue is empty")
			return nil
		}

		items := make([]string, 0, len(pending)+1)
		for _, rec := range pending {
			title := ""
			if p, err := a.queue.Posting(ctx, rec.Key); err == nil {
				title = fmt.Sprintf("%s / %s", p.Title, p.URL)
			}
			items = append(items, fmt.Sprintf("%s %s (%s)", rec.Key, title, rec.Reason))
		}

		postingPrompt := promptui.Select{
			Label: "Choose a posting and press ENTER",
			Items: append(items, PromptDone),
		}
		idx, selected, err := postingPrompt.Run()
		if err != nil {
			return err
		}
		if selected == PromptDone {
			return nil
		}

		key := pending[idx].Key
		decided, err := decideReview(ctx, a, key)
		if err != nil {
			return err
		}
		handled[key] = decided
	}
}

func decideReview(ctx context.Context, a *application, key domain.Key) (bool, error) {
	actions := []string{PromptApprove, PromptSkip}
	excludeFile := strings.TrimSpace(a.config.Filters.ExcludeFile)
	if excludeFile != "" {
		actions = append(actions, PromptExclude)
	}

	actionPrompt := promptui.Select{
		Label: fmt.Sprintf("What to do with %s?", key),
		Items: append(actions, PromptBack),
	}
	_, action, err := actionPrompt.Run()
	if err != nil {
		return false, err
	}

	log := logger.WithPosting(a.logger, key.CompanyID, key.PostingID)
	switch action {
	case PromptApprove:
		if err := a.queue.ApproveReview(ctx, key); err != nil {
			return false, err
		}
		log.Info("approved, it will be filled on the next run")
	case PromptSkip:
		if err := a.ledger.Resolve(ctx, key, domain.StatusSkipped, "skipped by reviewer"); err != nil {
			return false, err
		}
		log.Info("skipped")
	case PromptExclude:
		if err := a.ledger.Resolve(ctx, key, domain.StatusSkipped, "excluded by reviewer"); err != nil {
			return false, err
		}
		if err := filtering.AppendExcludeFile(excludeFile, key); err != nil {
			return false, err
		}
		log.Info("appended to exclude file", zap.String("filename", excludeFile))
	case PromptBack:
		return false, nil
	}
	return true, nil
}
