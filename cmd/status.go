package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/ledger"
)

type pausedReport struct {
	Key      domain.Key `json:"key"`
	Title    string     `json:"title"`
	Reason   string     `json:"reason,omitempty"`
	PageURL  string     `json:"page_url,omitempty"`
	Step     int        `json:"step"`
	Attempts int        `json:"attempts"`
}

type recordReport struct {
	PostingID   string        `json:"posting_id"`
	Status      domain.Status `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	FinalizedAt time.Time     `json:"finalized_at"`
}

type statusReport struct {
	Queue         map[string]int        `json:"queue"`
	Ledger        map[domain.Status]int `json:"ledger"`
	Paused        []pausedReport        `json:"paused"`
	PendingReview []domain.Key          `json:"pending_review"`
	// Company lists the decisions for the company asked with --company.
	Company []recordReport `json:"company,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and ledger counts, paused postings and the review queue",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := context.Background()
		a := setup(ctx)
		defer a.close()

		report, err := buildStatus(ctx, a)
		if err != nil {
			a.logger.Fatal("building status", zap.Error(err))
		}

		if company, _ := cmd.Flags().GetString("company"); company != "" {
			if report.Company, err = companyRecords(ctx, a.ledger, company); err != nil {
				a.logger.Fatal("reading company decisions", zap.Error(err), zap.String("company", company))
			}
		}

		pretty, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(pretty))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringP("company", "c", "", "also list every decision recorded for this company")
}

func buildStatus(ctx context.Context, a *application) (*statusReport, error) {
	var (
		report statusReport
		err    error
	)

	if report.Queue, err = a.queue.Stats(ctx); err != nil {
		return nil, err
	}
	if report.Ledger, err = a.ledger.Counts(ctx); err != nil {
		return nil, err
	}

	paused, err := a.queue.Paused(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range paused {
		attempts, err := a.ledger.Attempts(ctx, p.Posting.Key)
		if err != nil {
			return nil, err
		}
		item := pausedReport{Key: p.Posting.Key, Title: p.Posting.Title, Attempts: len(attempts)}
		if p.Resume != nil {
			item.Reason = p.Resume.Reason
			item.PageURL = p.Resume.PageURL
			item.Step = p.Resume.Step
		}
		report.Paused = append(report.Paused, item)
	}

	pending, err := a.ledger.PendingReview(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range pending {
		report.PendingReview = append(report.PendingReview, rec.Key)
	}

	return &report, nil
}

func companyRecords(ctx context.Context, l *ledger.Ledger, company string) ([]recordReport, error) {
	records, err := l.ByCompany(ctx, company)
	if err != nil {
		return nil, err
	}
	out := make([]recordReport, 0, len(records))
	for _, rec := range records {
		out = append(out, recordReport{
			PostingID:   rec.Key.PostingID,
			Status:      rec.Status,
			Reason:      rec.Reason,
			FinalizedAt: rec.FinalizedAt,
		})
	}
	return out, nil
}
