package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/navigator"
	"github.com/spigell/job-autopilot/internal/notify"
	"github.com/spigell/job-autopilot/internal/orchestrator"
	"github.com/spigell/job-autopilot/internal/queue"
)

const (
	PromptLeavePaused = "Leave the rest paused"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the queue: score postings, fill accepted forms and record the outcome",
	Run: func(cmd *cobra.Command, _ []string) {
		run(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntP("budget", "b", 0, "maximum number of applications in this run (0 means no limit)")
	runCmd.Flags().Int("sessions", 0, "number of parallel browser sessions")
	runCmd.Flags().BoolP("interactive", "i", false, "keep paused sessions open and ask when to continue them")

	viper.BindPFlag("run.budget", runCmd.Flags().Lookup("budget"))
	viper.BindPFlag("run.sessions", runCmd.Flags().Lookup("sessions"))
}

// run is the main command for the cli.
func run(cmd *cobra.Command) {
	// Interrupts stop the run between postings, never in the middle of a form.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := setup(ctx)
	defer a.close()

	logger := a.logger
	logger.Info("starting the job-autopilot", zap.String("version", resolveVersion()))

	o, nav, hub, err := a.orchestrator(ctx)
	if err != nil {
		logger.Fatal("building the pipeline", zap.Error(err))
	}
	defer nav.Registry().Close()

	interactive := cmd.Flag("interactive").Value.String() == "true"
	if interactive && !a.config.canShowCaptcha() {
		logger.Warn("paused postings cannot be finished in this run", zap.String("hint", pausedHint(a.config)))
	}
	if interactive {
		events := hub.Subscribe()
		defer hub.Unsubscribe(events)
		go announce(events)
	}

	var total domain.Summary
	for {
		summary, err := o.Run(ctx)
		total.Add(summary)
		if err != nil {
			logger.Fatal("run failed", zap.Error(err))
		}

		if !interactive || ctx.Err() != nil || nav.Registry().Len() == 0 {
			break
		}

		resumed, err := promptPaused(ctx, a.queue, o, nav.Registry())
		if err != nil {
			logger.Fatal("exiting", zap.Error(err))
		}
		if resumed == 0 {
			break
		}
	}

	pretty, _ := json.MarshalIndent(total, "", "  ")
	logger.Info(string(pretty),
		zap.Int("applied", total.Applied),
		zap.Int("skipped", total.Skipped),
		zap.Int("ambiguous", total.Ambiguous),
		zap.Int("failed", total.Failed),
		zap.Int("paused", total.Paused),
	)

	if total.Paused > 0 {
		logger.Info("some postings wait for you", zap.String("hint", pausedHint(a.config)))
	}
}

// pausedHint tells the user how to finish paused postings. Their windows
// close when the command exits; the next run reopens the paused pages.
func pausedHint(c *Config) string {
	switch {
	case c.navigatorDriver() == driverHTTP:
		return "the http driver has no window to solve a captcha in; set navigator.driver to chrome and run 'job-autopilot run -i'"
	case c.Navigator.Chrome.Headless:
		return "headless chrome has no window to solve a captcha in; set navigator.chrome.headless to false and run 'job-autopilot run -i'"
	default:
		return "run 'job-autopilot run -i', solve each page in the chrome window and pick the posting when asked"
	}
}

// announce prints events that need a human, like a tray would.
func announce(events <-chan notify.Event) {
	for e := range events {
		switch e.Type {
		case notify.EventCaptchaPause, notify.EventFieldHandoff:
			fmt.Fprintf(os.Stderr, "\a%s\n", notify.Format(e))
		}
	}
}

// promptPaused asks which paused postings with a live session can continue
// and signals them resumable. It returns how many were resumed.
func promptPaused(ctx context.Context, q *queue.Queue, o *orchestrator.Orchestrator, live *navigator.Registry) (int, error) {
	paused, err := q.Paused(ctx)
	if err != nil {
		return 0, err
	}

	items := make([]string, 0, len(paused))
	keys := make(map[string]domain.Key, len(paused))
	for _, p := range paused {
		if p.Resume == nil || !live.Has(p.Resume.Token) {
			continue
		}
		label := fmt.Sprintf("%s %s / %s / %s", p.Posting.Key, p.Posting.Title, p.Resume.Reason, p.Resume.PageURL)
		items = append(items, label)
		keys[label] = p.Posting.Key
	}

	resumed := 0
	for len(items) > 0 {
		prompt := promptui.Select{
			Label: "Choose a posting you finished in the browser and press ENTER",
			Items: append(items, PromptLeavePaused),
		}

		idx, selected, err := prompt.Run()
		if err != nil {
			return resumed, err
		}
		if selected == PromptLeavePaused {
			break
		}

		if err := o.Resume(ctx, keys[selected]); err != nil {
			return resumed, err
		}
		resumed++
		items = append(items[:idx], items[idx+1:]...)
	}

	return resumed, nil
}
