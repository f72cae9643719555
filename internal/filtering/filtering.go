package filtering

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/ledger"
)

// Filter represents a single step that drops postings before they are queued.
type Filter interface {
	Name() string
	Disable(reason string)
	IsEnabled() bool

	Apply(ctx context.Context, deps Deps, postings []domain.Posting) ([]domain.Posting, Step, error)
}

// Deps aggregates dependencies shared across all filtering steps.
type Deps struct {
	Ledger *ledger.Ledger
	Logger *zap.Logger
}

// Step describes the result of executing a filtering step.
type Step struct {
	Initial int
	Dropped int
	Left    int
}

// Config contains configuration settings consumed by the filters.
type Config struct {
	ExcludeCompanies []string `mapstructure:"exclude-companies"`
	// ExcludeTitles drops postings whose title contains any of the words.
	ExcludeTitles []string `mapstructure:"exclude-titles"`
	ExcludeFile   string   `mapstructure:"exclude-file"`
}

// Status represents runtime information about a filter.
type Status struct {
	Name    string
	Enabled bool
	Reason  string
	Details map[string]string
}

// statusProvider is implemented by filters that can supply detailed status information.
type statusProvider interface {
	Status() Status
}

// Default returns the standard filter chain for cfg.
func Default(cfg Config) []Filter {
	return []Filter{
		NewDecided(),
		NewCompanies(cfg.ExcludeCompanies),
		NewTitles(cfg.ExcludeTitles),
		NewExcludeFile(cfg.ExcludeFile),
	}
}

// DisableByName marks a filter with the provided name as disabled while keeping it in the list.
func DisableByName(steps []Filter, name, reason string) {
	for _, step := range steps {
		if step.Name() == name {
			step.Disable(reason)
		}
	}
}

// Run executes the supplied filters sequentially, returning the postings left.
func Run(ctx context.Context, deps Deps, steps []Filter, postings []domain.Posting) ([]domain.Posting, error) {
	for _, step := range steps {
		if !step.IsEnabled() {
			if deps.Logger != nil {
				deps.Logger.Debug("filter disabled", zap.String("name", step.Name()))
			}
			continue
		}

		next, info, err := step.Apply(ctx, deps, postings)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", step.Name(), err)
		}

		if deps.Logger != nil && info.Dropped > 0 {
			deps.Logger.Info("filter step",
				zap.String("name", step.Name()),
				zap.Int("initial", info.Initial),
				zap.Int("dropped", info.Dropped),
				zap.Int("left", info.Left),
			)
		}

		postings = next
	}

	return postings, nil
}

// Describe returns status entries for the provided filters.
func Describe(steps []Filter) []Status {
	statuses := make([]Status, 0, len(steps))
	for _, step := range steps {
		if reporter, ok := step.(statusProvider); ok {
			statuses = append(statuses, reporter.Status())
			continue
		}

		statuses = append(statuses, Status{
			Name:    step.Name(),
			Enabled: step.IsEnabled(),
		})
	}
	return statuses
}

// keep returns the postings for which drop is false and the keys dropped.
func keep(postings []domain.Posting, drop func(domain.Posting) bool) ([]domain.Posting, []string) {
	left := postings[:0:0]
	var dropped []string
	for _, p := range postings {
		if drop(p) {
			dropped = append(dropped, p.Key.String())
			continue
		}
		left = append(left, p)
	}
	return left, dropped
}
