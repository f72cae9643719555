package filtering

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/domain"
)

// toggle carries the enabled flag every filter shares.
type toggle struct {
	disabled bool
	reason   string
}

func (t *toggle) Disable(reason string) {
	t.disabled = true
	t.reason = reason
}

func (t *toggle) IsEnabled() bool { return !t.disabled }

type decidedFilter struct {
	toggle
}

// NewDecided creates a filter that removes postings already recorded in the ledger.
func NewDecided() Filter {
	return &decidedFilter{}
}

func (f *decidedFilter) Name() string { return "decided" }

func (f *decidedFilter) Apply(ctx context.Context, deps Deps, postings []domain.Posting) ([]domain.Posting, Step, error) {
	initial := len(postings)
	if deps.Ledger == nil {
		return postings, Step{}, fmt.Errorf("ledger is required")
	}

	var lookupErr error
	left, excluded := keep(postings, func(p domain.Posting) bool {
		if lookupErr != nil {
			return false
		}
		_, err := deps.Ledger.Lookup(ctx, p.Key)
		if errors.Is(err, domain.ErrNotFound) {
			return false
		}
		if err != nil {
			lookupErr = err
			return false
		}
		return true
	})
	if lookupErr != nil {
		return postings, Step{}, fmt.Errorf("lookup ledger: %w", lookupErr)
	}

	if deps.Logger != nil && len(excluded) > 0 {
		deps.Logger.Debug("excluding postings with a ledger record",
			zap.Strings("excluded_postings", excluded),
		)
	}

	return left, Step{Initial: initial, Dropped: len(excluded), Left: len(left)}, nil
}

func (f *decidedFilter) Status() Status {
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason}
}

type companiesFilter struct {
	toggle
	companies map[string]struct{}
}

// NewCompanies creates a filter that removes postings of the listed companies.
func NewCompanies(companies []string) Filter {
	f := &companiesFilter{companies: make(map[string]struct{}, len(companies))}
	for _, c := range companies {
		if c = strings.TrimSpace(c); c != "" {
			f.companies[c] = struct{}{}
		}
	}
	return f
}

func (f *companiesFilter) Name() string { return "companies" }

func (f *companiesFilter) Apply(_ context.Context, deps Deps, postings []domain.Posting) ([]domain.Posting, Step, error) {
	initial := len(postings)
	if len(f.companies) == 0 {
		return postings, Step{Initial: initial, Left: initial}, nil
	}

	left, excluded := keep(postings, func(p domain.Posting) bool {
		_, ok := f.companies[p.CompanyID]
		return ok
	})
	if deps.Logger != nil && len(excluded) > 0 {
		deps.Logger.Info("excluding postings by company",
			zap.Strings("excluded_postings", excluded),
			zap.Int("postings_left", len(left)),
		)
	}

	return left, Step{Initial: initial, Dropped: len(excluded), Left: len(left)}, nil
}

func (f *companiesFilter) Status() Status {
	details := map[string]string{}
	if len(f.companies) > 0 {
		details["companies"] = strings.Join(slices.Sorted(maps.Keys(f.companies)), ",")
	}
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason, Details: details}
}

type titlesFilter struct {
	toggle
	words []string
}

// NewTitles creates a filter that removes postings whose title contains any of words.
func NewTitles(words []string) Filter {
	f := &titlesFilter{}
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			f.words = append(f.words, w)
		}
	}
	return f
}

func (f *titlesFilter) Name() string { return "titles" }

func (f *titlesFilter) Apply(_ context.Context, deps Deps, postings []domain.Posting) ([]domain.Posting, Step, error) {
	initial := len(postings)
	if len(f.words) == 0 {
		return postings, Step{Initial: initial, Left: initial}, nil
	}

	left, excluded := keep(postings, func(p domain.Posting) bool {
		title := strings.ToLower(p.Title)
		for _, w := range f.words {
			if strings.Contains(title, w) {
				return true
			}
		}
		return false
	})
	if deps.Logger != nil && len(excluded) > 0 {
		deps.Logger.Info("excluding postings by title",
			zap.Strings("words", f.words),
			zap.Strings("excluded_postings", excluded),
		)
	}

	return left, Step{Initial: initial, Dropped: len(excluded), Left: len(left)}, nil
}

func (f *titlesFilter) Status() Status {
	details := map[string]string{}
	if len(f.words) > 0 {
		details["words"] = strings.Join(f.words, ",")
	}
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason, Details: details}
}
