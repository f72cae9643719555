package filtering

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/ledger"
	"github.com/spigell/job-autopilot/internal/store"
)

func postings() []domain.Posting {
	return []domain.Posting{
		{Key: domain.Key{CompanyID: "acme", PostingID: "1"}, Title: "Senior Go Engineer"},
		{Key: domain.Key{CompanyID: "acme", PostingID: "2"}, Title: "Sales Manager"},
		{Key: domain.Key{CompanyID: "globex", PostingID: "1"}, Title: "Platform Engineer"},
		{Key: domain.Key{CompanyID: "initech", PostingID: "7"}, Title: "Go Developer"},
	}
}

func ids(ps []domain.Posting) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Key.String())
	}
	return out
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	s, err := store.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return ledger.New(s.DB, zap.NewNop())
}

func TestCompaniesAndTitles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "no companies configured", filter: NewCompanies(nil), want: []string{"acme/1", "acme/2", "globex/1", "initech/7"}},
		{name: "companies", filter: NewCompanies([]string{"acme", " "}), want: []string{"globex/1", "initech/7"}},
		{name: "titles are case insensitive", filter: NewTitles([]string{"SALES", "platform"}), want: []string{"acme/1", "initech/7"}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			left, step, err := tc.filter.Apply(context.Background(), Deps{}, postings())
			require.NoError(t, err)
			require.Equal(t, tc.want, ids(left))
			require.Equal(t, 4, step.Initial)
			require.Equal(t, len(tc.want), step.Left)
			require.Equal(t, 4-len(tc.want), step.Dropped)
		})
	}
}

func TestDecidedDropsRecordedPostings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newLedger(t)
	require.NoError(t, l.Record(ctx, domain.SubmissionRecord{
		Key:    domain.Key{CompanyID: "acme", PostingID: "2"},
		Status: domain.StatusSkipped,
	}))

	left, step, err := NewDecided().Apply(ctx, Deps{Ledger: l}, postings())
	require.NoError(t, err)
	require.NotContains(t, ids(left), "acme/2")
	require.Equal(t, 1, step.Dropped)

	_, _, err = NewDecided().Apply(ctx, Deps{}, postings())
	require.Error(t, err)
}

func TestExcludeFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "exclude.json")
	require.NoError(t, AppendExcludeFile(path, domain.Key{CompanyID: "globex", PostingID: "1"}))
	require.NoError(t, AppendExcludeFile(path,
		domain.Key{CompanyID: "globex", PostingID: "1"},
		domain.Key{CompanyID: "initech", PostingID: "7"},
	))

	excluded, err := ReadExcludeFile(path)
	require.NoError(t, err)
	require.Len(t, excluded.Items, 2)

	left, _, err := NewExcludeFile(path).Apply(context.Background(), Deps{}, postings())
	require.NoError(t, err)
	require.Equal(t, []string{"acme/1", "acme/2"}, ids(left))

	empty := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	left, _, err = NewExcludeFile(empty).Apply(context.Background(), Deps{}, postings())
	require.NoError(t, err)
	require.Len(t, left, 4)

	_, _, err = NewExcludeFile(filepath.Join(t.TempDir(), "missing.json")).Apply(context.Background(), Deps{}, postings())
	require.Error(t, err)
}

func TestRunSkipsDisabledFilters(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	steps := []Filter{NewCompanies([]string{"acme"}), NewTitles([]string{"go"})}
	DisableByName(steps, "titles", "testing")

	left, err := Run(context.Background(), Deps{Logger: zap.New(core)}, steps, postings())
	require.NoError(t, err)
	require.Equal(t, []string{"globex/1", "initech/7"}, ids(left))
	require.Equal(t, 1, logs.FilterMessage("filter disabled").Len())
	require.Equal(t, 1, logs.FilterMessage("filter step").Len())

	statuses := Describe(steps)
	require.Len(t, statuses, 2)
	require.True(t, statuses[0].Enabled)
	require.Equal(t, "acme", statuses[0].Details["companies"])
	require.False(t, statuses[1].Enabled)
	require.Equal(t, "testing", statuses[1].Reason)
}

func TestRunWrapsFilterErrors(t *testing.T) {
	t.Parallel()

	_, err := Run(context.Background(), Deps{}, Default(Config{}), postings())
	require.ErrorContains(t, err, "decided")
}
