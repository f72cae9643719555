package filtering

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/domain"
)

// ExcludedPostings is the exclude file layout.
type ExcludedPostings struct {
	Items []domain.Key `json:"items"`
}

// ReadExcludeFile loads an exclude file. An empty file excludes nothing.
func ReadExcludeFile(path string) (*ExcludedPostings, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}

	if stat.Size() == 0 {
		return &ExcludedPostings{}, nil
	}

	var excluded ExcludedPostings
	if err := json.NewDecoder(file).Decode(&excluded); err != nil {
		return nil, err
	}
	return &excluded, nil
}

// AppendExcludeFile adds keys to the exclude file, creating it when missing.
func AppendExcludeFile(path string, keys ...domain.Key) error {
	excluded, err := ReadExcludeFile(path)
	if os.IsNotExist(err) {
		excluded, err = &ExcludedPostings{}, nil
	}
	if err != nil {
		return fmt.Errorf("read exclude file: %w", err)
	}

	seen := excluded.set()
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		excluded.Items = append(excluded.Items, k)
	}

	data, err := json.MarshalIndent(excluded, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (e *ExcludedPostings) set() map[domain.Key]struct{} {
	out := make(map[domain.Key]struct{}, len(e.Items))
	for _, k := range e.Items {
		out[k] = struct{}{}
	}
	return out
}

type excludeFileFilter struct {
	toggle
	path string
}

// NewExcludeFile creates a filter that removes postings listed in an exclude file.
func NewExcludeFile(path string) Filter {
	return &excludeFileFilter{path: strings.TrimSpace(path)}
}

func (f *excludeFileFilter) Name() string { return "exclude_file" }

func (f *excludeFileFilter) Apply(_ context.Context, deps Deps, postings []domain.Posting) ([]domain.Posting, Step, error) {
	initial := len(postings)
	if f.path == "" {
		return postings, Step{Initial: initial, Left: initial}, nil
	}

	excluded, err := ReadExcludeFile(f.path)
	if err != nil {
		return postings, Step{}, fmt.Errorf("getting excluded postings from file: %w", err)
	}

	set := excluded.set()
	left, removed := keep(postings, func(p domain.Posting) bool {
		_, ok := set[p.Key]
		return ok
	})
	if deps.Logger != nil && len(removed) > 0 {
		deps.Logger.Info("excluding postings based on exclude file",
			zap.String("path", f.path),
			zap.Strings("excluded_postings", removed),
			zap.Int("postings_left", len(left)),
		)
	}

	return left, Step{Initial: initial, Dropped: len(removed), Left: len(left)}, nil
}

func (f *excludeFileFilter) Status() Status {
	details := map[string]string{}
	if f.path != "" {
		details["path"] = f.path
	}
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason, Details: details}
}
