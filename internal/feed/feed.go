package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/filtering"
	"github.com/spigell/job-autopilot/internal/logger"
	"github.com/spigell/job-autopilot/internal/queue"
)

// Report counts what an import did with each posting it read.
type Report struct {
	Read     int `json:"read"`
	Invalid  int `json:"invalid"`
	Filtered int `json:"filtered"`
	Enqueued int `json:"enqueued"`
	// Duplicates were already queued or decided.
	Duplicates int `json:"duplicates"`
}

// Importer moves postings from the discovery feed into the queue. Feeds
// deliver at least once; the queue drops repeats.
type Importer struct {
	queue   *queue.Queue
	deps    filtering.Deps
	filters []filtering.Filter
	logger  *zap.Logger
}

func NewImporter(q *queue.Queue, deps filtering.Deps, filters []filtering.Filter, log *zap.Logger) *Importer {
	log = logger.WithFields(log, zap.String("component", "feed"))
	if deps.Logger == nil {
		deps.Logger = log
	}
	return &Importer{queue: q, deps: deps, filters: filters, logger: log}
}

// ImportFile imports the feed stored at path.
func (i *Importer) ImportFile(ctx context.Context, path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("open feed: %w", err)
	}
	defer f.Close()
	return i.Import(ctx, f)
}

// Import reads postings from r and enqueues those passing the filters.
func (i *Importer) Import(ctx context.Context, r io.Reader) (Report, error) {
	var report Report

	records, err := Read(r)
	if err != nil {
		return report, err
	}
	report.Read = len(records)

	valid := make([]domain.Posting, 0, len(records))
	for n, rec := range records {
		p, err := Decode(rec)
		if err != nil {
			report.Invalid++
			i.logger.Warn("skipping invalid posting", zap.Int("index", n), zap.Error(err))
			continue
		}
		valid = append(valid, p)
	}

	left, err := filtering.Run(ctx, i.deps, i.filters, valid)
	if err != nil {
		return report, err
	}
	report.Filtered = len(valid) - len(left)

	for _, p := range left {
		added, err := i.queue.Enqueue(ctx, p)
		if err != nil {
			return report, err
		}
		if added {
			report.Enqueued++
		} else {
			report.Duplicates++
		}
	}

	i.logger.Info("feed imported",
		zap.Int("read", report.Read),
		zap.Int("invalid", report.Invalid),
		zap.Int("filtered", report.Filtered),
		zap.Int("enqueued", report.Enqueued),
		zap.Int("duplicates", report.Duplicates),
	)
	return report, nil
}

// Read parses a feed holding either a JSON array of postings or one JSON
// object per line.
func Read(r io.Reader) ([]map[string]any, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}

	dec := json.NewDecoder(br)
	// Numeric ids beyond 2^53 must survive as written.
	dec.UseNumber()
	if first == '[' {
		var records []map[string]any
		if err := dec.Decode(&records); err != nil {
			return nil, fmt.Errorf("decode feed array: %w", err)
		}
		return records, nil
	}

	var records []map[string]any
	for {
		var rec map[string]any
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode feed record %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if !strings.ContainsRune(" \t\r\n", rune(b)) {
			return b, br.UnreadByte()
		}
	}
}

// Decode turns one feed record into a posting. Numeric identifiers are
// accepted and discovery times are RFC 3339.
func Decode(rec map[string]any) (domain.Posting, error) {
	var p domain.Posting
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		Squash:           true,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339),
	})
	if err != nil {
		return p, err
	}
	if err := dec.Decode(rec); err != nil {
		return p, fmt.Errorf("decode posting: %w", err)
	}

	p.CompanyID = strings.TrimSpace(p.CompanyID)
	p.PostingID = strings.TrimSpace(p.PostingID)
	p.URL = strings.TrimSpace(p.URL)

	if !p.Key.Valid() {
		return p, fmt.Errorf("posting %q: company_id and posting_id are required", p.Key)
	}
	if p.URL == "" {
		return p, fmt.Errorf("posting %s: url is required", p.Key)
	}
	return p, nil
}
