package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	_ "embed"

	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/ai"
	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/logger"
	"github.com/spigell/job-autopilot/internal/profile"
	"github.com/spigell/job-autopilot/internal/utils"
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, system, message string) (string, error)
}

type Matcher struct {
	generator contentGenerator
	logger    *zap.Logger
	maxLogLen int
	maxChunks int
}

//go:embed prompt.md
var systemPrompt string

const (
	defaultMaxLogLength = 200
	defaultMaxChunks    = 12
)

func NewMatcher(generator contentGenerator, maxLogLength int, log *zap.Logger) *Matcher {
	if maxLogLength <= 0 {
		maxLogLength = defaultMaxLogLength
	}

	return &Matcher{
		generator: generator,
		logger:    logger.WithFields(log, zap.String("matcher", "gemini")),
		maxLogLen: maxLogLength,
		maxChunks: defaultMaxChunks,
	}
}

func (m *Matcher) Evaluate(ctx context.Context, snap profile.Snapshot, posting domain.Posting) (*ai.FitAssessment, error) {
	if !posting.Key.Valid() {
		return nil, fmt.Errorf("posting is required")
	}

	message, err := m.buildMessage(snap, posting)
	if err != nil {
		return nil, err
	}

	fields := logger.PostingFields(posting.CompanyID, posting.PostingID)
	m.logger.Debug("gemini generate content request", append(fields,
		zap.Int("prompt_length", utf8.RuneCountInString(message)),
		zap.String("prompt_preview", utils.TruncateForLog(message, m.maxLogLen)),
	)...)

	raw, err := m.generator.GenerateContent(ctx, systemPrompt, message)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("gemini generate content response", append(fields,
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", utils.TruncateForLog(raw, m.maxLogLen)),
	)...)

	assessment, err := parseResponse(raw)
	if err != nil {
		return nil, err
	}
	assessment.Raw = raw
	return assessment, nil
}

func (m *Matcher) buildMessage(snap profile.Snapshot, posting domain.Posting) (string, error) {
	keys := make([]string, 0, len(snap.Fields))
	for k := range snap.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("[Candidate fields]\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, singleLine(snap.Fields[k]))
	}

	b.WriteString("\n[Candidate documents]\n")
	chunks := snap.Chunks
	if len(chunks) > m.maxChunks {
		chunks = chunks[:m.maxChunks]
	}
	for _, c := range chunks {
		b.WriteString(c)
		b.WriteString("\n---\n")
	}

	payload := map[string]any{
		"title":       posting.Title,
		"location":    posting.LocationText,
		"description": posting.Description,
		"url":         posting.URL,
	}
	postingJSON, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal posting payload: %w", err)
	}
	b.WriteString("\n[Posting]\n")
	b.Write(postingJSON)
	b.WriteString("\n")

	return b.String(), nil
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func parseResponse(raw string) (*ai.FitAssessment, error) {
	cleaned := extractJSON(raw)

	var data map[string]any
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return nil, fmt.Errorf("parse gemini response: %w", err)
	}

	score := coerceFloat(data["score"])
	if math.IsNaN(score) {
		return nil, fmt.Errorf("parse gemini response: score is missing")
	}

	return &ai.FitAssessment{
		Score:  score,
		Reason: coerceString(data["reason"]),
	}, nil
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}

func coerceFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

func coerceString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case nil:
		return ""
	default:
		bytes, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(bytes)
	}
}
