package logger

import (
	"strings"

	"go.uber.org/zap"
)

const (
	// FieldCompany is the structured log field key for the company identifier.
	FieldCompany = "company_id"
	// FieldPosting is the structured log field key for the posting identifier.
	FieldPosting = "posting_id"
	// FieldSession is the structured log field key for the browser session index.
	FieldSession = "session"
)

// StringField describes a string-valued structured logging field.
type StringField struct {
	Key   string
	Value string
}

// StringFields converts the provided key/value pairs into zap fields, trimming
// whitespace and omitting entries with empty keys or values.
func StringFields(fields ...StringField) []zap.Field {
	result := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		key := strings.TrimSpace(field.Key)
		if key == "" {
			continue
		}

		value := strings.TrimSpace(field.Value)
		if value == "" {
			continue
		}

		result = append(result, zap.String(key, value))
	}

	return result
}

// WithFields safely attaches the provided fields to the logger.
// If the logger is nil or no fields are supplied, the input logger is returned
// unchanged, defaulting to a no-op logger when nil.
func WithFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}

// PostingFields returns the fields identifying a posting.
// Empty values are ignored to keep log entries compact when information is missing.
func PostingFields(company, posting string) []zap.Field {
	return StringFields(
		StringField{Key: FieldCompany, Value: company},
		StringField{Key: FieldPosting, Value: posting},
	)
}

// WithPosting attaches the posting fields to the provided logger.
func WithPosting(logger *zap.Logger, company, posting string) *zap.Logger {
	return WithFields(logger, PostingFields(company, posting)...)
}
