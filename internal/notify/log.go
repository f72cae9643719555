package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/logger"
)

// Log writes events to the structured log.
type Log struct {
	logger *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{logger: logger.WithFields(log, zap.String("component", "notify"))}
}

func (l *Log) Notify(_ context.Context, e Event) {
	fields := append(logger.PostingFields(e.Key.CompanyID, e.Key.PostingID),
		logger.StringFields(
			logger.StringField{Key: "event", Value: string(e.Type)},
			logger.StringField{Key: "title", Value: e.Title},
			logger.StringField{Key: "url", Value: e.URL},
			logger.StringField{Key: "reason", Value: e.Reason},
			logger.StringField{Key: "resume_token", Value: e.ResumeToken},
		)...,
	)

	switch e.Type {
	case EventCaptchaPause, EventFieldHandoff:
		l.logger.Warn("human action needed", fields...)
	case EventFailed:
		l.logger.Error("application failed", fields...)
	default:
		l.logger.Info("pipeline event", fields...)
	}
}
