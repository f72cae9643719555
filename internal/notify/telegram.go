package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/logger"
)

const telegramAPI = "https://api.telegram.org"

// Telegram sends events to a chat via the bot API.
type Telegram struct {
	botToken string
	chatID   string
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

var _ Notifier = (*Telegram)(nil)

func NewTelegram(botToken, chatID string, log *zap.Logger) *Telegram {
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		endpoint: telegramAPI,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger.WithFields(log, zap.String("notifier", "telegram")),
	}
}

func (t *Telegram) Notify(ctx context.Context, e Event) {
	if err := t.send(ctx, Format(e)); err != nil {
		t.logger.Warn("telegram notification failed",
			append(logger.PostingFields(e.Key.CompanyID, e.Key.PostingID), zap.Error(err))...,
		)
	}
}

func (t *Telegram) send(ctx context.Context, text string) error {
	if t.botToken == "" || t.chatID == "" || t.client == nil {
		return fmt.Errorf("telegram notifier misconfigured")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.endpoint, t.botToken)
	form := url.Values{}
	form.Set("chat_id", t.chatID)
	form.Set("text", text)
	form.Set("disable_web_page_preview", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram error: %s", resp.Status)
	}
	return nil
}

// Format renders an event as plain text for chat messages.
func Format(e Event) string {
	var b strings.Builder
	switch e.Type {
	case EventCaptchaPause:
		b.WriteString("CAPTCHA needs solving")
	case EventFieldHandoff:
		b.WriteString("Form fields need a human")
	case EventFailed:
		b.WriteString("Application failed")
	case EventReview:
		b.WriteString("Posting waiting for review")
	case EventApplied:
		b.WriteString("Applied")
	default:
		b.WriteString(string(e.Type))
	}
	fmt.Fprintf(&b, ": %s", e.Key)
	if e.Title != "" {
		fmt.Fprintf(&b, " (%s)", e.Title)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, "\n%s", e.Reason)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, "\n%s", e.URL)
	}
	if e.ResumeToken != "" {
		fmt.Fprintf(&b, "\nresume with: job-autopilot resume %s %s", e.Key.CompanyID, e.Key.PostingID)
	}
	return b.String()
}
