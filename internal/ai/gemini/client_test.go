package gemini

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

type fakeResponse struct {
	resp *genai.GenerateContentResponse
	err  error
}

type modelCall struct {
	model    string
	config   *genai.GenerateContentConfig
	contents []*genai.Content
}

type fakeModels struct {
	mu    sync.Mutex
	calls []modelCall
	queue []fakeResponse
}

func (f *fakeModels) enqueue(resp *genai.GenerateContentResponse, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, fakeResponse{resp: resp, err: err})
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, modelCall{model: model, config: config, contents: contents})
	if len(f.queue) == 0 {
		return nil, errors.New("unexpected call")
	}
	res := f.queue[0]
	f.queue = f.queue[1:]
	return res.resp, res.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
		}},
	}
}

func noWait(t *testing.T) *[]time.Duration {
	t.Helper()
	var waited []time.Duration
	original := wait
	wait = func(_ context.Context, d time.Duration) error {
		waited = append(waited, d)
		return nil
	}
	t.Cleanup(func() { wait = original })
	return &waited
}

func TestGeneratorRetriesOnTemporaryError(t *testing.T) {
	waited := noWait(t)

	models := &fakeModels{}
	models.enqueue(nil, genai.APIError{Code: http.StatusInternalServerError, Status: "INTERNAL"})
	models.enqueue(textResponse("retry ok"), nil)

	g := &Generator{models: models, model: "gemini-pro", maxRetries: 2, logger: zap.NewNop()}

	output, err := g.GenerateContent(context.Background(), "system", "message")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if output != "retry ok" {
		t.Fatalf("unexpected output: %q", output)
	}
	if len(models.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(models.calls))
	}
	if len(*waited) != 1 || (*waited)[0] != time.Second {
		t.Fatalf("unexpected backoff: %v", *waited)
	}

	for _, call := range models.calls {
		if call.model != "gemini-pro" {
			t.Fatalf("unexpected model %q", call.model)
		}
		if call.config == nil || call.config.SystemInstruction == nil {
			t.Fatalf("expected system instruction to be set")
		}
		if got := call.config.SystemInstruction.Parts[0].Text; got != "system" {
			t.Fatalf("unexpected system instruction: %q", got)
		}
		if call.config.ResponseMIMEType != "application/json" {
			t.Fatalf("expected json response type")
		}
		if len(call.contents) != 1 || call.contents[0].Parts[0].Text != "message" {
			t.Fatalf("unexpected contents: %+v", call.contents)
		}
	}
}

func TestGeneratorStopsAfterRetriesExhausted(t *testing.T) {
	noWait(t)

	models := &fakeModels{}
	tempErr := genai.APIError{Code: http.StatusServiceUnavailable, Status: "UNAVAILABLE"}
	models.enqueue(nil, tempErr)
	models.enqueue(nil, tempErr)

	g := &Generator{models: models, model: "gemini-pro", maxRetries: 2, logger: zap.NewNop()}

	_, err := g.GenerateContent(context.Background(), "sys", "msg")
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error to be wrapped, got %v", err)
	}
	if len(models.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(models.calls))
	}
}

func TestGeneratorDoesNotRetryOnLongQuotaDelay(t *testing.T) {
	waited := noWait(t)

	models := &fakeModels{}
	models.enqueue(nil, genai.APIError{
		Code:    http.StatusTooManyRequests,
		Status:  "RESOURCE_EXHAUSTED",
		Message: "quota exhausted, retry after 60 seconds",
	})

	g := &Generator{models: models, model: "gemini-pro", maxRetries: 3, logger: zap.NewNop()}

	if _, err := g.GenerateContent(context.Background(), "sys", "msg"); err == nil {
		t.Fatal("expected error when quota delay too long")
	}
	if len(models.calls) != 1 {
		t.Fatalf("expected single call, got %d", len(models.calls))
	}
	if len(*waited) != 0 {
		t.Fatalf("expected no wait, got %v", *waited)
	}
}

func TestGeneratorHonoursShortQuotaDelay(t *testing.T) {
	waited := noWait(t)

	models := &fakeModels{}
	models.enqueue(nil, genai.APIError{Code: http.StatusTooManyRequests, Message: "Please retry in 4.5s."})
	models.enqueue(textResponse(`{"score": 6}`), nil)

	g := &Generator{models: models, model: "gemini-pro", maxRetries: 3, logger: zap.NewNop()}

	if _, err := g.GenerateContent(context.Background(), "", "msg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*waited) != 1 || (*waited)[0] != 4500*time.Millisecond {
		t.Fatalf("expected quota hint to be used, got %v", *waited)
	}
	if models.calls[0].config.SystemInstruction != nil {
		t.Fatal("expected no system instruction for empty system prompt")
	}
}

func TestGeneratorRejectsEmptyInput(t *testing.T) {
	g := &Generator{models: &fakeModels{}, model: "m", logger: zap.NewNop()}
	if _, err := g.GenerateContent(context.Background(), "sys", "  "); err == nil {
		t.Fatal("expected error for empty prompt")
	}

	var nilGen *Generator
	if _, err := nilGen.GenerateContent(context.Background(), "sys", "msg"); err == nil {
		t.Fatal("expected error for nil generator")
	}
}
