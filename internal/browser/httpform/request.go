package httpform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/browser"
	"github.com/spigell/job-autopilot/internal/domain"
)

const (
	userAgent = "job-autopilot (+https://github.com/spigell/job-autopilot)"
	accept    = "text/html,application/xhtml+xml"
	// pages larger than this are not application forms
	maxPageSize = 8 << 20
)

type formData struct {
	values map[string][]string
	files  map[string]string
}

func (s *session) get(ctx context.Context, target string) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return s.do(req)
}

func (s *session) send(ctx context.Context, method, target string, data formData) (*page, error) {
	if method == http.MethodGet {
		u, err := url.Parse(target)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		for k, vs := range data.values {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		return s.get(ctx, u.String())
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	keys := make([]string, 0, len(data.values))
	for k := range data.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, val := range data.values[key] {
			field, err := w.CreateFormField(key)
			if err != nil {
				return nil, err
			}
			if _, err := io.Copy(field, strings.NewReader(val)); err != nil {
				return nil, err
			}
		}
	}

	for key, path := range data.files {
		if err := attachFile(w, key, path); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	return s.do(req)
}

func attachFile(w *multipart.Writer, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("attach %s: %w", key, err)
	}
	defer f.Close()

	part, err := w.CreateFormFile(key, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

// do runs the request and turns the response into a page. Network errors,
// 5xx and 429 are transient; other non-2xx statuses are rejections.
func (s *session) do(req *http.Request) (*page, error) {
	target := req.URL.String()
	if err := s.driver.limiter.WaitURL(req.Context(), target); err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", s.driver.userAgent)
	req.Header.Set("Accept", accept)

	s.driver.logger.Debug("make request", zap.String("method", req.Method), zap.String("url", target))
	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &domain.TransientNetworkError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, &domain.TransientNetworkError{URL: target, Err: err}
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
		return nil, &domain.TransientNetworkError{URL: target, Err: fmt.Errorf("bad status: %s", resp.Status)}
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s: %s", browser.ErrRejected, target, resp.Status)
	}

	p, err := parsePage(resp.Request.URL, body)
	if err != nil {
		return nil, errors.Join(browser.ErrNoForm, err)
	}
	return p, nil
}
