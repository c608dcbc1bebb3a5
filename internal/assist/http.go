package assist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

type suggestRequest struct {
	FEN string `json:"fen"`
}

// HTTPSuggester posts {"fen": ...} to a suggestion endpoint and expects
// {"move": ..., "explanation": ...} back.
type HTTPSuggester struct {
	url     string
	http    *fasthttp.Client
	headers func() map[string]string

	defaultTimeout time.Duration
	retryMax       int
}

type HTTPOption func(*HTTPSuggester)

func WithTimeout(d time.Duration) HTTPOption {
	return func(s *HTTPSuggester) { s.defaultTimeout = d }
}

func WithRetry(max int) HTTPOption {
	return func(s *HTTPSuggester) { s.retryMax = max }
}

func WithHeaders(h func() map[string]string) HTTPOption {
	return func(s *HTTPSuggester) { s.headers = h }
}

// WithHTTPClient replaces the underlying client, e.g. to dial an in-memory listener.
func WithHTTPClient(c *fasthttp.Client) HTTPOption {
	return func(s *HTTPSuggester) { s.http = c }
}

func NewHTTP(url string, opts ...HTTPOption) *HTTPSuggester {
	s := &HTTPSuggester{
		url:            strings.TrimSpace(url),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		defaultTimeout: 10 * time.Second,
		retryMax:       2,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPSuggester) Suggest(ctx context.Context, fen string) (Suggestion, error) {
	var out Suggestion
	if err := s.doJSON(ctx, suggestRequest{FEN: fen}, &out); err != nil {
		return Suggestion{}, err
	}
	if strings.TrimSpace(out.Move) == "" {
		return Suggestion{}, errors.New("suggestion has no move")
	}
	return out, nil
}

func (s *HTTPSuggester) doJSON(ctx context.Context, in, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(s.url)
	req.Header.SetContentType("application/json")
	if s.headers != nil {
		for k, v := range s.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req.SetBody(payload)

	attempts := s.retryMax
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := s.http.DoDeadline(req, resp, s.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			if attempt == attempts {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			lastErr = fmt.Errorf("suggest api error: status=%d body=%s", status, truncate(string(resp.Body()), 512))
			if attempt == attempts || !shouldRetryStatus(status) {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (s *HTTPSuggester) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(s.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
