package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// WebhookSink notifies a downstream evaluation service that a call's
// transcript is ready.
type WebhookSink struct {
	url        string
	token      string
	delay      time.Duration
	maxRetries uint64
	backoff    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithWebhookToken sends token as a bearer credential.
func WithWebhookToken(token string) WebhookOption {
	return func(s *WebhookSink) {
		s.token = token
	}
}

// WithWebhookDelay waits d before the first delivery attempt.
func WithWebhookDelay(d time.Duration) WebhookOption {
	return func(s *WebhookSink) {
		s.delay = d
	}
}

// WithWebhookRetries sets the retry budget and initial backoff.
func WithWebhookRetries(maxRetries uint64, backoff time.Duration) WebhookOption {
	return func(s *WebhookSink) {
		s.maxRetries = maxRetries
		s.backoff = backoff
	}
}

// WithWebhookHTTPClient overrides the HTTP client.
func WithWebhookHTTPClient(c *http.Client) WebhookOption {
	return func(s *WebhookSink) {
		s.httpClient = c
	}
}

// WithWebhookLogger sets the logger.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(s *WebhookSink) {
		s.logger = l
	}
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string, opts ...WebhookOption) *WebhookSink {
	s := &WebhookSink{
		url:        url,
		delay:      time.Second,
		maxRetries: 3,
		backoff:    250 * time.Millisecond,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type webhookPayload struct {
	CallerID string `json:"caller_id"`
}

// Save implements Sink.
func (s *WebhookSink) Save(ctx context.Context, t Transcript) error {
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	body, err := json.Marshal(webhookPayload{CallerID: t.CallSID})
	if err != nil {
		return err
	}

	base := s.backoff
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	backoff := retry.WithMaxRetries(s.maxRetries, retry.NewExponential(base))
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := s.post(ctx, body)
		if err != nil {
			s.logger.Warn("transcript webhook attempt failed",
				"call_sid", t.CallSID,
				"attempt", attempt,
				"error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("transcript webhook: %w", err)
	}

	s.logger.Info("transcript webhook delivered", "call_sid", t.CallSID, "attempts", attempt)
	return nil
}

func (s *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return retry.RetryableError(fmt.Errorf("webhook status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
