package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/squadhq/squad/internal/util"
)

// Webhook is an HTTP channel transport. Outbound replies POST to the
// webhook URL; inbound messages come from long-polling the poll URL.
type Webhook struct {
	postURL  string
	pollURL  string
	channels []string
	client   *http.Client

	// Most webhook endpoints allow roughly one message per second.
	mu       sync.Mutex
	lastPost time.Time
	cursor   string

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	minInterval    time.Duration
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.client.Timeout = d }
}

// WithMaxRetries sets the maximum number of retry attempts for sends.
func WithMaxRetries(n int) WebhookOption {
	return func(w *Webhook) { w.maxRetries = n }
}

// WithBackoff sets the initial and maximum backoff for send retries.
func WithBackoff(initial, max time.Duration) WebhookOption {
	return func(w *Webhook) {
		w.initialBackoff = initial
		w.maxBackoff = max
	}
}

// WithRateLimit sets the minimum interval between outbound posts.
func WithRateLimit(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.minInterval = d }
}

// WithChannels names the channels this transport watches.
func WithChannels(names ...string) WebhookOption {
	return func(w *Webhook) { w.channels = names }
}

// NewWebhook returns a Webhook posting replies to postURL and polling
// pollURL for inbound messages.
func NewWebhook(postURL, pollURL string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		postURL:        postURL,
		pollURL:        pollURL,
		client:         &http.Client{Timeout: 30 * time.Second},
		maxRetries:     3,
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
		minInterval:    time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ListChannels names the channels this transport watches.
func (w *Webhook) ListChannels() []string {
	out := make([]string, len(w.channels))
	copy(out, w.channels)
	return out
}

type sendRequest struct {
	Thread string `json:"thread"`
	Text   string `json:"text"`
}

// Send posts text on a thread, retrying transient failures with
// exponential backoff.
func (w *Webhook) Send(ctx context.Context, thread, text string) error {
	body, err := json.Marshal(sendRequest{Thread: thread, Text: text})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}
	return w.postWithRetry(ctx, body)
}

func (w *Webhook) postWithRetry(ctx context.Context, body []byte) error {
	var lastErr error
	backoff := util.Backoff{Initial: w.initialBackoff, Max: w.maxBackoff}

	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			if err := util.SleepContext(ctx, backoff.Next()); err != nil {
				return err
			}
		}

		w.enforceRateLimit()

		err := w.doPost(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return err
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (w *Webhook) enforceRateLimit() {
	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := time.Since(w.lastPost)
	if elapsed < w.minInterval {
		time.Sleep(w.minInterval - elapsed)
	}
	w.lastPost = time.Now()
}

func (w *Webhook) doPost(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.postURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return &RetryableError{Err: fmt.Errorf("post webhook: %w", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusTooManyRequests:
		return &RetryableError{
			Err:       fmt.Errorf("rate limited (429): %s", string(respBody)),
			RateLimit: true,
		}
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &RetryableError{Err: fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))}
	default:
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}
}

type pollResponse struct {
	Cursor   string    `json:"cursor"`
	Messages []Message `json:"messages"`
}

// Receive long-polls the poll URL. The server holds the request until
// messages arrive or its wait window closes; an empty batch is normal.
func (w *Webhook) Receive(ctx context.Context) ([]Message, error) {
	u, err := url.Parse(w.pollURL)
	if err != nil {
		return nil, fmt.Errorf("bad poll url: %w", err)
	}
	q := u.Query()
	w.mu.Lock()
	if w.cursor != "" {
		q.Set("cursor", w.cursor)
	}
	w.mu.Unlock()
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create poll request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("poll returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var pr pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decoding poll response: %w", err)
	}

	if pr.Cursor != "" {
		w.mu.Lock()
		w.cursor = pr.Cursor
		w.mu.Unlock()
	}
	return pr.Messages, nil
}

// RetryableError marks a send failure that may succeed on retry.
type RetryableError struct {
	Err       error
	RateLimit bool
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*RetryableError)
	return ok
}
