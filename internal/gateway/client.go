package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/signal"
	"github.com/squadhq/squad/internal/supervisor"
)

// Client talks to a running gateway from another process, typically a
// CLI invocation addressing the serve loop.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a gateway client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Health checks that a server is answering at the base URL.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Spawn creates a session on the server.
func (c *Client) Spawn(ctx context.Context, req supervisor.SpawnRequest) (*supervisor.Session, error) {
	var sess supervisor.Session
	if err := c.do(ctx, http.MethodPost, "/work/spawn", req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Sessions lists all live and recently finished sessions.
func (c *Client) Sessions(ctx context.Context) ([]*supervisor.Session, error) {
	var sessions []*supervisor.Session
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Pause suspends a working session.
func (c *Client) Pause(ctx context.Context, name string) (*supervisor.Session, error) {
	var sess supervisor.Session
	if err := c.do(ctx, http.MethodPost, "/sessions/"+name+"/pause", nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Resume brings a paused session back, optionally typing text into the
// fresh terminal.
func (c *Client) Resume(ctx context.Context, name, text string) (*supervisor.Session, error) {
	var body interface{}
	if text != "" {
		body = map[string]string{"text": text}
	}
	var sess supervisor.Session
	if err := c.do(ctx, http.MethodPost, "/sessions/"+name+"/resume", body, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Kill terminates a session.
func (c *Client) Kill(ctx context.Context, name string) (*supervisor.Session, error) {
	var sess supervisor.Session
	if err := c.do(ctx, http.MethodDelete, "/sessions/"+name, nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// AttachCommand returns the command a human runs to watch a session.
func (c *Client) AttachCommand(ctx context.Context, name string) (string, error) {
	var out struct {
		Command string `json:"command"`
	}
	if err := c.do(ctx, http.MethodPost, "/sessions/"+name+"/attach", nil, &out); err != nil {
		return "", err
	}
	return out.Command, nil
}

// PublishSignal posts one signal. The payload must carry the session
// name; the server assigns the sequence number.
func (c *Client) PublishSignal(ctx context.Context, kind signal.Kind, payload interface{}) (seq uint64, deduped bool, err error) {
	var out struct {
		Seq     uint64 `json:"seq"`
		Deduped bool   `json:"deduped"`
	}
	if err := c.do(ctx, http.MethodPost, "/signals/"+string(kind), payload, &out); err != nil {
		return 0, false, err
	}
	return out.Seq, out.Deduped, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fault.Wrap(fault.Unavailable, err, "reaching the server (is `sq serve` running?)")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var remote struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err := json.Unmarshal(data, &remote); err != nil || remote.Error == "" {
			remote.Error = strings.TrimSpace(string(data))
		}
		if remote.Error == "" {
			remote.Error = resp.Status
		}
		return fault.New(kindForStatus(resp.StatusCode), remote.Error)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// kindForStatus is the inverse of statusFor, so remote faults keep
// their kind across the wire.
func kindForStatus(status int) fault.Kind {
	switch status {
	case http.StatusBadRequest:
		return fault.Validation
	case http.StatusNotFound:
		return fault.NotFound
	case http.StatusConflict:
		return fault.Conflict
	case http.StatusUnprocessableEntity:
		return fault.Invariant
	case http.StatusServiceUnavailable:
		return fault.Unavailable
	default:
		return fault.Integrity
	}
}
