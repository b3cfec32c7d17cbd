// Package remote implements the backend contracts against a managed
// assistants-style REST API. One Client serves as agent directory,
// conversation store, and run engine; every call is a plain JSON round trip
// with bearer auth and an api-version query parameter.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tsunagi-ai/tsunagi/internal/backend"
	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// Client talks to the remote conversation platform.
type Client struct {
	baseURL    string
	apiKey     string
	apiVersion string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client. baseURL is the API root without a trailing slash.
func New(baseURL, apiKey, apiVersion string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		apiVersion: apiVersion,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

type agentPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type threadPayload struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

type messagePayload struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

type runPayload struct {
	ID         string `json:"id"`
	ThreadID   string `json:"thread_id"`
	AgentID    string `json:"agent_id"`
	Status     string `json:"status"`
	CreatedAt  int64  `json:"created_at"`
	LastError  string `json:"last_error,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`
}

func (p runPayload) toModel() model.Run {
	reason := p.FailReason
	if reason == "" {
		reason = p.LastError
	}
	return model.Run{
		ID:         p.ID,
		ThreadID:   p.ThreadID,
		AgentID:    p.AgentID,
		Status:     model.RunStatus(p.Status),
		CreatedAt:  time.Unix(p.CreatedAt, 0).UTC(),
		FailReason: reason,
	}
}

type listPayload[T any] struct {
	Data []T `json:"data"`
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ResolveAgent looks up an agent by name.
func (c *Client) ResolveAgent(ctx context.Context, name string) (model.Agent, error) {
	var out listPayload[agentPayload]
	path := "/agents?name=" + url.QueryEscape(name)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return model.Agent{}, fmt.Errorf("remote: resolve agent %q: %w", name, err)
	}
	if len(out.Data) == 0 {
		return model.Agent{}, fmt.Errorf("remote: agent %q: %w", name, backend.ErrNotFound)
	}
	return model.Agent{ID: out.Data[0].ID, Name: out.Data[0].Name}, nil
}

// CreateThread creates a new empty thread.
func (c *Client) CreateThread(ctx context.Context) (model.Thread, error) {
	var out threadPayload
	if err := c.do(ctx, http.MethodPost, "/threads", struct{}{}, &out); err != nil {
		return model.Thread{}, fmt.Errorf("remote: create thread: %w", err)
	}
	return model.Thread{ID: out.ID, CreatedAt: time.Unix(out.CreatedAt, 0).UTC()}, nil
}

// AppendMessage adds a message to a thread.
func (c *Client) AppendMessage(ctx context.Context, threadID string, role model.MessageRole, content string) (model.Message, error) {
	in := map[string]string{"role": string(role), "content": content}
	var out messagePayload
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, in, &out); err != nil {
		return model.Message{}, fmt.Errorf("remote: append message: %w", err)
	}
	return model.Message{
		ID:        out.ID,
		ThreadID:  out.ThreadID,
		Role:      model.MessageRole(out.Role),
		Content:   out.Content,
		CreatedAt: time.Unix(out.CreatedAt, 0).UTC(),
	}, nil
}

// ListMessages returns the thread transcript in chronological order.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	var out listPayload[messagePayload]
	path := "/threads/" + url.PathEscape(threadID) + "/messages?order=asc"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("remote: list messages: %w", err)
	}
	msgs := make([]model.Message, 0, len(out.Data))
	for _, p := range out.Data {
		msgs = append(msgs, model.Message{
			ID:        p.ID,
			ThreadID:  p.ThreadID,
			Role:      model.MessageRole(p.Role),
			Content:   p.Content,
			CreatedAt: time.Unix(p.CreatedAt, 0).UTC(),
		})
	}
	return msgs, nil
}

// Ping probes the API root for connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/threads?limit=1", nil, nil); err != nil {
		return fmt.Errorf("remote: ping: %w", err)
	}
	return nil
}

// CreateRun starts a run of the agent against the thread.
func (c *Client) CreateRun(ctx context.Context, threadID, agentID string) (model.Run, error) {
	in := map[string]string{"agent_id": agentID}
	var out runPayload
	path := "/threads/" + url.PathEscape(threadID) + "/runs"
	if err := c.do(ctx, http.MethodPost, path, in, &out); err != nil {
		return model.Run{}, fmt.Errorf("remote: create run: %w", err)
	}
	return out.toModel(), nil
}

// GetRun fetches the current run status.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (model.Run, error) {
	var out runPayload
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return model.Run{}, fmt.Errorf("remote: get run: %w", err)
	}
	return out.toModel(), nil
}

// CancelRun requests cancellation of a run.
func (c *Client) CancelRun(ctx context.Context, threadID, runID string) error {
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, nil); err != nil {
		return fmt.Errorf("remote: cancel run: %w", err)
	}
	return nil
}

// do performs one JSON round trip. path may carry its own query string; the
// api-version parameter is appended either way. out may be nil when the
// response body is irrelevant.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	full := c.baseURL + path
	if c.apiVersion != "" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		full += sep + "api-version=" + url.QueryEscape(c.apiVersion)
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, full, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w: %w", err, backend.ErrUnavailable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", apiErrorMessage(raw), backend.ErrNotFound)
	case resp.StatusCode >= 500:
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode, apiErrorMessage(raw), backend.ErrUnavailable)
	case resp.StatusCode >= 400:
		return fmt.Errorf("status %d: %s", resp.StatusCode, apiErrorMessage(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// apiErrorMessage extracts the error message from a platform error body,
// falling back to the raw body when it isn't the expected shape.
func apiErrorMessage(raw []byte) string {
	var p errorPayload
	if err := json.Unmarshal(raw, &p); err == nil && p.Error.Message != "" {
		return p.Error.Message
	}
	if len(raw) > 256 {
		raw = raw[:256]
	}
	return string(raw)
}
