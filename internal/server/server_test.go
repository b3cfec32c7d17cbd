package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsunagi-ai/tsunagi/internal/backend/memory"
	"github.com/tsunagi-ai/tsunagi/internal/chat"
	"github.com/tsunagi-ai/tsunagi/internal/completion"
	"github.com/tsunagi-ai/tsunagi/internal/engine/local"
	"github.com/tsunagi-ai/tsunagi/internal/model"
	"github.com/tsunagi-ai/tsunagi/internal/ratelimit"
	"github.com/tsunagi-ai/tsunagi/internal/server"
	"github.com/tsunagi-ai/tsunagi/internal/testutil"
)

// newTestServer assembles a full server on the in-memory backend with the
// in-process engine and echo completions.
func newTestServer(t *testing.T, mutate func(*server.ServerConfig)) *httptest.Server {
	t.Helper()

	logger := testutil.NewLogger(t)
	store := memory.NewStore()
	directory := memory.NewDirectory()

	eng := local.New(store, completion.NewEchoProvider(), logger, 2, 16)
	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		drainCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		eng.Drain(drainCtx)
		cancel()
	})

	svc := chat.New(directory, store, eng, logger, chat.Options{
		AgentName:    "assistant",
		PollInterval: 5 * time.Millisecond,
		PollCeiling:  2 * time.Second,
	})

	cfg := server.ServerConfig{
		ChatSvc:             svc,
		Store:               store,
		Directory:           directory,
		Logger:              logger,
		Version:             "test",
		BackendName:         "memory",
		AgentName:           "assistant",
		MaxRequestBodyBytes: 1 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := httptest.NewServer(server.New(cfg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) (T, model.ResponseMeta) {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data T                  `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Data, envelope.Meta
}

func decodeError(t *testing.T, resp *http.Response) model.APIError {
	t.Helper()
	defer resp.Body.Close()
	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	return apiErr
}

func TestSendMessageRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/v1/messages", model.SendMessageRequest{Message: "hello there"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, meta := decodeData[model.SendMessageResponse](t, resp)
	assert.NotEmpty(t, data.ThreadID)
	assert.Equal(t, "You said: hello there", data.Reply)
	assert.Equal(t, model.TurnStatusOK, data.Status)
	assert.NotEmpty(t, meta.RequestID)
}

func TestSendMessageContinuesThread(t *testing.T) {
	srv := newTestServer(t, nil)

	first, _ := decodeData[model.SendMessageResponse](t,
		postJSON(t, srv.URL+"/v1/messages", model.SendMessageRequest{Message: "first turn"}))

	resp := postJSON(t, srv.URL+"/v1/messages", model.SendMessageRequest{
		Message:  "second turn",
		ThreadID: first.ThreadID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second, _ := decodeData[model.SendMessageResponse](t, resp)
	assert.Equal(t, first.ThreadID, second.ThreadID)
	assert.Equal(t, "You said: second turn", second.Reply)

	// Full transcript: two user messages and two replies, in order.
	histResp, err := http.Get(srv.URL + "/v1/threads/" + first.ThreadID + "/messages")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, histResp.StatusCode)
	hist, _ := decodeData[model.ThreadMessagesResponse](t, histResp)
	require.Len(t, hist.Messages, 4)
	assert.Equal(t, model.RoleUser, hist.Messages[0].Role)
	assert.Equal(t, model.RoleAssistant, hist.Messages[1].Role)
	assert.Equal(t, "second turn", hist.Messages[2].Content)
}

func TestSendMessageValidation(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"empty message", `{"message": ""}`},
		{"whitespace message", `{"message": "   "}`},
		{"unknown field", `{"message": "hi", "bogus": true}`},
		{"malformed json", `{"message": `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/v1/messages", "application/json", bytes.NewReader([]byte(tt.body)))
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			apiErr := decodeError(t, resp)
			assert.Equal(t, model.ErrCodeInvalidRequest, apiErr.Error.Code)
		})
	}
}

func TestSendMessageUnknownThread(t *testing.T) {
	srv := newTestServer(t, nil)

	// A stale thread id is not validated eagerly; it surfaces when the store
	// rejects the append.
	resp := postJSON(t, srv.URL+"/v1/messages", model.SendMessageRequest{
		Message:  "anyone home?",
		ThreadID: "thread_does_not_exist",
	})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	apiErr := decodeError(t, resp)
	assert.Equal(t, model.ErrCodeStoreUnavailable, apiErr.Error.Code)
}

func TestCreateThreadThenHistory(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/v1/threads", struct{}{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created, _ := decodeData[model.CreateThreadResponse](t, resp)
	require.NotEmpty(t, created.ThreadID)

	histResp, err := http.Get(srv.URL + "/v1/threads/" + created.ThreadID + "/messages")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, histResp.StatusCode)
	hist, _ := decodeData[model.ThreadMessagesResponse](t, histResp)
	assert.Empty(t, hist.Messages)
}

func TestHistoryUnknownThread(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/v1/threads/thread_missing/messages")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	apiErr := decodeError(t, resp)
	assert.Equal(t, model.ErrCodeNotFound, apiErr.Error.Code)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health, _ := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Store)
	assert.Equal(t, "resolved", health.Directory)
	assert.Equal(t, "test", health.Version)
}

type unreachableDirectory struct{}

func (unreachableDirectory) ResolveAgent(context.Context, string) (model.Agent, error) {
	return model.Agent{}, errors.New("directory unreachable")
}

// The health probe must hit the directory directly; a stale cache in front
// of it would hide an outage.
func TestHealthDegradedWhenDirectoryDown(t *testing.T) {
	srv := newTestServer(t, func(cfg *server.ServerConfig) {
		cfg.Directory = unreachableDirectory{}
	})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health, _ := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "connected", health.Store)
	assert.Equal(t, "unresolved", health.Directory)
}

func TestConfigEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/config")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg, _ := decodeData[map[string]any](t, resp)
	assert.Equal(t, "memory", cfg["backend"])
	assert.Equal(t, "assistant", cfg["agent_name"])
	assert.Equal(t, "5ms", cfg["poll_interval"])
}

func TestRequestIDPropagation(t *testing.T) {
	srv := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "caller-supplied-id")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "caller-supplied-id", resp.Header.Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestRateLimitApplied(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 2)
	t.Cleanup(func() { _ = limiter.Close() })

	srv := newTestServer(t, func(cfg *server.ServerConfig) {
		cfg.Limiter = limiter
	})

	// Burst of 2, then denial.
	var lastStatus int
	for i := 0; i < 3; i++ {
		resp := postJSON(t, srv.URL+"/v1/threads", struct{}{})
		lastStatus = resp.StatusCode
		resp.Body.Close()
	}
	assert.Equal(t, http.StatusTooManyRequests, lastStatus)
}

func TestOversizedBodyRejected(t *testing.T) {
	srv := newTestServer(t, func(cfg *server.ServerConfig) {
		cfg.MaxRequestBodyBytes = 64
	})

	big := bytes.Repeat([]byte("a"), 1024)
	body, _ := json.Marshal(model.SendMessageRequest{Message: string(big)})
	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/v1/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
