package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes. Each code of the turn
// error taxonomy has its own value so callers can react per failure mode
// instead of pattern-matching message text.
const (
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeStoreUnavailable  = "STORE_UNAVAILABLE"
	ErrCodeRunCreationFailed = "RUN_CREATION_FAILED"
	ErrCodeRunTimeout        = "RUN_TIMEOUT"
	ErrCodeRunFailed         = "RUN_FAILED"
	ErrCodeThreadBusy        = "THREAD_BUSY"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// SendMessageRequest is the request body for POST /v1/messages.
// An empty ThreadID starts a new conversation.
type SendMessageRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
}

// TurnStatus distinguishes a normal reply from the degraded no-reply case.
type TurnStatus string

const (
	TurnStatusOK TurnStatus = "ok"
	// TurnStatusDegraded means the run completed but produced no qualifying
	// assistant message; Reply carries a canned fallback text.
	TurnStatusDegraded TurnStatus = "degraded"
)

// SendMessageResponse is the response for POST /v1/messages.
type SendMessageResponse struct {
	ThreadID string     `json:"thread_id"`
	Reply    string     `json:"reply"`
	Status   TurnStatus `json:"status"`
}

// CreateThreadResponse is the response for POST /v1/threads.
type CreateThreadResponse struct {
	ThreadID string `json:"thread_id"`
}

// ThreadMessagesResponse is the response for GET /v1/threads/{thread_id}/messages.
type ThreadMessagesResponse struct {
	ThreadID string    `json:"thread_id"`
	Messages []Message `json:"messages"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Store     string `json:"store"`
	Directory string `json:"directory"`
	Uptime    int64  `json:"uptime_seconds"`
}

// DefaultMaxMessageLen bounds user message length when config does not
// override it. Counted in runes, not bytes, so multi-byte scripts get the
// same budget as ASCII.
const DefaultMaxMessageLen = 4000

// ValidateChatMessage enforces the request-validator contract: the message
// must contain at least one non-whitespace rune and at most maxLen runes.
func ValidateChatMessage(message string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLen
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("message must not be empty or whitespace-only")
	}
	if n := utf8.RuneCountInString(message); n > maxLen {
		return fmt.Errorf("message exceeds maximum length of %d characters (got %d)", maxLen, n)
	}
	return nil
}
