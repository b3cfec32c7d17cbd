// Package backend defines the contracts for the three external collaborators
// the proxy depends on: an agent directory, a conversation store, and a run
// engine. All three are treated as black boxes; implementations live in
// subpackages (memory, postgres, remote) plus the in-process run engine.
package backend

import (
	"context"
	"errors"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// ErrNotFound is returned when a referenced thread, run, or agent does not
// exist in the backing service.
var ErrNotFound = errors.New("backend: not found")

// ErrUnavailable is returned for transient infrastructure failures
// (network errors, 5xx responses). Callers may retry the whole turn.
var ErrUnavailable = errors.New("backend: unavailable")

// AgentDirectory resolves agent names to handles.
// Assumed reliable and low-latency; results are cacheable (see Cached).
type AgentDirectory interface {
	// ResolveAgent returns the agent handle for a configured name.
	ResolveAgent(ctx context.Context, name string) (model.Agent, error)
}

// ConversationStore owns threads and their message logs.
//
// Messages within a thread are totally ordered by CreatedAt; implementations
// must guarantee per-thread monotonic creation timestamps, which the reply
// watermark filter depends on.
type ConversationStore interface {
	// CreateThread creates a new empty thread.
	CreateThread(ctx context.Context) (model.Thread, error)

	// AppendMessage appends one message to a thread and returns it with
	// its store-assigned ID and CreatedAt.
	AppendMessage(ctx context.Context, threadID string, role model.MessageRole, content string) (model.Message, error)

	// ListMessages returns all messages in a thread ordered by CreatedAt
	// ascending.
	ListMessages(ctx context.Context, threadID string) ([]model.Message, error)

	// Ping checks connectivity for health reporting.
	Ping(ctx context.Context) error
}

// RunEngine starts and observes asynchronous agent runs. Status is polled,
// never pushed.
type RunEngine interface {
	// CreateRun starts a run for (thread, agent) and returns it in the
	// queued or in_progress state.
	CreateRun(ctx context.Context, threadID, agentID string) (model.Run, error)

	// GetRun fetches the current state of a run.
	GetRun(ctx context.Context, threadID, runID string) (model.Run, error)
}

// RunCanceler is optionally implemented by engines that expose cheap run
// cancellation. The orchestrator only uses it best-effort on client
// disconnect; absence of the interface is fine.
type RunCanceler interface {
	CancelRun(ctx context.Context, threadID, runID string) error
}
