// Package memory provides in-memory implementations of the backend contracts
// for development mode and tests. State lives for the process lifetime only.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tsunagi-ai/tsunagi/internal/backend"
	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// Store is a mutex-guarded in-memory ConversationStore.
//
// Message timestamps are forced strictly monotonic per thread: two appends
// landing within clock resolution get nanosecond-bumped CreatedAt values, so
// the watermark filter behaves the same as against a real store.
type Store struct {
	mu      sync.Mutex
	threads map[string]*threadState
}

type threadState struct {
	thread   model.Thread
	messages []model.Message
	lastTS   time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{threads: make(map[string]*threadState)}
}

// CreateThread creates a new empty thread with a generated id.
func (s *Store) CreateThread(_ context.Context) (model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := model.Thread{
		ID:        "thread_" + uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	s.threads[t.ID] = &threadState{thread: t}
	return t, nil
}

// AppendMessage appends one message to a thread.
func (s *Store) AppendMessage(_ context.Context, threadID string, role model.MessageRole, content string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.threads[threadID]
	if !ok {
		return model.Message{}, fmt.Errorf("memory: thread %s: %w", threadID, backend.ErrNotFound)
	}

	msg := model.Message{
		ID:        "msg_" + uuid.NewString(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: ts.nextTimestamp(),
	}
	ts.messages = append(ts.messages, msg)
	return msg, nil
}

// ListMessages returns the thread's messages ordered by CreatedAt ascending.
func (s *Store) ListMessages(_ context.Context, threadID string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("memory: thread %s: %w", threadID, backend.ErrNotFound)
	}

	// Appends already happen in CreatedAt order; copy to keep callers from
	// aliasing internal state.
	out := make([]model.Message, len(ts.messages))
	copy(out, ts.messages)
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Now returns a strictly increasing timestamp for this thread.
func (ts *threadState) nextTimestamp() time.Time {
	now := time.Now().UTC()
	if !now.After(ts.lastTS) {
		now = ts.lastTS.Add(time.Nanosecond)
	}
	ts.lastTS = now
	return now
}

// Directory is a static in-memory AgentDirectory: every name resolves to a
// deterministic handle. Dev mode has no real directory to talk to.
type Directory struct{}

// NewDirectory creates the static directory.
func NewDirectory() *Directory { return &Directory{} }

// ResolveAgent returns a deterministic handle for the given name.
func (Directory) ResolveAgent(_ context.Context, name string) (model.Agent, error) {
	if name == "" {
		return model.Agent{}, fmt.Errorf("memory: empty agent name: %w", backend.ErrNotFound)
	}
	return model.Agent{ID: "agent_" + name, Name: name}, nil
}
