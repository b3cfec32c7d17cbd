package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// Call-counting in-memory fakes for the three collaborators. Tests assert on
// the counters to verify which external calls a turn made (and which it
// didn't).

type fakeDirectory struct {
	mu           sync.Mutex
	resolveCalls int
	err          error
}

func (d *fakeDirectory) ResolveAgent(_ context.Context, name string) (model.Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolveCalls++
	if d.err != nil {
		return model.Agent{}, d.err
	}
	return model.Agent{ID: "agent_" + name, Name: name}, nil
}

type fakeStore struct {
	mu          sync.Mutex
	createCalls int
	appendCalls int
	listCalls   int
	createErr   error
	appendErr   error
	listErr     error
	threads     map[string][]model.Message
	lastTS      time.Time
	seq         int
}

func newFakeStore() *fakeStore {
	return &fakeStore{threads: make(map[string][]model.Message)}
}

func (s *fakeStore) CreateThread(context.Context) (model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.createErr != nil {
		return model.Thread{}, s.createErr
	}
	s.seq++
	id := fmt.Sprintf("thread_%d", s.seq)
	s.threads[id] = nil
	return model.Thread{ID: id, CreatedAt: time.Now().UTC()}, nil
}

func (s *fakeStore) AppendMessage(_ context.Context, threadID string, role model.MessageRole, content string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCalls++
	if s.appendErr != nil {
		return model.Message{}, s.appendErr
	}
	return s.appendLocked(threadID, role, content, time.Time{}), nil
}

// seed inserts a message with an explicit timestamp, bypassing counters.
// Used to pre-populate prior-turn history.
func (s *fakeStore) seed(threadID string, role model.MessageRole, content string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(threadID, role, content, at)
}

func (s *fakeStore) appendLocked(threadID string, role model.MessageRole, content string, at time.Time) model.Message {
	if at.IsZero() {
		at = time.Now().UTC()
		if !at.After(s.lastTS) {
			at = s.lastTS.Add(time.Nanosecond)
		}
	}
	if at.After(s.lastTS) {
		s.lastTS = at
	}
	s.seq++
	msg := model.Message{
		ID:        fmt.Sprintf("msg_%d", s.seq),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: at,
	}
	s.threads[threadID] = append(s.threads[threadID], msg)
	return msg
}

func (s *fakeStore) ListMessages(_ context.Context, threadID string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]model.Message, len(s.threads[threadID]))
	copy(out, s.threads[threadID])
	return out, nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }

// fakeEngine scripts GetRun responses per call index. When the script first
// reports completed, onComplete fires (typically appending the assistant
// reply to the store), before GetRun returns — mirroring a real engine where
// output lands in the store by the time the terminal status is observable.
type fakeEngine struct {
	mu          sync.Mutex
	createCalls int
	getCalls    int
	createErr   error
	failReason  string
	script      func(call int) (model.RunStatus, error)
	onComplete  func(run model.Run)
	completed   bool
	canceled    []string
	run         model.Run
	seq         int
}

func (e *fakeEngine) CreateRun(_ context.Context, threadID, agentID string) (model.Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.createCalls++
	if e.createErr != nil {
		return model.Run{}, e.createErr
	}
	e.seq++
	e.run = model.Run{
		ID:        fmt.Sprintf("run_%d", e.seq),
		ThreadID:  threadID,
		AgentID:   agentID,
		Status:    model.RunStatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	e.completed = false
	return e.run, nil
}

func (e *fakeEngine) GetRun(_ context.Context, _, runID string) (model.Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	call := e.getCalls
	e.getCalls++
	status, err := e.script(call)
	if err != nil {
		return model.Run{}, err
	}
	run := e.run
	run.ID = runID
	run.Status = status
	if status.Bucket() == model.BucketFailure {
		run.FailReason = e.failReason
	}
	if status == model.RunStatusCompleted && !e.completed {
		e.completed = true
		if e.onComplete != nil {
			e.onComplete(run)
		}
	}
	return run, nil
}

func (e *fakeEngine) CancelRun(_ context.Context, _, runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.canceled = append(e.canceled, runID)
	return nil
}

// alwaysStatus scripts every poll to the same status.
func alwaysStatus(s model.RunStatus) func(int) (model.RunStatus, error) {
	return func(int) (model.RunStatus, error) { return s, nil }
}

// completeOnCall scripts in_progress until call index n (0-based), then completed.
func completeOnCall(n int) func(int) (model.RunStatus, error) {
	return func(call int) (model.RunStatus, error) {
		if call < n {
			return model.RunStatusInProgress, nil
		}
		return model.RunStatusCompleted, nil
	}
}

func testOpts() Options {
	return Options{
		AgentName:          "helpdesk",
		PollInterval:       2 * time.Millisecond,
		PollCeiling:        250 * time.Millisecond,
		MaxMessageLen:      100,
		StatusFetchRetries: 3,
		ThreadLockTimeout:  time.Second,
	}
}

func newTestService(dir *fakeDirectory, store *fakeStore, engine *fakeEngine, opts Options) *Service {
	logger := slog.New(slog.DiscardHandler)
	return New(dir, store, engine, logger, opts)
}

// replyOnComplete returns an onComplete hook that appends an assistant reply
// to the store after the run's watermark.
func replyOnComplete(store *fakeStore, text string) func(model.Run) {
	return func(run model.Run) {
		store.seed(run.ThreadID, model.RoleAssistant, text, run.CreatedAt.Add(time.Millisecond))
	}
}
