// Package local provides an in-process RunEngine for self-contained
// deployments. Runs execute asynchronously on worker goroutines: the engine
// reads the thread transcript, generates a reply through a completion
// provider, and appends it to the conversation store. Status is observable
// through GetRun exactly like a remote engine — queued, then in_progress,
// then a terminal state.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tsunagi-ai/tsunagi/internal/backend"
	"github.com/tsunagi-ai/tsunagi/internal/completion"
	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// retainTerminal is how long finished runs stay queryable before eviction.
// Pollers observe terminal states within one poll interval, so minutes of
// retention is generous.
const retainTerminal = 10 * time.Minute

// execTimeout caps a single run's execution. It must comfortably exceed the
// poll ceiling a caller waits under; past it a stuck provider call is failed
// rather than held open.
const execTimeout = 5 * time.Minute

// Engine executes runs in-process.
type Engine struct {
	store    backend.ConversationStore
	provider completion.Provider
	logger   *slog.Logger

	workers int
	jobs    chan string // run IDs awaiting execution

	mu   sync.Mutex
	runs map[string]*runState

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

type runState struct {
	run        model.Run
	finishedAt time.Time
	cancelled  bool
}

// New creates a local engine. workers controls execution parallelism;
// queueDepth bounds how many created-but-unstarted runs may accumulate.
func New(store backend.ConversationStore, provider completion.Provider, logger *slog.Logger, workers, queueDepth int) *Engine {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Engine{
		store:    store,
		provider: provider,
		logger:   logger,
		workers:  workers,
		jobs:     make(chan string, queueDepth),
		runs:     make(map[string]*runState),
		done:     make(chan struct{}),
	}
}

// Start launches the worker goroutines and the eviction janitor.
// Workers stop when ctx is canceled or Drain is called.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	go e.janitor(ctx)
}

// CreateRun registers a run for the thread and enqueues it for execution.
func (e *Engine) CreateRun(ctx context.Context, threadID, agentID string) (model.Run, error) {
	// Verify the thread exists up front so a bad thread id fails run
	// creation instead of producing a failed run later.
	if _, err := e.store.ListMessages(ctx, threadID); err != nil {
		return model.Run{}, fmt.Errorf("local: create run: %w", err)
	}

	run := model.Run{
		ID:        "run_" + uuid.NewString(),
		ThreadID:  threadID,
		AgentID:   agentID,
		Status:    model.RunStatusQueued,
		CreatedAt: time.Now().UTC(),
	}

	e.mu.Lock()
	e.runs[run.ID] = &runState{run: run}
	e.mu.Unlock()

	select {
	case e.jobs <- run.ID:
	default:
		e.mu.Lock()
		delete(e.runs, run.ID)
		e.mu.Unlock()
		return model.Run{}, fmt.Errorf("local: run queue full: %w", backend.ErrUnavailable)
	}
	return run, nil
}

// GetRun returns the current snapshot of a run.
func (e *Engine) GetRun(_ context.Context, _, runID string) (model.Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.runs[runID]
	if !ok {
		return model.Run{}, fmt.Errorf("local: run %s: %w", runID, backend.ErrNotFound)
	}
	return st.run, nil
}

// CancelRun marks a not-yet-terminal run as cancelled. A run already being
// executed finishes its in-flight completion call; the cancelled flag only
// prevents un-started work.
func (e *Engine) CancelRun(_ context.Context, _, runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.runs[runID]
	if !ok {
		return fmt.Errorf("local: run %s: %w", runID, backend.ErrNotFound)
	}
	if st.run.Status.Terminal() {
		return nil
	}
	st.cancelled = true
	if st.run.Status == model.RunStatusQueued {
		st.run.Status = model.RunStatusCancelled
		st.finishedAt = time.Now()
	}
	return nil
}

// Drain signals workers to stop and waits for in-flight runs, bounded by ctx.
func (e *Engine) Drain(ctx context.Context) {
	e.stopOnce.Do(func() { close(e.done) })

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		e.logger.Warn("local engine drain timed out")
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case runID := <-e.jobs:
			// Execution is detached from the start context: ctx going away
			// stops the pull loop, never work already in flight. Drain
			// bounds how long shutdown waits for that work.
			runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), execTimeout)
			e.execute(runCtx, runID)
			cancel()
		}
	}
}

func (e *Engine) execute(ctx context.Context, runID string) {
	e.mu.Lock()
	st, ok := e.runs[runID]
	if !ok || st.cancelled || st.run.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	st.run.Status = model.RunStatusInProgress
	run := st.run
	e.mu.Unlock()

	transcript, err := e.store.ListMessages(ctx, run.ThreadID)
	if err != nil {
		e.finish(runID, model.RunStatusFailed, fmt.Sprintf("list messages: %v", err))
		return
	}

	agent := model.Agent{ID: run.AgentID, Name: run.AgentID}
	reply, err := e.provider.Complete(ctx, agent, transcript)
	if err != nil {
		e.finish(runID, model.RunStatusFailed, fmt.Sprintf("completion: %v", err))
		return
	}

	if _, err := e.store.AppendMessage(ctx, run.ThreadID, model.RoleAssistant, reply); err != nil {
		e.finish(runID, model.RunStatusFailed, fmt.Sprintf("append reply: %v", err))
		return
	}

	e.finish(runID, model.RunStatusCompleted, "")
}

func (e *Engine) finish(runID string, status model.RunStatus, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.runs[runID]
	if !ok {
		return
	}
	st.run.Status = status
	st.run.FailReason = reason
	st.finishedAt = time.Now()
	if status == model.RunStatusFailed {
		e.logger.Warn("local run failed",
			"run_id", runID, "thread_id", st.run.ThreadID, "reason", reason)
	}
}

// janitor evicts terminal runs past the retention window.
func (e *Engine) janitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retainTerminal)
			e.mu.Lock()
			for id, st := range e.runs {
				if st.run.Status.Terminal() && !st.finishedAt.IsZero() && st.finishedAt.Before(cutoff) {
					delete(e.runs, id)
				}
			}
			e.mu.Unlock()
		}
	}
}

