// Package chat implements the conversation-orchestration core: one inbound
// message becomes one turn — validate, ensure thread, append, run the agent
// to a terminal state, and extract exactly this run's reply.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/tsunagi-ai/tsunagi/internal/backend"
	"github.com/tsunagi-ai/tsunagi/internal/model"
)

var meter = otel.GetMeterProvider().Meter("tsunagi/chat")

// DegradedReplyText is returned to the caller when a run completes without
// producing a qualifying assistant message.
const DegradedReplyText = "The assistant completed without producing a response. Please try again."

// Options holds the immutable per-process tuning for the chat service.
// Read once at startup and passed in explicitly; never mutated afterwards.
type Options struct {
	// AgentName is the directory name of the agent serving every turn.
	AgentName string

	// PollInterval is the fixed cadence of run status polls.
	PollInterval time.Duration

	// PollCeiling is the hard wall-clock budget for one run. A run still
	// pending after the ceiling (plus one final poll) is abandoned with
	// ErrRunTimeout.
	PollCeiling time.Duration

	// MaxMessageLen bounds inbound message length in runes.
	MaxMessageLen int

	// StatusFetchRetries is how many consecutive transient status-fetch
	// errors are tolerated before the run is treated as failed.
	StatusFetchRetries int

	// ThreadLockTimeout bounds how long a turn waits for another turn on
	// the same thread before being rejected with ErrThreadBusy. Should
	// exceed PollCeiling so a queued double-submit normally succeeds.
	ThreadLockTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.PollCeiling <= 0 {
		o.PollCeiling = 120 * time.Second
	}
	if o.MaxMessageLen <= 0 {
		o.MaxMessageLen = model.DefaultMaxMessageLen
	}
	if o.StatusFetchRetries <= 0 {
		o.StatusFetchRetries = 3
	}
	if o.ThreadLockTimeout <= 0 {
		o.ThreadLockTimeout = o.PollCeiling + 10*time.Second
	}
}

// Service orchestrates chat turns over the three backend collaborators.
// Safe for concurrent use; all mutable state is per-turn or inside the
// keyed thread locks.
type Service struct {
	directory backend.AgentDirectory
	store     backend.ConversationStore
	engine    backend.RunEngine
	logger    *slog.Logger
	opts      Options
	locks     *threadLocks

	turnDuration otelmetric.Float64Histogram
	pollCount    otelmetric.Int64Histogram
}

// New creates a chat service. Zero-value option fields get defaults.
func New(directory backend.AgentDirectory, store backend.ConversationStore, engine backend.RunEngine, logger *slog.Logger, opts Options) *Service {
	opts.applyDefaults()
	s := &Service{
		directory: directory,
		store:     store,
		engine:    engine,
		logger:    logger,
		opts:      opts,
		locks:     newThreadLocks(),
	}
	// Instrument creation errors only occur with a misconfigured SDK; the
	// nil-safe instruments from the noop provider are fine to keep.
	s.turnDuration, _ = meter.Float64Histogram("chat.turn.duration", otelmetric.WithUnit("ms"))
	s.pollCount, _ = meter.Int64Histogram("chat.run.poll_count")
	return s
}

// Options returns the effective (defaulted) options.
func (s *Service) Options() Options {
	return s.opts
}

// CreateThread pre-creates an empty thread without sending a message.
func (s *Service) CreateThread(ctx context.Context) (model.Thread, error) {
	thread, err := s.store.CreateThread(ctx)
	if err != nil {
		return model.Thread{}, fmt.Errorf("%w: create thread: %v", ErrStoreUnavailable, err)
	}
	return thread, nil
}

// History returns the full ordered message log of a thread.
func (s *Service) History(ctx context.Context, threadID string) ([]model.Message, error) {
	msgs, err := s.store.ListMessages(ctx, threadID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: list messages: %v", ErrStoreUnavailable, err)
	}
	return msgs, nil
}

// SendMessage serves one complete chat turn.
//
// Pipeline: validate → resolve agent → ensure thread → lock thread → append
// user message → start and await run → extract reply. The append happens
// strictly before run creation, which happens strictly before the message
// listing — the watermark filter depends on that ordering.
func (s *Service) SendMessage(ctx context.Context, req model.SendMessageRequest) (model.SendMessageResponse, error) {
	start := time.Now()

	// Validation recovers locally, before any external collaborator is touched.
	if err := model.ValidateChatMessage(req.Message, s.opts.MaxMessageLen); err != nil {
		return model.SendMessageResponse{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	agent, err := s.directory.ResolveAgent(ctx, s.opts.AgentName)
	if err != nil {
		// No usable agent handle means no run can ever be created.
		return model.SendMessageResponse{}, fmt.Errorf("%w: resolve agent %q: %v", ErrRunCreationFailed, s.opts.AgentName, err)
	}

	threadID, created, err := s.ensureThread(ctx, req.ThreadID)
	if err != nil {
		return model.SendMessageResponse{}, err
	}

	release, err := s.locks.acquire(ctx, threadID, s.opts.ThreadLockTimeout)
	if err != nil {
		return model.SendMessageResponse{}, err
	}
	defer release()

	// A caller-supplied thread id the store no longer knows surfaces here,
	// as a store-level failure, per the no-eager-validation contract.
	if _, err := s.store.AppendMessage(ctx, threadID, model.RoleUser, req.Message); err != nil {
		return model.SendMessageResponse{}, fmt.Errorf("%w: append message: %v", ErrStoreUnavailable, err)
	}

	run, err := s.startAndAwaitRun(ctx, threadID, agent)
	if err != nil {
		return model.SendMessageResponse{}, err
	}

	resp := model.SendMessageResponse{ThreadID: threadID, Status: model.TurnStatusOK}
	reply, err := s.extractReply(ctx, threadID, run)
	switch {
	case errors.Is(err, errNoReply):
		// Soft failure: the run itself succeeded, degrade instead of erroring.
		s.logger.Warn("run completed without assistant output",
			"thread_id", threadID, "run_id", run.ID)
		resp.Reply = DegradedReplyText
		resp.Status = model.TurnStatusDegraded
	case err != nil:
		return model.SendMessageResponse{}, err
	default:
		resp.Reply = reply
	}

	s.turnDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		otelmetric.WithAttributes(
			attribute.Bool("thread_created", created),
			attribute.String("turn_status", string(resp.Status)),
		))

	s.logger.Info("chat turn served",
		"thread_id", threadID,
		"run_id", run.ID,
		"thread_created", created,
		"turn_status", string(resp.Status),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// ensureThread returns a usable thread id, creating a thread only when the
// caller supplied none. An existing id is passed through without eager
// re-validation: a stale id surfaces later as a store-level failure.
func (s *Service) ensureThread(ctx context.Context, threadID string) (string, bool, error) {
	if threadID != "" {
		return threadID, false, nil
	}
	thread, err := s.store.CreateThread(ctx)
	if err != nil {
		return "", false, fmt.Errorf("%w: create thread: %v", ErrStoreUnavailable, err)
	}
	return thread.ID, true, nil
}
