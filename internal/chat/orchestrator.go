package chat

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/tsunagi-ai/tsunagi/internal/backend"
	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// startAndAwaitRun creates a run for (thread, agent) and polls it to a
// terminal state.
//
// The poll cadence is a fixed interval rather than exponential backoff: run
// completion times are typically short and bounded, so a short fixed interval
// minimizes added latency on the common case while the ceiling bounds the
// worst case. Transient status-fetch errors are retried a bounded number of
// times without resetting the elapsed-time budget.
func (s *Service) startAndAwaitRun(ctx context.Context, threadID string, agent model.Agent) (model.Run, error) {
	run, err := s.engine.CreateRun(ctx, threadID, agent.ID)
	if err != nil {
		// Creation failure indicates a configuration or availability
		// problem, not a transient race. Fail fast, no retry.
		return model.Run{}, fmt.Errorf("%w: %v", ErrRunCreationFailed, err)
	}

	deadline := time.Now().Add(s.opts.PollCeiling)
	cur := run
	polls := 0
	fetchFailures := 0

	defer func() {
		s.pollCount.Record(ctx, int64(polls),
			otelmetric.WithAttributes(attribute.String("run_status", string(cur.Status))))
	}()

	for {
		switch cur.Status.Bucket() {
		case model.BucketSuccess:
			return cur, nil
		case model.BucketFailure:
			reason := cur.FailReason
			if reason == "" {
				reason = string(cur.Status)
			}
			return model.Run{}, fmt.Errorf("%w: %s", ErrRunFailed, reason)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.logger.Warn("run polling exceeded ceiling",
				"thread_id", threadID, "run_id", run.ID, "polls", polls,
				"ceiling", s.opts.PollCeiling)
			return model.Run{}, fmt.Errorf("%w: run %s still %s after %s",
				ErrRunTimeout, run.ID, cur.Status, s.opts.PollCeiling)
		}

		// Near-ceiling edge: when less than one interval remains, sleep the
		// remainder and take one final poll before declaring timeout, so a
		// run completing right at the ceiling is not reported as timed out.
		sleep := s.opts.PollInterval
		finalPoll := false
		if remaining < sleep {
			sleep = remaining
			finalPoll = true
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.abandonRun(threadID, run.ID)
			return model.Run{}, fmt.Errorf("chat: turn abandoned mid-poll: %w", ctx.Err())
		case <-timer.C:
		}

		next, err := s.engine.GetRun(ctx, threadID, run.ID)
		polls++
		if err != nil {
			fetchFailures++
			if fetchFailures > s.opts.StatusFetchRetries {
				return model.Run{}, fmt.Errorf("%w: status fetch failed %d times: %v",
					ErrRunFailed, fetchFailures, err)
			}
			s.logger.Warn("transient run status fetch error",
				"thread_id", threadID, "run_id", run.ID,
				"attempt", fetchFailures, "error", err)
			continue
		}
		fetchFailures = 0
		cur = next

		if finalPoll && !cur.Status.Terminal() {
			return model.Run{}, fmt.Errorf("%w: run %s still %s after %s",
				ErrRunTimeout, run.ID, cur.Status, s.opts.PollCeiling)
		}
	}
}

// abandonRun fires one best-effort cancel when the caller disconnected
// mid-poll and the engine supports cheap cancellation. The run otherwise
// continues independently in the engine; observation is simply abandoned.
func (s *Service) abandonRun(threadID, runID string) {
	canceler, ok := s.engine.(backend.RunCanceler)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := canceler.CancelRun(ctx, threadID, runID); err != nil {
		s.logger.Debug("best-effort run cancel failed",
			"thread_id", threadID, "run_id", runID, "error", err)
	}
}
