package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

func TestSendMessageNewConversation(t *testing.T) {
	dir := &fakeDirectory{}
	store := newFakeStore()
	engine := &fakeEngine{script: completeOnCall(2)}
	engine.onComplete = replyOnComplete(store, "Hi! How can I help?")
	svc := newTestService(dir, store, engine, testOpts())

	resp, err := svc.SendMessage(context.Background(), model.SendMessageRequest{Message: "Hello"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.ThreadID == "" {
		t.Fatal("expected generated thread id")
	}
	if resp.Reply != "Hi! How can I help?" {
		t.Fatalf("unexpected reply %q", resp.Reply)
	}
	if resp.Status != model.TurnStatusOK {
		t.Fatalf("unexpected turn status %q", resp.Status)
	}
	if store.createCalls != 1 {
		t.Fatalf("expected exactly one thread creation, got %d", store.createCalls)
	}
	if store.appendCalls != 1 {
		t.Fatalf("expected exactly one message append, got %d", store.appendCalls)
	}
	if engine.createCalls != 1 {
		t.Fatalf("expected exactly one run creation, got %d", engine.createCalls)
	}
}

func TestSendMessageThreadReuse(t *testing.T) {
	dir := &fakeDirectory{}
	store := newFakeStore()
	engine := &fakeEngine{script: completeOnCall(1)}
	engine.onComplete = replyOnComplete(store, "continued")
	svc := newTestService(dir, store, engine, testOpts())

	// Existing thread with two prior messages from an earlier turn.
	base := time.Now().UTC().Add(-time.Minute)
	store.seed("T1", model.RoleUser, "first question", base)
	store.seed("T1", model.RoleAssistant, "first answer", base.Add(time.Second))

	resp, err := svc.SendMessage(context.Background(), model.SendMessageRequest{
		Message:  "And then?",
		ThreadID: "T1",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.ThreadID != "T1" {
		t.Fatalf("thread id changed: %q", resp.ThreadID)
	}
	if store.createCalls != 0 {
		t.Fatalf("thread reuse must not create a thread, got %d creations", store.createCalls)
	}
	if resp.Reply != "continued" {
		t.Fatalf("reply leaked prior history: %q", resp.Reply)
	}
}

func TestSendMessageValidationBeforeExternalCalls(t *testing.T) {
	for _, message := range []string{"", "   \t\n "} {
		t.Run(fmt.Sprintf("message=%q", message), func(t *testing.T) {
			dir := &fakeDirectory{}
			store := newFakeStore()
			engine := &fakeEngine{script: alwaysStatus(model.RunStatusCompleted)}
			svc := newTestService(dir, store, engine, testOpts())

			_, err := svc.SendMessage(context.Background(), model.SendMessageRequest{Message: message})
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
			if dir.resolveCalls != 0 || store.createCalls != 0 || store.appendCalls != 0 || engine.createCalls != 0 {
				t.Fatalf("validation failure must make zero external calls: dir=%d create=%d append=%d runs=%d",
					dir.resolveCalls, store.createCalls, store.appendCalls, engine.createCalls)
			}
		})
	}
}

func TestSendMessageOverlongRejected(t *testing.T) {
	opts := testOpts()
	opts.MaxMessageLen = 5
	svc := newTestService(&fakeDirectory{}, newFakeStore(), &fakeEngine{script: alwaysStatus(model.RunStatusCompleted)}, opts)

	_, err := svc.SendMessage(context.Background(), model.SendMessageRequest{Message: "too long for the limit"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestSendMessageRunTimeout(t *testing.T) {
	opts := testOpts()
	opts.PollInterval = 5 * time.Millisecond
	opts.PollCeiling = 40 * time.Millisecond

	store := newFakeStore()
	engine := &fakeEngine{script: alwaysStatus(model.RunStatusInProgress)}
	svc := newTestService(&fakeDirectory{}, store, engine, opts)

	start := time.Now()
	_, err := svc.SendMessage(context.Background(), model.SendMessageRequest{Message: "slow"})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrRunTimeout) {
		t.Fatalf("expected ErrRunTimeout, got %v", err)
	}
	// Bound: ceiling + one poll interval, with slack for scheduling.
	if elapsed > opts.PollCeiling+opts.PollInterval+100*time.Millisecond {
		t.Fatalf("timeout took %s, want within ceiling+interval", elapsed)
	}
	if engine.getCalls == 0 {
		t.Fatal("expected at least one status poll before timeout")
	}
}

func TestSendMessageRunFailedSurfacesReason(t *testing.T) {
	store := newFakeStore()
	engine := &fakeEngine{
		script:     alwaysStatus(model.RunStatusFailed),
		failReason: "content_filter",
	}
	svc := newTestService(&fakeDirectory{}, store, engine, testOpts())

	_, err := svc.SendMessage(context.Background(), model.SendMessageRequest{Message: "hi"})
	if !errors.Is(err, ErrRunFailed) {
		t.Fatalf("expected ErrRunFailed, got %v", err)
	}
	if got := err.Error(); !strings.Contains(got, "content_filter") {
		t.Fatalf("engine failure reason not surfaced: %q", got)
	}
}

func TestSendMessageRunCreationFailsFast(t *testing.T) {
	store := newFakeStore()
	engine := &fakeEngine{createErr: errors.New("bad agent handle")}
	svc := newTestService(&fakeDirectory{}, store, engine, testOpts())

	_, err := svc.SendMessage(context.Background(), model.SendMessageRequest{Message: "hi"})
	if !errors.Is(err, ErrRunCreationFailed) {
		t.Fatalf("expected ErrRunCreationFailed, got %v", err)
	}
	if engine.createCalls != 1 {
		t.Fatalf("run creation must not be retried, got %d attempts", engine.createCalls)
	}
	if engine.getCalls != 0 {
		t.Fatalf("no polls expected after creation failure, got %d", engine.getCalls)
	}
}

func TestSendMessageDirectoryFailure(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("agent not found")}
	store := newFakeStore()
	engine := &fakeEngine{script: alwaysStatus(model.RunStatusCompleted)}
	svc := newTestService(dir, store, engine, testOpts())

	_, err := svc.SendMessage(context.Background(), model.SendMessageRequest{Message: "hi"})
	if !errors.Is(err, ErrRunCreationFailed) {
		t.Fatalf("expected ErrRunCreationFailed, got %v", err)
	}
	if store.createCalls != 0 && store.appendCalls != 0 {
		t.Fatal("no store calls expected when the agent cannot be resolved")
	}
}

func TestSendMessageStoreUnavailable(t *testing.T) {
	store := newFakeStore()
	store.createErr = errors.New("connection refused")
	engine := &fakeEngine{script: alwaysStatus(model.RunStatusCompleted)}
	svc := newTestService(&fakeDirectory{}, store, engine, testOpts())

	_, err := svc.SendMessage(context.Background(), model.SendMessageRequest{Message: "hi"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if engine.createCalls != 0 {
		t.Fatal("no run may start when the store is down")
	}
}

func TestSendMessageTransientFetchErrorsRetried(t *testing.T) {
	store := newFakeStore()
	engine := &fakeEngine{}
	engine.script = func(call int) (model.RunStatus, error) {
		// Two transient blips, then completion.
		if call < 2 {
			return "", errors.New("network blip")
		}
		return model.RunStatusCompleted, nil
	}
	engine.onComplete = replyOnComplete(store, "recovered")
	svc := newTestService(&fakeDirectory{}, store, engine, testOpts())

	resp, err := svc.SendMessage(context.Background(), model.SendMessageRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("transient fetch errors within budget must not fail the turn: %v", err)
	}
	if resp.Reply != "recovered" {
		t.Fatalf("unexpected reply %q", resp.Reply)
	}
}

func TestSendMessageFetchRetryBudgetExhausted(t *testing.T) {
	opts := testOpts()
	opts.StatusFetchRetries = 2

	engine := &fakeEngine{}
	engine.script = func(int) (model.RunStatus, error) {
		return "", errors.New("network down")
	}
	svc := newTestService(&fakeDirectory{}, newFakeStore(), engine, opts)

	_, err := svc.SendMessage(context.Background(), model.SendMessageRequest{Message: "hi"})
	if !errors.Is(err, ErrRunFailed) {
		t.Fatalf("expected ErrRunFailed after retry budget, got %v", err)
	}
	if engine.getCalls != 3 {
		t.Fatalf("expected retries+1 = 3 fetch attempts, got %d", engine.getCalls)
	}
}

func TestSendMessageDegradedWhenNoReplyProduced(t *testing.T) {
	store := newFakeStore()
	// Engine completes but no assistant message ever lands in the store.
	engine := &fakeEngine{script: completeOnCall(1)}
	svc := newTestService(&fakeDirectory{}, store, engine, testOpts())

	resp, err := svc.SendMessage(context.Background(), model.SendMessageRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("no-reply must be a soft failure, got error: %v", err)
	}
	if resp.Status != model.TurnStatusDegraded {
		t.Fatalf("expected degraded status, got %q", resp.Status)
	}
	if resp.Reply != DegradedReplyText {
		t.Fatalf("expected canned degraded reply, got %q", resp.Reply)
	}
}

func TestSendMessageCompletionAtCeilingFinalPoll(t *testing.T) {
	opts := testOpts()
	opts.PollInterval = 10 * time.Millisecond
	opts.PollCeiling = 25 * time.Millisecond

	store := newFakeStore()
	// Pending on the first two polls; completed only on the third — which
	// lands inside the sub-interval remainder before the ceiling.
	engine := &fakeEngine{script: completeOnCall(2)}
	engine.onComplete = replyOnComplete(store, "made it")
	svc := newTestService(&fakeDirectory{}, store, engine, opts)

	resp, err := svc.SendMessage(context.Background(), model.SendMessageRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("run completing at the ceiling must not be a timeout: %v", err)
	}
	if resp.Reply != "made it" {
		t.Fatalf("unexpected reply %q", resp.Reply)
	}
}

func TestSendMessageMultiTurnNoLeakageOrDuplication(t *testing.T) {
	dir := &fakeDirectory{}
	store := newFakeStore()
	engine := &fakeEngine{}
	turn := 0
	engine.script = completeOnCall(1)
	engine.onComplete = func(run model.Run) {
		turn++
		store.seed(run.ThreadID, model.RoleAssistant, fmt.Sprintf("answer-%d", turn), run.CreatedAt.Add(time.Millisecond))
	}
	svc := newTestService(dir, store, engine, testOpts())

	ctx := context.Background()
	first, err := svc.SendMessage(ctx, model.SendMessageRequest{Message: "turn one"})
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}

	for k := 2; k <= 5; k++ {
		engine.mu.Lock()
		engine.getCalls = 0 // reset the script index for the next turn
		engine.mu.Unlock()

		resp, err := svc.SendMessage(ctx, model.SendMessageRequest{
			Message:  fmt.Sprintf("turn %d", k),
			ThreadID: first.ThreadID,
		})
		if err != nil {
			t.Fatalf("turn %d: %v", k, err)
		}
		want := fmt.Sprintf("answer-%d", k)
		if resp.Reply != want {
			t.Fatalf("turn %d returned %q, want %q (no duplication, no future leakage)", k, resp.Reply, want)
		}
	}

	if store.createCalls != 1 {
		t.Fatalf("five turns on one conversation must create exactly one thread, got %d", store.createCalls)
	}
}

func TestSendMessageAbandonedOnContextCancel(t *testing.T) {
	opts := testOpts()
	opts.PollCeiling = 5 * time.Second

	store := newFakeStore()
	engine := &fakeEngine{script: alwaysStatus(model.RunStatusInProgress)}
	svc := newTestService(&fakeDirectory{}, store, engine, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := svc.SendMessage(ctx, model.SendMessageRequest{Message: "hi"})
	if err == nil {
		t.Fatal("expected error after context cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected wrapped context.Canceled, got %v", err)
	}

	// Best-effort cancel fired because the fake engine supports it.
	engine.mu.Lock()
	canceled := len(engine.canceled)
	engine.mu.Unlock()
	if canceled != 1 {
		t.Fatalf("expected one best-effort run cancel, got %d", canceled)
	}
}

func TestCreateThread(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(&fakeDirectory{}, store, &fakeEngine{script: alwaysStatus(model.RunStatusCompleted)}, testOpts())

	thread, err := svc.CreateThread(context.Background())
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if thread.ID == "" {
		t.Fatal("expected thread id")
	}

	store.createErr = errors.New("down")
	if _, err := svc.CreateThread(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
