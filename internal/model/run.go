package model

import "time"

// RunStatus is the engine-reported lifecycle state of a run.
//
// The full status set is a superset of what the orchestrator cares about;
// Bucket collapses it to the three transitions that drive the poll loop.
type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusInProgress     RunStatus = "in_progress"
	RunStatusRequiresAction RunStatus = "requires_action"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusExpired        RunStatus = "expired"
)

// StatusBucket is the orchestrator-internal view of a run status.
type StatusBucket int

const (
	// BucketPending means the run has not reached a terminal state yet.
	BucketPending StatusBucket = iota
	// BucketSuccess means the run completed and produced its output.
	BucketSuccess
	// BucketFailure means the run terminated without success.
	BucketFailure
)

// Bucket maps an engine status to the orchestrator's three-way view.
// Unknown statuses are treated as pending so a newer backend status set
// degrades to "keep polling until the ceiling" rather than a false failure.
func (s RunStatus) Bucket() StatusBucket {
	switch s {
	case RunStatusCompleted:
		return BucketSuccess
	case RunStatusFailed, RunStatusCancelled, RunStatusExpired:
		return BucketFailure
	default:
		return BucketPending
	}
}

// Terminal reports whether no further status transition can occur.
func (s RunStatus) Terminal() bool {
	return s.Bucket() != BucketPending
}

// Run is one asynchronous execution of an agent against a thread.
//
// CreatedAt is the watermark for reply extraction: assistant messages
// strictly newer than it belong to this run's output. Immutable once
// Terminal.
type Run struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	AgentID    string    `json:"agent_id"`
	Status     RunStatus `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	FailReason string    `json:"fail_reason,omitempty"`
}
