package chat

import "errors"

// Turn error taxonomy. Every failure mode of a chat turn maps to exactly one
// sentinel so the HTTP layer can assign a distinct status code and the caller
// can tell "retry later" from hard failure. Wrapped detail travels via
// fmt.Errorf("...: %w", ...) around these sentinels.
var (
	// ErrInvalidRequest is a caller error; rejected before any external call.
	ErrInvalidRequest = errors.New("chat: invalid request")

	// ErrStoreUnavailable is a transient conversation-store failure. Not
	// retried at this layer; the caller may retry the whole turn.
	ErrStoreUnavailable = errors.New("chat: conversation store unavailable")

	// ErrRunCreationFailed means the engine rejected the run outright (bad
	// agent handle, availability problem). Not retried.
	ErrRunCreationFailed = errors.New("chat: run creation failed")

	// ErrRunTimeout means polling exceeded the ceiling without a terminal
	// status. The underlying run is abandoned, not cancelled.
	ErrRunTimeout = errors.New("chat: run timed out")

	// ErrRunFailed means the engine reported a terminal failure status, or
	// status fetches kept failing past the transient-retry budget.
	ErrRunFailed = errors.New("chat: run failed")

	// ErrThreadBusy means another turn holds this thread's lock and the
	// acquire timeout elapsed.
	ErrThreadBusy = errors.New("chat: thread busy")

	// errNoReply is internal: the run completed but produced no qualifying
	// assistant message. SendMessage converts it into a degraded response
	// rather than surfacing an error, since the turn technically completed.
	errNoReply = errors.New("chat: no reply produced")
)
