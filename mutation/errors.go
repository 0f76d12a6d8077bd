package mutation

import "github.com/cockroachdb/errors"

// Error taxonomy shared by the transport and cursor layers. Matching is by
// errors.Is, so wrapped transport context survives classification.
var (
	// ErrEndOfStream is the expected terminal signal for a storage team:
	// the epoch serving it has ended and no further data will appear.
	ErrEndOfStream = errors.New("end of stream")

	// ErrOperationObsolete reports a pipelined peek reply that arrived
	// out of order; the caller discards queued replies and restarts at
	// its watermark.
	ErrOperationObsolete = errors.New("operation obsolete")

	// ErrTimedOut reports a remote that was too slow; cursors treat it
	// like ErrOperationObsolete.
	ErrTimedOut = errors.New("timed out")

	// ErrBrokenPromise reports a remote endpoint that died mid-request.
	// It propagates so the caller can rebuild the cursor at
	// last_version + 1.
	ErrBrokenPromise = errors.New("broken promise")
)
