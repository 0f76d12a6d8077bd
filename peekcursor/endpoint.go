// Package peekcursor implements the consumer side of the TLog write path:
// cursors that pull subsequenced mutations from one or more TLog endpoints,
// merge them under the broadcast version-alignment invariant, and expose a
// restartable iterator to the storage server.
package peekcursor

import (
	"context"

	"github.com/google/uuid"

	"github.com/chn0318/tlog/mutation"
	"github.com/chn0318/tlog/wire"
)

// Endpoint abstracts one TLog replica able to answer peek requests.
// Implementations can be backed by the in-memory TLog or a gRPC client.
type Endpoint interface {
	// ID identifies the replica, for peek-location reporting.
	ID() uuid.UUID

	// Peek returns the team's mutation suffix starting at the request's
	// begin version. An empty reply (header-only payload) means no new
	// data yet; an error matching mutation.ErrEndOfStream means the
	// epoch serving the team has ended.
	Peek(ctx context.Context, req *wire.PeekRequest) (*wire.PeekReply, error)
}

// EndpointResolver maps a storage team to the replicas currently serving
// it. Used by the mutable-team cursor when membership changes in-band.
type EndpointResolver func(mutation.StorageTeamID) []Endpoint

// Cursor is the iterator surface exposed to the storage server. Get, Next,
// HasRemaining and Reset are synchronous; RemoteMoreAvailable is the only
// suspending operation. Cursors are not safe for concurrent use.
type Cursor interface {
	// HasRemaining reports whether a VSM is buffered locally.
	HasRemaining() bool

	// Get returns the current VSM. Calling Get on a drained cursor is a
	// programming error and panics.
	Get() mutation.VSM

	// Next advances one VSM locally. Same precondition as Get.
	Next()

	// Reset rewinds iteration to the position captured by the last
	// refill, so a batch can be replayed after a transient failure.
	Reset()

	// RemoteMoreAvailable refills local buffers from the remote TLogs.
	// It returns true when new data is buffered, false when the remote
	// had nothing yet (caller should back off and retry), and an error
	// matching mutation.ErrEndOfStream once the stream has terminally
	// ended. Cancelling ctx leaves the cursor in its pre-call state.
	RemoteMoreAvailable(ctx context.Context) (bool, error)

	// Version and Subsequence locate the current VSM.
	Version() mutation.Version
	Subsequence() mutation.Subsequence
}
