package peekcursor

import (
	"context"
	"math/rand/v2"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chn0318/tlog/config"
	"github.com/chn0318/tlog/mutation"
	"github.com/chn0318/tlog/wire"
)

// StorageTeamCursor peeks the mutation suffix of a single storage team from
// one or more replica endpoints and iterates the buffered VSMs.
type StorageTeamCursor struct {
	team      mutation.StorageTeamID
	endpoints []Endpoint

	beginVersion mutation.Version
	// lastVersion is the last version covered by a reply; the next peek
	// begins at lastVersion + 1, i.e. at the previous reply's exclusive
	// end version.
	lastVersion mutation.Version

	maxKnownVersion          mutation.Version
	minKnownCommittedVersion mutation.Version
	poppedVersion            mutation.Version
	lastPeekLocation         uuid.UUID

	reportEmpty bool

	// limit is the last version this cursor may surface. The mutable-team
	// cursor lowers it when the team leaves the storage server's set, so
	// buffered records past the boundary stay hidden until the leaf is
	// detached.
	limit mutation.Version

	deser *wire.Deserializer
	it    wire.Iterator

	pipeline *peekPipeline
	logger   *zap.Logger
}

// NewStorageTeamCursor builds a leaf cursor starting at beginVersion. When
// reportEmpty is false, empty-version records are skipped during iteration;
// the broadcast merge cursors require it to be true.
func NewStorageTeamCursor(
	beginVersion mutation.Version,
	team mutation.StorageTeamID,
	endpoints []Endpoint,
	reportEmpty bool,
) *StorageTeamCursor {
	if len(endpoints) == 0 {
		panic(errors.AssertionFailedf("storage team cursor needs at least one endpoint"))
	}
	// The deserializer itself always surfaces empty versions; filtering
	// happens at iteration so the same buffer serves both modes.
	deser, err := wire.NewDeserializer(wire.EmptyPayload(team), true)
	if err != nil {
		panic(errors.AssertionFailedf("empty payload must parse: %v", err))
	}
	c := &StorageTeamCursor{
		team:                     team,
		endpoints:                endpoints,
		beginVersion:             beginVersion,
		lastVersion:              beginVersion - 1,
		maxKnownVersion:          mutation.InvalidVersion,
		minKnownCommittedVersion: mutation.InvalidVersion,
		poppedVersion:            mutation.InvalidVersion,
		reportEmpty:              reportEmpty,
		limit:                    mutation.MaxVersion,
		deser:                    deser,
		logger:                   zap.NewNop(),
	}
	c.it = deser.Begin()
	if depth := config.ParallelGetMoreRequests(); depth > 1 {
		c.pipeline = newPeekPipeline(depth)
	}
	return c
}

// SetLogger installs a structured logger; the default is a nop.
func (c *StorageTeamCursor) SetLogger(l *zap.Logger) { c.logger = l }

func (c *StorageTeamCursor) StorageTeamID() mutation.StorageTeamID { return c.team }
func (c *StorageTeamCursor) BeginVersion() mutation.Version { return c.beginVersion }
func (c *StorageTeamCursor) MaxKnownVersion() mutation.Version { return c.maxKnownVersion }
func (c *StorageTeamCursor) Popped() mutation.Version { return c.poppedVersion }

func (c *StorageTeamCursor) MinKnownCommittedVersion() mutation.Version {
	return c.minKnownCommittedVersion
}

// CurrentPeekLocation is the endpoint that served the most recent peek, or
// uuid.Nil before the first one.
func (c *StorageTeamCursor) CurrentPeekLocation() uuid.UUID { return c.lastPeekLocation }

// ReportsEmptyVersions reports whether empty-version records are surfaced.
func (c *StorageTeamCursor) ReportsEmptyVersions() bool { return c.reportEmpty }

func (c *StorageTeamCursor) HasRemaining() bool {
	if !c.reportEmpty {
		for c.it.Valid() && c.it.VSM().Message.MessageType() == mutation.MessageEmptyVersion {
			c.it.Next()
		}
	}
	if err := c.it.Err(); err != nil {
		panic(errors.AssertionFailedf("corrupt peek payload for team %s: %v", c.team, err))
	}
	if c.it.Valid() && c.it.VSM().Version > c.limit {
		return false
	}
	return c.it.Valid()
}

// limitTo caps delivery at version v (inclusive). Lowering only.
func (c *StorageTeamCursor) limitTo(v mutation.Version) {
	if v < c.limit {
		c.limit = v
	}
}

// unlimit lifts a previously set delivery cap.
func (c *StorageTeamCursor) unlimit() { c.limit = mutation.MaxVersion }

// drainedPastLimit reports whether everything at or below the limit has
// been both received and delivered; the leaf can then be detached.
func (c *StorageTeamCursor) drainedPastLimit() bool {
	return !c.HasRemaining() && c.lastVersion >= c.limit
}

func (c *StorageTeamCursor) Get() mutation.VSM {
	if !c.it.Valid() {
		panic(errors.AssertionFailedf("Get on drained cursor, team %s", c.team))
	}
	return c.it.VSM()
}

func (c *StorageTeamCursor) Next() {
	if !c.it.Valid() {
		panic(errors.AssertionFailedf("Next on drained cursor, team %s", c.team))
	}
	c.it.Next()
}

// Reset rewinds iteration to the front of the current buffer.
func (c *StorageTeamCursor) Reset() {
	c.it = c.deser.Begin()
}

func (c *StorageTeamCursor) Version() mutation.Version { return c.Get().Version }
func (c *StorageTeamCursor) Subsequence() mutation.Subsequence { return c.Get().Subsequence }

// compare orders two leaf cursors by their current (version, subsequence),
// with the storage team id breaking remaining ties deterministically.
func (c *StorageTeamCursor) compare(other *StorageTeamCursor) int {
	if r := c.Get().Compare(other.Get()); r != 0 {
		return r
	}
	return c.team.Compare(other.team)
}

// RemoteMoreAvailable issues one peek (or consumes one pipelined reply) and
// rebuffers the cursor. False means the remote had no new data.
func (c *StorageTeamCursor) RemoteMoreAvailable(ctx context.Context) (bool, error) {
	if c.pipeline != nil {
		got, err := c.remoteMoreAvailablePipelined(ctx)
		if errors.Is(err, mutation.ErrTimedOut) {
			// Treated like an obsolete reply: not ready, retry later.
			return false, nil
		}
		return got, err
	}

	ep := c.endpoints[rand.IntN(len(c.endpoints))]
	// The cursor owns the retry/backoff protocol, so a blocked remote
	// should answer empty rather than hold the request open.
	reply, err := ep.Peek(ctx, &wire.PeekRequest{
		BeginVersion:    c.lastVersion + 1,
		EndVersion:      mutation.MaxVersion,
		StorageTeamID:   c.team,
		ReturnIfBlocked: true,
	})
	if err != nil {
		if errors.Is(err, mutation.ErrTimedOut) {
			// Treated like an obsolete reply: not ready, retry later.
			return false, nil
		}
		return false, err
	}
	c.lastPeekLocation = ep.ID()
	return c.ingestReply(reply)
}

// ingestReply points the deserializer at a reply buffer and advances the
// watermarks. Empty replies leave all state untouched.
func (c *StorageTeamCursor) ingestReply(reply *wire.PeekReply) (bool, error) {
	if err := c.deser.Reset(reply.Data); err != nil {
		return false, errors.Wrapf(err, "team %s", c.team)
	}
	c.it = c.deser.Begin()
	if !c.it.Valid() {
		// No new mutations in this reply; leave the watermarks alone so
		// the next peek re-asks from the same position.
		return false, nil
	}

	// EndVersion is the exclusive bound of the reply; the next peek
	// begins exactly there.
	c.lastVersion = reply.EndVersion - 1
	if reply.MaxKnownVersion > c.maxKnownVersion {
		c.maxKnownVersion = reply.MaxKnownVersion
	}
	if reply.MinKnownCommittedVersion > c.minKnownCommittedVersion {
		c.minKnownCommittedVersion = reply.MinKnownCommittedVersion
	}
	if reply.HasPopped && reply.PoppedVersion > c.poppedVersion {
		c.poppedVersion = reply.PoppedVersion
	}
	c.logger.Debug("peek refilled",
		zap.String("team", c.team.String()),
		zap.Int64("end", int64(reply.EndVersion)),
		zap.Int64("maxKnown", int64(reply.MaxKnownVersion)))
	return true, nil
}
