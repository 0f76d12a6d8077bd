// Package memorytlog is an in-memory TLog: versioned, subsequenced message
// suffixes per storage team, answered through the same peek surface a real
// TLog server exposes. It backs unit tests and the demo server binary.
package memorytlog

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chn0318/tlog/mutation"
	"github.com/chn0318/tlog/wire"
)

// versionEntry is one commit version of one team.
type versionEntry struct {
	version mutation.Version
	items   []subsequencedMessage
}

type subsequencedMessage struct {
	subsequence mutation.Subsequence
	message     mutation.Message
}

// MemoryTLog serves the storage teams of one TLog group.
type MemoryTLog struct {
	id    uuid.UUID
	group mutation.TLogGroupID

	mu    sync.RWMutex
	teams map[mutation.StorageTeamID][]versionEntry

	tail                     mutation.Version // last committed version
	minKnownCommittedVersion mutation.Version
	popped                   map[mutation.StorageTeamID]mutation.Version

	// sealed marks the end of the epoch: peeks past the remaining data
	// answer end-of-stream.
	sealed bool

	// maxVersionsPerPeek bounds the versions returned per reply; zero
	// means unbounded. Tests lower it to force repeated peeks.
	maxVersionsPerPeek int

	// commitWake wakes blocked peeks when a commit or the epoch end
	// arrives.
	commitWake *sync.Cond

	logger *zap.Logger
}

func New(group mutation.TLogGroupID) *MemoryTLog {
	l := &MemoryTLog{
		id:                       uuid.New(),
		group:                    group,
		teams:                    make(map[mutation.StorageTeamID][]versionEntry),
		tail:                     mutation.InvalidVersion,
		minKnownCommittedVersion: mutation.InvalidVersion,
		popped:                   make(map[mutation.StorageTeamID]mutation.Version),
		logger:                   zap.NewNop(),
	}
	l.commitWake = sync.NewCond(&l.mu)
	return l
}

func (l *MemoryTLog) SetLogger(lg *zap.Logger) { l.logger = lg }

// SetMaxVersionsPerPeek bounds reply sizes; zero restores unbounded.
func (l *MemoryTLog) SetMaxVersionsPerPeek(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxVersionsPerPeek = n
}

func (l *MemoryTLog) ID() uuid.UUID { return l.id }
func (l *MemoryTLog) Group() mutation.TLogGroupID { return l.group }

// AddTeam registers a storage team with no data yet. Registration defines
// the broadcast set for CommitBroadcast.
func (l *MemoryTLog) AddTeam(team mutation.StorageTeamID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.teams[team]; !ok {
		l.teams[team] = nil
	}
}

// Commit appends one version of messages for a subset of teams.
// Subsequences are assigned per team, dense from 1. Versions must be
// strictly increasing.
func (l *MemoryTLog) Commit(version mutation.Version, msgs map[mutation.StorageTeamID][]mutation.Message) error {
	return l.commit(version, msgs, false)
}

// CommitBroadcast is Commit plus the broadcast discipline: every registered
// team untouched by this version receives an empty-version marker, keeping
// the group's teams version-aligned.
func (l *MemoryTLog) CommitBroadcast(version mutation.Version, msgs map[mutation.StorageTeamID][]mutation.Message) error {
	return l.commit(version, msgs, true)
}

func (l *MemoryTLog) commit(version mutation.Version, msgs map[mutation.StorageTeamID][]mutation.Message, broadcast bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return errors.Newf("memorytlog: commit at version %d after epoch end", version)
	}
	if version <= l.tail {
		return errors.Newf("memorytlog: version %d not past tail %d", version, l.tail)
	}

	for team, teamMsgs := range msgs {
		entry := versionEntry{version: version}
		for i, msg := range teamMsgs {
			entry.items = append(entry.items, subsequencedMessage{
				subsequence: mutation.Subsequence(i + 1),
				message:     msg,
			})
		}
		l.teams[team] = append(l.teams[team], entry)
	}
	if broadcast {
		for team := range l.teams {
			if _, touched := msgs[team]; touched {
				continue
			}
			l.teams[team] = append(l.teams[team], versionEntry{version: version})
		}
	}

	l.tail = version
	l.minKnownCommittedVersion = version
	l.commitWake.Broadcast()
	return nil
}

// Pop discards team data below version and records the popped watermark.
func (l *MemoryTLog) Pop(team mutation.StorageTeamID, version mutation.Version) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.teams[team]
	i := 0
	for i < len(entries) && entries[i].version < version {
		i++
	}
	l.teams[team] = entries[i:]
	if version > l.popped[team] {
		l.popped[team] = version
	}
}

// SealEpoch ends the epoch at the current tail. Peeks beginning past the
// remaining data answer end-of-stream from then on.
func (l *MemoryTLog) SealEpoch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sealed = true
	l.commitWake.Broadcast()
	l.logger.Info("epoch sealed", zap.Int64("tail", int64(l.tail)))
}

// Peek implements peekcursor.Endpoint. A peek past the committed tail
// blocks until a commit or the epoch end arrives; with ReturnIfBlocked set
// it answers an empty reply immediately instead. An OnlySpilled request
// answers an empty reply with the spilled flag cleared, since nothing
// spills out of memory.
func (l *MemoryTLog) Peek(ctx context.Context, req *wire.PeekRequest) (*wire.PeekReply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	begin := req.BeginVersion
	end := req.EndVersion
	if end == mutation.InvalidVersion {
		end = mutation.MaxVersion
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if req.OnlySpilled {
		return l.emptyReplyLocked(req.StorageTeamID, begin), nil
	}

	// Wake a blocked wait when the caller gives up. Broadcasting under
	// the lock closes the window between the ctx check and Wait.
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.commitWake.Broadcast()
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, known := l.teams[req.StorageTeamID]; !known && l.sealed {
			return nil, errors.Wrapf(mutation.ErrEndOfStream, "team %s", req.StorageTeamID)
		}

		reply, included := l.buildReplyLocked(req.StorageTeamID, begin, end)
		switch {
		case included > 0:
			return reply, nil
		case l.sealed:
			// Epoch over and nothing left beyond begin.
			return nil, errors.Wrapf(mutation.ErrEndOfStream, "team %s", req.StorageTeamID)
		case req.ReturnIfBlocked:
			return reply, nil
		}
		l.commitWake.Wait()
	}
}

// buildReplyLocked serializes the team's entries in [begin, end), bounded
// by maxVersionsPerPeek, and reports how many versions were included.
func (l *MemoryTLog) buildReplyLocked(team mutation.StorageTeamID, begin, end mutation.Version) (*wire.PeekReply, int) {
	s := wire.NewSerializer(team)
	var (
		included    int
		lastVersion = mutation.InvalidVersion
	)
	for _, e := range l.teams[team] {
		if e.version < begin {
			continue
		}
		if e.version >= end {
			break
		}
		if l.maxVersionsPerPeek > 0 && included == l.maxVersionsPerPeek {
			break
		}
		s.StartVersion(e.version)
		for _, sm := range e.items {
			s.Append(sm.subsequence, sm.message)
		}
		lastVersion = e.version
		included++
	}

	reply := &wire.PeekReply{
		Data:                     s.Complete(),
		BeginVersion:             begin,
		EndVersion:               begin,
		MaxKnownVersion:          l.tail,
		MinKnownCommittedVersion: l.minKnownCommittedVersion,
	}
	if lastVersion != mutation.InvalidVersion {
		reply.EndVersion = lastVersion + 1
	}
	if popped, ok := l.popped[team]; ok {
		reply.PoppedVersion = popped
		reply.HasPopped = true
	}
	return reply, included
}

func (l *MemoryTLog) emptyReplyLocked(team mutation.StorageTeamID, begin mutation.Version) *wire.PeekReply {
	return &wire.PeekReply{
		Data:                     wire.EmptyPayload(team),
		BeginVersion:             begin,
		EndVersion:               begin,
		MaxKnownVersion:          l.tail,
		MinKnownCommittedVersion: l.minKnownCommittedVersion,
	}
}
