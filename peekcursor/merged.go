package peekcursor

import (
	"context"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chn0318/tlog/config"
	"github.com/chn0318/tlog/mutation"
)

// mergedCursor is the shared state machine of the broadcast merge cursors.
// In the broadcast model every storage team of a TLog group receives a
// record (possibly EmptyVersion) at every commit version, so all non-retired
// leaves expose the same version after a successful refill; a mismatch is a
// producer bug and panics.
//
// Each leaf is in exactly one of three states: ready (buffered VSMs at the
// current version, sitting in the container), empty (drained, needs RPC), or
// retired (remote ended and buffer drained; detached at the next refill).
type mergedCursor struct {
	cursors map[mutation.StorageTeamID]*StorageTeamCursor

	container cursorContainer
	empty     map[mutation.StorageTeamID]struct{}
	retired   map[mutation.StorageTeamID]struct{}

	currentVersion mutation.Version

	maxKnownVersion          mutation.Version
	minKnownCommittedVersion mutation.Version

	snapshotPending   bool
	snapshotVersion   mutation.Version
	snapshotContainer cursorContainer

	logger *zap.Logger
}

func newMergedCursor(container cursorContainer) mergedCursor {
	return mergedCursor{
		cursors:                  make(map[mutation.StorageTeamID]*StorageTeamCursor),
		container:                container,
		empty:                    make(map[mutation.StorageTeamID]struct{}),
		retired:                  make(map[mutation.StorageTeamID]struct{}),
		currentVersion:           mutation.InvalidVersion,
		maxKnownVersion:          mutation.InvalidVersion,
		minKnownCommittedVersion: mutation.InvalidVersion,
		snapshotVersion:          mutation.InvalidVersion,
		logger:                   zap.NewNop(),
	}
}

// SetLogger installs a structured logger; the default is a nop.
func (m *mergedCursor) SetLogger(l *zap.Logger) { m.logger = l }

func (m *mergedCursor) MaxKnownVersion() mutation.Version { return m.maxKnownVersion }

func (m *mergedCursor) MinKnownCommittedVersion() mutation.Version {
	return m.minKnownCommittedVersion
}

// NumCursors counts the attached leaves, retired ones included until their
// deferred removal.
func (m *mergedCursor) NumCursors() int { return len(m.cursors) }

// CurrentVersion is the version the ready container was last synchronized
// on. It never regresses while leaves are merely waiting for data.
func (m *mergedCursor) CurrentVersion() mutation.Version { return m.currentVersion }

// AddCursor attaches a leaf. The leaf must report empty versions, or the
// version-alignment invariant cannot hold. Adding a team twice panics.
func (m *mergedCursor) AddCursor(leaf *StorageTeamCursor) {
	if !leaf.ReportsEmptyVersions() {
		panic(errors.AssertionFailedf("merged cursor requires empty-version reporting, team %s",
			leaf.StorageTeamID()))
	}
	team := leaf.StorageTeamID()
	if _, ok := m.cursors[team]; ok {
		panic(errors.AssertionFailedf("cursor for team %s already attached", team))
	}
	m.cursors[team] = leaf
	m.empty[team] = struct{}{}
}

// RemoveCursor detaches a leaf and returns it, or nil if the team is
// unknown.
func (m *mergedCursor) RemoveCursor(team mutation.StorageTeamID) *StorageTeamCursor {
	leaf, ok := m.cursors[team]
	if !ok {
		return nil
	}
	m.container.erase(team)
	delete(m.empty, team)
	delete(m.cursors, team)
	return leaf
}

// tryFillContainer synchronizes the leaves on a common version and loads the
// ready ones into the container. It returns false when any leaf still needs
// an RPC (the caller must invoke RemoteMoreAvailable) or when no data
// remains.
func (m *mergedCursor) tryFillContainer() bool {
	prev := m.currentVersion
	m.currentVersion = mutation.InvalidVersion

	recorded := false
	for team, leaf := range m.cursors {
		if !leaf.HasRemaining() {
			m.empty[team] = struct{}{}
			continue
		}
		v := leaf.Version()
		if !recorded {
			m.currentVersion = v
			recorded = true
		} else if m.currentVersion != v {
			panic(errors.AssertionFailedf(
				"broadcast invariant violated: team %s at version %d, expected %d",
				team, v, m.currentVersion))
		}
	}

	// Leaves that are drained because their remote ended are no longer
	// waiting for an RPC; keep them out of the empty set.
	retiredAndDrained := make(map[mutation.StorageTeamID]struct{})
	for team := range m.empty {
		if _, ok := m.retired[team]; ok {
			retiredAndDrained[team] = struct{}{}
			delete(m.empty, team)
		}
	}

	if len(m.empty) > 0 {
		// Nothing recorded a version, so hold the previous one: a new
		// leaf added now must not observe version zero.
		if !recorded {
			m.currentVersion = prev
		}
		return false
	}
	if len(m.cursors) == 0 || m.currentVersion == mutation.InvalidVersion {
		return false
	}

	ready := make([]*StorageTeamCursor, 0, len(m.cursors))
	for team, leaf := range m.cursors {
		if _, ok := retiredAndDrained[team]; ok {
			continue
		}
		ready = append(ready, leaf)
	}
	// Push in team order so the unordered container visits the teams the
	// same way on every pass, keeping a replay after Reset identical.
	slices.SortFunc(ready, func(a, b *StorageTeamCursor) int {
		return a.team.Compare(b.team)
	})
	for _, leaf := range ready {
		m.container.push(leaf)
	}
	return true
}

func (m *mergedCursor) HasRemaining() bool {
	filled := true
	if m.container.empty() {
		filled = m.tryFillContainer()
	}

	// The first HasRemaining after a refill captures the replay snapshot,
	// before the caller observes any of the new batch.
	if m.snapshotPending {
		m.snapshotPending = false
		m.snapshotVersion = m.currentVersion
		m.snapshotContainer = m.container.clone()
	}
	return filled
}

func (m *mergedCursor) Get() mutation.VSM {
	return m.container.front().Get()
}

func (m *mergedCursor) Version() mutation.Version { return m.Get().Version }
func (m *mergedCursor) Subsequence() mutation.Subsequence { return m.Get().Subsequence }

// Reset restores the position captured by the last refill so the batch can
// be replayed. After end of stream it is a no-op.
func (m *mergedCursor) Reset() {
	if m.snapshotVersion == mutation.InvalidVersion {
		return
	}
	m.currentVersion = m.snapshotVersion
	m.container = m.snapshotContainer.clone()

	// The empty set is re-derived during re-iteration; retirement is only
	// learned from RPCs, so it survives the reset.
	clear(m.empty)

	for team, leaf := range m.cursors {
		if _, ok := m.retired[team]; ok {
			continue
		}
		leaf.Reset()
		for leaf.HasRemaining() && leaf.Version() < m.currentVersion {
			leaf.Next()
		}
	}
}

// peekOneResult is the terminal state of one leaf's refill attempt.
type peekOneResult struct {
	gotData     bool
	endOfStream bool
}

// peekOneCursor retries a leaf peek with exponential backoff while the
// remote keeps answering "nothing yet". Commits are expected to arrive
// periodically, so the backoff is meaningful.
func peekOneCursor(ctx context.Context, leaf *StorageTeamCursor) (peekOneResult, error) {
	retries := config.MergeCursorRetryTimes()
	delay := config.MergeCursorRetryDelay()

	for i := 0; i < retries; i++ {
		got, err := leaf.RemoteMoreAvailable(ctx)
		if err != nil {
			if errors.Is(err, mutation.ErrEndOfStream) {
				return peekOneResult{endOfStream: true}, nil
			}
			return peekOneResult{}, err
		}
		if got {
			return peekOneResult{gotData: true}, nil
		}
		if i+1 == retries {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return peekOneResult{}, ctx.Err()
		}
		delay *= 2
	}
	return peekOneResult{}, nil
}

// RemoteMoreAvailable refills every empty leaf concurrently. It returns
// false when any leaf exhausted its retry budget without data (caller backs
// off and retries), and ErrEndOfStream once no leaf is waiting for data.
func (m *mergedCursor) RemoteMoreAvailable(ctx context.Context) (bool, error) {
	m.snapshotPending = true

	for team := range m.retired {
		m.RemoveCursor(team)
		m.logger.Debug("retired cursor detached", zap.String("team", team.String()))
	}
	clear(m.retired)

	if len(m.empty) == 0 {
		return false, errors.Wrap(mutation.ErrEndOfStream, "no cursor awaiting data")
	}

	teams := make([]mutation.StorageTeamID, 0, len(m.empty))
	for team := range m.empty {
		teams = append(teams, team)
	}
	results := make([]peekOneResult, len(teams))

	g, gctx := errgroup.WithContext(ctx)
	for i, team := range teams {
		leaf := m.cursors[team]
		g.Go(func() error {
			res, err := peekOneCursor(gctx, leaf)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Leaves that refilled before the failure keep their new buffer;
		// take them off the wait set so a re-issued call does not peek
		// past data that was never delivered.
		for i, team := range teams {
			if results[i].gotData {
				delete(m.empty, team)
			}
		}
		return false, err
	}

	ready := true
	for i, team := range teams {
		res := results[i]
		switch {
		case res.endOfStream:
			if _, ok := m.retired[team]; ok {
				panic(errors.AssertionFailedf("team %s retired twice", team))
			}
			m.logger.Info("cursor end of stream", zap.String("team", team.String()))
			m.retired[team] = struct{}{}
			delete(m.empty, team)
		case res.gotData:
			delete(m.empty, team)
		default:
			// Retry budget exhausted with no data.
			m.logger.Warn("cursor timed out", zap.String("team", team.String()))
			ready = false
		}
	}
	if !ready {
		return false, nil
	}

	for _, team := range teams {
		leaf, ok := m.cursors[team]
		if !ok {
			continue
		}
		if v := leaf.MaxKnownVersion(); v > m.maxKnownVersion {
			m.maxKnownVersion = v
		}
		if v := leaf.MinKnownCommittedVersion(); v > m.minKnownCommittedVersion {
			m.minKnownCommittedVersion = v
		}
	}
	return true, nil
}

// OrderedMergedCursor merges the leaves into a single stream globally sorted
// by (version, subsequence) across teams.
type OrderedMergedCursor struct {
	mergedCursor
}

func NewOrderedMergedCursor() *OrderedMergedCursor {
	return &OrderedMergedCursor{mergedCursor: newMergedCursor(newOrderedContainer())}
}

func (m *OrderedMergedCursor) Next() {
	if m.container.empty() && !m.tryFillContainer() {
		panic(errors.AssertionFailedf("Next on drained merged cursor"))
	}
	leaf := m.container.front()
	m.container.pop()
	leaf.Next()
	if leaf.HasRemaining() && leaf.Version() == m.currentVersion {
		// The current version is not fully consumed for this team.
		m.container.push(leaf)
	}
}

// UnorderedMergedCursor yields all VSMs of one team at the current version
// contiguously, then moves to the next team. Within a team the committed
// order is preserved.
type UnorderedMergedCursor struct {
	mergedCursor
}

func NewUnorderedMergedCursor() *UnorderedMergedCursor {
	return &UnorderedMergedCursor{mergedCursor: newMergedCursor(newUnorderedContainer())}
}

func (m *UnorderedMergedCursor) Next() {
	if m.container.empty() && !m.tryFillContainer() {
		panic(errors.AssertionFailedf("Next on drained merged cursor"))
	}
	leaf := m.container.front()
	leaf.Next()
	if !leaf.HasRemaining() || leaf.Version() != m.currentVersion {
		m.container.pop()
	}
}

var (
	_ Cursor = (*StorageTeamCursor)(nil)
	_ Cursor = (*OrderedMergedCursor)(nil)
	_ Cursor = (*UnorderedMergedCursor)(nil)
)
