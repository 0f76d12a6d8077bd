package peekcursor

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chn0318/tlog/mutation"
)

// MutableTeamCursor is an ordered merged cursor whose team set follows the
// storage server's membership, carried in-band as mutations on a private
// storage team under the reserved system key prefix.
//
// Membership changes take effect strictly between versions. A change
// observed at version v adds leaves beginning at v+1. A removed team keeps
// delivering through v (its in-flight records), is capped there, and is
// detached at the next refill, mirroring how retirement is deferred; this
// keeps the replay snapshot valid across the change.
type MutableTeamCursor struct {
	*OrderedMergedCursor

	storageServerID uuid.UUID
	privateTeam     mutation.StorageTeamID
	resolve         EndpointResolver

	pendingRemoval map[mutation.StorageTeamID]struct{}
}

// NewMutableTeamCursor starts with the private-mutations team only; the
// first membership mutation brings in the rest.
func NewMutableTeamCursor(
	storageServerID uuid.UUID,
	privateTeam mutation.StorageTeamID,
	resolve EndpointResolver,
	beginVersion mutation.Version,
) *MutableTeamCursor {
	c := &MutableTeamCursor{
		OrderedMergedCursor: NewOrderedMergedCursor(),
		storageServerID:     storageServerID,
		privateTeam:         privateTeam,
		resolve:             resolve,
		pendingRemoval:      make(map[mutation.StorageTeamID]struct{}),
	}
	c.AddCursor(NewStorageTeamCursor(beginVersion, privateTeam, resolve(privateTeam), true))
	return c
}

func (c *MutableTeamCursor) PrivateTeam() mutation.StorageTeamID { return c.privateTeam }

// Next observes the current record before advancing; membership mutations
// addressed to this storage server reshape the leaf set. Re-observing the
// same mutation during a replay is idempotent.
func (c *MutableTeamCursor) Next() {
	vsm := c.Get()
	if m, ok := vsm.Message.(mutation.Mutation); ok && m.Op == mutation.MutationSet &&
		bytes.Equal(m.Param1, mutation.StorageTeamsKey(c.storageServerID)) {
		c.applyMembership(vsm.Version, m.Param2)
	}
	c.OrderedMergedCursor.Next()
}

func (c *MutableTeamCursor) applyMembership(v mutation.Version, value []byte) {
	teams, err := mutation.DecodeStorageServerStorageTeams(value)
	if err != nil {
		panic(errors.AssertionFailedf("corrupt membership mutation at version %d: %v", v, err))
	}
	if teams.PrivateTeam != c.privateTeam {
		panic(errors.AssertionFailedf("membership mutation names private team %s, cursor has %s",
			teams.PrivateTeam, c.privateTeam))
	}

	desired := map[mutation.StorageTeamID]struct{}{c.privateTeam: {}}
	for _, t := range teams.Teams {
		desired[t] = struct{}{}
	}

	for t := range desired {
		if leaf, ok := c.cursors[t]; ok {
			if _, pending := c.pendingRemoval[t]; pending {
				// Reinstated before its removal completed. Lift the cap
				// and skip anything at or before the membership version,
				// as a freshly added leaf would.
				delete(c.pendingRemoval, t)
				leaf.unlimit()
				for leaf.HasRemaining() && leaf.Version() <= v {
					leaf.Next()
				}
				c.logger.Info("storage team reinstated", zap.String("team", t.String()))
			}
			continue
		}
		c.AddCursor(NewStorageTeamCursor(v+1, t, c.resolve(t), true))
		c.logger.Info("storage team joined",
			zap.String("team", t.String()), zap.Int64("fromVersion", int64(v+1)))
	}
	for t := range c.cursors {
		if _, ok := desired[t]; ok {
			continue
		}
		if _, pending := c.pendingRemoval[t]; pending {
			continue
		}
		c.pendingRemoval[t] = struct{}{}
		c.cursors[t].limitTo(v)
		c.logger.Info("storage team leaving",
			zap.String("team", t.String()), zap.Int64("throughVersion", int64(v)))
	}
}

// RemoteMoreAvailable detaches teams whose departure has fully drained,
// then refills as usual. Removal happens only here, at a refill boundary,
// so the replay snapshot never spans a disappearing leaf.
func (c *MutableTeamCursor) RemoteMoreAvailable(ctx context.Context) (bool, error) {
	for t := range c.pendingRemoval {
		leaf, ok := c.cursors[t]
		if !ok {
			delete(c.pendingRemoval, t)
			continue
		}
		if leaf.drainedPastLimit() {
			c.RemoveCursor(t)
			delete(c.pendingRemoval, t)
			c.logger.Info("storage team left", zap.String("team", t.String()))
		}
	}

	// A departure with no replacement can leave no leaf waiting on an
	// RPC while the survivors still hold buffered versions; that is a
	// fresh batch, not the end of the stream.
	if len(c.empty) == 0 {
		for _, leaf := range c.cursors {
			if leaf.HasRemaining() {
				c.snapshotPending = true
				return true, nil
			}
		}
	}
	return c.OrderedMergedCursor.RemoteMoreAvailable(ctx)
}

var _ Cursor = (*MutableTeamCursor)(nil)
