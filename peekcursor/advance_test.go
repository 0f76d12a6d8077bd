package peekcursor

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/chn0318/tlog/mutation"
)

func TestAdvanceToReachesTarget(t *testing.T) {
	env := newTestEnv(t, 5)
	env.commitVersions(t, 1000, 10, 20)
	env.sealAll()

	cursor := NewOrderedMergedCursor()
	for _, team := range env.teams {
		cursor.AddCursor(NewStorageTeamCursor(1000, team, env.endpoints(team), true))
	}

	// Pick a random committed (version, subsequence).
	target := env.generated[rand.IntN(len(env.generated))].vsm

	require.NoError(t, AdvanceTo(context.Background(), cursor, target.Version, target.Subsequence))
	got := cursor.Get()
	require.Equal(t, target.Version, got.Version)
	require.Equal(t, target.Subsequence, got.Subsequence)

	// Advancing to a target at or before the current position is a no-op.
	require.NoError(t, AdvanceTo(context.Background(), cursor, target.Version, target.Subsequence))
	require.Equal(t, got, cursor.Get())
	require.NoError(t, AdvanceTo(context.Background(), cursor, target.Version-1, 1))
	require.Equal(t, got, cursor.Get())
}

func TestAdvanceToPastEndSurfacesEndOfStream(t *testing.T) {
	env := newTestEnv(t, 2)
	env.commitVersions(t, 100, 3, 5)
	env.sealAll()

	cursor := NewOrderedMergedCursor()
	for _, team := range env.teams {
		cursor.AddCursor(NewStorageTeamCursor(100, team, env.endpoints(team), true))
	}

	err := AdvanceTo(context.Background(), cursor, 10_000, 1)
	require.True(t, errors.Is(err, mutation.ErrEndOfStream))
}
