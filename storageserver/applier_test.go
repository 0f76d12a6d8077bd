package storageserver

import (
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chn0318/tlog/config"
	"github.com/chn0318/tlog/mapservice"
	"github.com/chn0318/tlog/memorytlog"
	"github.com/chn0318/tlog/mutation"
	"github.com/chn0318/tlog/peekcursor"
)

func TestMain(m *testing.M) {
	config.SetDefaults()
	m.Run()
}

func buildCursor(t *testing.T, numTeams, numVersions, perVersion int) (*peekcursor.OrderedMergedCursor, int) {
	t.Helper()
	cursor := peekcursor.NewOrderedMergedCursor()
	total := 0
	for i := 0; i < numTeams; i++ {
		team := mutation.StorageTeamID(uuid.New())
		tl := memorytlog.New(mutation.TLogGroupID(uuid.New()))
		tl.AddTeam(team)
		tl.SetMaxVersionsPerPeek(4)
		for v := 0; v < numVersions; v++ {
			version := mutation.Version(1000 + v)
			msgs := make([]mutation.Message, 0, perVersion)
			for j := 0; j < perVersion; j++ {
				msgs = append(msgs, mutation.Mutation{
					Op:     mutation.MutationSet,
					Param1: []byte(fmt.Sprintf("k-%d-%d-%d", i, version, j)),
					Param2: []byte("v"),
				})
				total++
			}
			require.NoError(t, tl.CommitBroadcast(version, map[mutation.StorageTeamID][]mutation.Message{team: msgs}))
		}
		tl.SealEpoch()
		cursor.AddCursor(peekcursor.NewStorageTeamCursor(1000, team, []peekcursor.Endpoint{tl}, true))
	}
	return cursor, total
}

func TestApplierDrainsStream(t *testing.T) {
	cursor, total := buildCursor(t, 3, 10, 5)
	maps := mapservice.New()
	applier := NewApplier(cursor, maps, nil)

	require.NoError(t, applier.Run(context.Background()))
	require.Equal(t, total, maps.Len())
	require.Equal(t, mutation.Version(1009), maps.MaxAppliedVersion())
}

func TestApplierReplaysFailedBatch(t *testing.T) {
	cursor, total := buildCursor(t, 2, 6, 4)
	maps := mapservice.New()
	applier := NewApplier(cursor, maps, nil)

	// Fail once partway through the first batch; the replay must apply
	// every version exactly once.
	failures := 1
	applier.ApplyHook = func(version mutation.Version, muts []mutation.Mutation) error {
		if failures > 0 && version > 1001 {
			failures--
			return errors.New("injected downstream failure")
		}
		return nil
	}

	require.NoError(t, applier.Run(context.Background()))
	require.Equal(t, total, maps.Len())
	require.Equal(t, mutation.Version(1005), maps.MaxAppliedVersion())
}

func TestApplierSurfacesPersistentFailure(t *testing.T) {
	cursor, _ := buildCursor(t, 1, 3, 2)
	maps := mapservice.New()
	applier := NewApplier(cursor, maps, nil)

	applier.ApplyHook = func(version mutation.Version, muts []mutation.Mutation) error {
		return errors.New("downstream permanently broken")
	}
	err := applier.Run(context.Background())
	require.Error(t, err)
	require.NotContains(t, err.Error(), "end of stream")
}
