package peekcursor

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chn0318/tlog/memorytlog"
	"github.com/chn0318/tlog/mutation"
)

// mutableEnv wires a private-mutations team plus two data teams, each on
// its own TLog, with a resolver for dynamically added leaves.
type mutableEnv struct {
	server  uuid.UUID
	private mutation.StorageTeamID
	teamA   mutation.StorageTeamID
	teamB   mutation.StorageTeamID
	logs    map[mutation.StorageTeamID]*memorytlog.MemoryTLog
}

func newMutableEnv(t *testing.T) *mutableEnv {
	t.Helper()
	env := &mutableEnv{
		server:  uuid.New(),
		private: mutation.StorageTeamID(uuid.New()),
		teamA:   mutation.StorageTeamID(uuid.New()),
		teamB:   mutation.StorageTeamID(uuid.New()),
		logs:    make(map[mutation.StorageTeamID]*memorytlog.MemoryTLog),
	}
	for _, team := range []mutation.StorageTeamID{env.private, env.teamA, env.teamB} {
		l := memorytlog.New(mutation.TLogGroupID(uuid.New()))
		l.AddTeam(team)
		env.logs[team] = l
	}
	return env
}

func (e *mutableEnv) resolver() EndpointResolver {
	return func(team mutation.StorageTeamID) []Endpoint {
		return []Endpoint{e.logs[team]}
	}
}

func (e *mutableEnv) membershipMsg(teams ...mutation.StorageTeamID) mutation.Message {
	value := mutation.StorageServerStorageTeams{PrivateTeam: e.private, Teams: teams}
	return mutation.Mutation{
		Op:     mutation.MutationSet,
		Param1: mutation.StorageTeamsKey(e.server),
		Param2: value.Encode(),
	}
}

// commit writes one version across all three logs: msgs for the teams that
// have data, empty-version padding for the rest.
func (e *mutableEnv) commit(t *testing.T, v mutation.Version, msgs map[mutation.StorageTeamID][]mutation.Message) {
	t.Helper()
	for team, l := range e.logs {
		if teamMsgs, ok := msgs[team]; ok {
			require.NoError(t, l.CommitBroadcast(v, map[mutation.StorageTeamID][]mutation.Message{team: teamMsgs}))
		} else {
			require.NoError(t, l.CommitBroadcast(v, nil))
		}
	}
}

func dataMsgs(team mutation.StorageTeamID, v mutation.Version, n int) []mutation.Message {
	out := make([]mutation.Message, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, mutation.Mutation{
			Op:     mutation.MutationSet,
			Param1: []byte(fmt.Sprintf("k-%s-%d-%d", team, v, i)),
			Param2: []byte("v"),
		})
	}
	return out
}

func TestMutableTeamCursorFollowsMembership(t *testing.T) {
	env := newMutableEnv(t)

	// v1000: the storage server is assigned team A.
	env.commit(t, 1000, map[mutation.StorageTeamID][]mutation.Message{
		env.private: {env.membershipMsg(env.teamA)},
	})
	// v1001..v1003: data on A; B also commits, but is not followed yet.
	for v := mutation.Version(1001); v <= 1003; v++ {
		env.commit(t, v, map[mutation.StorageTeamID][]mutation.Message{
			env.teamA: dataMsgs(env.teamA, v, 3),
			env.teamB: dataMsgs(env.teamB, v, 3),
		})
	}
	// v1004: reassignment to team B; A's records at 1004 are still due.
	env.commit(t, 1004, map[mutation.StorageTeamID][]mutation.Message{
		env.private: {env.membershipMsg(env.teamB)},
		env.teamA:   dataMsgs(env.teamA, 1004, 2),
		env.teamB:   dataMsgs(env.teamB, 1004, 2),
	})
	// v1005..v1006: data on both; only B's must be delivered.
	for v := mutation.Version(1005); v <= 1006; v++ {
		env.commit(t, v, map[mutation.StorageTeamID][]mutation.Message{
			env.teamA: dataMsgs(env.teamA, v, 2),
			env.teamB: dataMsgs(env.teamB, v, 2),
		})
	}
	for _, l := range env.logs {
		l.SealEpoch()
	}

	cursor := NewMutableTeamCursor(env.server, env.private, env.resolver(), 1000)
	got := drainAll(t, context.Background(), cursor)

	// Expected: membership mutations on the private team, A's data for
	// 1001..1004 (A joins effective 1001 and its leaf begins there), B's
	// for 1005..1006.
	var expected []teamVSM
	expected = append(expected, teamVSM{env.private, mutation.VSM{
		Version: 1000, Subsequence: 1, Message: env.membershipMsg(env.teamA)}})
	for v := mutation.Version(1001); v <= 1003; v++ {
		for i, m := range dataMsgs(env.teamA, v, 3) {
			expected = append(expected, teamVSM{env.teamA, mutation.VSM{
				Version: v, Subsequence: mutation.Subsequence(i + 1), Message: m}})
		}
	}
	expected = append(expected, teamVSM{env.private, mutation.VSM{
		Version: 1004, Subsequence: 1, Message: env.membershipMsg(env.teamB)}})
	for i, m := range dataMsgs(env.teamA, 1004, 2) {
		expected = append(expected, teamVSM{env.teamA, mutation.VSM{
			Version: 1004, Subsequence: mutation.Subsequence(i + 1), Message: m}})
	}
	for v := mutation.Version(1005); v <= 1006; v++ {
		for i, m := range dataMsgs(env.teamB, v, 2) {
			expected = append(expected, teamVSM{env.teamB, mutation.VSM{
				Version: v, Subsequence: mutation.Subsequence(i + 1), Message: m}})
		}
	}
	sort.SliceStable(expected, func(i, j int) bool {
		if r := expected[i].vsm.Compare(expected[j].vsm); r != 0 {
			return r < 0
		}
		return expected[i].team.Compare(expected[j].team) < 0
	})
	want := make([]mutation.VSM, len(expected))
	for i, tv := range expected {
		want[i] = tv.vsm
	}

	require.Equal(t, want, got)
	require.Equal(t, env.private, cursor.PrivateTeam())
}

// A remove immediately followed by a re-add of the same team — two
// membership mutations in one commit version — must reinstate the pending
// leaf in place rather than detach it. The pending-removal window closes at
// the next refill, so this rapid-reassignment shape is how the reinstate
// path is reached: the remove caps the leaf mid-batch and the re-add is
// observed before any refill runs.
func TestMutableTeamCursorReinstatesPendingRemoval(t *testing.T) {
	env := newMutableEnv(t)

	env.commit(t, 1000, map[mutation.StorageTeamID][]mutation.Message{
		env.private: {env.membershipMsg(env.teamA)},
	})
	env.commit(t, 1001, map[mutation.StorageTeamID][]mutation.Message{
		env.teamA: dataMsgs(env.teamA, 1001, 2),
	})
	// v1002: the team is dropped and immediately re-added.
	env.commit(t, 1002, map[mutation.StorageTeamID][]mutation.Message{
		env.private: {env.membershipMsg(), env.membershipMsg(env.teamA)},
	})
	env.commit(t, 1003, map[mutation.StorageTeamID][]mutation.Message{
		env.teamA: dataMsgs(env.teamA, 1003, 2),
	})
	for _, l := range env.logs {
		l.SealEpoch()
	}

	cursor := NewMutableTeamCursor(env.server, env.private, env.resolver(), 1000)
	got := drainAll(t, context.Background(), cursor)

	// The leaf resumes cleanly past the reinstatement version: its 1003
	// records flow as if the membership had never changed.
	var want []mutation.VSM
	want = append(want, mutation.VSM{Version: 1000, Subsequence: 1, Message: env.membershipMsg(env.teamA)})
	for i, m := range dataMsgs(env.teamA, 1001, 2) {
		want = append(want, mutation.VSM{Version: 1001, Subsequence: mutation.Subsequence(i + 1), Message: m})
	}
	want = append(want,
		mutation.VSM{Version: 1002, Subsequence: 1, Message: env.membershipMsg()},
		mutation.VSM{Version: 1002, Subsequence: 2, Message: env.membershipMsg(env.teamA)},
	)
	for i, m := range dataMsgs(env.teamA, 1003, 2) {
		want = append(want, mutation.VSM{Version: 1003, Subsequence: mutation.Subsequence(i + 1), Message: m})
	}
	require.Equal(t, want, got)
}

// A departure with no replacement leaves the private team as the only
// leaf. The refill after the detach must keep serving the survivors'
// buffered versions instead of reporting end of stream.
func TestMutableTeamCursorRemovalWithoutReplacement(t *testing.T) {
	env := newMutableEnv(t)

	env.commit(t, 1000, map[mutation.StorageTeamID][]mutation.Message{
		env.private: {env.membershipMsg(env.teamA)},
	})
	env.commit(t, 1001, map[mutation.StorageTeamID][]mutation.Message{
		env.teamA: dataMsgs(env.teamA, 1001, 2),
	})
	env.commit(t, 1002, map[mutation.StorageTeamID][]mutation.Message{
		env.private: {env.membershipMsg()},
	})
	// Past the departure, only the private team's records may flow.
	privateData := mutation.Mutation{
		Op:     mutation.MutationSet,
		Param1: []byte("private-k"),
		Param2: []byte("private-v"),
	}
	env.commit(t, 1003, map[mutation.StorageTeamID][]mutation.Message{
		env.private: {privateData},
		env.teamA:   dataMsgs(env.teamA, 1003, 2),
	})
	for _, l := range env.logs {
		l.SealEpoch()
	}

	cursor := NewMutableTeamCursor(env.server, env.private, env.resolver(), 1000)
	got := drainAll(t, context.Background(), cursor)

	var want []mutation.VSM
	want = append(want, mutation.VSM{Version: 1000, Subsequence: 1, Message: env.membershipMsg(env.teamA)})
	for i, m := range dataMsgs(env.teamA, 1001, 2) {
		want = append(want, mutation.VSM{Version: 1001, Subsequence: mutation.Subsequence(i + 1), Message: m})
	}
	want = append(want,
		mutation.VSM{Version: 1002, Subsequence: 1, Message: env.membershipMsg()},
		mutation.VSM{Version: 1003, Subsequence: 1, Message: privateData},
	)
	require.Equal(t, want, got)
}
