package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chn0318/tlog/mutation"
)

func newTeam(t *testing.T) mutation.StorageTeamID {
	t.Helper()
	return mutation.StorageTeamID(uuid.New())
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	team := newTeam(t)
	s := NewSerializer(team)

	s.StartVersion(1000)
	s.Append(1, mutation.Mutation{Op: mutation.MutationSet, Param1: []byte("ka"), Param2: []byte("va")})
	s.Append(2, mutation.Mutation{Op: mutation.MutationClearRange, Param1: []byte("a"), Param2: []byte("z")})
	s.StartVersion(1002)
	s.Append(1, mutation.LogProtocol{ProtocolVersion: 7})
	s.Append(2, mutation.SpanContext{SpanID: []byte{1, 2, 3}})
	s.Append(3, mutation.Mutation{Op: mutation.MutationAtomicAdd, Param1: []byte("ctr"), Param2: []byte{1}})

	d, err := NewDeserializer(s.Complete(), true)
	require.NoError(t, err)
	require.Equal(t, team, d.Team())

	var got []mutation.VSM
	for it := d.Begin(); it.Valid(); it.Next() {
		got = append(got, it.VSM())
	}

	want := []mutation.VSM{
		{Version: 1000, Subsequence: 1, Message: mutation.Mutation{Op: mutation.MutationSet, Param1: []byte("ka"), Param2: []byte("va")}},
		{Version: 1000, Subsequence: 2, Message: mutation.Mutation{Op: mutation.MutationClearRange, Param1: []byte("a"), Param2: []byte("z")}},
		{Version: 1002, Subsequence: 1, Message: mutation.LogProtocol{ProtocolVersion: 7}},
		{Version: 1002, Subsequence: 2, Message: mutation.SpanContext{SpanID: []byte{1, 2, 3}}},
		{Version: 1002, Subsequence: 3, Message: mutation.Mutation{Op: mutation.MutationAtomicAdd, Param1: []byte("ctr"), Param2: []byte{1}}},
	}
	require.Equal(t, want, got)
}

func TestDeserializerRestart(t *testing.T) {
	team := newTeam(t)
	s := NewSerializer(team)
	s.StartVersion(5)
	s.Append(1, mutation.Mutation{Op: mutation.MutationSet, Param1: []byte("k"), Param2: []byte("v")})

	d, err := NewDeserializer(s.Complete(), true)
	require.NoError(t, err)

	read := func() []mutation.VSM {
		var out []mutation.VSM
		for it := d.Begin(); it.Valid(); it.Next() {
			out = append(out, it.VSM())
		}
		return out
	}
	first := read()
	second := read()
	require.Equal(t, first, second)
	require.Len(t, first, 1)
}

func TestEmptyPayloadYieldsNothing(t *testing.T) {
	team := newTeam(t)
	d, err := NewDeserializer(EmptyPayload(team), true)
	require.NoError(t, err)
	it := d.Begin()
	require.False(t, it.Valid())
	require.NoError(t, it.Err())
}

func TestEmptyVersionEmission(t *testing.T) {
	team := newTeam(t)
	s := NewSerializer(team)
	s.StartVersion(10)
	s.StartVersion(11)
	s.Append(1, mutation.Mutation{Op: mutation.MutationSet, Param1: []byte("k"), Param2: []byte("v")})
	s.StartVersion(12)
	payload := s.Complete()

	d, err := NewDeserializer(payload, true)
	require.NoError(t, err)
	var got []mutation.VSM
	for it := d.Begin(); it.Valid(); it.Next() {
		got = append(got, it.VSM())
	}
	require.Equal(t, []mutation.VSM{
		{Version: 10, Subsequence: 0, Message: mutation.EmptyVersion{}},
		{Version: 11, Subsequence: 1, Message: mutation.Mutation{Op: mutation.MutationSet, Param1: []byte("k"), Param2: []byte("v")}},
		{Version: 12, Subsequence: 0, Message: mutation.EmptyVersion{}},
	}, got)

	// Suppressed mode drops the synthetic records.
	d, err = NewDeserializer(payload, false)
	require.NoError(t, err)
	got = nil
	for it := d.Begin(); it.Valid(); it.Next() {
		got = append(got, it.VSM())
	}
	require.Len(t, got, 1)
	require.Equal(t, mutation.Version(11), got[0].Version)
}

func TestPeekRequestRoundTrip(t *testing.T) {
	in := &PeekRequest{
		DebugID:         uuid.New(),
		BeginVersion:    1000,
		EndVersion:      mutation.MaxVersion,
		StorageTeamID:   newTeam(t),
		ReturnIfBlocked: true,
		OnlySpilled:     false,
	}
	b, err := in.MarshalBinary()
	require.NoError(t, err)

	out := new(PeekRequest)
	require.NoError(t, out.UnmarshalBinary(b))
	require.Equal(t, in, out)
}

func TestPeekReplyRoundTrip(t *testing.T) {
	team := newTeam(t)
	in := &PeekReply{
		Data:                     EmptyPayload(team),
		BeginVersion:             1000,
		EndVersion:               1010,
		MaxKnownVersion:          1099,
		MinKnownCommittedVersion: 990,
		PoppedVersion:            950,
		HasPopped:                true,
		OnlySpilled:              true,
	}
	b, err := in.MarshalBinary()
	require.NoError(t, err)

	out := new(PeekReply)
	require.NoError(t, out.UnmarshalBinary(b))
	require.Equal(t, in, out)

	// The popped field is genuinely optional.
	in.HasPopped = false
	in.PoppedVersion = 0
	b, err = in.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, out.UnmarshalBinary(b))
	require.False(t, out.HasPopped)
}
