package mapservice

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chn0318/tlog/mutation"
)

func set(k, v string) mutation.Mutation {
	return mutation.Mutation{Op: mutation.MutationSet, Param1: []byte(k), Param2: []byte(v)}
}

func TestApplyVersionLastWriterWins(t *testing.T) {
	s := New()
	s.ApplyVersion(10, []mutation.Mutation{set("a", "1"), set("a", "2"), set("b", "1")})

	v, ok := s.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
	require.Equal(t, mutation.Version(10), s.MaxAppliedVersion())
	require.Equal(t, 2, s.Len())
}

func TestApplyVersionSkipsReplayedVersions(t *testing.T) {
	s := New()
	s.ApplyVersion(10, []mutation.Mutation{set("a", "first")})
	// A replayed batch re-delivers version 10 with the same content; the
	// duplicate application must be a no-op.
	s.ApplyVersion(10, []mutation.Mutation{set("a", "first"), set("zz", "ghost")})

	v, _ := s.Get([]byte("a"))
	require.Equal(t, []byte("first"), v)
	_, ok := s.Get([]byte("zz"))
	require.False(t, ok)

	s.ApplyVersion(11, []mutation.Mutation{set("a", "second")})
	v, _ = s.Get([]byte("a"))
	require.Equal(t, []byte("second"), v)
}

func TestClearRange(t *testing.T) {
	s := New()
	s.ApplyVersion(1, []mutation.Mutation{set("a", "1"), set("b", "2"), set("c", "3")})
	s.ApplyVersion(2, []mutation.Mutation{{
		Op: mutation.MutationClearRange, Param1: []byte("a"), Param2: []byte("c"),
	}})

	_, ok := s.Get([]byte("a"))
	require.False(t, ok)
	_, ok = s.Get([]byte("b"))
	require.False(t, ok)
	_, ok = s.Get([]byte("c"))
	require.True(t, ok)
}

func TestAtomicAdd(t *testing.T) {
	s := New()
	s.ApplyVersion(1, []mutation.Mutation{{
		Op: mutation.MutationAtomicAdd, Param1: []byte("ctr"), Param2: []byte{5},
	}})
	s.ApplyVersion(2, []mutation.Mutation{{
		Op: mutation.MutationAtomicAdd, Param1: []byte("ctr"), Param2: []byte{250},
	}})

	v, ok := s.Get([]byte("ctr"))
	require.True(t, ok)
	// 5 + 250 = 255, no carry yet.
	require.Equal(t, []byte{255}, v)

	s.ApplyVersion(3, []mutation.Mutation{{
		Op: mutation.MutationAtomicAdd, Param1: []byte("ctr"), Param2: []byte{2, 0},
	}})
	v, _ = s.Get([]byte("ctr"))
	require.Equal(t, []byte{1, 1}, v)
}

func TestGetVersions(t *testing.T) {
	s := New()
	s.ApplyVersion(7, []mutation.Mutation{set("a", "1")})
	s.ApplyVersion(9, []mutation.Mutation{set("b", "2")})

	versions := s.GetVersions([][]byte{[]byte("a"), []byte("b"), []byte("missing")})
	require.Equal(t, map[string]mutation.Version{"a": 7, "b": 9}, versions)
}
