// Package mapservice maintains the materialized key state of a storage
// server: the latest value per key together with the commit version that
// last wrote it.
package mapservice

import (
	"sync"

	"github.com/chn0318/tlog/mutation"
)

// KeyMeta stores the latest value and the commit version that last updated
// this key.
type KeyMeta struct {
	Value   []byte
	Version mutation.Version
}

// MapService is an in-memory implementation of the mapping service.
type MapService struct {
	mu sync.RWMutex
	m  map[string]KeyMeta

	// maxAppliedVersion is the largest commit version applied so far,
	// kept for checkpoint/recovery.
	maxAppliedVersion mutation.Version
}

// New creates a new in-memory MapService.
func New() *MapService {
	return &MapService{
		m:                 make(map[string]KeyMeta),
		maxAppliedVersion: mutation.InvalidVersion,
	}
}

// ApplyVersion applies all mutations of one commit version atomically.
//
// Mutations arrive in subsequence order; within the version later writes to
// the same key win. A version at or below maxAppliedVersion is skipped
// wholesale, which makes replay after a cursor reset idempotent.
func (s *MapService) ApplyVersion(version mutation.Version, muts []mutation.Mutation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if version <= s.maxAppliedVersion {
		return
	}
	s.maxAppliedVersion = version

	for _, m := range muts {
		switch m.Op {
		case mutation.MutationSet:
			s.m[string(m.Param1)] = KeyMeta{Value: m.Param2, Version: version}
		case mutation.MutationClearRange:
			for k := range s.m {
				if k >= string(m.Param1) && k < string(m.Param2) {
					delete(s.m, k)
				}
			}
		case mutation.MutationAtomicAdd:
			meta := s.m[string(m.Param1)]
			meta.Value = atomicAdd(meta.Value, m.Param2)
			meta.Version = version
			s.m[string(m.Param1)] = meta
		}
	}
}

// Get returns the latest value for key.
func (s *MapService) Get(key []byte) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.m[string(key)]
	return meta.Value, ok
}

// GetVersions returns the commit version of each present key.
func (s *MapService) GetVersions(keys [][]byte) map[string]mutation.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make(map[string]mutation.Version, len(keys))
	for _, k := range keys {
		if meta, ok := s.m[string(k)]; ok {
			res[string(k)] = meta.Version
		}
	}
	return res
}

// MaxAppliedVersion returns the largest commit version applied so far.
func (s *MapService) MaxAppliedVersion() mutation.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxAppliedVersion
}

// Len counts the live keys.
func (s *MapService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// atomicAdd treats both operands as little-endian integers of the longer
// operand's width.
func atomicAdd(existing, operand []byte) []byte {
	n := len(existing)
	if len(operand) > n {
		n = len(operand)
	}
	out := make([]byte, n)
	var carry uint16
	for i := 0; i < n; i++ {
		var a, b uint16
		if i < len(existing) {
			a = uint16(existing[i])
		}
		if i < len(operand) {
			b = uint16(operand[i])
		}
		sum := a + b + carry
		out[i] = byte(sum)
		carry = sum >> 8
	}
	return out
}
