package mutation

import (
	"bytes"

	"github.com/google/uuid"
)

// Version is the commit timestamp assigned by the proxy. Versions are
// strictly increasing across commits but not dense.
type Version int64

// InvalidVersion marks an unset version.
const InvalidVersion Version = -1

// MaxVersion is used as the open upper bound of a peek request.
const MaxVersion Version = 1<<63 - 1

// Subsequence orders messages within a single version for a single storage
// team, starting at 1 and dense. Subsequence 0 is reserved for synthetic
// empty-version records.
type Subsequence uint32

// StorageTeamID identifies a replication unit whose log suffix is produced
// cooperatively by one or more TLog servers.
type StorageTeamID uuid.UUID

// TLogGroupID groups storage teams that share TLog replicas.
type TLogGroupID uuid.UUID

func (id StorageTeamID) String() string { return uuid.UUID(id).String() }
func (id TLogGroupID) String() string { return uuid.UUID(id).String() }

func (id StorageTeamID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

// Compare provides the deterministic tie-break used when two cursors hold
// messages at the same version and subsequence.
func (id StorageTeamID) Compare(other StorageTeamID) int {
	return bytes.Compare(id[:], other[:])
}

func StorageTeamIDFromBytes(b []byte) (StorageTeamID, error) {
	u, err := uuid.FromBytes(b)
	return StorageTeamID(u), err
}
