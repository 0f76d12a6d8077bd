package mutation

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// StorageTeamsKeyPrefix is the reserved system key prefix under which
// storage-server team membership mutations are committed. The full key is
// the prefix followed by the 16-byte storage server id.
var StorageTeamsKeyPrefix = []byte("\xff/storageServer/storageTeams/")

// StorageTeamsKey builds the membership key for one storage server.
func StorageTeamsKey(storageServerID uuid.UUID) []byte {
	k := make([]byte, 0, len(StorageTeamsKeyPrefix)+16)
	k = append(k, StorageTeamsKeyPrefix...)
	return append(k, storageServerID[:]...)
}

// IsStorageTeamsKey reports whether key carries a membership mutation.
func IsStorageTeamsKey(key []byte) bool {
	return bytes.HasPrefix(key, StorageTeamsKeyPrefix)
}

// StorageServerStorageTeams is the decoded payload of a membership
// mutation: the private-mutations team of a storage server plus the storage
// teams it currently serves.
type StorageServerStorageTeams struct {
	PrivateTeam StorageTeamID
	Teams       []StorageTeamID
}

// Contains reports whether id is in the membership set. The private team is
// always a member.
func (s StorageServerStorageTeams) Contains(id StorageTeamID) bool {
	if id == s.PrivateTeam {
		return true
	}
	for _, t := range s.Teams {
		if t == id {
			return true
		}
	}
	return false
}

const (
	storageTeamsFieldPrivate = 1
	storageTeamsFieldTeam    = 2
)

// Encode serializes the membership payload as the value of a membership
// mutation.
func (s StorageServerStorageTeams) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, storageTeamsFieldPrivate, protowire.BytesType)
	b = protowire.AppendBytes(b, s.PrivateTeam[:])
	for _, t := range s.Teams {
		b = protowire.AppendTag(b, storageTeamsFieldTeam, protowire.BytesType)
		b = protowire.AppendBytes(b, t[:])
	}
	return b
}

// DecodeStorageServerStorageTeams parses a membership mutation value.
func DecodeStorageServerStorageTeams(value []byte) (StorageServerStorageTeams, error) {
	var s StorageServerStorageTeams
	for len(value) > 0 {
		num, typ, n := protowire.ConsumeTag(value)
		if n < 0 {
			return s, errors.Wrap(protowire.ParseError(n), "storage teams tag")
		}
		value = value[n:]
		if typ != protowire.BytesType {
			return s, errors.Newf("storage teams: unexpected wire type %v", typ)
		}
		raw, n := protowire.ConsumeBytes(value)
		if n < 0 {
			return s, errors.Wrap(protowire.ParseError(n), "storage teams value")
		}
		value = value[n:]

		id, err := StorageTeamIDFromBytes(raw)
		if err != nil {
			return s, errors.Wrap(err, "storage teams id")
		}
		switch num {
		case storageTeamsFieldPrivate:
			s.PrivateTeam = id
		case storageTeamsFieldTeam:
			s.Teams = append(s.Teams, id)
		default:
			// Unknown fields are skipped for forward compatibility.
		}
	}
	return s, nil
}
