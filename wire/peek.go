package wire

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/chn0318/tlog/mutation"
)

// PeekRequest asks a TLog for the mutation suffix of one storage team.
type PeekRequest struct {
	DebugID         uuid.UUID // uuid.Nil when unset
	BeginVersion    mutation.Version
	EndVersion      mutation.Version // MaxVersion when the caller wants everything
	StorageTeamID   mutation.StorageTeamID
	ReturnIfBlocked bool
	OnlySpilled     bool
}

// PeekReply carries the serialized payload plus the watermarks the cursor
// tracks. EndVersion is the exclusive upper bound of the returned range; the
// next peek should begin there.
type PeekReply struct {
	Data []byte

	BeginVersion             mutation.Version
	EndVersion               mutation.Version
	MaxKnownVersion          mutation.Version
	MinKnownCommittedVersion mutation.Version

	PoppedVersion mutation.Version
	HasPopped     bool
	OnlySpilled   bool
}

const (
	reqFieldDebugID = 1
	reqFieldBegin   = 2
	reqFieldEnd     = 3
	reqFieldTeam    = 4
	reqFieldBlocked = 5
	reqFieldSpilled = 6
)

const (
	repFieldData     = 1
	repFieldBegin    = 2
	repFieldEnd      = 3
	repFieldMaxKnown = 4
	repFieldMinKnown = 5
	repFieldPopped   = 6
	repFieldSpilled  = 7
)

func (r *PeekRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	if r.DebugID != uuid.Nil {
		b = protowire.AppendTag(b, reqFieldDebugID, protowire.BytesType)
		b = protowire.AppendBytes(b, r.DebugID[:])
	}
	b = appendVersionField(b, reqFieldBegin, r.BeginVersion)
	b = appendVersionField(b, reqFieldEnd, r.EndVersion)
	b = protowire.AppendTag(b, reqFieldTeam, protowire.BytesType)
	b = protowire.AppendBytes(b, r.StorageTeamID[:])
	b = appendBoolField(b, reqFieldBlocked, r.ReturnIfBlocked)
	b = appendBoolField(b, reqFieldSpilled, r.OnlySpilled)
	return b, nil
}

func (r *PeekRequest) UnmarshalBinary(data []byte) error {
	*r = PeekRequest{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case reqFieldDebugID:
			u, err := uuid.FromBytes(field)
			if err != nil {
				return errors.Wrap(err, "peek request debug id")
			}
			r.DebugID = u
		case reqFieldBegin:
			r.BeginVersion = versionFromField(field)
		case reqFieldEnd:
			r.EndVersion = versionFromField(field)
		case reqFieldTeam:
			id, err := mutation.StorageTeamIDFromBytes(field)
			if err != nil {
				return errors.Wrap(err, "peek request team")
			}
			r.StorageTeamID = id
		case reqFieldBlocked:
			r.ReturnIfBlocked = boolFromField(field)
		case reqFieldSpilled:
			r.OnlySpilled = boolFromField(field)
		}
		return nil
	})
}

func (r *PeekReply) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, repFieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Data)
	b = appendVersionField(b, repFieldBegin, r.BeginVersion)
	b = appendVersionField(b, repFieldEnd, r.EndVersion)
	b = appendVersionField(b, repFieldMaxKnown, r.MaxKnownVersion)
	b = appendVersionField(b, repFieldMinKnown, r.MinKnownCommittedVersion)
	if r.HasPopped {
		b = appendVersionField(b, repFieldPopped, r.PoppedVersion)
	}
	b = appendBoolField(b, repFieldSpilled, r.OnlySpilled)
	return b, nil
}

func (r *PeekReply) UnmarshalBinary(data []byte) error {
	*r = PeekReply{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case repFieldData:
			r.Data = field
		case repFieldBegin:
			r.BeginVersion = versionFromField(field)
		case repFieldEnd:
			r.EndVersion = versionFromField(field)
		case repFieldMaxKnown:
			r.MaxKnownVersion = versionFromField(field)
		case repFieldMinKnown:
			r.MinKnownCommittedVersion = versionFromField(field)
		case repFieldPopped:
			r.PoppedVersion = versionFromField(field)
			r.HasPopped = true
		case repFieldSpilled:
			r.OnlySpilled = boolFromField(field)
		}
		return nil
	})
}

// walkFields decodes a flat field sequence, handing each field's raw value
// to fn. Varint fields are re-encoded as their minimal byte form so fn sees
// a uniform []byte.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, field []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "field tag")
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			raw, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "varint field")
			}
			if err := fn(num, typ, protowire.AppendVarint(nil, raw)); err != nil {
				return err
			}
			data = data[m:]
		case protowire.BytesType:
			raw, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "bytes field")
			}
			if err := fn(num, typ, raw); err != nil {
				return err
			}
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "field value")
			}
			data = data[m:]
		}
	}
	return nil
}

func appendVersionField(b []byte, num protowire.Number, v mutation.Version) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	if v {
		return protowire.AppendVarint(b, 1)
	}
	return protowire.AppendVarint(b, 0)
}

func versionFromField(field []byte) mutation.Version {
	raw, _ := protowire.ConsumeVarint(field)
	return mutation.Version(raw)
}

func boolFromField(field []byte) bool {
	raw, _ := protowire.ConsumeVarint(field)
	return raw != 0
}
