// Package wire frames the peek payload exchanged between TLog servers and
// storage-server cursors: a per-team header, per-version sub-headers, and
// subsequenced message records. Framing uses protowire varint/bytes
// primitives so the payload stays self-describing without a schema compiler.
package wire

import (
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/chn0318/tlog/mutation"
)

// Payload protocol version, bumped on layout changes.
const protocolVersion = 1

// Outer payload fields.
const (
	fieldHeaderTeam     = 1
	fieldHeaderProtocol = 2
	fieldVersionBlock   = 3
)

// Version-block fields.
const (
	fieldBlockVersion  = 1
	fieldBlockNumItems = 2
	fieldBlockItem     = 3
)

// Item fields.
const (
	fieldItemSubsequence = 1
	fieldItemType        = 2
	fieldItemBody        = 3
)

// Mutation body fields.
const (
	fieldMutationOp     = 1
	fieldMutationParam1 = 2
	fieldMutationParam2 = 3
)

// Serializer builds the peek payload for a single storage team. Versions
// must be opened in increasing order; subsequences appended in increasing
// order within a version.
type Serializer struct {
	team mutation.StorageTeamID

	buf   []byte
	block []byte

	blockOpen    bool
	blockVersion mutation.Version
	numItems     uint64
	done         bool
}

// NewSerializer starts a payload for the given team. The header is written
// immediately so a completed empty serializer yields a header-only payload.
func NewSerializer(team mutation.StorageTeamID) *Serializer {
	s := &Serializer{team: team}
	s.buf = protowire.AppendTag(s.buf, fieldHeaderTeam, protowire.BytesType)
	s.buf = protowire.AppendBytes(s.buf, team[:])
	s.buf = protowire.AppendTag(s.buf, fieldHeaderProtocol, protowire.VarintType)
	s.buf = protowire.AppendVarint(s.buf, protocolVersion)
	return s
}

// StartVersion opens a version sub-header. A version opened with no appended
// records serializes as an empty version marker.
func (s *Serializer) StartVersion(v mutation.Version) {
	if s.done {
		panic("wire: serializer already completed")
	}
	if s.blockOpen {
		if v <= s.blockVersion {
			panic("wire: versions must increase")
		}
		s.closeBlock()
	}
	s.blockOpen = true
	s.blockVersion = v
	s.numItems = 0
	s.block = s.block[:0]
}

// Append writes one subsequenced message into the open version.
func (s *Serializer) Append(subseq mutation.Subsequence, msg mutation.Message) {
	if !s.blockOpen {
		panic("wire: no open version")
	}
	var item []byte
	item = protowire.AppendTag(item, fieldItemSubsequence, protowire.VarintType)
	item = protowire.AppendVarint(item, uint64(subseq))
	item = protowire.AppendTag(item, fieldItemType, protowire.VarintType)
	item = protowire.AppendVarint(item, uint64(msg.MessageType()))
	item = protowire.AppendTag(item, fieldItemBody, protowire.BytesType)
	item = protowire.AppendBytes(item, encodeMessageBody(msg))

	s.block = protowire.AppendTag(s.block, fieldBlockItem, protowire.BytesType)
	s.block = protowire.AppendBytes(s.block, item)
	s.numItems++
}

func (s *Serializer) closeBlock() {
	var hdr []byte
	hdr = protowire.AppendTag(hdr, fieldBlockVersion, protowire.VarintType)
	hdr = protowire.AppendVarint(hdr, uint64(s.blockVersion))
	hdr = protowire.AppendTag(hdr, fieldBlockNumItems, protowire.VarintType)
	hdr = protowire.AppendVarint(hdr, s.numItems)
	hdr = append(hdr, s.block...)

	s.buf = protowire.AppendTag(s.buf, fieldVersionBlock, protowire.BytesType)
	s.buf = protowire.AppendBytes(s.buf, hdr)
	s.blockOpen = false
}

// Complete finishes the payload and returns the serialized bytes.
func (s *Serializer) Complete() []byte {
	if s.done {
		return s.buf
	}
	if s.blockOpen {
		s.closeBlock()
	}
	s.done = true
	return s.buf
}

// EmptyPayload returns a header-only payload for the team, the shape a
// deserializer expects when a peek returned no data.
func EmptyPayload(team mutation.StorageTeamID) []byte {
	return NewSerializer(team).Complete()
}

func encodeMessageBody(msg mutation.Message) []byte {
	var b []byte
	switch m := msg.(type) {
	case mutation.Mutation:
		b = protowire.AppendTag(b, fieldMutationOp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Op))
		b = protowire.AppendTag(b, fieldMutationParam1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Param1)
		b = protowire.AppendTag(b, fieldMutationParam2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Param2)
	case mutation.EmptyVersion:
		// No body.
	case mutation.LogProtocol:
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, m.ProtocolVersion)
	case mutation.SpanContext:
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.SpanID)
	default:
		panic(errors.AssertionFailedf("wire: unknown message type %T", msg))
	}
	return b
}
