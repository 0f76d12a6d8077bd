package mutation

import "fmt"

// MessageType tags the variants a cursor can observe in a peeked stream.
type MessageType uint8

const (
	// MessageMutation is a set/clear/atomic-op key-value payload.
	MessageMutation MessageType = iota
	// MessageEmptyVersion marks a version that carried no real mutations
	// for a team; it keeps the teams of a TLog group version-aligned.
	MessageEmptyVersion
	// MessageLogProtocol is a control record announcing the protocol
	// version of the following records.
	MessageLogProtocol
	// MessageSpanContext is a tracing control record.
	MessageSpanContext
)

func (t MessageType) String() string {
	switch t {
	case MessageMutation:
		return "mutation"
	case MessageEmptyVersion:
		return "empty-version"
	case MessageLogProtocol:
		return "log-protocol"
	case MessageSpanContext:
		return "span-context"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// MutationOp is the operation carried by a Mutation message.
type MutationOp uint8

const (
	MutationSet MutationOp = iota
	MutationClearRange
	MutationAtomicAdd
)

// Message is the tagged variant carried at each (version, subsequence) slot.
type Message interface {
	MessageType() MessageType
}

// Mutation is a key-value write. Param1 is the key (or range begin for a
// clear), Param2 the value (or range end).
type Mutation struct {
	Op     MutationOp
	Param1 []byte
	Param2 []byte
}

func (Mutation) MessageType() MessageType { return MessageMutation }

// EmptyVersion is the broadcast filler record.
type EmptyVersion struct{}

func (EmptyVersion) MessageType() MessageType { return MessageEmptyVersion }

// LogProtocol records a protocol version switch in-band.
type LogProtocol struct {
	ProtocolVersion uint64
}

func (LogProtocol) MessageType() MessageType { return MessageLogProtocol }

// SpanContext carries the tracing span of the originating commit.
type SpanContext struct {
	SpanID []byte
}

func (SpanContext) MessageType() MessageType { return MessageSpanContext }

// VSM is the (version, subsequence, message) triple, the fundamental unit
// of cursor iteration.
type VSM struct {
	Version     Version
	Subsequence Subsequence
	Message     Message
}

// Compare orders VSMs lexicographically by (version, subsequence).
func (v VSM) Compare(other VSM) int {
	if v.Version != other.Version {
		if v.Version < other.Version {
			return -1
		}
		return 1
	}
	if v.Subsequence != other.Subsequence {
		if v.Subsequence < other.Subsequence {
			return -1
		}
		return 1
	}
	return 0
}

func (v VSM) String() string {
	return fmt.Sprintf("%d/%d %s", v.Version, v.Subsequence, v.Message.MessageType())
}
