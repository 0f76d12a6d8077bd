package wire

import (
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/chn0318/tlog/mutation"
)

// Deserializer turns a peek payload into a lazy, restartable sequence of
// VSMs for one storage team. Re-invoking Begin restarts iteration from the
// front of the buffer; the returned message byte slices alias the payload
// and stay valid for its lifetime.
type Deserializer struct {
	team      mutation.StorageTeamID
	blocks    []byte
	emitEmpty bool
}

// NewDeserializer parses the payload header eagerly; iteration over the
// version blocks is lazy. When emitEmpty is set, a version sub-header with
// zero items yields one synthetic EmptyVersion record at subsequence 0.
func NewDeserializer(data []byte, emitEmpty bool) (*Deserializer, error) {
	d := &Deserializer{emitEmpty: emitEmpty}
	if err := d.Reset(data); err != nil {
		return nil, err
	}
	return d, nil
}

// Reset points the deserializer at a new payload.
func (d *Deserializer) Reset(data []byte) error {
	num, typ, n := protowire.ConsumeTag(data)
	if n < 0 || num != fieldHeaderTeam || typ != protowire.BytesType {
		return errors.New("wire: malformed payload header")
	}
	data = data[n:]
	raw, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return errors.Wrap(protowire.ParseError(n), "wire: header team")
	}
	data = data[n:]
	team, err := mutation.StorageTeamIDFromBytes(raw)
	if err != nil {
		return errors.Wrap(err, "wire: header team")
	}

	num, typ, n = protowire.ConsumeTag(data)
	if n < 0 || num != fieldHeaderProtocol || typ != protowire.VarintType {
		return errors.New("wire: malformed payload header")
	}
	data = data[n:]
	pv, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return errors.Wrap(protowire.ParseError(n), "wire: header protocol")
	}
	if pv != protocolVersion {
		return errors.Newf("wire: unsupported protocol version %d", pv)
	}

	d.team = team
	d.blocks = data[n:]
	return nil
}

// Team returns the storage team named in the payload header.
func (d *Deserializer) Team() mutation.StorageTeamID { return d.team }

// Begin starts iteration at the front of the payload.
func (d *Deserializer) Begin() Iterator {
	it := Iterator{d: d, blocks: d.blocks}
	it.advance()
	return it
}

// Iterator walks the VSMs of a payload in (version, subsequence) order.
// A zero Iterator is exhausted.
type Iterator struct {
	d      *Deserializer
	blocks []byte
	items  []byte

	version   mutation.Version
	remaining uint64

	cur   mutation.VSM
	valid bool
	err   error
}

// Valid reports whether the iterator is positioned on a VSM.
func (it *Iterator) Valid() bool { return it.valid }

// Err returns the first parse error encountered, if any.
func (it *Iterator) Err() error { return it.err }

// VSM returns the current triple. Only valid while Valid() is true.
func (it *Iterator) VSM() mutation.VSM { return it.cur }

// Next moves to the following VSM.
func (it *Iterator) Next() {
	if !it.valid {
		panic("wire: Next past end of payload")
	}
	it.advance()
}

func (it *Iterator) advance() {
	it.valid = false
	if it.err != nil {
		return
	}
	for {
		if it.remaining > 0 {
			it.remaining--
			vsm, err := it.parseItem()
			if err != nil {
				it.err = err
				return
			}
			it.cur = vsm
			it.valid = true
			return
		}
		if len(it.blocks) == 0 {
			return
		}
		emitted, err := it.openBlock()
		if err != nil {
			it.err = err
			return
		}
		if emitted {
			// Zero-item version surfaced as a synthetic record.
			it.cur = mutation.VSM{Version: it.version, Subsequence: 0, Message: mutation.EmptyVersion{}}
			it.valid = true
			return
		}
	}
}

// openBlock consumes the next version block header. It returns true when a
// synthetic EmptyVersion record should be emitted for the block.
func (it *Iterator) openBlock() (bool, error) {
	num, typ, n := protowire.ConsumeTag(it.blocks)
	if n < 0 || num != fieldVersionBlock || typ != protowire.BytesType {
		return false, errors.New("wire: malformed version block")
	}
	block, m := protowire.ConsumeBytes(it.blocks[n:])
	if m < 0 {
		return false, errors.Wrap(protowire.ParseError(m), "wire: version block")
	}
	it.blocks = it.blocks[n+m:]

	num, typ, n = protowire.ConsumeTag(block)
	if n < 0 || num != fieldBlockVersion || typ != protowire.VarintType {
		return false, errors.New("wire: malformed version sub-header")
	}
	raw, m := protowire.ConsumeVarint(block[n:])
	if m < 0 {
		return false, errors.Wrap(protowire.ParseError(m), "wire: block version")
	}
	block = block[n+m:]
	version := mutation.Version(raw)

	num, typ, n = protowire.ConsumeTag(block)
	if n < 0 || num != fieldBlockNumItems || typ != protowire.VarintType {
		return false, errors.New("wire: malformed version sub-header")
	}
	count, m := protowire.ConsumeVarint(block[n:])
	if m < 0 {
		return false, errors.Wrap(protowire.ParseError(m), "wire: block item count")
	}
	block = block[n+m:]

	it.version = version
	it.items = block
	it.remaining = count
	if count == 0 && it.d.emitEmpty {
		return true, nil
	}
	return false, nil
}

func (it *Iterator) parseItem() (mutation.VSM, error) {
	num, typ, n := protowire.ConsumeTag(it.items)
	if n < 0 || num != fieldBlockItem || typ != protowire.BytesType {
		return mutation.VSM{}, errors.New("wire: malformed item")
	}
	item, m := protowire.ConsumeBytes(it.items[n:])
	if m < 0 {
		return mutation.VSM{}, errors.Wrap(protowire.ParseError(m), "wire: item")
	}
	it.items = it.items[n+m:]

	var (
		subseq  mutation.Subsequence
		msgType mutation.MessageType
		body    []byte
	)
	for len(item) > 0 {
		num, typ, n := protowire.ConsumeTag(item)
		if n < 0 {
			return mutation.VSM{}, errors.Wrap(protowire.ParseError(n), "wire: item field")
		}
		item = item[n:]
		switch num {
		case fieldItemSubsequence:
			raw, m := protowire.ConsumeVarint(item)
			if m < 0 {
				return mutation.VSM{}, errors.Wrap(protowire.ParseError(m), "wire: subsequence")
			}
			subseq = mutation.Subsequence(raw)
			item = item[m:]
		case fieldItemType:
			raw, m := protowire.ConsumeVarint(item)
			if m < 0 {
				return mutation.VSM{}, errors.Wrap(protowire.ParseError(m), "wire: message type")
			}
			msgType = mutation.MessageType(raw)
			item = item[m:]
		case fieldItemBody:
			raw, m := protowire.ConsumeBytes(item)
			if m < 0 {
				return mutation.VSM{}, errors.Wrap(protowire.ParseError(m), "wire: message body")
			}
			body = raw
			item = item[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, item)
			if m < 0 {
				return mutation.VSM{}, errors.Wrap(protowire.ParseError(m), "wire: item field")
			}
			item = item[m:]
		}
	}

	msg, err := decodeMessageBody(msgType, body)
	if err != nil {
		return mutation.VSM{}, err
	}
	return mutation.VSM{Version: it.version, Subsequence: subseq, Message: msg}, nil
}

func decodeMessageBody(t mutation.MessageType, body []byte) (mutation.Message, error) {
	switch t {
	case mutation.MessageMutation:
		var m mutation.Mutation
		for len(body) > 0 {
			num, typ, n := protowire.ConsumeTag(body)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "wire: mutation field")
			}
			body = body[n:]
			switch num {
			case fieldMutationOp:
				raw, m2 := protowire.ConsumeVarint(body)
				if m2 < 0 {
					return nil, errors.Wrap(protowire.ParseError(m2), "wire: mutation op")
				}
				m.Op = mutation.MutationOp(raw)
				body = body[m2:]
			case fieldMutationParam1:
				raw, m2 := protowire.ConsumeBytes(body)
				if m2 < 0 {
					return nil, errors.Wrap(protowire.ParseError(m2), "wire: mutation param1")
				}
				m.Param1 = raw
				body = body[m2:]
			case fieldMutationParam2:
				raw, m2 := protowire.ConsumeBytes(body)
				if m2 < 0 {
					return nil, errors.Wrap(protowire.ParseError(m2), "wire: mutation param2")
				}
				m.Param2 = raw
				body = body[m2:]
			default:
				m2 := protowire.ConsumeFieldValue(num, typ, body)
				if m2 < 0 {
					return nil, errors.Wrap(protowire.ParseError(m2), "wire: mutation field")
				}
				body = body[m2:]
			}
		}
		return m, nil
	case mutation.MessageEmptyVersion:
		return mutation.EmptyVersion{}, nil
	case mutation.MessageLogProtocol:
		_, _, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "wire: log protocol")
		}
		raw, m := protowire.ConsumeVarint(body[n:])
		if m < 0 {
			return nil, errors.Wrap(protowire.ParseError(m), "wire: log protocol")
		}
		return mutation.LogProtocol{ProtocolVersion: raw}, nil
	case mutation.MessageSpanContext:
		_, _, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "wire: span context")
		}
		raw, m := protowire.ConsumeBytes(body[n:])
		if m < 0 {
			return nil, errors.Wrap(protowire.ParseError(m), "wire: span context")
		}
		return mutation.SpanContext{SpanID: raw}, nil
	}
	return nil, errors.Newf("wire: unknown message type %d", t)
}
