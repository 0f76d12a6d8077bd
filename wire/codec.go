package wire

import (
	"encoding"

	"github.com/cockroachdb/errors"
	grpcencoding "google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype carrying peek messages. The peek
// payload is already length-framed bytes, so the envelope rides the same
// hand-rolled framing instead of a compiled schema.
const CodecName = "tlogwire"

func init() {
	grpcencoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Name() string { return CodecName }

func (codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(encoding.BinaryMarshaler)
	if !ok {
		return nil, errors.Newf("tlogwire codec: cannot marshal %T", v)
	}
	return m.MarshalBinary()
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	u, ok := v.(encoding.BinaryUnmarshaler)
	if !ok {
		return errors.Newf("tlogwire codec: cannot unmarshal into %T", v)
	}
	return u.UnmarshalBinary(data)
}
