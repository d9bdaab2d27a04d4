package protocol

import (
	"bytes"
	"io"

	"github.com/datastax/go-cassandra-native-protocol/frame"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/pkg/errors"
)

// Version is the only native protocol version spoken by the driver
const Version = primitive.ProtocolVersion4

// EventStreamID is the stream id servers use for pushed events
const EventStreamID int16 = -1

// Codec reads and writes v4 frames, applying body compression outside of the
// raw codec so that the negotiated algorithm can be switched on after STARTUP.
type Codec struct {
	raw        frame.RawCodec
	compressor Compressor
}

// NewCodec creates a codec; a nil compressor disables compression
func NewCodec(compressor Compressor) *Codec {
	return &Codec{
		raw:        frame.NewRawCodec(),
		compressor: compressor,
	}
}

// Compressor returns the negotiated compressor or nil
func (c *Codec) Compressor() Compressor {
	return c.compressor
}

// EncodeFrame serializes msg on streamID. compress selects whether the body is
// compressed; it must be false for STARTUP and everything sent before it.
func (c *Codec) EncodeFrame(streamID int16, msg message.Message, compress bool) ([]byte, error) {
	raw, err := c.raw.ConvertToRawFrame(frame.NewFrame(Version, streamID, msg))
	if err != nil {
		return nil, errors.Wrapf(err, "encode %v", msg.GetOpCode())
	}

	if compress && c.compressor != nil && len(raw.Body) > 0 {
		body, err := c.compressor.Compress(raw.Body)
		if err != nil {
			return nil, err
		}
		raw.Body = body
		raw.Header.Flags |= primitive.HeaderFlagCompressed
		raw.Header.BodyLength = int32(len(body))
	}

	var buf bytes.Buffer
	if err := c.raw.EncodeRawFrame(raw, &buf); err != nil {
		return nil, errors.Wrap(err, "write frame")
	}
	return buf.Bytes(), nil
}

// Encode writes one frame to w
func (c *Codec) Encode(w io.Writer, streamID int16, msg message.Message, compress bool) error {
	data, err := c.EncodeFrame(streamID, msg, compress)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Decode reads one frame from r, decompressing the body when flagged
func (c *Codec) Decode(r io.Reader) (*frame.Frame, error) {
	raw, err := c.raw.DecodeRawFrame(r)
	if err != nil {
		return nil, err
	}

	if raw.Header.Flags&primitive.HeaderFlagCompressed != 0 {
		if c.compressor == nil {
			return nil, errors.New("received a compressed frame but no compression was negotiated")
		}
		body, err := c.compressor.Decompress(raw.Body)
		if err != nil {
			return nil, err
		}
		raw.Body = body
		raw.Header.Flags &^= primitive.HeaderFlagCompressed
		raw.Header.BodyLength = int32(len(body))
	}

	f, err := c.raw.ConvertFromRawFrame(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %v body on stream %d", raw.Header.OpCode, raw.Header.StreamId)
	}
	return f, nil
}
