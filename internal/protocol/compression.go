package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Compressor compresses frame bodies once STARTUP has negotiated an algorithm
type Compressor interface {
	// Name is the value sent in the STARTUP COMPRESSION option
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// NewCompressor returns the compressor for name; "" and "none" return nil
func NewCompressor(name string) (Compressor, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "lz4":
		return LZ4Compressor{}, nil
	case "snappy":
		return SnappyCompressor{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", name)
	}
}

// SnappyCompressor is raw snappy block compression
type SnappyCompressor struct{}

func (SnappyCompressor) Name() string { return "snappy" }

func (SnappyCompressor) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (SnappyCompressor) Decompress(src []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, errors.Wrap(err, "snappy decode")
	}
	return out, nil
}

// LZ4Compressor prefixes the lz4 block with the uncompressed length as a big endian int32
type LZ4Compressor struct{}

func (LZ4Compressor) Name() string { return "lz4" }

func (LZ4Compressor) Compress(src []byte) ([]byte, error) {
	buf := make([]byte, 4+lz4.CompressBlockBound(len(src)))
	binary.BigEndian.PutUint32(buf, uint32(len(src)))
	n, err := lz4.CompressBlock(src, buf[4:], nil)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	return buf[:4+n], nil
}

func (LZ4Compressor) Decompress(src []byte) ([]byte, error) {
	if len(src) < 4 {
		return nil, errors.Errorf("lz4 body too short: %d bytes", len(src))
	}
	size := binary.BigEndian.Uint32(src)
	if size == 0 {
		return []byte{}, nil
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(src[4:], out)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 decompress")
	}
	return out[:n], nil
}
