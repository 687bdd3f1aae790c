package cache

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Every stored value starts with a one byte header naming its encoding,
// so values written with compression off stay readable after it is turned on.
const (
	headerRaw  byte = 0x00
	headerZstd byte = 0x01
)

var errCorruptValue = errors.New("corrupt cache value")

// Codec is the reversible value transform applied to every projection
type Codec struct {
	compress bool
	minBytes int
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// NewCodec creates a codec. Values shorter than minBytes are never compressed.
func NewCodec(compress bool, minBytes int) (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{
		compress: compress,
		minBytes: minBytes,
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

// Encode prefixes value with its header, compressing it when enabled and large enough
func (c *Codec) Encode(value []byte) []byte {
	if !c.compress || len(value) < c.minBytes {
		out := make([]byte, 0, len(value)+1)
		out = append(out, headerRaw)
		return append(out, value...)
	}
	out := make([]byte, 1, len(value)/2+1)
	out[0] = headerZstd
	return c.encoder.EncodeAll(value, out)
}

// Decode reverses Encode regardless of the current compression setting
func (c *Codec) Decode(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, errCorruptValue
	}
	switch value[0] {
	case headerRaw:
		return value[1:], nil
	case headerZstd:
		out, err := c.decoder.DecodeAll(value[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errCorruptValue, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown header 0x%02x", errCorruptValue, value[0])
	}
}

// Close releases the decoder goroutines
func (c *Codec) Close() {
	c.decoder.Close()
}
