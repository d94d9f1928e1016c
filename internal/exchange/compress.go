package exchange

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ErrNotCompressed is returned by Decompress for data without the marker.
var ErrNotCompressed = errors.New("data is not a compressed backup")

// DefaultMaxDocumentSize bounds an imported document, before parsing and
// after decompression.
const DefaultMaxDocumentSize = 32 << 20

// compressionMagic prefixes every compressed payload.
var compressionMagic = []byte("C3DZ\x01")

// IsCompressed reports whether data carries the compression marker.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, compressionMagic)
}

// codec holds one exporter's zstd encoder and size-capped decoder. Both
// are built on first use.
type codec struct {
	maxSize int64
	enc     func() (*zstd.Encoder, error)
	dec     func() (*zstd.Decoder, error)
}

func newCodec(maxSize int64) *codec {
	c := &codec{maxSize: maxSize}
	c.enc = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	c.dec = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(uint64(maxSize)),
		)
	})
	return c
}

// Compress zstd-encodes data behind the marker.
func (c *codec) Compress(data []byte) ([]byte, error) {
	enc, err := c.enc()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(compressionMagic), len(compressionMagic)+len(data)/2)
	copy(out, compressionMagic)
	return enc.EncodeAll(data, out), nil
}

// Decompress reverses Compress. Output larger than the codec's maximum
// document size is refused with ErrInvalidDocument.
func (c *codec) Decompress(data []byte) ([]byte, error) {
	if !IsCompressed(data) {
		return nil, ErrNotCompressed
	}
	dec, err := c.dec()
	if err != nil {
		return nil, err
	}
	out, err := dec.DecodeAll(data[len(compressionMagic):], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return out, nil
}
