package utils

import (
	"fmt"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/o-tero/tiered-cache/pkg/models"
)

// Compression algorithms.
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionZstd   = "zstd"
)

// Compressor compresses serialized payloads.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Algorithm() string
}

// NewCompressor returns the compressor for an algorithm name.
func NewCompressor(algorithm string) (Compressor, error) {
	switch strings.ToLower(algorithm) {
	case "", CompressionSnappy:
		return SnappyCompressor{}, nil
	case CompressionZstd:
		return NewZstdCompressor(), nil
	case CompressionNone:
		return NoopCompressor{}, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algorithm)
	}
}

// SnappyCompressor favours speed over ratio.
type SnappyCompressor struct{}

func (SnappyCompressor) Algorithm() string { return CompressionSnappy }

func (SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: snappy: %w", models.ErrSerialization, err)
	}
	return out, nil
}

// ZstdCompressor uses a shared encoder and decoder created on first use.
type ZstdCompressor struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	initErr error
}

// NewZstdCompressor creates a zstd compressor at the default level.
func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{}
}

func (c *ZstdCompressor) init() error {
	c.once.Do(func() {
		c.encoder, c.initErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1))
		if c.initErr != nil {
			return
		}
		c.decoder, c.initErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(256*1024*1024))
	})
	return c.initErr
}

func (c *ZstdCompressor) Algorithm() string { return CompressionZstd }

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, fmt.Errorf("zstd init: %w", err)
	}
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (c *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, fmt.Errorf("zstd init: %w", err)
	}
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %w", models.ErrSerialization, err)
	}
	return out, nil
}

// NoopCompressor passes data through.
type NoopCompressor struct{}

func (NoopCompressor) Algorithm() string                      { return CompressionNone }
func (NoopCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (NoopCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
