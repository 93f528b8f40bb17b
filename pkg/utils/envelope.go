package utils

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/o-tero/tiered-cache/pkg/models"
)

// Envelope layout (big endian):
//
//	magic[2] version[1] flags[1] created_unix_nano[8] expires_unix_nano[8] key_len[2] key payload
//
// expires_unix_nano is 0 for entries that never expire.
const (
	envelopeVersion    = 1
	envelopeHeaderSize = 2 + 1 + 1 + 8 + 8 + 2
	maxKeyLen          = 1<<16 - 1

	flagCompressed = 1 << 0
	flagCBOR       = 1 << 1
)

var envelopeMagic = [2]byte{'T', 'C'}

// Record is a decoded envelope.
type Record struct {
	Key        string
	Value      any
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero = never
	Compressed bool
	Size       int
}

// TTL returns the record's original lifetime, 0 when it never expires.
func (r *Record) TTL() time.Duration {
	if r.ExpiresAt.IsZero() {
		return 0
	}
	return r.ExpiresAt.Sub(r.CreatedAt)
}

// IsExpired reports whether the embedded expiry has passed.
func (r *Record) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Pipeline serializes values for the out-of-process tiers.
type Pipeline struct {
	codec      Codec
	compressor Compressor
	minBytes   int
	compress   bool
}

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Format             string
	CompressionEnabled bool
	Algorithm          string
	MinCompressBytes   int
}

// NewPipeline builds a pipeline from config.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	codec, err := NewCodec(cfg.Format)
	if err != nil {
		return nil, err
	}
	compressor, err := NewCompressor(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		codec:      codec,
		compressor: compressor,
		minBytes:   cfg.MinCompressBytes,
		compress:   cfg.CompressionEnabled && compressor.Algorithm() != CompressionNone,
	}, nil
}

// Format returns the serialization format name.
func (p *Pipeline) Format() string { return p.codec.Format() }

// Encode serializes value into an envelope. The returned bool reports
// whether the payload was compressed.
func (p *Pipeline) Encode(key string, value any, createdAt time.Time, ttl time.Duration) ([]byte, bool, error) {
	if len(key) > maxKeyLen {
		return nil, false, fmt.Errorf("key too long: %d bytes", len(key))
	}

	payload, err := p.codec.Marshal(value)
	if err != nil {
		return nil, false, err
	}

	var flags byte
	if p.codec.Format() == FormatCBOR {
		flags |= flagCBOR
	}
	if p.compress && len(payload) >= p.minBytes {
		compressed, err := p.compressor.Compress(payload)
		if err != nil {
			return nil, false, fmt.Errorf("compress: %w", err)
		}
		payload = compressed
		flags |= flagCompressed
	}

	var expires int64
	if ttl > 0 {
		expires = createdAt.Add(ttl).UnixNano()
	}

	buf := make([]byte, envelopeHeaderSize+len(key)+len(payload))
	buf[0], buf[1] = envelopeMagic[0], envelopeMagic[1]
	buf[2] = envelopeVersion
	buf[3] = flags
	binary.BigEndian.PutUint64(buf[4:12], uint64(createdAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[12:20], uint64(expires))
	binary.BigEndian.PutUint16(buf[20:22], uint16(len(key)))
	copy(buf[envelopeHeaderSize:], key)
	copy(buf[envelopeHeaderSize+len(key):], payload)

	return buf, flags&flagCompressed != 0, nil
}

// DecodeHeader reads the key and timestamps without touching the payload.
func DecodeHeader(data []byte) (*Record, error) {
	if len(data) < envelopeHeaderSize {
		return nil, fmt.Errorf("%w: envelope too short", models.ErrSerialization)
	}
	if data[0] != envelopeMagic[0] || data[1] != envelopeMagic[1] {
		return nil, fmt.Errorf("%w: bad envelope magic", models.ErrSerialization)
	}
	if data[2] != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", models.ErrSerialization, data[2])
	}

	keyLen := int(binary.BigEndian.Uint16(data[20:22]))
	if len(data) < envelopeHeaderSize+keyLen {
		return nil, fmt.Errorf("%w: truncated key", models.ErrSerialization)
	}

	rec := &Record{
		Key:        string(data[envelopeHeaderSize : envelopeHeaderSize+keyLen]),
		CreatedAt:  time.Unix(0, int64(binary.BigEndian.Uint64(data[4:12]))),
		Compressed: data[3]&flagCompressed != 0,
		Size:       len(data),
	}
	if exp := int64(binary.BigEndian.Uint64(data[12:20])); exp != 0 {
		rec.ExpiresAt = time.Unix(0, exp)
	}
	return rec, nil
}

// Decode fully decodes an envelope produced by Encode.
func (p *Pipeline) Decode(data []byte) (*Record, error) {
	rec, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}

	flags := data[3]
	if (flags&flagCBOR != 0) != (p.codec.Format() == FormatCBOR) {
		return nil, fmt.Errorf("%w: payload format does not match %s codec", models.ErrSerialization, p.codec.Format())
	}

	payload := data[envelopeHeaderSize+len(rec.Key):]
	if rec.Compressed {
		payload, err = p.compressor.Decompress(payload)
		if err != nil {
			if !errors.Is(err, models.ErrSerialization) {
				err = fmt.Errorf("%w: %w", models.ErrSerialization, err)
			}
			return nil, err
		}
	}

	rec.Value, err = p.codec.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
