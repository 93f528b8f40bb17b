package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/o-tero/tiered-cache/pkg/models"
)

func TestPipeline_EncodeDecode(t *testing.T) {
	created := time.Unix(1700000000, 0)
	value := map[string]any{"a": "b", "list": []any{"x", "y"}}

	tests := []struct {
		name     string
		cfg      PipelineConfig
		value    any
		wantComp bool
	}{
		{
			name:  "json_uncompressed",
			cfg:   PipelineConfig{Format: FormatJSON},
			value: value,
		},
		{
			name:  "cbor_uncompressed",
			cfg:   PipelineConfig{Format: FormatCBOR},
			value: value,
		},
		{
			name:     "json_snappy",
			cfg:      PipelineConfig{Format: FormatJSON, CompressionEnabled: true, Algorithm: CompressionSnappy},
			value:    strings.Repeat("cacheable ", 200),
			wantComp: true,
		},
		{
			name:     "cbor_zstd",
			cfg:      PipelineConfig{Format: FormatCBOR, CompressionEnabled: true, Algorithm: CompressionZstd},
			value:    strings.Repeat("cacheable ", 200),
			wantComp: true,
		},
		{
			name:  "below_threshold_not_compressed",
			cfg:   PipelineConfig{Format: FormatJSON, CompressionEnabled: true, Algorithm: CompressionSnappy, MinCompressBytes: 1024},
			value: "small",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPipeline(tt.cfg)
			require.NoError(t, err)

			data, compressed, err := p.Encode("user:1", tt.value, created, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, tt.wantComp, compressed)

			rec, err := p.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, "user:1", rec.Key)
			assert.Equal(t, tt.value, rec.Value)
			assert.Equal(t, created.UnixNano(), rec.CreatedAt.UnixNano())
			assert.Equal(t, time.Minute, rec.TTL())
			assert.Equal(t, tt.wantComp, rec.Compressed)
		})
	}
}

func TestPipeline_NeverExpires(t *testing.T) {
	p, err := NewPipeline(PipelineConfig{})
	require.NoError(t, err)

	data, _, err := p.Encode("k", "v", time.Now(), 0)
	require.NoError(t, err)

	rec, err := p.Decode(data)
	require.NoError(t, err)
	assert.True(t, rec.ExpiresAt.IsZero())
	assert.False(t, rec.IsExpired(time.Now().Add(1000*time.Hour)))
}

func TestPipeline_CorruptPayload(t *testing.T) {
	p, err := NewPipeline(PipelineConfig{Format: FormatJSON})
	require.NoError(t, err)

	t.Run("garbage", func(t *testing.T) {
		_, err := p.Decode([]byte("not an envelope at all"))
		assert.ErrorIs(t, err, models.ErrSerialization)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := p.Decode([]byte{'T', 'C', 1})
		assert.ErrorIs(t, err, models.ErrSerialization)
	})

	t.Run("bad_json_payload", func(t *testing.T) {
		data, _, err := p.Encode("k", "v", time.Now(), 0)
		require.NoError(t, err)
		data = append(data[:len(data)-1], '{')
		_, err = p.Decode(data)
		assert.ErrorIs(t, err, models.ErrSerialization)
	})

	t.Run("format_mismatch", func(t *testing.T) {
		cborPipe, err := NewPipeline(PipelineConfig{Format: FormatCBOR})
		require.NoError(t, err)
		data, _, err := cborPipe.Encode("k", "v", time.Now(), 0)
		require.NoError(t, err)
		_, err = p.Decode(data)
		assert.ErrorIs(t, err, models.ErrSerialization)
	})
}

func TestNewCodec_Unknown(t *testing.T) {
	_, err := NewCodec("msgpack")
	assert.Error(t, err)
	_, err = NewCompressor("lz4")
	assert.Error(t, err)
}

func TestEstimateSize(t *testing.T) {
	assert.Equal(t, 0, EstimateSize(nil))
	assert.Equal(t, 5, EstimateSize("hello"))
	assert.Equal(t, 3, EstimateSize([]byte("abc")))
	assert.Equal(t, len(`{"a":1}`), EstimateSize(map[string]int{"a": 1}))
}
