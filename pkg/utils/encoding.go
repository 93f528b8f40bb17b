// Package utils provides serialization utilities for cache values.
//
// This file implements the value pipeline used by the remote and persistent
// tiers: codec (JSON or CBOR) → optional compression (snappy or zstd) →
// envelope carrying the key, creation time and absolute expiry.
//
// Design Notes:
//   - JSON is default for portability and debugging
//   - CBOR is the compact binary alternative
//   - Compression only kicks in above a size threshold; the envelope records
//     whether it was applied so readers never guess
//   - Every decode error wraps models.ErrSerialization
package utils

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"

	"github.com/o-tero/tiered-cache/pkg/models"
)

// Serialization formats.
const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Codec turns values into bytes and back.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
	Format() string
}

// NewCodec returns the codec for a serialization format.
func NewCodec(format string) (Codec, error) {
	switch strings.ToLower(format) {
	case "", FormatJSON:
		return JSONCodec{}, nil
	case FormatCBOR:
		return newCBORCodec()
	default:
		return nil, fmt.Errorf("unknown serialization format %q", format)
	}
}

// JSONCodec encodes values with json-iterator. Objects decode to
// map[string]any and numbers to float64.
type JSONCodec struct{}

func (JSONCodec) Format() string { return FormatJSON }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return data, nil
}

func (JSONCodec) Unmarshal(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: json: %w", models.ErrSerialization, err)
	}
	return v, nil
}

// CBORCodec encodes values as CBOR. Maps decode to map[string]any so values
// read back look the same as from JSONCodec.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Format() string { return FormatCBOR }

func (c *CBORCodec) Marshal(v any) ([]byte, error) {
	data, err := c.enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal: %w", err)
	}
	return data, nil
}

func (c *CBORCodec) Unmarshal(data []byte) (any, error) {
	var v any
	if err := c.dec.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: cbor: %w", models.ErrSerialization, err)
	}
	return v, nil
}

// MarshalJSON is a convenience wrapper used for API and stats output.
func MarshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalJSON decodes JSON into v.
func UnmarshalJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// EstimateSize approximates the in-memory footprint of a value.
// Byte slices and strings are measured directly; anything else by its JSON
// length.
func EstimateSize(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case []byte:
		return len(t)
	case string:
		return len(t)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
