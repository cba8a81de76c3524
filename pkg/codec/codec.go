// Package codec serializes block payloads and list item values.
//
// Values are JSON encoded. Encodings longer than the compression threshold
// are gzip compressed. The first byte of every encoded value marks its
// format so both forms decode transparently.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

const (
	markerPlain byte = 'J'
	markerGzip  byte = 'Z'
)

// ErrEmpty is returned when decoding a zero-length value.
var ErrEmpty = errors.New("codec: empty value")

// Codec encodes values as marked JSON, compressing large ones.
type Codec struct {
	threshold int
}

// New returns a Codec that compresses encodings longer than threshold bytes.
// A threshold of zero or less disables compression.
func New(threshold int) *Codec {
	return &Codec{threshold: threshold}
}

// Encode serializes v.
func (c *Codec) Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec marshal: %w", err)
	}
	return c.wrap(raw)
}

// EncodeAll serializes every value of vs in order.
func (c *Codec) EncodeAll(vs []any) ([][]byte, error) {
	out := make([][]byte, len(vs))
	for i, v := range vs {
		b, err := c.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

// Decode deserializes data into v.
func (c *Codec) Decode(data []byte, v any) error {
	raw, err := c.Raw(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("codec unmarshal: %w", err)
	}
	return nil
}

// Raw returns the uncompressed JSON of an encoded value.
func (c *Codec) Raw(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	switch data[0] {
	case markerPlain:
		return data[1:], nil
	case markerGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data[1:]))
		if err != nil {
			return nil, fmt.Errorf("codec gzip reader: %w", err)
		}
		defer zr.Close()
		raw, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("codec gunzip: %w", err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("codec: unknown format marker %q", data[0])
	}
}

// Compressed reports whether an encoded value was stored compressed.
func Compressed(data []byte) bool {
	return len(data) > 0 && data[0] == markerGzip
}

func (c *Codec) wrap(raw []byte) ([]byte, error) {
	if c.threshold <= 0 || len(raw) <= c.threshold {
		out := make([]byte, 0, len(raw)+1)
		out = append(out, markerPlain)
		return append(out, raw...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(markerGzip)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("codec gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("codec gzip close: %w", err)
	}
	return buf.Bytes(), nil
}
