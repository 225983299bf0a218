package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies a compression algorithm. The numeric value is
// persisted in the value header and must never change.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionS2   Compression = 1
	CompressionZstd Compression = 2
	CompressionLZ4  Compression = 3
)

// String implements fmt.Stringer.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionS2:
		return "s2"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name. The empty string means none.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CompressionNone, nil
	case "s2":
		return CompressionS2, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("codec: unknown compression %q", name)
	}
}

// compressor compresses and decompresses data.
type compressor interface {
	encode(data []byte) ([]byte, error)
	decode(data []byte) ([]byte, error)
}

type none struct{}

func (none) encode(data []byte) ([]byte, error) { return data, nil }
func (none) decode(data []byte) ([]byte, error) { return data, nil }

type s2c struct{}

func (s2c) encode(data []byte) ([]byte, error) { return s2.Encode(nil, data), nil }
func (s2c) decode(data []byte) ([]byte, error) { return s2.Decode(nil, data) }

type zstdc struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstd() (*zstdc, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("codec: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("codec: zstd decoder: %w", err)
	}
	return &zstdc{enc: enc, dec: dec}, nil
}

func (z *zstdc) encode(data []byte) ([]byte, error) { return z.enc.EncodeAll(data, nil), nil }
func (z *zstdc) decode(data []byte) ([]byte, error) { return z.dec.DecodeAll(data, nil) }

type lz4c struct{}

func (lz4c) encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4c) decode(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}
