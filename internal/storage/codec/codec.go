package codec

import (
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	sealedFlag      = 0x10
	compressionMask = 0x0f
)

var (
	// ErrEmptyValue is returned when decoding a value without header.
	ErrEmptyValue = errors.New("codec: empty value")

	// ErrSealedValue is returned when a sealed value is decoded by a codec
	// without key.
	ErrSealedValue = errors.New("codec: value is sealed but no key is configured")
)

// Config selects the value transformations.
type Config struct {
	// Compression is "none", "s2", "zstd" or "lz4".
	Compression string

	// Cipher is "auto", "aes-gcm" or "chacha20-poly1305".
	// Only used when Key is set.
	Cipher string

	// Key is the 32 byte sealing key. Empty disables sealing.
	Key []byte
}

// Codec encodes values before they reach a backend and decodes them on
// the way out. A Codec is safe for concurrent use.
type Codec struct {
	compression Compression
	compressors map[Compression]compressor
	sealer      *sealer
}

// New builds a codec from cfg.
func New(cfg Config) (*Codec, error) {
	comp, err := ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	z, err := newZstd()
	if err != nil {
		return nil, err
	}

	c := &Codec{
		compression: comp,
		compressors: map[Compression]compressor{
			CompressionNone: none{},
			CompressionS2:   s2c{},
			CompressionZstd: z,
			CompressionLZ4:  lz4c{},
		},
	}

	if len(cfg.Key) > 0 {
		s, err := newSealer(cfg.Cipher, cfg.Key)
		if err != nil {
			return nil, err
		}
		c.sealer = s
	}

	return c, nil
}

// ParseKey decodes a hex encoded sealing key. The empty string yields a
// nil key.
func ParseKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("codec: decode key: %w", err)
	}
	return key, nil
}

// Compression returns the compression applied to new values.
func (c *Codec) Compression() Compression {
	return c.compression
}

// Sealed reports whether new values are sealed.
func (c *Codec) Sealed() bool {
	return c.sealer != nil
}

// String describes the codec, e.g. "zstd+aes-gcm".
func (c *Codec) String() string {
	if c.sealer == nil {
		return c.compression.String()
	}
	return c.compression.String() + "+" + c.sealer.name
}

// Encode transforms value. aad binds a sealed value to its context (the
// store name), so a value copied into another store fails to open.
func (c *Codec) Encode(value, aad []byte) ([]byte, error) {
	comp := c.compression
	if len(value) == 0 {
		comp = CompressionNone
	}

	body, err := c.compressors[comp].encode(value)
	if err != nil {
		return nil, fmt.Errorf("codec: compress %s: %w", comp, err)
	}

	header := byte(comp)
	if c.sealer != nil {
		body, err = c.sealer.seal(body, aad)
		if err != nil {
			return nil, fmt.Errorf("codec: seal: %w", err)
		}
		header |= sealedFlag
	}

	out := make([]byte, 0, len(body)+1)
	out = append(out, header)
	return append(out, body...), nil
}

// Decode reverses Encode using the transformations named in the header.
func (c *Codec) Decode(data, aad []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyValue
	}

	header, body := data[0], data[1:]
	if header&^(sealedFlag|compressionMask) != 0 {
		return nil, fmt.Errorf("codec: unknown header 0x%02x", header)
	}

	if header&sealedFlag != 0 {
		if c.sealer == nil {
			return nil, ErrSealedValue
		}
		var err error
		body, err = c.sealer.open(body, aad)
		if err != nil {
			return nil, fmt.Errorf("codec: open: %w", err)
		}
	}

	comp := Compression(header & compressionMask)
	dec, ok := c.compressors[comp]
	if !ok {
		return nil, fmt.Errorf("codec: unknown compression %d", comp)
	}
	out, err := dec.decode(body)
	if err != nil {
		return nil, fmt.Errorf("codec: decompress %s: %w", comp, err)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}
