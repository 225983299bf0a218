package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

var testKey = bytes.Repeat([]byte{7}, 32)

func TestCodec_RoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":      {},
		"short":      []byte("segment"),
		"repetitive": bytes.Repeat([]byte("abcdefgh"), 4096),
	}

	configs := []Config{
		{Compression: "none"},
		{Compression: "s2"},
		{Compression: "zstd"},
		{Compression: "lz4"},
		{Compression: "zstd", Cipher: CipherAESGCM, Key: testKey},
		{Compression: "s2", Cipher: CipherChaCha20, Key: testKey},
		{Compression: "lz4", Cipher: CipherAuto, Key: testKey},
	}

	for _, cfg := range configs {
		c, err := New(cfg)
		if err != nil {
			t.Fatalf("New(%+v) error = %v", cfg, err)
		}

		for name, payload := range payloads {
			t.Run(c.String()+"/"+name, func(t *testing.T) {
				enc, err := c.Encode(payload, []byte("segment-v3"))
				if err != nil {
					t.Fatalf("Encode() error = %v", err)
				}

				dec, err := c.Decode(enc, []byte("segment-v3"))
				if err != nil {
					t.Fatalf("Decode() error = %v", err)
				}
				if !bytes.Equal(dec, payload) {
					t.Errorf("round trip mismatch: got %d bytes, want %d", len(dec), len(payload))
				}
				if dec == nil {
					t.Error("Decode() returned nil for a present value")
				}
			})
		}
	}
}

func TestCodec_Compresses(t *testing.T) {
	c, err := New(Config{Compression: "zstd"})
	if err != nil {
		t.Fatal(err)
	}

	payload := bytes.Repeat([]byte("offline"), 10000)
	enc, err := c.Encode(payload, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(enc) >= len(payload)/10 {
		t.Errorf("zstd output %d bytes for %d repetitive bytes", len(enc), len(payload))
	}
}

func TestCodec_ReadsOtherCompression(t *testing.T) {
	writer, _ := New(Config{Compression: "s2"})
	reader, _ := New(Config{Compression: "lz4"})

	enc, err := writer.Encode([]byte("hello"), nil)
	if err != nil {
		t.Fatal(err)
	}

	dec, err := reader.Decode(enc, nil)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if string(dec) != "hello" {
		t.Errorf("Decode() = %q, want hello", dec)
	}
}

func TestCodec_SealedErrors(t *testing.T) {
	sealed, err := New(Config{Cipher: CipherAESGCM, Key: testKey})
	if err != nil {
		t.Fatal(err)
	}
	plain, _ := New(Config{})

	enc, err := sealed.Encode([]byte("secret"), []byte("manifest-v3"))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("missing key", func(t *testing.T) {
		if _, err := plain.Decode(enc, []byte("manifest-v3")); !errors.Is(err, ErrSealedValue) {
			t.Errorf("error = %v, want ErrSealedValue", err)
		}
	})

	t.Run("wrong aad", func(t *testing.T) {
		if _, err := sealed.Decode(enc, []byte("segment-v3")); err == nil {
			t.Error("expected authentication failure")
		}
	})

	t.Run("truncated", func(t *testing.T) {
		if _, err := sealed.Decode(enc[:5], []byte("manifest-v3")); !errors.Is(err, ErrCiphertextTooShort) {
			t.Errorf("error = %v, want ErrCiphertextTooShort", err)
		}
	})

	t.Run("sealing is not deterministic", func(t *testing.T) {
		again, _ := sealed.Encode([]byte("secret"), []byte("manifest-v3"))
		if bytes.Equal(enc, again) {
			t.Error("two seals of the same value are identical")
		}
	})
}

func TestCodec_DecodeErrors(t *testing.T) {
	c, _ := New(Config{})

	if _, err := c.Decode(nil, nil); !errors.Is(err, ErrEmptyValue) {
		t.Errorf("empty: error = %v, want ErrEmptyValue", err)
	}
	if _, err := c.Decode([]byte{0x80, 1}, nil); err == nil {
		t.Error("unknown header flag: expected error")
	}
	if _, err := c.Decode([]byte{0x0f, 1}, nil); err == nil {
		t.Error("unknown compression: expected error")
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"bad compression", Config{Compression: "brotli"}, "unknown compression"},
		{"bad cipher", Config{Cipher: "rot13", Key: testKey}, "unknown cipher"},
		{"short aes key", Config{Cipher: CipherAESGCM, Key: testKey[:16]}, "32 bytes"},
		{"short chacha key", Config{Cipher: CipherChaCha20, Key: testKey[:8]}, "32 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("New() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("")
	if err != nil || key != nil {
		t.Errorf("ParseKey(\"\") = %v, %v", key, err)
	}

	key, err = ParseKey(strings.Repeat("ab", 32))
	if err != nil || len(key) != 32 {
		t.Errorf("ParseKey(hex) = %d bytes, %v", len(key), err)
	}

	if _, err := ParseKey("zz"); err == nil {
		t.Error("ParseKey(zz) should fail")
	}
}

func TestParseCompression(t *testing.T) {
	for _, name := range []string{"", "none", "S2", " zstd ", "lz4"} {
		if _, err := ParseCompression(name); err != nil {
			t.Errorf("ParseCompression(%q) error = %v", name, err)
		}
	}
	if CompressionLZ4.String() != "lz4" || Compression(9).String() != "compression(9)" {
		t.Error("Compression.String mismatch")
	}
}
