package storage

import (
	"context"
	"fmt"

	"github.com/yndnr/offstore/internal/storage/codec"
)

// encodedBackend passes every value through a codec. The store name is
// bound as additional data, so a sealed value cannot be replayed into
// another store.
type encodedBackend struct {
	Backend
	codec *codec.Codec
}

// withCodec wraps b so values are encoded on write and decoded on read.
// A nil codec returns b unchanged.
func withCodec(b Backend, c *codec.Codec) Backend {
	if c == nil {
		return b
	}
	return &encodedBackend{Backend: b, codec: c}
}

func (b *encodedBackend) Get(ctx context.Context, store string, key uint64) ([]byte, error) {
	data, err := b.Backend.Get(ctx, store, key)
	if err != nil {
		return nil, err
	}
	return b.decode(store, key, data)
}

func (b *encodedBackend) Add(ctx context.Context, store string, value []byte) (uint64, error) {
	data, err := b.codec.Encode(value, []byte(store))
	if err != nil {
		return 0, err
	}
	return b.Backend.Add(ctx, store, data)
}

func (b *encodedBackend) Put(ctx context.Context, store string, key uint64, value []byte) error {
	data, err := b.codec.Encode(value, []byte(store))
	if err != nil {
		return err
	}
	return b.Backend.Put(ctx, store, key, data)
}

func (b *encodedBackend) Scan(ctx context.Context, store string, fn func(key uint64, value []byte, err error) bool) error {
	return b.Backend.Scan(ctx, store, func(key uint64, data []byte, err error) bool {
		if err != nil {
			return fn(key, nil, err)
		}
		value, err := b.decode(store, key, data)
		return fn(key, value, err)
	})
}

func (b *encodedBackend) decode(store string, key uint64, data []byte) ([]byte, error) {
	value, err := b.codec.Decode(data, []byte(store))
	if err != nil {
		return nil, fmt.Errorf("decode %s/%d: %w", store, key, err)
	}
	return value, nil
}
