package serializer

import (
	"context"
	"errors"
	"fmt"

	"github.com/stitchworks/crochet3d/internal/storage"
)

// Re-exported storage sentinels so callers only depend on this package.
var (
	ErrNotFound    = storage.ErrNotFound
	ErrStorageFull = storage.ErrStorageFull
)

// Persistent is a sanitizing key-value namespace over a storage.KV.
type Persistent struct {
	kv  storage.KV
	san *Sanitizer
}

// NewPersistent wraps kv. A nil sanitizer uses New().
func NewPersistent(kv storage.KV, san *Sanitizer) *Persistent {
	if san == nil {
		san = New()
	}
	return &Persistent{kv: kv, san: san}
}

// Sanitizer returns the sanitizer applied on every read and write.
func (p *Persistent) Sanitizer() *Sanitizer { return p.san }

// KV exposes the underlying store.
func (p *Persistent) KV() storage.KV { return p.kv }

// Set sanitizes, encodes and writes v under key.
func (p *Persistent) Set(ctx context.Context, key string, v any) error {
	b, err := p.san.Serialize(v)
	if err != nil {
		return err
	}
	if err := p.kv.Put(ctx, key, b); err != nil {
		if errors.Is(err, storage.ErrStorageFull) {
			return err
		}
		return fmt.Errorf("write %q: %w", key, err)
	}
	return nil
}

// Get reads key, re-sanitizes it and decodes it into dst.
func (p *Persistent) Get(ctx context.Context, key string, dst any) error {
	b, err := p.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	return p.san.DecodeInto(b, dst)
}

// GetTree reads key as a sanitized plain tree.
func (p *Persistent) GetTree(ctx context.Context, key string) (any, error) {
	b, err := p.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return p.san.Deserialize(b)
}

// Delete removes key.
func (p *Persistent) Delete(ctx context.Context, key string) error {
	return p.kv.Delete(ctx, key)
}

// Keys lists keys with the given prefix.
func (p *Persistent) Keys(ctx context.Context, prefix string) ([]string, error) {
	return p.kv.Keys(ctx, prefix)
}
