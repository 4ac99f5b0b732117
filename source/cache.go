package source

import (
	"context"
	"crypto/md5"
	"encoding/hex"

	"github.com/nci/gomemcache/memcache"
	"go.uber.org/zap"
)

// CachedStore reads through memcache. Latest is never cached since what
// it resolves to changes.
type CachedStore struct {
	next BlobStore
	mc   *memcache.Client
	name string
	ttl  int32
}

func NewCachedStore(next BlobStore, mc *memcache.Client, name string, ttl int32) *CachedStore {
	return &CachedStore{next: next, mc: mc, name: name, ttl: ttl}
}

func (s *CachedStore) key(id string) string {
	buff := md5.Sum([]byte(s.name + "/" + id))
	return "sage_src_" + hex.EncodeToString(buff[:])
}

func (s *CachedStore) Fetch(ctx context.Context, id string) ([]byte, error) {
	if id == Latest {
		return s.next.Fetch(ctx, id)
	}
	key := s.key(id)
	if cached, err := s.mc.Get(key); err == nil {
		return cached.Value, nil
	}

	data, err := s.next.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	// memcache may refuse large items; the fetch still succeeds
	if err := s.mc.Set(&memcache.Item{Key: key, Value: data, Expiration: s.ttl}); err != nil {
		zap.L().Debug("raster not cached", zap.String("source", s.name), zap.String("id", id), zap.Error(err))
	}
	return data, nil
}

// List passes through to the wrapped store when it can list.
func (s *CachedStore) List(ctx context.Context) ([]Object, error) {
	if l, ok := s.next.(Lister); ok {
		return l.List(ctx)
	}
	return nil, nil
}
