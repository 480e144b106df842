package repositories

import (
	"context"
	"strings"
)

// NamespacedStore keeps every key of the client under one storage namespace,
// so several applications (or several accounts) can share a backend.
type NamespacedStore struct {
	inner  KeyValueStore
	prefix string
}

func NewNamespacedStore(inner KeyValueStore, namespace string) *NamespacedStore {
	return &NamespacedStore{inner: inner, prefix: namespace + ":"}
}

func (s *NamespacedStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.inner.Get(ctx, s.prefix+key)
}

func (s *NamespacedStore) Set(ctx context.Context, key string, value []byte) error {
	return s.inner.Set(ctx, s.prefix+key, value)
}

func (s *NamespacedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, s.prefix+key)
}

// Scan returns keys without the namespace prefix.
func (s *NamespacedStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	entries, err := s.inner.Scan(ctx, s.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(entries))
	for k, v := range entries {
		out[strings.TrimPrefix(k, s.prefix)] = v
	}
	return out, nil
}
