// Package kvstore is the shared key-value surface behind rate limiting,
// idempotency capture, and export job bookkeeping. Two implementations
// exist: an in-memory reference driven by the injected clock, and a
// Redis-backed one for production.
package kvstore

import (
	"context"
	"time"
)

// Store is the minimal contract every backend honors. Implementations
// must be safe for concurrent callers and enforce per-key TTLs.
type Store interface {
	// Incr atomically increments key and returns the new value. The TTL
	// is applied only when the increment created the key.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value under key with the given TTL (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes only if the key is absent; reports whether it won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

type namespaced struct {
	prefix string
	inner  Store
}

// Namespaced prefixes every key with "ns:" so deployments can share a
// backend without collisions. An empty namespace returns the store as is.
func Namespaced(ns string, s Store) Store {
	if ns == "" {
		return s
	}
	return &namespaced{prefix: ns + ":", inner: s}
}

func (n *namespaced) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return n.inner.Incr(ctx, n.prefix+key, ttl)
}

func (n *namespaced) Get(ctx context.Context, key string) (string, bool, error) {
	return n.inner.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return n.inner.Set(ctx, n.prefix+key, value, ttl)
}

func (n *namespaced) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return n.inner.SetNX(ctx, n.prefix+key, value, ttl)
}

func (n *namespaced) Delete(ctx context.Context, key string) error {
	return n.inner.Delete(ctx, n.prefix+key)
}
