// Package memory is the in-process cache backend.
package memory

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"oidcgw/internal/cache"
)

type Mem struct{ c *gocache.Cache }

func New(defaultTTL time.Duration) *Mem {
	if defaultTTL <= 0 {
		defaultTTL = gocache.NoExpiration
	}
	return &Mem{c: gocache.New(defaultTTL, time.Minute)}
}

func (m *Mem) Get(ctx context.Context, key string) (string, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return "", cache.ErrNotFound
	}
	s, _ := v.(string)
	return s, nil
}

func (m *Mem) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m.c.Set(key, value, ttl)
	return nil
}

func (m *Mem) Delete(ctx context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

func (m *Mem) Ping(ctx context.Context) error { return nil }
func (m *Mem) Close() error                   { return nil }

var _ cache.Client = (*Mem)(nil)
