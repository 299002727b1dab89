// Package clientcache memoizes one backend client per configuration
// fingerprint. Readers never block; a fingerprint change builds a fresh
// client and swaps it in with compare-and-swap.
package clientcache

import (
	"sync/atomic"
)

type entry[C any] struct {
	fingerprint string
	client      C
}

// Cache holds the most recently built client.
type Cache[C any] struct {
	current atomic.Pointer[entry[C]]
	builds  atomic.Int64
}

// Get returns the cached client when fingerprint matches, otherwise builds a
// new one. Concurrent callers racing on a change may each build; the last
// successful swap wins and the losers' clients are returned to their callers
// only.
func (c *Cache[C]) Get(fingerprint string, build func() (C, error)) (C, error) {
	cur := c.current.Load()
	if cur != nil && cur.fingerprint == fingerprint {
		return cur.client, nil
	}
	client, err := build()
	if err != nil {
		var zero C
		return zero, err
	}
	c.builds.Add(1)
	next := &entry[C]{fingerprint: fingerprint, client: client}
	if !c.current.CompareAndSwap(cur, next) {
		if latest := c.current.Load(); latest != nil && latest.fingerprint == fingerprint {
			return latest.client, nil
		}
	}
	return client, nil
}

// Fingerprint returns the fingerprint of the cached client, or "".
func (c *Cache[C]) Fingerprint() string {
	if cur := c.current.Load(); cur != nil {
		return cur.fingerprint
	}
	return ""
}

// Builds reports how many clients have been built.
func (c *Cache[C]) Builds() int64 { return c.builds.Load() }
