package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"voxa/internal/clientcache"
)

// Fingerprint identifies a Settings value; any credential or endpoint change
// yields a different fingerprint.
func (s Settings) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%t\x00%s", s.Endpoint, s.AccessKey, s.SecretKey, s.Bucket, s.UseSSL, s.Region)
	return hex.EncodeToString(h.Sum(nil))
}

// Builder creates a store for settings.
type Builder func(Settings) (ObjectStore, error)

// CachedStore resolves the current settings on every call and reuses the
// client built for them until they change (e.g. after a config reload).
type CachedStore struct {
	settings func() Settings
	build    Builder
	cache    clientcache.Cache[ObjectStore]
}

// NewCachedStore wraps build. settings is consulted per call.
func NewCachedStore(settings func() Settings, build Builder) *CachedStore {
	if build == nil {
		build = func(s Settings) (ObjectStore, error) { return NewMinioStore(s) }
	}
	return &CachedStore{settings: settings, build: build}
}

func (c *CachedStore) client() (ObjectStore, error) {
	s := c.settings()
	return c.cache.Get(s.Fingerprint(), func() (ObjectStore, error) { return c.build(s) })
}

// Builds reports how many clients have been created.
func (c *CachedStore) Builds() int64 { return c.cache.Builds() }

func (c *CachedStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	store, err := c.client()
	if err != nil {
		return err
	}
	return store.Put(ctx, key, r, size, contentType)
}

func (c *CachedStore) PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (SignedUpload, error) {
	store, err := c.client()
	if err != nil {
		return SignedUpload{}, err
	}
	return store.PresignPut(ctx, key, contentType, expiry)
}

func (c *CachedStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	store, err := c.client()
	if err != nil {
		return nil, err
	}
	return store.List(ctx, prefix)
}

func (c *CachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	store, err := c.client()
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, key)
}
