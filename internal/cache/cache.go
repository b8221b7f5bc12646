package cache

import (
	"context"
	"errors"
	"time"
)

// Store defines the key/value store holding built manifests and the
// in-progress markers of running builds
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfAbsent stores value only when key does not exist and reports
	// whether it did
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// DeleteIfValue removes key only while it still holds value and reports
	// whether it did
	DeleteIfValue(ctx context.Context, key string, value []byte) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, pattern string) error
	Close() error
}

// ErrCacheMiss is returned when a key is not found in cache
var ErrCacheMiss = errors.New("cache miss")

const (
	manifestPrefix = "viewerhub:manifest:"
	markerPrefix   = "viewerhub:building:"
)

// ManifestKey returns the store key of a built manifest
func ManifestKey(fingerprint string) string {
	return manifestPrefix + fingerprint
}

// MarkerKey returns the store key flagging a build in progress
func MarkerKey(fingerprint string) string {
	return markerPrefix + fingerprint
}
