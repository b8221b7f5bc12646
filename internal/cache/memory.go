package cache

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store using in-memory storage
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*cacheItem
	now  func() time.Time
	done chan struct{}
	once sync.Once
}

type cacheItem struct {
	value      []byte
	expiration time.Time
}

func (i *cacheItem) expired(now time.Time) bool {
	return !i.expiration.IsZero() && !now.Before(i.expiration)
}

// NewMemoryStore creates a new in-memory store. Expired entries are removed
// every cleanupInterval.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	return newMemoryStore(time.Now, cleanupInterval)
}

func newMemoryStore(now func() time.Time, cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	m := &MemoryStore{
		data: make(map[string]*cacheItem),
		now:  now,
		done: make(chan struct{}),
	}

	go m.cleanup(cleanupInterval)

	return m
}

// Get retrieves a value from the store
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, exists := m.data[key]
	if !exists || item.expired(m.now()) {
		return nil, ErrCacheMiss
	}
	return item.value, nil
}

// Set stores a value. A ttl of zero never expires.
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = m.item(value, ttl)
	return nil
}

// SetIfAbsent stores a value unless a live entry already holds key
func (m *MemoryStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item, exists := m.data[key]; exists && !item.expired(m.now()) {
		return false, nil
	}
	m.data[key] = m.item(value, ttl)
	return true, nil
}

func (m *MemoryStore) item(value []byte, ttl time.Duration) *cacheItem {
	item := &cacheItem{value: value}
	if ttl > 0 {
		item.expiration = m.now().Add(ttl)
	}
	return item
}

// Delete removes a value from the store
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// DeleteIfValue removes key when its live value equals value
func (m *MemoryStore) DeleteIfValue(ctx context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, exists := m.data[key]
	if !exists || item.expired(m.now()) || !bytes.Equal(item.value, value) {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

// Exists checks if a key exists
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, exists := m.data[key]
	return exists && !item.expired(m.now()), nil
}

// Clear removes all keys matching pattern
func (m *MemoryStore) Clear(ctx context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.data {
		if matchPattern(key, pattern) {
			delete(m.data, key)
		}
	}
	return nil
}

// Len returns the number of live entries
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	n := 0
	for _, item := range m.data {
		if !item.expired(now) {
			n++
		}
	}
	return n
}

// cleanup periodically removes expired items
func (m *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.purge()
		case <-m.done:
			return
		}
	}
}

func (m *MemoryStore) purge() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, item := range m.data {
		if item.expired(now) {
			delete(m.data, key)
		}
	}
}

// Close stops the cleanup goroutine
func (m *MemoryStore) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

// matchPattern supports a single trailing * wildcard
func matchPattern(s, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(s, prefix)
	}
	return s == pattern
}
