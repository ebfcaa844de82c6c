package store

import (
	"sync"
	"time"
)

// Cache is an in-memory store with per-entry expiry. A janitor sweeps
// expired entries so unread keys do not accumulate.
type Cache struct {
	defaultTTL time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
	done    chan struct{}
}

type cacheEntry struct {
	value     string
	expiresAt time.Time // zero = never
}

// NewCache creates a cache; defaultTTL of zero means entries never
// expire unless SetTTL is used.
func NewCache(defaultTTL time.Duration) *Cache {
	c := &Cache{
		defaultTTL: defaultTTL,
		entries:    make(map[string]cacheEntry),
		done:       make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Get returns the value for key if present and not expired.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.Delete(key)
		return "", false
	}
	return entry.value, true
}

// Set stores key with the default TTL.
func (c *Cache) Set(key, value string) {
	var expires time.Time
	if c.defaultTTL > 0 {
		expires = time.Now().Add(c.defaultTTL)
	}
	c.put(key, value, expires)
}

// SetTTL stores key with an explicit TTL in milliseconds; zero or
// negative means no expiry.
func (c *Cache) SetTTL(key, value string, ttlMillis int64) {
	var expires time.Time
	if ttlMillis > 0 {
		expires = time.Now().Add(time.Duration(ttlMillis) * time.Millisecond)
	}
	c.put(key, value, expires)
}

func (c *Cache) put(key, value string, expires time.Time) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expiresAt: expires}
	c.mu.Unlock()
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Close stops the janitor.
func (c *Cache) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for key, entry := range c.entries {
				if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
