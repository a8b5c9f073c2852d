package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// KEKCache keeps recently unwrapped data keys in memory so repeated reads of
// the same paste do not round-trip to the KMS. Concurrent misses for the same
// wrapped key share one unwrap call.
type KEKCache struct {
	cache    sync.Map
	ttl      time.Duration
	adapter  *Adapter
	group    singleflight.Group
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

type cachedKey struct {
	key       []byte
	expiresAt time.Time
}

func NewKEKCache(adapter *Adapter, ttl time.Duration) *KEKCache {
	c := &KEKCache{
		ttl:      ttl,
		adapter:  adapter,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

// Unwrap returns a copy of the plaintext key; callers may wipe it.
func (c *KEKCache) Unwrap(ctx context.Context, wrapped []byte, encContext EncryptionContext) ([]byte, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrProviderUnavailable
	}
	c.mu.Unlock()

	cacheKey := cacheKeyFor(wrapped, encContext)
	if v, ok := c.cache.Load(cacheKey); ok {
		entry := v.(*cachedKey)
		if time.Now().Before(entry.expiresAt) {
			return copyBytes(entry.key), nil
		}
		c.cache.Delete(cacheKey)
	}

	result, err, _ := c.group.Do(cacheKey, func() (interface{}, error) {
		key, err := c.adapter.UnwrapKey(ctx, wrapped, encContext)
		if err != nil {
			return nil, err
		}
		jitter := hashToJitter(cacheKey, int64(c.ttl/10))
		c.cache.Store(cacheKey, &cachedKey{
			key:       copyBytes(key),
			expiresAt: time.Now().Add(c.ttl).Add(jitter),
		})
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return copyBytes(result.([]byte)), nil
}

func cacheKeyFor(wrapped []byte, encContext EncryptionContext) string {
	h := sha256.New()
	h.Write(wrapped)
	h.Write([]byte{0})
	h.Write(serializeEncryptionContext(encContext))
	return hex.EncodeToString(h.Sum(nil))
}

func hashToJitter(hashStr string, maxJitter int64) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	var sum int64
	for i := 0; i < len(hashStr) && i < 16; i++ {
		sum += int64(hashStr[i])
	}
	return time.Duration(sum % maxJitter)
}

func (c *KEKCache) evictionLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *KEKCache) evictExpired() {
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedKey)
		if now.After(entry.expiresAt) {
			c.cache.Delete(key)
			wipeBytes(entry.key)
		}
		return true
	})
}

func (c *KEKCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()

	c.cache.Range(func(key, value interface{}) bool {
		c.cache.Delete(key)
		wipeBytes(value.(*cachedKey).key)
		return true
	})
}

func (c *KEKCache) Len() int {
	n := 0
	c.cache.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
