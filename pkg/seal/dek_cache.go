package seal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DEKCache memoizes unwrapped data keys so repeated reads of the same sealed
// body do not round-trip to the key provider. Concurrent unwraps of the same
// envelope collapse into one provider call.
type DEKCache struct {
	keyring *Keyring
	ttl     time.Duration
	entries sync.Map
	group   singleflight.Group

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
}

type dekEntry struct {
	mu        sync.RWMutex
	dek       []byte
	expiresAt time.Time
}

func NewDEKCache(keyring *Keyring, ttl time.Duration) *DEKCache {
	c := &DEKCache{
		keyring: keyring,
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

func (c *DEKCache) Unwrap(ctx context.Context, wrapped []byte, binding Binding) ([]byte, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrNoProvider
	}
	c.mu.Unlock()

	key := cacheKey(wrapped, binding)
	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		if cached, ok := c.entries.Load(key); ok {
			entry := cached.(*dekEntry)
			entry.mu.RLock()
			if time.Now().Before(entry.expiresAt) {
				dek := make([]byte, len(entry.dek))
				copy(dek, entry.dek)
				entry.mu.RUnlock()
				return dek, nil
			}
			entry.mu.RUnlock()
			c.entries.Delete(key)
		}

		dek, err := c.keyring.Unwrap(ctx, wrapped, binding)
		if err != nil {
			return nil, err
		}

		// jitter the expiry so a burst of seals does not expire in lockstep
		jitter := time.Duration(int64(key[0])%10) * 100 * time.Millisecond
		entry := &dekEntry{
			dek:       append([]byte(nil), dek...),
			expiresAt: time.Now().Add(c.ttl + jitter),
		}
		c.entries.Store(key, entry)

		out := make([]byte, len(dek))
		copy(out, dek)
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func cacheKey(wrapped []byte, binding Binding) string {
	h := sha256.New()
	h.Write(wrapped)
	h.Write(binding.serialize())
	return hex.EncodeToString(h.Sum(nil))
}

func (c *DEKCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			c.entries.Range(func(key, value interface{}) bool {
				entry := value.(*dekEntry)
				entry.mu.RLock()
				expired := now.After(entry.expiresAt)
				entry.mu.RUnlock()
				if expired {
					c.entries.Delete(key)
				}
				return true
			})
		}
	}
}

// Stop halts eviction and wipes every cached key.
func (c *DEKCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	c.entries.Range(func(key, value interface{}) bool {
		entry := value.(*dekEntry)
		entry.mu.Lock()
		wipe(entry.dek)
		entry.dek = nil
		entry.mu.Unlock()
		c.entries.Delete(key)
		return true
	})
}
