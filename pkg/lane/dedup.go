package lane

import (
	"sync"
	"time"
)

// dedupEntry stores a cached result for idempotency.
type dedupEntry struct {
	value     interface{}
	err       error
	timestamp time.Time
}

// DedupCache is a time-bounded cache keyed by inbound request id, so channel
// adapters that redeliver the same update (Telegram long-poll restarts, client
// retries) don't dispatch the same message twice.
type DedupCache struct {
	entries map[string]*dedupEntry
	ttl     time.Duration
	mu      sync.RWMutex
	stopCh  chan struct{}
}

// NewDedupCache creates a dedup cache with the given entry TTL.
func NewDedupCache(ttl time.Duration) *DedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	dc := &DedupCache{
		entries: make(map[string]*dedupEntry),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	go dc.cleanup()

	return dc
}

// Get returns the cached result for a request id, if present and fresh.
func (dc *DedupCache) Get(requestID string) (interface{}, error, bool) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	entry, exists := dc.entries[requestID]
	if !exists || time.Since(entry.timestamp) > dc.ttl {
		return nil, nil, false
	}
	return entry.value, entry.err, true
}

// Set caches the result of a request id.
func (dc *DedupCache) Set(requestID string, value interface{}, err error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	dc.entries[requestID] = &dedupEntry{
		value:     value,
		err:       err,
		timestamp: time.Now(),
	}
}

// Size returns the number of cached entries.
func (dc *DedupCache) Size() int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return len(dc.entries)
}

// Stop terminates the background cleanup goroutine.
func (dc *DedupCache) Stop() {
	close(dc.stopCh)
}

func (dc *DedupCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			dc.mu.Lock()
			for id, entry := range dc.entries {
				if time.Since(entry.timestamp) > dc.ttl {
					delete(dc.entries, id)
				}
			}
			dc.mu.Unlock()
		case <-dc.stopCh:
			return
		}
	}
}
