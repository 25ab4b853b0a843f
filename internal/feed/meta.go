package feed

import (
	"sync"
	"time"

	"main/internal/schema"
)

// MetaCache holds instrument metadata with a freshness bound. A lookup
// past the TTL reports the metadata as missing rather than serving a
// stale tick size, so quantization fails closed.
type MetaCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]metaEntry

	now func() time.Time
}

type metaEntry struct {
	meta     schema.InstrumentMeta
	storedAt time.Time
}

func NewMetaCache(ttl time.Duration) *MetaCache {
	return &MetaCache{
		ttl:     ttl,
		entries: make(map[string]metaEntry),
		now:     time.Now,
	}
}

// Put stores or refreshes one instrument's metadata.
func (c *MetaCache) Put(meta schema.InstrumentMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[meta.Instrument] = metaEntry{meta: meta, storedAt: c.now()}
}

// Meta returns fresh metadata for an instrument. Expired entries are
// treated as absent.
func (c *MetaCache) Meta(instrument string) (schema.InstrumentMeta, bool) {
	c.mu.RLock()
	entry, ok := c.entries[instrument]
	c.mu.RUnlock()
	if !ok {
		return schema.InstrumentMeta{}, false
	}
	if c.ttl > 0 && c.now().Sub(entry.storedAt) > c.ttl {
		return schema.InstrumentMeta{}, false
	}
	return entry.meta, true
}
