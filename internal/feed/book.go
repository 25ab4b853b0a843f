package feed

import (
	"sync"

	"main/internal/obs"
	"main/internal/schema"
)

// DiscontinuityHandler is told when a book stream breaks: a sequence gap
// or an explicit invalidation. The feed never repairs the break itself.
type DiscontinuityHandler interface {
	OnDiscontinuity(instrument string)
}

// DiscontinuityFunc adapts a plain function to DiscontinuityHandler.
type DiscontinuityFunc func(instrument string)

func (f DiscontinuityFunc) OnDiscontinuity(instrument string) { f(instrument) }

// BookCache holds the latest book snapshot per instrument. A snapshot
// whose previous-sequence link does not match the cached book is a gap:
// the cached book is dropped so readers fail closed until the stream
// resynchronizes with a fresh full snapshot.
type BookCache struct {
	mu    sync.RWMutex
	books map[string]schema.BookSnapshot

	metrics *obs.Metrics
	onGap   DiscontinuityHandler
}

func NewBookCache(metrics *obs.Metrics) *BookCache {
	return &BookCache{
		books:   make(map[string]schema.BookSnapshot),
		metrics: metrics,
	}
}

// SetDiscontinuityHandler installs the gap callback. Must be called
// before the feed starts delivering snapshots.
func (c *BookCache) SetDiscontinuityHandler(h DiscontinuityHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onGap = h
}

// Reset installs a full snapshot, replacing whatever was cached.
func (c *BookCache) Reset(snap schema.BookSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.books[snap.Instrument] = snap
}

// Apply installs an incremental snapshot that claims to follow prevSeq.
// When the cached book is missing or its sequence does not match, the
// update is rejected, the cached book is invalidated, and the handler is
// notified.
func (c *BookCache) Apply(snap schema.BookSnapshot, prevSeq uint64) bool {
	c.mu.Lock()
	prior, ok := c.books[snap.Instrument]
	if !ok || prior.Seq != prevSeq {
		delete(c.books, snap.Instrument)
		handler := c.onGap
		c.mu.Unlock()

		c.metrics.IncFeedGap()
		if handler != nil {
			handler.OnDiscontinuity(snap.Instrument)
		}
		return false
	}
	c.books[snap.Instrument] = snap
	c.mu.Unlock()
	return true
}

// Invalidate drops the cached book so readers fail closed, and reports
// the break.
func (c *BookCache) Invalidate(instrument string) {
	c.mu.Lock()
	_, had := c.books[instrument]
	delete(c.books, instrument)
	handler := c.onGap
	c.mu.Unlock()

	if had {
		c.metrics.IncFeedGap()
	}
	if handler != nil {
		handler.OnDiscontinuity(instrument)
	}
}

// Snapshot returns the cached book for an instrument, if any.
func (c *BookCache) Snapshot(instrument string) (schema.BookSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.books[instrument]
	return snap, ok
}
