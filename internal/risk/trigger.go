package risk

import (
	"fmt"
	"sync"
	"time"

	"main/internal/schema"
)

// TriggerConfig bounds the automated tightening paths. A zero limit
// disables its trigger.
type TriggerConfig struct {
	ErrorRateLimit  int
	ErrorRateWindow time.Duration
	MaxDrawdownUSD  float64
}

// Trigger converts venue trouble and equity erosion into trading mode
// tightening. It never loosens: recovery is the operator's call, through
// the guard's reset path.
type Trigger struct {
	guard *Guard
	cfg   TriggerConfig

	mu          sync.Mutex
	windowStart int64
	errorCount  int

	peakEquity float64
	peakSet    bool

	now func() int64
}

func NewTrigger(guard *Guard, cfg TriggerConfig) *Trigger {
	return &Trigger{
		guard: guard,
		cfg:   cfg,
		now:   func() int64 { return time.Now().UTC().UnixNano() },
	}
}

// VenueTrouble counts rejections, ambiguous sends and failed cancels in
// a rolling window. A storm of them means the venue or the strategy is
// misbehaving, and opening more exposure on top is the wrong move.
func (t *Trigger) VenueTrouble(instrument, cause string) {
	if t.cfg.ErrorRateLimit <= 0 || t.cfg.ErrorRateWindow <= 0 {
		return
	}
	t.mu.Lock()
	now := t.now()
	window := int64(t.cfg.ErrorRateWindow)
	if t.windowStart == 0 || now-t.windowStart >= window {
		t.windowStart = now
		t.errorCount = 0
	}
	t.errorCount++
	count := t.errorCount
	t.mu.Unlock()

	if count > t.cfg.ErrorRateLimit {
		t.guard.Tighten(schema.ModeReduceOnly,
			fmt.Sprintf("venue error storm: %d errors inside %s, last on %s: %s",
				count, t.cfg.ErrorRateWindow, instrument, cause))
	}
}

// ObserveEquity tracks account equity against its high-water mark. A
// drawdown past the configured limit kills trading outright; the book
// can still be reduced under Kill.
func (t *Trigger) ObserveEquity(equityUSD float64) {
	if t.cfg.MaxDrawdownUSD <= 0 {
		return
	}
	t.mu.Lock()
	if !t.peakSet || equityUSD > t.peakEquity {
		t.peakEquity = equityUSD
		t.peakSet = true
	}
	drawdown := t.peakEquity - equityUSD
	t.mu.Unlock()

	if drawdown > t.cfg.MaxDrawdownUSD {
		t.guard.Tighten(schema.ModeKill,
			fmt.Sprintf("drawdown %.2f USD past limit %.2f USD", drawdown, t.cfg.MaxDrawdownUSD))
	}
}
