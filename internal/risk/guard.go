package risk

import (
	"sort"
	"sync"

	"main/internal/schema"

	"github.com/yanun0323/logs"
)

// ExposureFunc reports the open exposure for an instrument, signed.
// The guard uses it for capital supremacy: reducing a live position is
// authorized even under Kill.
type ExposureFunc func(instrument string) float64

// Guard is the single authority for dispatch permission. Trading mode
// only tightens on its own; loosening requires an explicit operator
// reset. Latches and risk states are per instrument.
type Guard struct {
	mu sync.Mutex

	mode     schema.TradingMode
	latches  map[string]map[string]struct{}
	states   map[string]schema.RiskState
	exposure ExposureFunc
}

func NewGuard(exposure ExposureFunc) *Guard {
	if exposure == nil {
		exposure = func(string) float64 { return 0 }
	}
	return &Guard{
		mode:     schema.ModeActive,
		latches:  make(map[string]map[string]struct{}),
		states:   make(map[string]schema.RiskState),
		exposure: exposure,
	}
}

// Mode returns the current trading mode.
func (g *Guard) Mode() schema.TradingMode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// Tighten moves the trading mode toward restriction. A request that
// would loosen the mode is ignored: once degraded, only an operator
// reset goes back.
func (g *Guard) Tighten(mode schema.TradingMode, cause string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !mode.MoreRestrictiveThan(g.mode) {
		return
	}
	logs.Infof("trading mode %s -> %s, cause: %s", g.mode, mode, cause)
	g.mode = mode
}

// ResetActive loosens the mode back to Active. Operator identity is
// mandatory; this is the only loosening path.
func (g *Guard) ResetActive(operator string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mode == schema.ModeActive {
		return
	}
	logs.Infof("trading mode %s -> %s, reset by operator %s", g.mode, schema.ModeActive, operator)
	g.mode = schema.ModeActive
}

// SetLatch blocks OPEN intents for an instrument under a named reason.
// Multiple reasons stack; the latch clears only when every reason is
// released.
func (g *Guard) SetLatch(instrument, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.latches[instrument]
	if !ok {
		set = make(map[string]struct{})
		g.latches[instrument] = set
	}
	if _, held := set[reason]; !held {
		set[reason] = struct{}{}
		logs.Infof("open latch set on %s: %s", instrument, reason)
	}
}

// ClearLatch releases one latch reason for an instrument.
func (g *Guard) ClearLatch(instrument, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.latches[instrument]
	if !ok {
		return
	}
	if _, held := set[reason]; !held {
		return
	}
	delete(set, reason)
	if len(set) == 0 {
		delete(g.latches, instrument)
	}
	logs.Infof("open latch cleared on %s: %s", instrument, reason)
}

// Latches returns the held latch reasons per instrument, sorted.
func (g *Guard) Latches() map[string][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string][]string, len(g.latches))
	for instrument, set := range g.latches {
		reasons := make([]string, 0, len(set))
		for reason := range set {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		out[instrument] = reasons
	}
	return out
}

// Latched reports whether any latch reason is held for an instrument.
func (g *Guard) Latched(instrument string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.latches[instrument]) > 0
}

// SetRiskState marks per-instrument data health. Unknown instruments
// default to Degraded, never Healthy.
func (g *Guard) SetRiskState(instrument string, state schema.RiskState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev, ok := g.states[instrument]
	g.states[instrument] = state
	if !ok || prev != state {
		logs.Infof("risk state of %s: %s", instrument, state)
	}
}

// RiskStateOf returns the health of an instrument's decision inputs.
func (g *Guard) RiskStateOf(instrument string) schema.RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.states[instrument]
	if !ok {
		return schema.RiskDegraded
	}
	return state
}

// Authorize answers whether an intent class may dispatch right now.
// OPEN requires Active mode and a clear latch. Risk-reducing intents
// pass under ReduceOnly always, and under Kill exactly when there is
// live exposure left to reduce: a kill switch must never strand a
// position. Cancels are always allowed.
func (g *Guard) Authorize(class schema.IntentClass, instrument string) schema.RejectReason {
	g.mu.Lock()
	defer g.mu.Unlock()

	if class == schema.ClassCancelOnly {
		return schema.ReasonNone
	}

	if class.IsReduce() {
		if g.mode != schema.ModeKill {
			return schema.ReasonNone
		}
		if g.exposure(instrument) != 0 {
			return schema.ReasonNone
		}
		return schema.ReasonTradingModeRestricted
	}

	// OPEN path.
	if g.mode != schema.ModeActive {
		return schema.ReasonTradingModeRestricted
	}
	if len(g.latches[instrument]) > 0 {
		return schema.ReasonOpenLatchSet
	}
	return schema.ReasonNone
}
