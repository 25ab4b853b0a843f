package schema

// Side describes order direction.
type Side uint16

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side that reduces exposure created by s.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideUnknown
	}
}

// OrderType describes the order type requested by a signal.
type OrderType uint16

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
	OrderTypeStopMarket
	OrderTypeStopLimit
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "limit"
	case OrderTypeMarket:
		return "market"
	case OrderTypeStopMarket:
		return "stop_market"
	case OrderTypeStopLimit:
		return "stop_limit"
	default:
		return "unknown"
	}
}

// IntentClass classifies an intent by its effect on exposure.
type IntentClass uint16

const (
	ClassUnknown IntentClass = iota
	// ClassOpen creates new exposure and must pass every gate.
	ClassOpen
	// ClassClose reduces existing exposure.
	ClassClose
	// ClassHedge reduces net exposure via an offsetting instrument.
	ClassHedge
	// ClassCancelOnly removes a resting order without placing one.
	ClassCancelOnly
)

func (c IntentClass) String() string {
	switch c {
	case ClassOpen:
		return "open"
	case ClassClose:
		return "close"
	case ClassHedge:
		return "hedge"
	case ClassCancelOnly:
		return "cancel_only"
	default:
		return "unknown"
	}
}

// IsReduce reports whether the class can only decrease exposure.
func (c IntentClass) IsReduce() bool {
	return c == ClassClose || c == ClassHedge
}

// TradingMode is the global dispatch authority mode. Ordering matters:
// a larger value is strictly more restrictive.
type TradingMode uint16

const (
	ModeActive TradingMode = iota
	ModeReduceOnly
	ModeKill
)

func (m TradingMode) String() string {
	switch m {
	case ModeActive:
		return "active"
	case ModeReduceOnly:
		return "reduce_only"
	case ModeKill:
		return "kill"
	default:
		return "unknown"
	}
}

// MoreRestrictiveThan reports whether m tightens relative to other.
func (m TradingMode) MoreRestrictiveThan(other TradingMode) bool {
	return m > other
}

// RiskState marks per-instrument data health.
type RiskState uint16

const (
	RiskHealthy RiskState = iota
	RiskDegraded
)

func (s RiskState) String() string {
	if s == RiskDegraded {
		return "degraded"
	}
	return "healthy"
}

// LifecycleState tracks a ledger record through dispatch.
type LifecycleState uint16

const (
	StateCreated LifecycleState = iota
	StateSent
	StateAcked
	StatePartFilled
	StateFilled
	StateCancelled
	StateRejected
	StateFailed
)

func (s LifecycleState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSent:
		return "sent"
	case StateAcked:
		return "acked"
	case StatePartFilled:
		return "part_filled"
	case StateFilled:
		return "filled"
	case StateCancelled:
		return "cancelled"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transitions are expected.
func (s LifecycleState) IsTerminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateFailed:
		return true
	default:
		return false
	}
}
