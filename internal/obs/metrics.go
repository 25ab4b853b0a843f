package obs

import (
	"sync/atomic"

	"main/internal/schema"
)

// Metrics collects lightweight counters for the dispatch core.
// Gate rejections are expected and frequent; they are counted here and
// never logged as failures.
type Metrics struct {
	rejectReasonCounts [schema.ReasonCount]uint64

	intentsBuilt      uint64
	intentsApproved   uint64
	dispatchSent      uint64
	dispatchAcked     uint64
	dispatchAmbiguous uint64
	ledgerAppends     uint64
	ledgerAppendErrs  uint64
	tradesApplied     uint64
	tradeDuplicates   uint64
	ghostCancels      uint64
	reconcilePasses   uint64
	reconcileErrors   uint64
	feedGaps          uint64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	RejectReasonCounts map[string]uint64 `json:"rejectReasonCounts"`
	IntentsBuilt       uint64            `json:"intentsBuilt"`
	IntentsApproved    uint64            `json:"intentsApproved"`
	DispatchSent       uint64            `json:"dispatchSent"`
	DispatchAcked      uint64            `json:"dispatchAcked"`
	DispatchAmbiguous  uint64            `json:"dispatchAmbiguous"`
	LedgerAppends      uint64            `json:"ledgerAppends"`
	LedgerAppendErrs   uint64            `json:"ledgerAppendErrs"`
	TradesApplied      uint64            `json:"tradesApplied"`
	TradeDuplicates    uint64            `json:"tradeDuplicates"`
	GhostCancels       uint64            `json:"ghostCancels"`
	ReconcilePasses    uint64            `json:"reconcilePasses"`
	ReconcileErrors    uint64            `json:"reconcileErrors"`
	FeedGaps           uint64            `json:"feedGaps"`
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncReject increments the counter for a rejection reason.
func (m *Metrics) IncReject(reason schema.RejectReason) {
	if m == nil {
		return
	}
	idx := int(reason)
	if idx >= 0 && idx < len(m.rejectReasonCounts) {
		atomic.AddUint64(&m.rejectReasonCounts[idx], 1)
	}
}

// RejectCount returns the current count for a rejection reason.
func (m *Metrics) RejectCount(reason schema.RejectReason) uint64 {
	if m == nil {
		return 0
	}
	idx := int(reason)
	if idx < 0 || idx >= len(m.rejectReasonCounts) {
		return 0
	}
	return atomic.LoadUint64(&m.rejectReasonCounts[idx])
}

func (m *Metrics) IncIntentBuilt()       { m.inc(&m.intentsBuilt) }
func (m *Metrics) IncIntentApproved()    { m.inc(&m.intentsApproved) }
func (m *Metrics) IncDispatchSent()      { m.inc(&m.dispatchSent) }
func (m *Metrics) IncDispatchAcked()     { m.inc(&m.dispatchAcked) }
func (m *Metrics) IncDispatchAmbiguous() { m.inc(&m.dispatchAmbiguous) }
func (m *Metrics) IncLedgerAppend()      { m.inc(&m.ledgerAppends) }
func (m *Metrics) IncLedgerAppendErr()   { m.inc(&m.ledgerAppendErrs) }
func (m *Metrics) IncTradeApplied()      { m.inc(&m.tradesApplied) }
func (m *Metrics) IncTradeDuplicate()    { m.inc(&m.tradeDuplicates) }
func (m *Metrics) IncGhostCancel()       { m.inc(&m.ghostCancels) }
func (m *Metrics) IncReconcilePass()     { m.inc(&m.reconcilePasses) }
func (m *Metrics) IncReconcileError()    { m.inc(&m.reconcileErrors) }
func (m *Metrics) IncFeedGap()           { m.inc(&m.feedGaps) }

func (m *Metrics) inc(v *uint64) {
	if m == nil {
		return
	}
	atomic.AddUint64(v, 1)
}

// Snapshot returns a copy of the current counter values. Reasons with a
// zero count are omitted.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	reasons := make(map[string]uint64)
	for i := range m.rejectReasonCounts {
		if v := atomic.LoadUint64(&m.rejectReasonCounts[i]); v > 0 {
			reasons[schema.RejectReason(i).String()] = v
		}
	}
	return Snapshot{
		RejectReasonCounts: reasons,
		IntentsBuilt:       atomic.LoadUint64(&m.intentsBuilt),
		IntentsApproved:    atomic.LoadUint64(&m.intentsApproved),
		DispatchSent:       atomic.LoadUint64(&m.dispatchSent),
		DispatchAcked:      atomic.LoadUint64(&m.dispatchAcked),
		DispatchAmbiguous:  atomic.LoadUint64(&m.dispatchAmbiguous),
		LedgerAppends:      atomic.LoadUint64(&m.ledgerAppends),
		LedgerAppendErrs:   atomic.LoadUint64(&m.ledgerAppendErrs),
		TradesApplied:      atomic.LoadUint64(&m.tradesApplied),
		TradeDuplicates:    atomic.LoadUint64(&m.tradeDuplicates),
		GhostCancels:       atomic.LoadUint64(&m.ghostCancels),
		ReconcilePasses:    atomic.LoadUint64(&m.reconcilePasses),
		ReconcileErrors:    atomic.LoadUint64(&m.reconcileErrors),
		FeedGaps:           atomic.LoadUint64(&m.feedGaps),
	}
}
