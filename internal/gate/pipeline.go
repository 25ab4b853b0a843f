package gate

import (
	"time"

	"main/internal/obs"
	"main/internal/schema"
)

// BookSource yields the current order-book snapshot for an instrument.
type BookSource interface {
	Snapshot(instrument string) (schema.BookSnapshot, bool)
}

// Authority answers dispatch authorization at decision time: trading
// mode, open-permission latches, and per-instrument risk state.
type Authority interface {
	RiskStateOf(instrument string) schema.RiskState
	Authorize(class schema.IntentClass, instrument string) schema.RejectReason
}

// Recorder persists an intent before dispatch. The append must be
// durable when it returns nil; a non-nil error means the intent never
// reaches the wire.
type Recorder interface {
	RecordIntent(in schema.OrderIntent) error
}

// Request is one intent plus the decision-time context the gates need.
type Request struct {
	Intent schema.OrderIntent

	// Marketable marks taker paths; passive maker orders skip the
	// depth-budget walk but still require a fresh book.
	Marketable bool
	// Emergency marks a forced risk-reducing close; policy gates never
	// apply to it.
	Emergency bool

	HasTrigger      bool
	LinkedOrderType string
	Edge            EdgeInput

	snapshot schema.BookSnapshot
	hasBook  bool
}

// Book returns the snapshot the pipeline resolved for this request.
func (r Request) Book() (schema.BookSnapshot, bool) {
	return r.snapshot, r.hasBook
}

// Result is the pipeline verdict. A rejection has no side effects beyond
// the per-reason counter; approval means the intent is durably recorded
// and eligible for dispatch.
type Result struct {
	Approved bool
	Reason   schema.RejectReason
	Step     Step

	// AllowedQty is the dispatchable quantity. Risk-reducing intents may
	// be clamped below the requested size by the liquidity walk.
	AllowedQty float64
	// Trace lists the gates evaluated, in order, for audit.
	Trace []Step
}

// Config bounds the pipeline's market-data checks and order-shape
// capabilities. Absent capabilities fail closed.
type Config struct {
	MaxSlippageBps    float64
	BookMaxAge        time.Duration
	AllowLinkedOrders bool
}

// Pipeline is the single chokepoint between a built intent and the
// dispatcher. Gate order is fixed: preflight, quantize, liquidity,
// net edge, risk state, dispatch auth, recorded-before-dispatch.
type Pipeline struct {
	cfg       Config
	books     BookSource
	authority Authority
	recorder  Recorder
	metrics   *obs.Metrics
	now       func() time.Time
}

func NewPipeline(cfg Config, books BookSource, authority Authority, recorder Recorder, metrics *obs.Metrics) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		books:     books,
		authority: authority,
		recorder:  recorder,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Evaluate runs every gate in order and stops at the first rejection.
func (p *Pipeline) Evaluate(req Request) Result {
	trace := make([]Step, 0, 8)
	req.snapshot, req.hasBook = p.books.Snapshot(req.Intent.Instrument)

	reject := func(step Step, reason schema.RejectReason) Result {
		p.metrics.IncReject(reason)
		return Result{Reason: reason, Step: step, Trace: trace}
	}

	allowedQty := req.Intent.Qty
	class := req.Intent.Class

	if class != schema.ClassCancelOnly {
		trace = append(trace, StepPreflight)
		if reason := preflight(req, p.cfg.AllowLinkedOrders); reason != schema.ReasonNone {
			return reject(StepPreflight, reason)
		}

		trace = append(trace, StepQuantize)
		if reason := validateQuantized(req.Intent); reason != schema.ReasonNone {
			return reject(StepQuantize, reason)
		}

		trace = append(trace, StepLiquidity)
		out := liquidity(req, p.cfg.MaxSlippageBps, p.cfg.BookMaxAge.Nanoseconds(), p.now().UnixNano())
		if out.Reason != schema.ReasonNone {
			return reject(StepLiquidity, out.Reason)
		}
		allowedQty = out.AllowedQty

		// Profitability is policy, not safety. Exposure-reducing and
		// emergency intents must never be stranded by a thin edge.
		if class == schema.ClassOpen && !req.Emergency {
			trace = append(trace, StepNetEdge)
			if reason := netEdge(req.Edge); reason != schema.ReasonNone {
				return reject(StepNetEdge, reason)
			}
		}

		trace = append(trace, StepRiskState)
		if class == schema.ClassOpen && p.authority.RiskStateOf(req.Intent.Instrument) != schema.RiskHealthy {
			return reject(StepRiskState, schema.ReasonRiskStateNotHealthy)
		}
	}

	trace = append(trace, StepDispatchAuth)
	if reason := p.authority.Authorize(class, req.Intent.Instrument); reason != schema.ReasonNone {
		return reject(StepDispatchAuth, reason)
	}

	// The durable write is the point of no return: once this succeeds the
	// intent exists for crash recovery whether or not a send follows.
	trace = append(trace, StepRecordedBeforeDispatch)
	if err := p.recorder.RecordIntent(req.Intent); err != nil {
		p.metrics.IncLedgerAppendErr()
		return reject(StepRecordedBeforeDispatch, schema.ReasonLedgerAppendFailed)
	}

	p.metrics.IncIntentApproved()
	return Result{Approved: true, AllowedQty: allowedQty, Trace: trace}
}
