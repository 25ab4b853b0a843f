package gate

import (
	"testing"
	"time"

	"main/internal/obs"
	"main/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

type fakeBooks struct {
	snapshots map[string]schema.BookSnapshot
}

func (f *fakeBooks) Snapshot(instrument string) (schema.BookSnapshot, bool) {
	s, ok := f.snapshots[instrument]
	return s, ok
}

type fakeAuthority struct {
	state  schema.RiskState
	reason schema.RejectReason
}

func (f *fakeAuthority) RiskStateOf(string) schema.RiskState { return f.state }
func (f *fakeAuthority) Authorize(schema.IntentClass, string) schema.RejectReason {
	return f.reason
}

type fakeRecorder struct {
	recorded []schema.OrderIntent
	fail     bool
}

func (f *fakeRecorder) RecordIntent(in schema.OrderIntent) error {
	if f.fail {
		return errors.New("disk full")
	}
	f.recorded = append(f.recorded, in)
	return nil
}

func ptr(v float64) *float64 { return &v }

func freshBook(nowNs int64) schema.BookSnapshot {
	return schema.BookSnapshot{
		Instrument: "BTC-PERPETUAL",
		Asks: []schema.BookLevel{
			{Price: 50000.5, Qty: 30},
			{Price: 50001.0, Qty: 50},
		},
		Bids: []schema.BookLevel{
			{Price: 50000.0, Qty: 30},
			{Price: 49999.5, Qty: 50},
		},
		Seq:        10,
		CapturedTs: nowNs,
	}
}

type fixture struct {
	pipeline  *Pipeline
	books     *fakeBooks
	authority *fakeAuthority
	recorder  *fakeRecorder
	metrics   *obs.Metrics
	now       time.Time
}

func newFixture() *fixture {
	now := time.Unix(1_700_000_000, 0)
	f := &fixture{
		books:     &fakeBooks{snapshots: map[string]schema.BookSnapshot{"BTC-PERPETUAL": freshBook(now.UnixNano())}},
		authority: &fakeAuthority{state: schema.RiskHealthy},
		recorder:  &fakeRecorder{},
		metrics:   obs.NewMetrics(),
		now:       now,
	}
	f.pipeline = NewPipeline(
		Config{MaxSlippageBps: 10, BookMaxAge: 2 * time.Second},
		f.books, f.authority, f.recorder, f.metrics,
	)
	f.pipeline.now = func() time.Time { return f.now }
	return f
}

func openRequest() Request {
	return Request{
		Intent: schema.OrderIntent{
			IntentID:   42,
			Instrument: "BTC-PERPETUAL",
			Side:       schema.SideBuy,
			OrderType:  schema.OrderTypeLimit,
			Class:      schema.ClassOpen,
			QtySteps:   2,
			PriceTicks: 100001,
			Qty:        20,
			Price:      50000.5,
			Label:      "s4:aaaaaaaa:bbbbbbbbbbbb:0:cccccccccccccccc",
		},
		Marketable: true,
		Edge: EdgeInput{
			GrossEdgeUSD:        ptr(12),
			FeeUSD:              ptr(2),
			ExpectedSlippageUSD: ptr(1),
			MinEdgeUSD:          ptr(5),
		},
	}
}

func TestApprovedOpenRunsEveryGateInOrder(t *testing.T) {
	f := newFixture()
	res := f.pipeline.Evaluate(openRequest())

	require.True(t, res.Approved)
	assert.Equal(t, float64(20), res.AllowedQty)
	assert.Equal(t, []Step{
		StepPreflight, StepQuantize, StepLiquidity, StepNetEdge,
		StepRiskState, StepDispatchAuth, StepRecordedBeforeDispatch,
	}, res.Trace)
	require.Len(t, f.recorder.recorded, 1)
	assert.Equal(t, uint64(42), f.recorder.recorded[0].IntentID)
}

func TestPreflightRejectsForbiddenTypes(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Request)
		reason schema.RejectReason
	}{
		{"market", func(r *Request) { r.Intent.OrderType = schema.OrderTypeMarket }, schema.ReasonOrderTypeMarketForbidden},
		{"stop market", func(r *Request) { r.Intent.OrderType = schema.OrderTypeStopMarket }, schema.ReasonOrderTypeStopForbidden},
		{"stop limit", func(r *Request) { r.Intent.OrderType = schema.OrderTypeStopLimit }, schema.ReasonOrderTypeStopForbidden},
		{"trigger", func(r *Request) { r.HasTrigger = true }, schema.ReasonOrderTypeStopForbidden},
		{"linked", func(r *Request) { r.LinkedOrderType = "one_cancels_other" }, schema.ReasonLinkedOrderTypeForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			req := openRequest()
			tc.mutate(&req)

			res := f.pipeline.Evaluate(req)
			require.False(t, res.Approved)
			assert.Equal(t, StepPreflight, res.Step)
			assert.Equal(t, tc.reason, res.Reason)
			assert.Empty(t, f.recorder.recorded)
			assert.Equal(t, uint64(1), f.metrics.RejectCount(tc.reason))
		})
	}
}

func TestLinkedOrdersPassWithCapability(t *testing.T) {
	f := newFixture()
	f.pipeline.cfg.AllowLinkedOrders = true
	req := openRequest()
	req.LinkedOrderType = "one_cancels_other"

	res := f.pipeline.Evaluate(req)
	assert.True(t, res.Approved)
}

func TestPostOnlyCrossingRejected(t *testing.T) {
	f := newFixture()
	req := openRequest()
	req.Intent.PostOnly = true
	req.Marketable = false
	// Buy at the best ask crosses.
	req.Intent.Price = 50000.5

	res := f.pipeline.Evaluate(req)
	require.False(t, res.Approved)
	assert.Equal(t, schema.ReasonPostOnlyWouldCross, res.Reason)

	// One tick under the ask rests passively.
	req.Intent.Price = 50000.0
	res = f.pipeline.Evaluate(req)
	assert.True(t, res.Approved)
}

func TestLiquidityRejectsMissingBook(t *testing.T) {
	f := newFixture()
	delete(f.books.snapshots, "BTC-PERPETUAL")

	res := f.pipeline.Evaluate(openRequest())
	require.False(t, res.Approved)
	assert.Equal(t, StepLiquidity, res.Step)
	assert.Equal(t, schema.ReasonLiquidityGateNoBook, res.Reason)
	assert.Empty(t, f.recorder.recorded)
}

func TestLiquidityRejectsStaleBook(t *testing.T) {
	f := newFixture()
	book := f.books.snapshots["BTC-PERPETUAL"]
	book.CapturedTs = f.now.Add(-3 * time.Second).UnixNano()
	f.books.snapshots["BTC-PERPETUAL"] = book

	res := f.pipeline.Evaluate(openRequest())
	require.False(t, res.Approved)
	assert.Equal(t, schema.ReasonLiquidityGateNoBook, res.Reason)
}

func TestReduceProceedsWithoutBook(t *testing.T) {
	f := newFixture()
	delete(f.books.snapshots, "BTC-PERPETUAL")

	// A dead feed must never strand a position behind its own gate.
	req := openRequest()
	req.Intent.Class = schema.ClassClose
	req.Intent.Side = schema.SideSell
	req.Emergency = true
	req.Edge = EdgeInput{}

	res := f.pipeline.Evaluate(req)
	require.True(t, res.Approved)
	assert.Equal(t, float64(20), res.AllowedQty)
	require.Len(t, f.recorder.recorded, 1)
}

func TestReduceProceedsOnStaleBook(t *testing.T) {
	f := newFixture()
	book := f.books.snapshots["BTC-PERPETUAL"]
	book.CapturedTs = f.now.Add(-3 * time.Second).UnixNano()
	f.books.snapshots["BTC-PERPETUAL"] = book

	req := openRequest()
	req.Intent.Class = schema.ClassHedge
	req.Intent.Side = schema.SideSell
	req.Edge = EdgeInput{}

	res := f.pipeline.Evaluate(req)
	require.True(t, res.Approved)
	assert.Equal(t, float64(20), res.AllowedQty)
}

func TestLiquidityRejectsOpenBeyondDepth(t *testing.T) {
	f := newFixture()
	req := openRequest()
	req.Intent.Qty = 500
	req.Intent.QtySteps = 50

	res := f.pipeline.Evaluate(req)
	require.False(t, res.Approved)
	assert.Equal(t, schema.ReasonExpectedSlippageTooHigh, res.Reason)
}

func TestLiquidityClampsReduceInsteadOfRejecting(t *testing.T) {
	f := newFixture()
	req := openRequest()
	req.Intent.Class = schema.ClassClose
	req.Intent.Side = schema.SideSell
	req.Intent.Qty = 500
	req.Intent.QtySteps = 50
	req.Edge = EdgeInput{}

	res := f.pipeline.Evaluate(req)
	require.True(t, res.Approved)
	assert.Equal(t, float64(80), res.AllowedQty)
}

func TestNetEdgeMissingInputFailsClosed(t *testing.T) {
	f := newFixture()
	req := openRequest()
	req.Edge.FeeUSD = nil

	res := f.pipeline.Evaluate(req)
	require.False(t, res.Approved)
	assert.Equal(t, StepNetEdge, res.Step)
	assert.Equal(t, schema.ReasonNetEdgeInputMissing, res.Reason)
	assert.Empty(t, f.recorder.recorded)
}

func TestNetEdgeTooLowRejected(t *testing.T) {
	f := newFixture()
	req := openRequest()
	req.Edge.GrossEdgeUSD = ptr(6) // 6 - 2 - 1 < 5

	res := f.pipeline.Evaluate(req)
	require.False(t, res.Approved)
	assert.Equal(t, schema.ReasonNetEdgeTooLow, res.Reason)
}

func TestNetEdgeSkippedForReduceAndEmergency(t *testing.T) {
	f := newFixture()
	req := openRequest()
	req.Intent.Class = schema.ClassClose
	req.Intent.Side = schema.SideSell
	req.Edge = EdgeInput{} // all inputs missing

	res := f.pipeline.Evaluate(req)
	require.True(t, res.Approved)
	assert.NotContains(t, res.Trace, StepNetEdge)

	req = openRequest()
	req.Emergency = true
	req.Edge = EdgeInput{}
	res = f.pipeline.Evaluate(req)
	require.True(t, res.Approved)
	assert.NotContains(t, res.Trace, StepNetEdge)
}

func TestRiskStateBlocksOpenOnly(t *testing.T) {
	f := newFixture()
	f.authority.state = schema.RiskDegraded

	res := f.pipeline.Evaluate(openRequest())
	require.False(t, res.Approved)
	assert.Equal(t, StepRiskState, res.Step)
	assert.Equal(t, schema.ReasonRiskStateNotHealthy, res.Reason)

	req := openRequest()
	req.Intent.Class = schema.ClassClose
	req.Intent.Side = schema.SideSell
	req.Edge = EdgeInput{}
	res = f.pipeline.Evaluate(req)
	assert.True(t, res.Approved)
}

func TestDispatchAuthRejection(t *testing.T) {
	f := newFixture()
	f.authority.reason = schema.ReasonTradingModeRestricted

	res := f.pipeline.Evaluate(openRequest())
	require.False(t, res.Approved)
	assert.Equal(t, StepDispatchAuth, res.Step)
	assert.Empty(t, f.recorder.recorded)
}

func TestLedgerFailureRefusesDispatch(t *testing.T) {
	f := newFixture()
	f.recorder.fail = true

	res := f.pipeline.Evaluate(openRequest())
	require.False(t, res.Approved)
	assert.Equal(t, StepRecordedBeforeDispatch, res.Step)
	assert.Equal(t, schema.ReasonLedgerAppendFailed, res.Reason)
}

func TestCancelOnlySkipsMarketGates(t *testing.T) {
	f := newFixture()
	delete(f.books.snapshots, "BTC-PERPETUAL") // no book at all
	req := openRequest()
	req.Intent.Class = schema.ClassCancelOnly
	req.Edge = EdgeInput{}

	res := f.pipeline.Evaluate(req)
	require.True(t, res.Approved)
	assert.Equal(t, []Step{StepDispatchAuth, StepRecordedBeforeDispatch}, res.Trace)
}

func TestRejectionHasNoSideEffects(t *testing.T) {
	f := newFixture()
	req := openRequest()
	req.Edge.MinEdgeUSD = nil

	before := f.metrics.Snapshot()
	res := f.pipeline.Evaluate(req)
	after := f.metrics.Snapshot()

	require.False(t, res.Approved)
	assert.Empty(t, f.recorder.recorded)
	// The only observable delta is the rejection counter.
	assert.Equal(t, before.IntentsApproved, after.IntentsApproved)
	assert.Equal(t, before.LedgerAppends, after.LedgerAppends)
	assert.Equal(t, uint64(1), f.metrics.RejectCount(schema.ReasonNetEdgeInputMissing))
}
