package group

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"main/internal/dispatch"
	"main/internal/gate"
	"main/internal/intent"
	"main/internal/ledger"
	"main/internal/obs"
	"main/internal/risk"
	"main/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedExchange answers PlaceOrder calls from a queue, one result per
// call, so tests can script per-leg venue behavior.
type scriptedExchange struct {
	script    []dispatch.PlaceResult
	placed    []dispatch.PlaceRequest
	cancelled []string
	orderSeq  int
}

func (s *scriptedExchange) PlaceOrder(_ context.Context, req dispatch.PlaceRequest) (dispatch.PlaceResult, error) {
	s.placed = append(s.placed, req)
	if len(s.script) == 0 {
		s.orderSeq++
		return dispatch.PlaceResult{OrderID: fmt.Sprintf("venue-%d", s.orderSeq), State: schema.StateAcked}, nil
	}
	res := s.script[0]
	s.script = s.script[1:]
	s.orderSeq++
	if res.OrderID == "" {
		res.OrderID = fmt.Sprintf("venue-%d", s.orderSeq)
	}
	return res, nil
}

func (s *scriptedExchange) CancelOrder(_ context.Context, orderID string) error {
	s.cancelled = append(s.cancelled, orderID)
	return nil
}

func (s *scriptedExchange) OpenOrders(context.Context, string) ([]dispatch.OpenOrder, error) {
	return nil, nil
}

func (s *scriptedExchange) TradeHistory(context.Context, string, int64) ([]dispatch.Trade, error) {
	return nil, nil
}

type staticMeta map[string]schema.InstrumentMeta

func (m staticMeta) Meta(instrument string) (schema.InstrumentMeta, bool) {
	meta, ok := m[instrument]
	return meta, ok
}

type staticBooks map[string]schema.BookSnapshot

func (b staticBooks) Snapshot(instrument string) (schema.BookSnapshot, bool) {
	s, ok := b[instrument]
	return s, ok
}

type execFixture struct {
	executor *Executor
	exchange *scriptedExchange
	ledger   *ledger.Ledger
	guard    *risk.Guard
}

func newExecFixture(t *testing.T) *execFixture {
	t.Helper()
	metrics := obs.NewMetrics()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "intents.ldg"), metrics)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	meta := staticMeta{
		"BTC-PERPETUAL": {Instrument: "BTC-PERPETUAL", Kind: schema.KindPerpetual, TickSize: 0.5, AmountStep: 10, MinAmount: 10},
		"ETH-PERPETUAL": {Instrument: "ETH-PERPETUAL", Kind: schema.KindPerpetual, TickSize: 0.05, AmountStep: 1, MinAmount: 1},
	}
	now := time.Now().UnixNano()
	books := staticBooks{
		"BTC-PERPETUAL": {
			Instrument: "BTC-PERPETUAL",
			Asks:       []schema.BookLevel{{Price: 50000.5, Qty: 1000}},
			Bids:       []schema.BookLevel{{Price: 50000.0, Qty: 1000}},
			CapturedTs: now,
		},
		"ETH-PERPETUAL": {
			Instrument: "ETH-PERPETUAL",
			Asks:       []schema.BookLevel{{Price: 3000.05, Qty: 1000}},
			Bids:       []schema.BookLevel{{Price: 3000.00, Qty: 1000}},
			CapturedTs: now,
		},
	}

	guard := risk.NewGuard(nil)
	guard.SetRiskState("BTC-PERPETUAL", schema.RiskHealthy)
	guard.SetRiskState("ETH-PERPETUAL", schema.RiskHealthy)

	exchange := &scriptedExchange{}
	pipeline := gate.NewPipeline(
		gate.Config{MaxSlippageBps: 20, BookMaxAge: time.Minute},
		books, guard, l, metrics,
	)
	dispatcher := dispatch.NewDispatcher(exchange, l, metrics, time.Second)
	builder := intent.NewBuilder("basis-v1", metrics)

	executor := NewExecutor(builder, pipeline, dispatcher, l, meta, Config{
		RescueBackoff:          0,
		RescueCrossSpreadTicks: 2,
	})
	executor.sleep = func(context.Context, time.Duration) {}
	return &execFixture{executor: executor, exchange: exchange, ledger: l, guard: guard}
}

func edge() gate.EdgeInput {
	gross, fee, slip, min := 20.0, 2.0, 1.0, 5.0
	return gate.EdgeInput{GrossEdgeUSD: &gross, FeeUSD: &fee, ExpectedSlippageUSD: &slip, MinEdgeUSD: &min}
}

func twoLegs() []LegSpec {
	return []LegSpec{
		{
			Signal: intent.Signal{
				Instrument: "BTC-PERPETUAL",
				Side:       schema.SideBuy,
				OrderType:  schema.OrderTypeLimit,
				Class:      schema.ClassOpen,
				RawQty:     20,
				RawPrice:   50000.5,
			},
			Marketable: true,
			Edge:       edge(),
		},
		{
			Signal: intent.Signal{
				Instrument: "ETH-PERPETUAL",
				Side:       schema.SideSell,
				OrderType:  schema.OrderTypeLimit,
				Class:      schema.ClassHedge,
				RawQty:     5,
				RawPrice:   3000.0,
			},
			Marketable: true,
		},
	}
}

func TestGroupCompletes(t *testing.T) {
	f := newExecFixture(t)

	res, err := f.executor.Execute(context.Background(), twoLegs())
	require.NoError(t, err)
	assert.True(t, res.Completed)
	require.Len(t, res.Legs, 2)
	assert.Len(t, f.exchange.placed, 2)
	assert.NotEqual(t, res.Legs[0].IntentID, res.Legs[1].IntentID)

	// Both legs share the group id through their labels.
	p0, err := intent.DecodeLabel(res.Legs[0].Label)
	require.NoError(t, err)
	p1, err := intent.DecodeLabel(res.Legs[1].Label)
	require.NoError(t, err)
	assert.Equal(t, p0.GID12, p1.GID12)
	assert.Equal(t, uint32(0), p0.LegIndex)
	assert.Equal(t, uint32(1), p1.LegIndex)
}

func TestGateFailureOnFirstLegAbortsCleanly(t *testing.T) {
	f := newExecFixture(t)
	f.guard.Tighten(schema.ModeReduceOnly, "test")

	legs := twoLegs()
	_, err := f.executor.Execute(context.Background(), legs)
	assert.ErrorIs(t, err, ErrGroupAborted)
	// No leg reached the wire.
	assert.Empty(t, f.exchange.placed)
	assert.Empty(t, f.exchange.cancelled)
}

func TestSecondLegFailureBeforeAnyFillAborts(t *testing.T) {
	f := newExecFixture(t)
	f.exchange.script = []dispatch.PlaceResult{
		{State: schema.StateAcked},    // leg 0 rests unfilled
		{State: schema.StateRejected}, // leg 1 dies
	}

	_, err := f.executor.Execute(context.Background(), twoLegs())
	assert.ErrorIs(t, err, ErrGroupAborted)

	// The resting first leg was cancelled on abort.
	require.Len(t, f.exchange.cancelled, 1)
	assert.Equal(t, "venue-1", f.exchange.cancelled[0])
}

func TestRescueRetriesOnlyFailedLeg(t *testing.T) {
	f := newExecFixture(t)
	f.exchange.script = []dispatch.PlaceResult{
		{State: schema.StateFilled, FilledQty: 20, AvgPrice: 50000.5}, // leg 0 fills
		{State: schema.StateRejected},                                 // leg 1 first try
		{State: schema.StateAcked},                                    // leg 1 rescue converges
	}

	res, err := f.executor.Execute(context.Background(), twoLegs())
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.False(t, res.EmergencyClosed)
	require.Len(t, f.exchange.placed, 3)

	// The filled first leg was never re-sent.
	assert.Equal(t, "BTC-PERPETUAL", f.exchange.placed[0].Instrument)
	assert.Equal(t, "ETH-PERPETUAL", f.exchange.placed[1].Instrument)
	assert.Equal(t, "ETH-PERPETUAL", f.exchange.placed[2].Instrument)
	assert.Equal(t, 1, res.Legs[1].Rescues)

	// The rescue repriced toward the market.
	assert.Less(t, f.exchange.placed[2].Price, f.exchange.placed[1].Price)
}

func TestRescueExhaustionTriggersEmergencyClose(t *testing.T) {
	f := newExecFixture(t)
	f.exchange.script = []dispatch.PlaceResult{
		{State: schema.StateFilled, FilledQty: 20, AvgPrice: 50000.5}, // leg 0 fills
		{State: schema.StateRejected},                                 // leg 1
		{State: schema.StateRejected},                                 // rescue 1
		{State: schema.StateRejected},                                 // rescue 2
		{State: schema.StateAcked},                                    // emergency close
	}

	res, err := f.executor.Execute(context.Background(), twoLegs())
	assert.ErrorIs(t, err, ErrGroupEmergency)
	assert.True(t, res.EmergencyClosed)
	require.Len(t, f.exchange.placed, 5)

	// Exactly two rescues, then a sell that flattens the filled long.
	emergency := f.exchange.placed[4]
	assert.Equal(t, "BTC-PERPETUAL", emergency.Instrument)
	assert.Equal(t, schema.SideSell, emergency.Side)
	assert.Equal(t, float64(20), emergency.Qty)
}
