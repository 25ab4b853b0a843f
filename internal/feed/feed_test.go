package feed

import (
	"encoding/json"
	"testing"
	"time"

	"main/internal/obs"
	"main/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gapRecorder struct {
	instruments []string
}

func (g *gapRecorder) OnDiscontinuity(instrument string) {
	g.instruments = append(g.instruments, instrument)
}

func level(price, qty float64) schema.BookLevel {
	return schema.BookLevel{Price: price, Qty: qty}
}

func TestBookCacheAppliesChainedUpdates(t *testing.T) {
	metrics := obs.NewMetrics()
	cache := NewBookCache(metrics)

	cache.Reset(schema.BookSnapshot{Instrument: "BTC-PERPETUAL", Seq: 100})
	ok := cache.Apply(schema.BookSnapshot{Instrument: "BTC-PERPETUAL", Seq: 101}, 100)
	assert.True(t, ok)

	snap, found := cache.Snapshot("BTC-PERPETUAL")
	require.True(t, found)
	assert.Equal(t, uint64(101), snap.Seq)
	assert.Zero(t, metrics.Snapshot().FeedGaps)
}

func TestBookCacheGapDropsBookAndNotifies(t *testing.T) {
	metrics := obs.NewMetrics()
	cache := NewBookCache(metrics)
	gaps := &gapRecorder{}
	cache.SetDiscontinuityHandler(gaps)

	cache.Reset(schema.BookSnapshot{Instrument: "BTC-PERPETUAL", Seq: 100})
	ok := cache.Apply(schema.BookSnapshot{Instrument: "BTC-PERPETUAL", Seq: 103}, 102)
	assert.False(t, ok)

	_, found := cache.Snapshot("BTC-PERPETUAL")
	assert.False(t, found)
	assert.Equal(t, []string{"BTC-PERPETUAL"}, gaps.instruments)
	assert.Equal(t, uint64(1), metrics.Snapshot().FeedGaps)
}

func TestBookCacheInvalidate(t *testing.T) {
	metrics := obs.NewMetrics()
	cache := NewBookCache(metrics)
	gaps := &gapRecorder{}
	cache.SetDiscontinuityHandler(gaps)

	cache.Reset(schema.BookSnapshot{Instrument: "ETH-PERPETUAL", Seq: 7})
	cache.Invalidate("ETH-PERPETUAL")

	_, found := cache.Snapshot("ETH-PERPETUAL")
	assert.False(t, found)
	assert.Equal(t, []string{"ETH-PERPETUAL"}, gaps.instruments)
}

func TestMetaCacheExpiresEntries(t *testing.T) {
	cache := NewMetaCache(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	cache.now = func() time.Time { return now }

	cache.Put(schema.InstrumentMeta{Instrument: "BTC-PERPETUAL", TickSize: 0.5})

	meta, ok := cache.Meta("BTC-PERPETUAL")
	require.True(t, ok)
	assert.Equal(t, 0.5, meta.TickSize)

	now = now.Add(2 * time.Minute)
	_, ok = cache.Meta("BTC-PERPETUAL")
	assert.False(t, ok, "stale metadata must read as missing")

	_, ok = cache.Meta("ETH-PERPETUAL")
	assert.False(t, ok)
}

const bookSnapshotFrame = `{
	"type": "snapshot",
	"timestamp": 1700000000000,
	"instrument_name": "BTC-PERPETUAL",
	"change_id": 500,
	"bids": [["new", 50000.0, 30], ["new", 49999.5, 50]],
	"asks": [["new", 50000.5, 30], ["new", 50001.0, 50]]
}`

const bookChangeFrame = `{
	"type": "change",
	"timestamp": 1700000000100,
	"instrument_name": "BTC-PERPETUAL",
	"change_id": 501,
	"prev_change_id": 500,
	"bids": [["delete", 49999.5, 0]],
	"asks": [["change", 50000.5, 45]]
}`

func parseFrame(t *testing.T, raw string) DeribitBook {
	t.Helper()
	var book DeribitBook
	require.NoError(t, json.Unmarshal([]byte(raw), &book))
	return book
}

func TestCollectorAssemblesSnapshotAndChange(t *testing.T) {
	metrics := obs.NewMetrics()
	cache := NewBookCache(metrics)
	collector := NewCollector(cache)

	collector.OnBook(parseFrame(t, bookSnapshotFrame))

	snap, ok := cache.Snapshot("BTC-PERPETUAL")
	require.True(t, ok)
	assert.Equal(t, uint64(500), snap.Seq)
	assert.Equal(t, int64(1700000000000)*int64(1e6), snap.CapturedTs)
	assert.Equal(t, []schema.BookLevel{level(50000.0, 30), level(49999.5, 50)}, snap.Bids)
	assert.Equal(t, []schema.BookLevel{level(50000.5, 30), level(50001.0, 50)}, snap.Asks)

	collector.OnBook(parseFrame(t, bookChangeFrame))

	snap, ok = cache.Snapshot("BTC-PERPETUAL")
	require.True(t, ok)
	assert.Equal(t, uint64(501), snap.Seq)
	assert.Equal(t, []schema.BookLevel{level(50000.0, 30)}, snap.Bids)
	assert.Equal(t, []schema.BookLevel{level(50000.5, 45), level(50001.0, 50)}, snap.Asks)
}

func TestCollectorGapInvalidatesUntilNextSnapshot(t *testing.T) {
	metrics := obs.NewMetrics()
	cache := NewBookCache(metrics)
	gaps := &gapRecorder{}
	cache.SetDiscontinuityHandler(gaps)
	collector := NewCollector(cache)

	collector.OnBook(parseFrame(t, bookSnapshotFrame))

	// A change whose prev link skips a frame breaks the chain.
	gap := parseFrame(t, bookChangeFrame)
	gap.ChangeID = 503
	gap.PrevChangeID = 502
	collector.OnBook(gap)

	_, ok := cache.Snapshot("BTC-PERPETUAL")
	assert.False(t, ok)
	assert.Len(t, gaps.instruments, 1)

	// Further changes stay rejected until a fresh snapshot arrives.
	next := parseFrame(t, bookChangeFrame)
	next.ChangeID = 504
	next.PrevChangeID = 503
	collector.OnBook(next)
	_, ok = cache.Snapshot("BTC-PERPETUAL")
	assert.False(t, ok)

	collector.OnBook(parseFrame(t, bookSnapshotFrame))
	snap, ok := cache.Snapshot("BTC-PERPETUAL")
	require.True(t, ok)
	assert.Equal(t, uint64(500), snap.Seq)
}

func TestCollectorChangeWithoutSnapshotReportsBreak(t *testing.T) {
	metrics := obs.NewMetrics()
	cache := NewBookCache(metrics)
	gaps := &gapRecorder{}
	cache.SetDiscontinuityHandler(gaps)
	collector := NewCollector(cache)

	collector.OnBook(parseFrame(t, bookChangeFrame))
	assert.Equal(t, []string{"BTC-PERPETUAL"}, gaps.instruments)
}

func TestDeribitInstrumentMeta(t *testing.T) {
	raw := `{
		"instrument_name": "BTC-PERPETUAL",
		"kind": "future",
		"settlement_period": "perpetual",
		"tick_size": 0.5,
		"contract_size": 10,
		"min_trade_amount": 10,
		"is_active": true
	}`
	var inst DeribitInstrument
	require.NoError(t, json.Unmarshal([]byte(raw), &inst))

	meta, err := inst.Meta(42)
	require.NoError(t, err)
	assert.Equal(t, schema.InstrumentMeta{
		Instrument: "BTC-PERPETUAL",
		Kind:       schema.KindPerpetual,
		TickSize:   0.5,
		AmountStep: 10,
		MinAmount:  10,
		FetchedTs:  42,
	}, meta)
}

func TestOrderLifecycleMapping(t *testing.T) {
	assert.Equal(t, schema.StateAcked, orderLifecycle("open", 0))
	assert.Equal(t, schema.StatePartFilled, orderLifecycle("open", 5))
	assert.Equal(t, schema.StateFilled, orderLifecycle("filled", 20))
	assert.Equal(t, schema.StateRejected, orderLifecycle("rejected", 0))
	assert.Equal(t, schema.StateCancelled, orderLifecycle("cancelled", 10))
	// An unrecognized state must stay non-terminal for reconciliation.
	assert.Equal(t, schema.StateAcked, orderLifecycle("untriggered", 0))
}

func TestVenueOrderPayload(t *testing.T) {
	raw := `{
		"order_id": "ETH-112233",
		"order_state": "open",
		"instrument_name": "ETH-PERPETUAL",
		"direction": "sell",
		"label": "s4:aaaaaaaa:bbbbbbbbbbbb:1:cccccccccccccccc",
		"amount": 5,
		"filled_amount": 2,
		"price": 3000.05,
		"average_price": 3000.05
	}`
	var order deribitOrder
	require.NoError(t, json.Unmarshal([]byte(raw), &order))

	assert.Equal(t, "ETH-112233", order.OrderID)
	assert.Equal(t, schema.SideSell, sideOf(order.Direction))
	assert.Equal(t, 5.0, numberOr(order.Amount, 0))
	assert.Equal(t, 2.0, numberOr(order.FilledAmount, 0))
	assert.Equal(t, schema.StatePartFilled, orderLifecycle(order.OrderState, numberOr(order.FilledAmount, 0)))
}

func TestNumberOrToleratesAbsentFields(t *testing.T) {
	var order deribitOrder
	require.NoError(t, json.Unmarshal([]byte(`{"order_id": "x", "order_state": "cancelled"}`), &order))
	assert.Equal(t, 0.0, numberOr(order.AveragePrice, 0))
	assert.Equal(t, -1.0, numberOr(order.AveragePrice, -1))
}

func TestDeribitInstrumentMetaMissingFieldFails(t *testing.T) {
	raw := `{"instrument_name": "BTC-PERPETUAL", "kind": "future", "settlement_period": "perpetual", "contract_size": 10, "min_trade_amount": 10}`
	var inst DeribitInstrument
	require.NoError(t, json.Unmarshal([]byte(raw), &inst))

	_, err := inst.Meta(42)
	assert.Error(t, err, "omitted tick size must not produce metadata")
}
