package feed

import (
	"sort"

	"main/internal/schema"

	"github.com/yanun0323/logs"
)

// Collector assembles raw book frames into full snapshots and feeds the
// cache. Snapshots rebuild the working book; changes chain on
// prev_change_id, and any break drops both the working book and the
// cached snapshot. Not safe for concurrent use: one collector serves one
// observer goroutine.
type Collector struct {
	books  *BookCache
	states map[string]*bookState
}

func NewCollector(books *BookCache) *Collector {
	return &Collector{
		books:  books,
		states: make(map[string]*bookState),
	}
}

type bookState struct {
	asks map[float64]float64
	bids map[float64]float64
}

// OnBook consumes one raw frame.
func (c *Collector) OnBook(d DeribitBook) {
	switch d.Type {
	case "snapshot":
		state := &bookState{
			asks: make(map[float64]float64, len(d.Asks)),
			bids: make(map[float64]float64, len(d.Bids)),
		}
		if err := state.apply(d); err != nil {
			logs.Errorf("book snapshot %s: %v", d.Instrument, err)
			c.drop(d.Instrument)
			return
		}
		c.states[d.Instrument] = state
		c.books.Reset(state.snapshot(d))

	case "change":
		state, ok := c.states[d.Instrument]
		if !ok {
			// Change without a snapshot base. Report the break so the
			// stream gets resubscribed.
			c.books.Invalidate(d.Instrument)
			return
		}
		if err := state.apply(d); err != nil {
			logs.Errorf("book change %s: %v", d.Instrument, err)
			c.drop(d.Instrument)
			return
		}
		if !c.books.Apply(state.snapshot(d), d.PrevChangeID) {
			delete(c.states, d.Instrument)
		}

	default:
		logs.Errorf("book frame %s: unknown type %q", d.Instrument, d.Type)
	}
}

func (c *Collector) drop(instrument string) {
	delete(c.states, instrument)
	c.books.Invalidate(instrument)
}

func (s *bookState) apply(d DeribitBook) error {
	if err := applySide(s.asks, d.Asks); err != nil {
		return err
	}
	return applySide(s.bids, d.Bids)
}

func applySide(levels map[float64]float64, changes []BookChange) error {
	for _, ch := range changes {
		price, err := ch.Price.Float64()
		if err != nil {
			return err
		}
		qty, err := ch.Amount.Float64()
		if err != nil {
			return err
		}
		if ch.Action == "delete" || qty <= 0 {
			delete(levels, price)
			continue
		}
		levels[price] = qty
	}
	return nil
}

func (s *bookState) snapshot(d DeribitBook) schema.BookSnapshot {
	return schema.BookSnapshot{
		Instrument: d.Instrument,
		Asks:       sortedLevels(s.asks, false),
		Bids:       sortedLevels(s.bids, true),
		Seq:        d.ChangeID,
		CapturedTs: d.Timestamp * int64(1e6),
	}
}

func sortedLevels(levels map[float64]float64, descending bool) []schema.BookLevel {
	out := make([]schema.BookLevel, 0, len(levels))
	for price, qty := range levels {
		out = append(out, schema.BookLevel{Price: price, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}
