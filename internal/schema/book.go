package schema

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price float64
	Qty   float64
}

// BookSnapshot is an L2 order book view with freshness metadata. Asks are
// sorted ascending, bids descending. Seq is the venue change sequence used
// for gap detection.
type BookSnapshot struct {
	Instrument string
	Asks       []BookLevel
	Bids       []BookLevel
	Seq        uint64
	CapturedTs int64
}

// SideLevels returns the side of the book a taker order of the given
// side would consume.
func (b BookSnapshot) SideLevels(side Side) []BookLevel {
	if side == SideBuy {
		return b.Asks
	}
	return b.Bids
}

// BestPrice returns the top-of-book price for the consumed side, or
// false when that side is empty.
func (b BookSnapshot) BestPrice(side Side) (float64, bool) {
	levels := b.SideLevels(side)
	if len(levels) == 0 {
		return 0, false
	}
	return levels[0].Price, true
}
