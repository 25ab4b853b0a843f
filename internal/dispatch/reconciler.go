package dispatch

import (
	"context"
	"sync"
	"time"

	"main/internal/intent"
	"main/internal/ledger"
	"main/internal/obs"
	"main/internal/risk"
	"main/internal/schema"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const latchReasonReconcile = "reconcile"

var ErrReconcileBusy = errors.New("reconcile already in progress")

// Reconciler aligns the ledger with venue truth. It runs on startup, on
// feed discontinuities, and as a periodic sweep. While a pass is in
// flight the affected instruments' open latches are set; they clear only
// on clean completion, so a crash mid-pass leaves opens blocked until
// the next pass finishes.
type Reconciler struct {
	exchange   Exchange
	ledger     *ledger.Ledger
	guard      *risk.Guard
	dispatcher *Dispatcher
	metrics    *obs.Metrics

	// passMu makes reconciliation passes mutually exclusive.
	passMu sync.Mutex

	mu           sync.Mutex
	instruments  map[string]struct{}
	redispatched map[uint64]struct{}
	// gen counts discontinuity arrivals. A pass only clears latches when
	// the generation it started under is still current; otherwise its
	// venue snapshot predates a gap and the pass reruns.
	gen uint64
	// lastTradeTs is the per-instrument trade-history watermark. One
	// instrument's sweep must not advance another's: fills arrive with
	// independent timestamps per instrument.
	lastTradeTs map[string]int64
}

func NewReconciler(exchange Exchange, l *ledger.Ledger, guard *risk.Guard, dispatcher *Dispatcher, metrics *obs.Metrics, instruments []string) *Reconciler {
	r := &Reconciler{
		exchange:     exchange,
		ledger:       l,
		guard:        guard,
		dispatcher:   dispatcher,
		metrics:      metrics,
		instruments:  make(map[string]struct{}, len(instruments)),
		redispatched: make(map[uint64]struct{}),
		lastTradeTs:  make(map[string]int64),
	}
	for _, ins := range instruments {
		r.instruments[ins] = struct{}{}
	}
	return r
}

// Track adds an instrument to the reconciliation scope.
func (r *Reconciler) Track(instrument string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instruments[instrument] = struct{}{}
}

// Run sweeps periodically until the context ends.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil && !errors.Is(err, ErrReconcileBusy) {
				logs.Errorf("periodic reconcile: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// OnDiscontinuity reacts to a detected feed gap: the instrument's opens
// are latched immediately and a reconcile pass is started. If a pass is
// already in flight its venue snapshot predates this gap, so the
// generation bump forces it to rerun before it may clear any latch.
func (r *Reconciler) OnDiscontinuity(ctx context.Context, instrument string, cause string) {
	r.metrics.IncFeedGap()
	r.Track(instrument)
	r.guard.SetLatch(instrument, latchReasonReconcile)
	r.mu.Lock()
	r.gen++
	r.mu.Unlock()
	logs.Infof("feed discontinuity on %s (%s), reconciling", instrument, cause)
	go func() {
		if err := r.Reconcile(ctx); err != nil && !errors.Is(err, ErrReconcileBusy) {
			logs.Errorf("discontinuity reconcile: %v", err)
		}
	}()
}

func (r *Reconciler) currentGen() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// Reconcile runs one full pass. Passes are mutually exclusive; a pass
// that finds another in flight returns ErrReconcileBusy. Any error
// leaves the latches set, and a discontinuity arriving mid-pass makes
// the pass rerun with a fresh venue snapshot before clearing them.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	if !r.passMu.TryLock() {
		return ErrReconcileBusy
	}
	defer r.passMu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		startGen := r.currentGen()
		passStart := time.Now().UnixNano()

		scope := r.scope()
		for _, ins := range scope {
			r.guard.SetLatch(ins, latchReasonReconcile)
		}

		for _, ins := range scope {
			if err := r.reconcileInstrument(ctx, ins, passStart); err != nil {
				r.metrics.IncReconcileError()
				return errors.Wrapf(err, "reconcile %s", ins)
			}
		}

		if r.currentGen() != startGen {
			continue
		}

		// Clean completion is the only path that releases the latches.
		for _, ins := range scope {
			r.guard.ClearLatch(ins, latchReasonReconcile)
		}
		r.metrics.IncReconcilePass()
		return nil
	}
}

func (r *Reconciler) scope() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ledger.Range(func(rec ledger.Record) bool {
		r.instruments[rec.Intent.Instrument] = struct{}{}
		return true
	})
	scope := make([]string, 0, len(r.instruments))
	for ins := range r.instruments {
		scope = append(scope, ins)
	}
	return scope
}

func (r *Reconciler) reconcileInstrument(ctx context.Context, instrument string, passStart int64) error {
	open, err := r.exchange.OpenOrders(ctx, instrument)
	if err != nil {
		return errors.Wrap(err, "fetch open orders")
	}
	r.mu.Lock()
	sinceTs := r.lastTradeTs[instrument]
	r.mu.Unlock()
	trades, err := r.exchange.TradeHistory(ctx, instrument, sinceTs)
	if err != nil {
		return errors.Wrap(err, "fetch trade history")
	}

	// Trades first: fills are facts regardless of open-order state, and
	// the ProcessedTradeId set makes reapplication a no-op.
	seenLabels := make(map[string]struct{}, len(open)+len(trades))
	for _, tr := range trades {
		seenLabels[tr.Label] = struct{}{}
		if err := r.applyTrade(tr); err != nil {
			return err
		}
		r.mu.Lock()
		if tr.Ts > r.lastTradeTs[instrument] {
			r.lastTradeTs[instrument] = tr.Ts
		}
		r.mu.Unlock()
	}

	byLabel := make(map[string]OpenOrder, len(open))
	for _, oo := range open {
		seenLabels[oo.Label] = struct{}{}
		byLabel[oo.Label] = oo
		if err := r.absorbOpenOrder(ctx, oo); err != nil {
			return err
		}
	}

	return r.resolveRecords(ctx, instrument, byLabel, seenLabels, passStart)
}

func (r *Reconciler) applyTrade(tr Trade) error {
	if r.ledger.SeenTrade(tr.TradeID) {
		return nil
	}
	rec, ok := r.ledger.GetByLabel(tr.Label)
	if !ok {
		// A fill under our label schema with no local record means the
		// ledger lost history it should have. Opens stop until an
		// operator looks.
		if _, perr := intent.DecodeLabel(tr.Label); perr == nil {
			logs.Errorf("trade %s carries unknown label %s", tr.TradeID, tr.Label)
			r.guard.SetRiskState(tr.Instrument, schema.RiskDegraded)
		}
		return nil
	}
	_, err := r.ledger.ApplyTrade(rec.Intent.IntentID, tr.TradeID, tr.Qty, tr.Price)
	return err
}

// absorbOpenOrder matches one venue open order against the ledger.
// Orders carrying our label with no record are ghosts and are cancelled.
func (r *Reconciler) absorbOpenOrder(ctx context.Context, oo OpenOrder) error {
	rec, ok := r.ledger.GetByLabel(oo.Label)
	if !ok {
		if _, perr := intent.DecodeLabel(oo.Label); perr != nil {
			// Not ours (manual or foreign order), leave it alone.
			return nil
		}
		logs.Errorf("ghost order %s (label %s), cancelling", oo.OrderID, oo.Label)
		if err := r.exchange.CancelOrder(ctx, oo.OrderID); err != nil {
			return errors.Wrap(err, "cancel ghost order")
		}
		r.metrics.IncGhostCancel()
		return nil
	}

	if rec.State.IsTerminal() {
		return nil
	}
	// The venue saw an order we may only have as Created/Sent: the send
	// happened. Record reality.
	if !rec.Sent() {
		if err := r.ledger.MarkSent(rec.Intent.IntentID); err != nil {
			return err
		}
	}
	state := schema.StateAcked
	if oo.FilledQty > 0 {
		state = schema.StatePartFilled
	}
	if rec.State != state || rec.OrderID != oo.OrderID {
		if err := r.ledger.Transition(rec.Intent.IntentID, state, oo.OrderID, oo.FilledQty, 0); err != nil {
			return err
		}
	}
	return nil
}

// resolveRecords settles every non-terminal local record for the
// instrument against what the venue reported. Records touched at or
// after passStart are left alone: they belong to a dispatch still in
// flight, not to a crash, and the venue snapshot predates them.
func (r *Reconciler) resolveRecords(ctx context.Context, instrument string, byLabel map[string]OpenOrder, seenLabels map[string]struct{}, passStart int64) error {
	var pending []ledger.Record
	r.ledger.Range(func(rec ledger.Record) bool {
		if rec.Intent.Instrument == instrument && !rec.State.IsTerminal() {
			pending = append(pending, rec)
		}
		return true
	})

	for _, rec := range pending {
		if _, onVenue := byLabel[rec.Intent.Label]; onVenue {
			continue
		}
		_, everSeen := seenLabels[rec.Intent.Label]

		// Re-read: trades applied above may have finished the record.
		cur, ok := r.ledger.Get(rec.Intent.IntentID)
		if !ok || cur.State.IsTerminal() {
			continue
		}
		if cur.UpdatedTs >= passStart {
			continue
		}

		switch {
		case !cur.Sent():
			if cur.Intent.Class == schema.ClassCancelOnly {
				// A cancel that never reached the wire changed nothing.
				if err := r.ledger.Transition(cur.Intent.IntentID, schema.StateFailed, "", 0, 0); err != nil {
					return err
				}
				continue
			}
			// Durably recorded, never sent, and the venue confirms the
			// label is absent: eligible for its single send attempt.
			if everSeen {
				continue
			}
			if err := r.redispatch(ctx, cur); err != nil {
				return err
			}
		case cur.FilledQty > 0:
			// Fill evidence exists but the order is gone from the book:
			// whatever filled is final.
			if err := r.ledger.Transition(cur.Intent.IntentID, schema.StateFilled, cur.OrderID, cur.FilledQty, cur.AvgPrice); err != nil {
				return err
			}
		default:
			// Possibly sent, and the venue has no trace of it. The order
			// never reached the book or died without fills.
			if err := r.ledger.Transition(cur.Intent.IntentID, schema.StateFailed, cur.OrderID, cur.FilledQty, cur.AvgPrice); err != nil {
				return err
			}
		}
	}
	return nil
}

// redispatch performs the exactly-one recovery send for a recorded but
// never-sent intent.
func (r *Reconciler) redispatch(ctx context.Context, rec ledger.Record) error {
	r.mu.Lock()
	if _, done := r.redispatched[rec.Intent.IntentID]; done {
		r.mu.Unlock()
		return nil
	}
	r.redispatched[rec.Intent.IntentID] = struct{}{}
	r.mu.Unlock()

	logs.Infof("redispatching recorded intent %s after label-absence check", rec.Intent.Label)
	if err := r.dispatcher.Dispatch(ctx, rec.Intent, rec.Intent.Qty); err != nil {
		if errors.Is(err, ErrSendAmbiguous) {
			// Sent marker is durable; the next pass resolves it.
			return nil
		}
		return errors.Wrap(err, "redispatch")
	}
	return nil
}
