package dispatch

import (
	"context"
	"time"

	"main/internal/ledger"
	"main/internal/obs"
	"main/internal/schema"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var (
	ErrNotDispatchable = errors.New("dispatch record not in created state")
	ErrSendAmbiguous   = errors.New("dispatch outcome ambiguous")
)

// TroubleSink observes venue-side failures. Automated risk triggers
// hang off it.
type TroubleSink interface {
	VenueTrouble(instrument, cause string)
}

// Dispatcher performs the network send for recorded intents. The
// sent marker is written durably before the wire call: if the process
// dies in between, recovery sees "possibly sent" and reconciles instead
// of blindly resending.
type Dispatcher struct {
	exchange Exchange
	ledger   *ledger.Ledger
	metrics  *obs.Metrics
	timeout  time.Duration
	trouble  TroubleSink
}

func NewDispatcher(exchange Exchange, l *ledger.Ledger, metrics *obs.Metrics, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		exchange: exchange,
		ledger:   l,
		metrics:  metrics,
		timeout:  timeout,
	}
}

// WatchTrouble registers a sink for rejections, ambiguous sends and
// failed cancels. Must be set before the dispatcher is used.
func (d *Dispatcher) WatchTrouble(sink TroubleSink) {
	d.trouble = sink
}

func (d *Dispatcher) reportTrouble(instrument, cause string) {
	if d.trouble != nil {
		d.trouble.VenueTrouble(instrument, cause)
	}
}

// Dispatch sends one recorded intent. qty is the gate-approved size,
// which may be clamped below the intent's own quantity. The call
// resolves into exactly one ledger transition: Acked, Rejected, or Sent
// pending reconciliation when the outcome is unknown.
func (d *Dispatcher) Dispatch(ctx context.Context, in schema.OrderIntent, qty float64) error {
	rec, ok := d.ledger.Get(in.IntentID)
	if !ok {
		return ledger.ErrUnknownIntent
	}
	if rec.State != schema.StateCreated || rec.Sent() || in.Class == schema.ClassCancelOnly {
		return ErrNotDispatchable
	}

	if err := d.ledger.MarkSent(in.IntentID); err != nil {
		if errors.Is(err, ledger.ErrAlreadySent) {
			// A concurrent sender won the marker; this path stops short
			// of the wire.
			return ErrNotDispatchable
		}
		return errors.Wrap(err, "mark sent before dispatch")
	}
	d.metrics.IncDispatchSent()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res, err := d.exchange.PlaceOrder(ctx, PlaceRequest{
		Instrument: in.Instrument,
		Side:       in.Side,
		Qty:        qty,
		Price:      in.Price,
		PostOnly:   in.PostOnly,
		Label:      in.Label,
	})
	if err != nil {
		// The order may or may not exist on the venue. The record stays
		// Sent; only reconciliation may resolve it.
		d.metrics.IncDispatchAmbiguous()
		d.reportTrouble(in.Instrument, "ambiguous send")
		logs.Errorf("place order %s ambiguous: %v", in.Label, err)
		return errors.Wrap(ErrSendAmbiguous, in.Label)
	}

	switch res.State {
	case schema.StateRejected:
		d.reportTrouble(in.Instrument, "venue rejection")
		if terr := d.ledger.Transition(in.IntentID, schema.StateRejected, res.OrderID, 0, 0); terr != nil {
			return errors.Wrap(terr, "record venue rejection")
		}
	case schema.StateCancelled, schema.StateFilled:
		// The venue answered with a terminal outcome synchronously;
		// record it now instead of leaving it to a sweep.
		d.metrics.IncDispatchAcked()
		if terr := d.ledger.Transition(in.IntentID, res.State, res.OrderID, res.FilledQty, res.AvgPrice); terr != nil {
			return errors.Wrap(terr, "record venue outcome")
		}
	default:
		d.metrics.IncDispatchAcked()
		state := schema.StateAcked
		if res.FilledQty > 0 {
			state = schema.StatePartFilled
			if res.FilledQty+1e-12 >= qty {
				state = schema.StateFilled
			}
		}
		if terr := d.ledger.Transition(in.IntentID, state, res.OrderID, res.FilledQty, res.AvgPrice); terr != nil {
			return errors.Wrap(terr, "record venue ack")
		}
	}
	return nil
}

// Cancel requests cancellation of a previously acked order. Cancels go
// through the same ledger discipline: the outcome lands as a transition,
// either here or in a later reconciliation.
func (d *Dispatcher) Cancel(ctx context.Context, intentID uint64) error {
	rec, ok := d.ledger.Get(intentID)
	if !ok {
		return ledger.ErrUnknownIntent
	}
	if rec.State.IsTerminal() {
		return nil
	}
	if rec.OrderID == "" {
		return errors.New("cancel without venue order id, reconcile first")
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.exchange.CancelOrder(ctx, rec.OrderID); err != nil {
		d.metrics.IncDispatchAmbiguous()
		d.reportTrouble(rec.Intent.Instrument, "cancel failed")
		return errors.Wrap(err, "cancel order")
	}
	return d.ledger.Transition(intentID, schema.StateCancelled, rec.OrderID, rec.FilledQty, rec.AvgPrice)
}
