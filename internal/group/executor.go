package group

import (
	"context"
	"time"

	"main/internal/dispatch"
	"main/internal/gate"
	"main/internal/intent"
	"main/internal/ledger"
	"main/internal/schema"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const maxRescueAttempts = 2

var (
	ErrGroupAborted   = errors.New("group aborted before any fill")
	ErrGroupEmergency = errors.New("group fell back to emergency close")
)

// MetaSource resolves current instrument metadata for rebuilding legs.
type MetaSource interface {
	Meta(instrument string) (schema.InstrumentMeta, bool)
}

// LegSpec describes one leg of an atomic group before identifiers are
// assigned. GroupID and LegIndex on the signal are overwritten by the
// executor.
type LegSpec struct {
	Signal     intent.Signal
	Marketable bool
	Edge       gate.EdgeInput
}

// LegOutcome reports where one leg ended up.
type LegOutcome struct {
	IntentID  uint64
	Label     string
	State     schema.LifecycleState
	FilledQty float64
	Rescues   int
}

// Result summarizes a group execution.
type Result struct {
	GroupID         string
	Completed       bool
	EmergencyClosed bool
	Legs            []LegOutcome
}

// Config bounds the rescue behavior. The attempt count is fixed; only
// the pacing and repricing aggression are tunable.
type Config struct {
	// RescueBackoff is the delay before each rescue attempt.
	RescueBackoff time.Duration
	// RescueCrossSpreadTicks reprices each rescue this many ticks toward
	// the market so the retry is more likely to fill.
	RescueCrossSpreadTicks int64
}

// Executor drives a multi-leg group through the builder, gate pipeline,
// and dispatcher leg by leg. A failure before any fill aborts the whole
// group cleanly; a failure after a fill is rescued at most twice and
// then resolved by an emergency close of the filled legs. Partial fills
// never persist without remediation in flight.
type Executor struct {
	builder    *intent.Builder
	pipeline   *gate.Pipeline
	dispatcher *dispatch.Dispatcher
	ledger     *ledger.Ledger
	meta       MetaSource
	cfg        Config

	newGroupID func() string
	sleep      func(context.Context, time.Duration)
}

func NewExecutor(builder *intent.Builder, pipeline *gate.Pipeline, dispatcher *dispatch.Dispatcher, l *ledger.Ledger, meta MetaSource, cfg Config) *Executor {
	return &Executor{
		builder:    builder,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		ledger:     l,
		meta:       meta,
		cfg:        cfg,
		newGroupID: uuid.NewString,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Execute runs every leg in order under one fresh group id.
func (e *Executor) Execute(ctx context.Context, legs []LegSpec) (Result, error) {
	result := Result{GroupID: e.newGroupID()}
	if len(legs) == 0 {
		return result, errors.New("empty group")
	}

	for i := range legs {
		outcome, err := e.runLeg(ctx, result.GroupID, uint32(i), legs[i], 0, 0)
		result.Legs = append(result.Legs, outcome)
		if err == nil {
			continue
		}

		if !e.anyFilled(result.Legs) {
			// Nothing filled anywhere: cancel what rests and walk away.
			e.abort(ctx, result.Legs)
			return result, errors.Wrapf(ErrGroupAborted, "leg %d: %v", i, err)
		}

		rescued, outcome := e.rescue(ctx, result.GroupID, uint32(i), legs[i], outcome)
		result.Legs[len(result.Legs)-1] = outcome
		if rescued {
			continue
		}

		// Rescue did not converge: neutralize the filled legs instead of
		// retrying forever.
		e.emergencyClose(ctx, result.GroupID, result.Legs)
		result.EmergencyClosed = true
		return result, errors.Wrapf(ErrGroupEmergency, "leg %d: %v", i, err)
	}

	result.Completed = true
	return result, nil
}

// runLeg builds, gates, and dispatches one leg. extraTicks reprices the
// limit toward the market for rescue attempts.
func (e *Executor) runLeg(ctx context.Context, groupID string, legIndex uint32, spec LegSpec, attempt int, extraTicks int64) (LegOutcome, error) {
	sig := spec.Signal
	sig.GroupID = groupID
	sig.LegIndex = legIndex

	meta, ok := e.meta.Meta(sig.Instrument)
	if !ok {
		return LegOutcome{Rescues: attempt}, errors.New("instrument metadata unavailable")
	}
	if extraTicks > 0 {
		offset := float64(extraTicks) * meta.TickSize
		if sig.Side == schema.SideBuy {
			sig.RawPrice += offset
		} else {
			sig.RawPrice -= offset
		}
	}

	in, err := e.builder.Build(sig, meta)
	if err != nil {
		return LegOutcome{Rescues: attempt}, errors.Wrap(err, "build leg")
	}
	outcome := LegOutcome{IntentID: in.IntentID, Label: in.Label, Rescues: attempt}

	res := e.pipeline.Evaluate(gate.Request{
		Intent:     in,
		Marketable: spec.Marketable,
		Emergency:  attempt > 0,
		Edge:       spec.Edge,
	})
	if !res.Approved {
		return outcome, errors.Wrapf(errGate, "%s at %s", res.Reason, res.Step)
	}

	if err := e.dispatcher.Dispatch(ctx, in, res.AllowedQty); err != nil {
		outcome.State, outcome.FilledQty = e.legState(in.IntentID)
		return outcome, errors.Wrap(err, "dispatch leg")
	}

	outcome.State, outcome.FilledQty = e.legState(in.IntentID)
	if outcome.State == schema.StateRejected || outcome.State == schema.StateFailed {
		return outcome, errors.Wrapf(errVenueReject, "leg %d", legIndex)
	}
	return outcome, nil
}

var (
	errGate        = errors.New("gate rejected")
	errVenueReject = errors.New("venue rejected")
)

// rescue retries only the failed leg, repriced toward the market, at
// most maxRescueAttempts times.
func (e *Executor) rescue(ctx context.Context, groupID string, legIndex uint32, spec LegSpec, failed LegOutcome) (bool, LegOutcome) {
	last := failed
	for attempt := 1; attempt <= maxRescueAttempts; attempt++ {
		e.sleep(ctx, e.cfg.RescueBackoff)
		if ctx.Err() != nil {
			return false, last
		}
		// Best effort: make sure the previous attempt is not resting
		// before a repriced replacement goes out.
		if last.IntentID != 0 {
			if rec, ok := e.ledger.Get(last.IntentID); ok && rec.Sent() && !rec.State.IsTerminal() {
				if err := e.dispatcher.Cancel(ctx, last.IntentID); err != nil {
					logs.Errorf("rescue cancel previous attempt %d: %v", last.IntentID, err)
				}
			}
		}
		logs.Infof("rescue attempt %d/%d for group %s leg %d", attempt, maxRescueAttempts, groupID, legIndex)

		outcome, err := e.runLeg(ctx, groupID, legIndex, spec, attempt, int64(attempt)*e.cfg.RescueCrossSpreadTicks)
		last = outcome
		if err == nil {
			return true, outcome
		}
		logs.Errorf("rescue attempt %d for group %s leg %d failed: %v", attempt, groupID, legIndex, err)
	}
	return false, last
}

// abort cancels every resting, unfilled leg of a group that never
// achieved a fill.
func (e *Executor) abort(ctx context.Context, legs []LegOutcome) {
	for _, leg := range legs {
		if leg.IntentID == 0 {
			continue
		}
		rec, ok := e.ledger.Get(leg.IntentID)
		if !ok || rec.State.IsTerminal() || !rec.Sent() {
			continue
		}
		if err := e.dispatcher.Cancel(ctx, leg.IntentID); err != nil {
			logs.Errorf("abort cancel intent %d: %v", leg.IntentID, err)
		}
	}
}

// emergencyClose flattens whatever the group managed to fill. The close
// legs are risk-reducing, marketable, and exempt from policy gates; a
// close that itself fails leaves the position for the operator and the
// reconciler, never a silent retry loop.
func (e *Executor) emergencyClose(ctx context.Context, groupID string, legs []LegOutcome) {
	for _, leg := range legs {
		rec, ok := e.ledger.Get(leg.IntentID)
		if !ok || rec.FilledQty <= 0 {
			continue
		}
		meta, ok := e.meta.Meta(rec.Intent.Instrument)
		if !ok {
			logs.Errorf("emergency close %s: metadata unavailable", rec.Intent.Instrument)
			continue
		}

		sig := intent.Signal{
			Instrument: rec.Intent.Instrument,
			Side:       rec.Intent.Side.Opposite(),
			OrderType:  schema.OrderTypeLimit,
			Class:      schema.ClassClose,
			RawQty:     rec.FilledQty,
			RawPrice:   emergencyPrice(rec.Intent, meta),
			GroupID:    groupID,
			LegIndex:   rec.Intent.LegIndex,
		}
		closeIntent, err := e.builder.Build(sig, meta)
		if err != nil {
			logs.Errorf("emergency close build for %s: %v", rec.Intent.Label, err)
			continue
		}
		res := e.pipeline.Evaluate(gate.Request{Intent: closeIntent, Marketable: true, Emergency: true})
		if !res.Approved {
			logs.Errorf("emergency close gated for %s: %s at %s", rec.Intent.Label, res.Reason, res.Step)
			continue
		}
		if err := e.dispatcher.Dispatch(ctx, closeIntent, res.AllowedQty); err != nil {
			logs.Errorf("emergency close dispatch for %s: %v", rec.Intent.Label, err)
		}
	}
}

// emergencyPrice crosses the spread generously so the close executes:
// the fill price of the original leg shifted several ticks through the
// market in the closing direction.
func emergencyPrice(in schema.OrderIntent, meta schema.InstrumentMeta) float64 {
	const crossTicks = 50
	offset := float64(crossTicks) * meta.TickSize
	if in.Side == schema.SideBuy {
		// Closing a long: sell below the reference price.
		return in.Price - offset
	}
	return in.Price + offset
}

func (e *Executor) anyFilled(legs []LegOutcome) bool {
	for _, leg := range legs {
		if leg.FilledQty > 0 {
			return true
		}
		if leg.IntentID != 0 {
			if rec, ok := e.ledger.Get(leg.IntentID); ok && rec.FilledQty > 0 {
				return true
			}
		}
	}
	return false
}

func (e *Executor) legState(intentID uint64) (schema.LifecycleState, float64) {
	rec, ok := e.ledger.Get(intentID)
	if !ok {
		return schema.StateCreated, 0
	}
	return rec.State, rec.FilledQty
}
