package intent

import (
	"time"

	"main/internal/obs"
	"main/internal/schema"

	"github.com/yanun0323/errors"
)

// Signal is the raw upstream request to trade. Quantities and prices are
// unnormalized; nothing in a Signal is trusted until the builder has
// quantized it against live instrument metadata.
type Signal struct {
	Instrument string
	Side       schema.Side
	OrderType  schema.OrderType
	Class      schema.IntentClass
	RawQty     float64
	RawPrice   float64
	GroupID    string
	LegIndex   uint32
	PostOnly   bool
}

// Builder turns signals into fully specified order intents. Construction
// is all-or-nothing: a signal either yields exactly one immutable
// OrderIntent or fails with an enumerated reason, never a partial intent.
type Builder struct {
	sid8    string
	now     func() time.Time
	metrics *obs.Metrics
}

// NewBuilder derives the label strategy prefix once; every intent this
// builder produces carries it.
func NewBuilder(strategyID string, metrics *obs.Metrics) *Builder {
	return &Builder{
		sid8:    DeriveSID8(strategyID),
		now:     time.Now,
		metrics: metrics,
	}
}

// Build constructs an OrderIntent from a signal and the current
// instrument metadata. The identifier and label are derived from the
// quantized integer fields only, so two builds from identical normalized
// inputs are byte-identical regardless of when they run.
func (b *Builder) Build(sig Signal, meta schema.InstrumentMeta) (schema.OrderIntent, error) {
	if sig.Instrument == "" || sig.Instrument != meta.Instrument {
		return schema.OrderIntent{}, inputErr("instrument")
	}
	if sig.Class == schema.ClassUnknown {
		return schema.OrderIntent{}, inputErr("class")
	}
	if meta.Kind == schema.KindUnknown {
		return schema.OrderIntent{}, metaErr("kind")
	}

	q, err := Quantize(sig.RawQty, sig.RawPrice, sig.Side, meta)
	if err != nil {
		return schema.OrderIntent{}, errors.Wrap(err, "build intent")
	}

	id := Hash(HashInput{
		Instrument: sig.Instrument,
		Side:       sig.Side,
		QtySteps:   q.QtySteps,
		PriceTicks: q.PriceTicks,
		GroupID:    sig.GroupID,
		LegIndex:   sig.LegIndex,
	})

	label, err := EncodeLabel(b.sid8, DeriveGID12(sig.GroupID), sig.LegIndex, FormatHash(id))
	if err != nil {
		return schema.OrderIntent{}, errors.Wrap(err, "build intent")
	}

	b.metrics.IncIntentBuilt()
	return schema.OrderIntent{
		IntentID:   id,
		Instrument: sig.Instrument,
		Side:       sig.Side,
		OrderType:  sig.OrderType,
		Class:      sig.Class,
		QtySteps:   q.QtySteps,
		PriceTicks: q.PriceTicks,
		Qty:        q.Qty,
		Price:      q.Price,
		GroupID:    sig.GroupID,
		LegIndex:   sig.LegIndex,
		Label:      label,
		PostOnly:   sig.PostOnly,
		CreatedTs:  b.now().UnixNano(),
	}, nil
}

// ReasonOf extracts the enumerated rejection reason from a build or
// quantize error. Unknown errors map to InvalidInput so a caller can
// always count the rejection.
func ReasonOf(err error) schema.RejectReason {
	if err == nil {
		return schema.ReasonNone
	}
	for err != nil {
		if qe, ok := err.(*QuantizeError); ok {
			return qe.Reason
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return schema.ReasonInvalidInput
}
