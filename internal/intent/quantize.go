package intent

import (
	"math"

	"main/internal/schema"

	"github.com/yanun0323/errors"
)

// Quantization rounds in the safer direction: quantity is always rounded
// down, buy prices are floored to the tick and sell prices are raised to
// it. The integer step/tick counts feed the intent hash so that raw float
// jitter upstream never changes an identifier.
const (
	boundaryEps             = 1e-9
	boundaryStepFractionCap = 0.005
	boundaryUlpMultiplier   = 8.0

	// machine epsilon for float64 (2^-52)
	ulp = 2.220446049250313e-16
)

// Quantized holds the normalized values of an intent.
type Quantized struct {
	Qty        float64
	QtySteps   int64
	Price      float64
	PriceTicks int64
}

// QuantizeError carries the enumerated reason for a failed quantization
// along with the offending field.
type QuantizeError struct {
	Reason schema.RejectReason
	Field  string
}

func (e *QuantizeError) Error() string {
	if e.Field == "" {
		return e.Reason.String()
	}
	return e.Reason.String() + ": " + e.Field
}

func metaErr(field string) error {
	return errors.Wrap(&QuantizeError{Reason: schema.ReasonInstrumentMetadataMissing, Field: field}, "validate instrument metadata")
}

func inputErr(field string) error {
	return errors.Wrap(&QuantizeError{Reason: schema.ReasonInvalidInput, Field: field}, "validate quantize input")
}

// ValidateMeta checks that instrument metadata is usable for quantization.
// NaN, infinite, zero, or negative step/tick fields are all treated as
// missing metadata. Nothing is ever defaulted.
func ValidateMeta(meta schema.InstrumentMeta) error {
	if !isFinite(meta.TickSize) || meta.TickSize <= 0 {
		return metaErr("tick_size")
	}
	if !isFinite(meta.AmountStep) || meta.AmountStep <= 0 {
		return metaErr("amount_step")
	}
	if !isFinite(meta.MinAmount) || meta.MinAmount < 0 {
		return metaErr("min_amount")
	}
	return nil
}

// Quantize normalizes a raw quantity and limit price against instrument
// constraints. A quantity that rounds below the instrument minimum is a
// rejection, never a silent zero-size order.
func Quantize(rawQty, rawPrice float64, side schema.Side, meta schema.InstrumentMeta) (Quantized, error) {
	if err := ValidateMeta(meta); err != nil {
		return Quantized{}, err
	}
	if !isFinite(rawQty) {
		return Quantized{}, inputErr("raw_qty")
	}
	if !isFinite(rawPrice) {
		return Quantized{}, inputErr("raw_price")
	}
	if side != schema.SideBuy && side != schema.SideSell {
		return Quantized{}, inputErr("side")
	}

	qtySteps := ratioToSteps(rawQty, meta.AmountStep, false)
	qty := float64(qtySteps) * meta.AmountStep
	if qty < meta.MinAmount {
		return Quantized{}, errors.Wrap(
			&QuantizeError{Reason: schema.ReasonTooSmallAfterQuantization, Field: "qty"},
			"quantize quantity",
		)
	}

	// Buy floors to the tick and never pays extra; sell ceils and never
	// sells cheaper.
	roundUp := side == schema.SideSell
	priceTicks := ratioToSteps(rawPrice, meta.TickSize, roundUp)
	price := float64(priceTicks) * meta.TickSize

	return Quantized{
		Qty:        qty,
		QtySteps:   qtySteps,
		Price:      price,
		PriceTicks: priceTicks,
	}, nil
}

// boundaryTolerance bounds the correction for one-step drift caused by
// floating-point division, kept well below half a step so directional
// rounding still holds.
func boundaryTolerance(raw, step float64) float64 {
	stepAbs := math.Abs(step)
	ulpScaled := math.Max(math.Abs(raw), 1.0) * ulp * boundaryUlpMultiplier
	stepCapped := stepAbs * boundaryStepFractionCap
	return math.Max(math.Min(ulpScaled, stepCapped), stepAbs*boundaryEps)
}

func ratioToSteps(raw, step float64, roundUp bool) int64 {
	ratio := raw / step
	var steps int64
	if roundUp {
		steps = int64(math.Ceil(ratio))
	} else {
		steps = int64(math.Floor(ratio))
	}
	tol := boundaryTolerance(raw, step)

	if roundUp {
		if steps > math.MinInt64 {
			prev := steps - 1
			if math.Abs(raw-float64(prev)*step) <= tol {
				steps = prev
			}
		}
	} else if steps < math.MaxInt64 {
		next := steps + 1
		if math.Abs(raw-float64(next)*step) <= tol {
			steps = next
		}
	}

	return steps
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
