package gate

import (
	"math"

	"main/internal/schema"
)

// liquidityOutcome carries the gate verdict plus the quantity the book
// can absorb within the slippage budget. Risk-reducing intents are
// clamped to AllowedQty instead of being rejected on thin depth.
type liquidityOutcome struct {
	Reason      schema.RejectReason
	AllowedQty  float64
	WAP         float64
	SlippageBps float64
}

// liquidity walks the consumed side of the book, computes the depth
// fillable within the slippage budget and the weighted average price of
// the allowed quantity. Missing, stale, or malformed books fail closed
// for OPEN intents only. Exposure-reducing and emergency intents go
// through at full size when the book is unusable and are clamped only
// against a usable one: a dead feed must never strand a position behind
// its own safety gate.
func liquidity(req Request, maxSlippageBps float64, maxAgeNs int64, nowNs int64) liquidityOutcome {
	in := req.Intent
	if in.Qty <= 0 || !finite(in.Qty) || !finite(maxSlippageBps) || maxSlippageBps < 0 {
		return liquidityOutcome{Reason: schema.ReasonExpectedSlippageTooHigh}
	}

	book, ok := req.Book()
	if !ok {
		return noUsableBook(req)
	}
	if book.CapturedTs > nowNs || nowNs-book.CapturedTs > maxAgeNs {
		return noUsableBook(req)
	}

	levels := book.SideLevels(in.Side)
	if len(levels) == 0 {
		return noUsableBook(req)
	}
	best := levels[0].Price
	if !finite(best) || best <= 0 {
		return noUsableBook(req)
	}

	// A passive maker order never consumes depth; fresh-book validation
	// above is all it needs.
	if !req.Marketable && in.Class == schema.ClassOpen {
		return liquidityOutcome{AllowedQty: in.Qty}
	}

	inBudget, fillable, reason := fillableDepth(levels, in.Side, best, maxSlippageBps)
	if reason != schema.ReasonNone {
		if mustNotStrand(req) {
			return liquidityOutcome{AllowedQty: in.Qty}
		}
		return liquidityOutcome{Reason: reason}
	}

	allowed := in.Qty
	if mustNotStrand(req) {
		allowed = math.Min(fillable, in.Qty)
	} else if fillable+1e-12 < in.Qty {
		return liquidityOutcome{Reason: schema.ReasonExpectedSlippageTooHigh}
	}

	wap, filled, ok := walkWAP(levels[:inBudget], allowed)
	if !ok || filled <= 0 {
		return noUsableBook(req)
	}

	slippageBps := math.Abs((wap - best) / best * 10_000)
	if !finite(slippageBps) || slippageBps > maxSlippageBps {
		return liquidityOutcome{Reason: schema.ReasonExpectedSlippageTooHigh}
	}

	return liquidityOutcome{AllowedQty: allowed, WAP: wap, SlippageBps: slippageBps}
}

// mustNotStrand marks intents the liquidity gate may clamp but never
// reject: anything exposure-reducing, and any emergency remediation.
func mustNotStrand(req Request) bool {
	return req.Emergency || req.Intent.Class.IsReduce()
}

// noUsableBook resolves a missing, stale, or malformed book.
func noUsableBook(req Request) liquidityOutcome {
	if mustNotStrand(req) {
		return liquidityOutcome{AllowedQty: req.Intent.Qty}
	}
	return liquidityOutcome{Reason: schema.ReasonLiquidityGateNoBook}
}

// fillableDepth counts the levels within the slippage budget and the
// quantity they hold. A level at an invalid price poisons the whole
// snapshot.
func fillableDepth(levels []schema.BookLevel, side schema.Side, best, maxSlippageBps float64) (int, float64, schema.RejectReason) {
	budget := maxSlippageBps / 10_000
	maxBuy := best * (1 + budget)
	minSell := best * (1 - budget)

	var fillable float64
	inBudget := 0
	for _, lv := range levels {
		if !finite(lv.Price) || lv.Price <= 0 || !finite(lv.Qty) || lv.Qty <= 0 {
			return 0, 0, schema.ReasonLiquidityGateNoBook
		}
		if side == schema.SideBuy && lv.Price > maxBuy {
			break
		}
		if side == schema.SideSell && lv.Price < minSell {
			break
		}
		fillable += lv.Qty
		inBudget++
	}
	if inBudget == 0 || fillable <= 0 || !finite(fillable) {
		return 0, 0, schema.ReasonExpectedSlippageTooHigh
	}
	return inBudget, fillable, schema.ReasonNone
}

// walkWAP computes the weighted average price of consuming qty across
// the given levels, returning how much was actually fillable.
func walkWAP(levels []schema.BookLevel, qty float64) (wap, filled float64, ok bool) {
	if len(levels) == 0 || !finite(qty) || qty <= 0 {
		return 0, 0, false
	}
	remaining := qty
	var cost float64
	for _, lv := range levels {
		if remaining <= 0 {
			break
		}
		take := math.Min(remaining, lv.Qty)
		cost += take * lv.Price
		filled += take
		remaining -= take
	}
	if filled <= 0 || !finite(filled) || !finite(cost) {
		return 0, 0, false
	}
	return cost / filled, filled, true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
