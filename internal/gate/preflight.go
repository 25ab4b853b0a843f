package gate

import (
	"main/internal/schema"
)

// preflight rejects order shapes the venue path never dispatches:
// market orders, stop/trigger orders, linked orders (unless the config
// capability allows them), and post-only limits that would cross the
// touch. Violations are hard rejects; the engine never tries anyway.
func preflight(req Request, allowLinked bool) schema.RejectReason {
	switch req.Intent.OrderType {
	case schema.OrderTypeMarket:
		return schema.ReasonOrderTypeMarketForbidden
	case schema.OrderTypeStopMarket, schema.OrderTypeStopLimit:
		return schema.ReasonOrderTypeStopForbidden
	case schema.OrderTypeLimit:
	default:
		return schema.ReasonInvalidInput
	}
	if req.HasTrigger {
		return schema.ReasonOrderTypeStopForbidden
	}
	if req.LinkedOrderType != "" && !allowLinked {
		return schema.ReasonLinkedOrderTypeForbidden
	}
	if req.Intent.PostOnly {
		if reason := postOnlyCross(req); reason != schema.ReasonNone {
			return reason
		}
	}
	return schema.ReasonNone
}

// postOnlyCross checks a post-only limit against the opposing touch.
// A buy at or above the best ask (or a sell at or below the best bid)
// would execute as a taker, which post-only forbids.
func postOnlyCross(req Request) schema.RejectReason {
	book, ok := req.Book()
	if !ok {
		// Without a touch to compare against the order cannot be proven
		// passive, and post-only fails closed.
		return schema.ReasonPostOnlyWouldCross
	}
	touch, ok := book.BestPrice(req.Intent.Side)
	if !ok {
		return schema.ReasonPostOnlyWouldCross
	}
	price := req.Intent.Price
	if req.Intent.Side == schema.SideBuy && price >= touch {
		return schema.ReasonPostOnlyWouldCross
	}
	if req.Intent.Side == schema.SideSell && price <= touch {
		return schema.ReasonPostOnlyWouldCross
	}
	return schema.ReasonNone
}

// validateQuantized re-checks the builder's normalized output at the
// pipeline boundary. The builder is the only constructor, but the gate
// order contract treats its output as untrusted until validated.
func validateQuantized(in schema.OrderIntent) schema.RejectReason {
	if in.IntentID == 0 || in.Label == "" {
		return schema.ReasonInvalidInput
	}
	if in.QtySteps <= 0 || in.Qty <= 0 {
		return schema.ReasonTooSmallAfterQuantization
	}
	if in.Price <= 0 || in.PriceTicks <= 0 {
		return schema.ReasonInvalidInput
	}
	return schema.ReasonNone
}
