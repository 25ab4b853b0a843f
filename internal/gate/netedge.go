package gate

import (
	"main/internal/schema"
)

// EdgeInput carries the profitability estimate for an intent. Pointer
// fields distinguish "absent" from zero; every field must be present and
// finite or the gate fails closed.
type EdgeInput struct {
	GrossEdgeUSD        *float64
	FeeUSD              *float64
	ExpectedSlippageUSD *float64
	MinEdgeUSD          *float64
}

// netEdge enforces net_edge = gross - fee - slippage >= min_edge. It is
// policy-tier: the pipeline only runs it for exposure-increasing intents,
// so a missing fee estimate can never strand an emergency close.
func netEdge(edge EdgeInput) schema.RejectReason {
	gross, ok := present(edge.GrossEdgeUSD)
	if !ok {
		return schema.ReasonNetEdgeInputMissing
	}
	fee, ok := present(edge.FeeUSD)
	if !ok {
		return schema.ReasonNetEdgeInputMissing
	}
	slippage, ok := present(edge.ExpectedSlippageUSD)
	if !ok {
		return schema.ReasonNetEdgeInputMissing
	}
	minEdge, ok := present(edge.MinEdgeUSD)
	if !ok {
		return schema.ReasonNetEdgeInputMissing
	}

	net := gross - fee - slippage
	if !finite(net) || net < minEdge {
		return schema.ReasonNetEdgeTooLow
	}
	return schema.ReasonNone
}

func present(v *float64) (float64, bool) {
	if v == nil || !finite(*v) {
		return 0, false
	}
	return *v, true
}
