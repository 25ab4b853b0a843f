package gate

// Step names a gate in the pipeline. The evaluation order is part of the
// dispatch contract; reordering gates is a behavior change, not a
// refactor.
type Step uint16

const (
	StepPreflight Step = iota
	StepQuantize
	StepLiquidity
	StepNetEdge
	StepRiskState
	StepDispatchAuth
	StepRecordedBeforeDispatch
)

func (s Step) String() string {
	switch s {
	case StepPreflight:
		return "preflight"
	case StepQuantize:
		return "quantize"
	case StepLiquidity:
		return "liquidity"
	case StepNetEdge:
		return "net_edge"
	case StepRiskState:
		return "risk_state"
	case StepDispatchAuth:
		return "dispatch_auth"
	case StepRecordedBeforeDispatch:
		return "recorded_before_dispatch"
	default:
		return "unknown"
	}
}
