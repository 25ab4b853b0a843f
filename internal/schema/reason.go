package schema

// RejectReason is the closed registry of pre-dispatch rejection causes.
// Every safety-relevant rejection carries exactly one of these codes;
// there is no free-text rejection path.
type RejectReason uint16

const (
	ReasonNone RejectReason = iota
	ReasonInvalidInput
	ReasonInstrumentMetadataMissing
	ReasonTooSmallAfterQuantization
	ReasonOrderTypeMarketForbidden
	ReasonOrderTypeStopForbidden
	ReasonLinkedOrderTypeForbidden
	ReasonPostOnlyWouldCross
	ReasonLiquidityGateNoBook
	ReasonExpectedSlippageTooHigh
	ReasonNetEdgeTooLow
	ReasonNetEdgeInputMissing
	ReasonRiskStateNotHealthy
	ReasonTradingModeRestricted
	ReasonOpenLatchSet
	ReasonLedgerAppendFailed
	ReasonLabelTooLong

	reasonMax = ReasonLabelTooLong
)

// ReasonCount is the size of the closed reason registry, for counter arrays.
const ReasonCount = int(reasonMax) + 1

func (r RejectReason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonInvalidInput:
		return "InvalidInput"
	case ReasonInstrumentMetadataMissing:
		return "InstrumentMetadataMissing"
	case ReasonTooSmallAfterQuantization:
		return "TooSmallAfterQuantization"
	case ReasonOrderTypeMarketForbidden:
		return "OrderTypeMarketForbidden"
	case ReasonOrderTypeStopForbidden:
		return "OrderTypeStopForbidden"
	case ReasonLinkedOrderTypeForbidden:
		return "LinkedOrderTypeForbidden"
	case ReasonPostOnlyWouldCross:
		return "PostOnlyWouldCross"
	case ReasonLiquidityGateNoBook:
		return "LiquidityGateNoBook"
	case ReasonExpectedSlippageTooHigh:
		return "ExpectedSlippageTooHigh"
	case ReasonNetEdgeTooLow:
		return "NetEdgeTooLow"
	case ReasonNetEdgeInputMissing:
		return "NetEdgeInputMissing"
	case ReasonRiskStateNotHealthy:
		return "RiskStateNotHealthy"
	case ReasonTradingModeRestricted:
		return "TradingModeRestricted"
	case ReasonOpenLatchSet:
		return "OpenLatchSet"
	case ReasonLedgerAppendFailed:
		return "LedgerAppendFailed"
	case ReasonLabelTooLong:
		return "LabelTooLong"
	default:
		return "Unknown"
	}
}
