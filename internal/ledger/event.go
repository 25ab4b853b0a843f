package ledger

import (
	"main/internal/schema"
)

// EventType discriminates ledger payloads.
type EventType uint16

const (
	EventUnknown EventType = iota
	// EventIntent records a fully built intent before any dispatch.
	EventIntent
	// EventSent marks the durable point of no return before the network
	// write for an intent.
	EventSent
	// EventState records a lifecycle transition reported by the venue or
	// the reconciler.
	EventState
	// EventTrade records one venue trade applied to an intent.
	EventTrade
)

func (t EventType) String() string {
	switch t {
	case EventIntent:
		return "intent"
	case EventSent:
		return "sent"
	case EventState:
		return "state"
	case EventTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// EventHeader is the fixed-size prefix of every ledger record.
type EventHeader struct {
	Type     EventType
	Flags    uint16
	Seq      uint64
	Ts       int64
	IntentID uint64
}

type intentPayload struct {
	Instrument string  `json:"instrument"`
	Side       uint16  `json:"side"`
	OrderType  uint16  `json:"orderType"`
	Class      uint16  `json:"class"`
	QtySteps   int64   `json:"qtySteps"`
	PriceTicks int64   `json:"priceTicks"`
	Qty        float64 `json:"qty"`
	Price      float64 `json:"price"`
	GroupID    string  `json:"groupId,omitempty"`
	LegIndex   uint32  `json:"legIndex"`
	Label      string  `json:"label"`
	PostOnly   bool    `json:"postOnly,omitempty"`
	CreatedTs  int64   `json:"createdTs"`
}

type sentPayload struct {
	SentTs int64 `json:"sentTs"`
}

type statePayload struct {
	State     uint16  `json:"state"`
	OrderID   string  `json:"orderId,omitempty"`
	FilledQty float64 `json:"filledQty,omitempty"`
	AvgPrice  float64 `json:"avgPrice,omitempty"`
}

type tradePayload struct {
	TradeID string  `json:"tradeId"`
	Qty     float64 `json:"qty"`
	Price   float64 `json:"price"`
	TradeTs int64   `json:"tradeTs"`
}

func intentToPayload(in schema.OrderIntent) intentPayload {
	return intentPayload{
		Instrument: in.Instrument,
		Side:       uint16(in.Side),
		OrderType:  uint16(in.OrderType),
		Class:      uint16(in.Class),
		QtySteps:   in.QtySteps,
		PriceTicks: in.PriceTicks,
		Qty:        in.Qty,
		Price:      in.Price,
		GroupID:    in.GroupID,
		LegIndex:   in.LegIndex,
		Label:      in.Label,
		PostOnly:   in.PostOnly,
		CreatedTs:  in.CreatedTs,
	}
}

func payloadToIntent(id uint64, p intentPayload) schema.OrderIntent {
	return schema.OrderIntent{
		IntentID:   id,
		Instrument: p.Instrument,
		Side:       schema.Side(p.Side),
		OrderType:  schema.OrderType(p.OrderType),
		Class:      schema.IntentClass(p.Class),
		QtySteps:   p.QtySteps,
		PriceTicks: p.PriceTicks,
		Qty:        p.Qty,
		Price:      p.Price,
		GroupID:    p.GroupID,
		LegIndex:   p.LegIndex,
		Label:      p.Label,
		PostOnly:   p.PostOnly,
		CreatedTs:  p.CreatedTs,
	}
}
