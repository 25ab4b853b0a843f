package schema

// InstrumentKind is derived from venue metadata, never guessed.
type InstrumentKind uint16

const (
	KindUnknown InstrumentKind = iota
	KindPerpetual
	KindLinearFuture
	KindInverseFuture
	KindOption
)

func (k InstrumentKind) String() string {
	switch k {
	case KindPerpetual:
		return "perpetual"
	case KindLinearFuture:
		return "linear_future"
	case KindInverseFuture:
		return "inverse_future"
	case KindOption:
		return "option"
	default:
		return "unknown"
	}
}

// InstrumentMeta carries the venue constraints required to quantize an
// intent. It comes from the instrument metadata feed; a stale or missing
// read must surface to the builder, never be defaulted.
type InstrumentMeta struct {
	Instrument string
	Kind       InstrumentKind
	TickSize   float64
	AmountStep float64
	MinAmount  float64
	FetchedTs  int64
}

// OrderIntent is a fully specified, not-yet-dispatched order request.
// It is immutable once built: IntentID and Label are derived from the
// normalized (post-quantization) fields, so identical inputs always
// produce byte-identical identifiers.
type OrderIntent struct {
	IntentID   uint64
	Instrument string
	Side       Side
	OrderType  OrderType
	Class      IntentClass
	QtySteps   int64
	PriceTicks int64
	Qty        float64
	Price      float64
	GroupID    string
	LegIndex   uint32
	Label      string
	PostOnly   bool
	CreatedTs  int64
}
