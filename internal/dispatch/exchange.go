package dispatch

import (
	"context"

	"main/internal/schema"
)

// PlaceRequest is the venue-facing order payload. Quantity may be the
// gate-clamped size rather than the intent's full size.
type PlaceRequest struct {
	Instrument string
	Side       schema.Side
	Qty        float64
	Price      float64
	PostOnly   bool
	Label      string
}

// PlaceResult is the venue's synchronous answer to a placement.
type PlaceResult struct {
	OrderID   string
	State     schema.LifecycleState
	FilledQty float64
	AvgPrice  float64
}

// OpenOrder is one live order reported by the venue.
type OpenOrder struct {
	OrderID    string
	Instrument string
	Label      string
	Side       schema.Side
	Qty        float64
	Price      float64
	FilledQty  float64
}

// Trade is one execution reported by the venue. TradeID is the venue's
// unique id and drives exactly-once application.
type Trade struct {
	TradeID    string
	OrderID    string
	Label      string
	Instrument string
	Side       schema.Side
	Qty        float64
	Price      float64
	Ts         int64
}

// Exchange is the venue order/trade API. Every call must respect the
// context deadline; a timeout is reported as an error and the caller
// treats the outcome as ambiguous, never as "did not happen".
type Exchange interface {
	PlaceOrder(ctx context.Context, req PlaceRequest) (PlaceResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	OpenOrders(ctx context.Context, instrument string) ([]OpenOrder, error)
	TradeHistory(ctx context.Context, instrument string, sinceTs int64) ([]Trade, error)
}
