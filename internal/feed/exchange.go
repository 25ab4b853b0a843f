package feed

import (
	"context"
	"encoding/json"

	"main/internal/dispatch"
	"main/internal/schema"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/pkg/ws"
)

// Credentials authenticate the private API session.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// call performs one JSON-RPC request and decodes the result.
func (repo *DeribitPub) call(ctx context.Context, method string, params any, out any) error {
	reqID := repo.nextID.Add(1)
	if err := repo.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, ws *ws.WebSocket) error {
			payload := DeribitRequest{
				JSONRPC: "2.0",
				ID:      reqID,
				Method:  method,
				Params:  params,
			}

			if err := ws.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write rpc payload").With("method", method)
			}

			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			resp, ok := responseParser(m)
			if !ok || resp.ID != reqID {
				return false, nil
			}

			if resp.Error != nil {
				return false, errors.Errorf("%s, err: %+v", method, resp.Error)
			}
			if out != nil {
				if err := json.Unmarshal(resp.Result, out); err != nil {
					return false, errors.Wrap(err, "unmarshal rpc result")
				}
			}
			return true, nil
		},
	}); err != nil {
		return errors.Wrap(err, "send and wait")
	}

	return nil
}

// Authenticate opens the private API session on this connection.
func (repo *DeribitPub) Authenticate(ctx context.Context, creds Credentials) error {
	return repo.call(ctx, "public/auth", map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     creds.ClientID,
		"client_secret": creds.ClientSecret,
	}, nil)
}

type deribitOrder struct {
	OrderID        string      `json:"order_id"`
	OrderState     string      `json:"order_state"`
	InstrumentName string      `json:"instrument_name"`
	Direction      string      `json:"direction"`
	Label          string      `json:"label"`
	Amount         json.Number `json:"amount"`
	FilledAmount   json.Number `json:"filled_amount"`
	Price          json.Number `json:"price"`
	AveragePrice   json.Number `json:"average_price"`
}

type deribitTrade struct {
	TradeID        string      `json:"trade_id"`
	OrderID        string      `json:"order_id"`
	Label          string      `json:"label"`
	InstrumentName string      `json:"instrument_name"`
	Direction      string      `json:"direction"`
	Amount         json.Number `json:"amount"`
	Price          json.Number `json:"price"`
	Timestamp      int64       `json:"timestamp"`
}

// PlaceOrder submits one limit order and maps the synchronous answer.
func (repo *DeribitPub) PlaceOrder(ctx context.Context, req dispatch.PlaceRequest) (dispatch.PlaceResult, error) {
	method := "private/buy"
	if req.Side == schema.SideSell {
		method = "private/sell"
	}

	var result struct {
		Order deribitOrder `json:"order"`
	}
	if err := repo.call(ctx, method, map[string]any{
		"instrument_name": req.Instrument,
		"amount":          req.Qty,
		"price":           req.Price,
		"type":            "limit",
		"label":           req.Label,
		"post_only":       req.PostOnly,
	}, &result); err != nil {
		return dispatch.PlaceResult{}, err
	}

	filled := numberOr(result.Order.FilledAmount, 0)
	return dispatch.PlaceResult{
		OrderID:   result.Order.OrderID,
		State:     orderLifecycle(result.Order.OrderState, filled),
		FilledQty: filled,
		AvgPrice:  numberOr(result.Order.AveragePrice, 0),
	}, nil
}

// CancelOrder cancels one order by venue id.
func (repo *DeribitPub) CancelOrder(ctx context.Context, orderID string) error {
	return repo.call(ctx, "private/cancel", map[string]any{
		"order_id": orderID,
	}, nil)
}

// OpenOrders lists the live orders on one instrument.
func (repo *DeribitPub) OpenOrders(ctx context.Context, instrument string) ([]dispatch.OpenOrder, error) {
	var orders []deribitOrder
	if err := repo.call(ctx, "private/get_open_orders_by_instrument", map[string]any{
		"instrument_name": instrument,
	}, &orders); err != nil {
		return nil, err
	}

	out := make([]dispatch.OpenOrder, 0, len(orders))
	for _, order := range orders {
		out = append(out, dispatch.OpenOrder{
			OrderID:    order.OrderID,
			Instrument: order.InstrumentName,
			Label:      order.Label,
			Side:       sideOf(order.Direction),
			Qty:        numberOr(order.Amount, 0),
			Price:      numberOr(order.Price, 0),
			FilledQty:  numberOr(order.FilledAmount, 0),
		})
	}
	return out, nil
}

// TradeHistory lists executions on one instrument since a venue
// timestamp in milliseconds.
func (repo *DeribitPub) TradeHistory(ctx context.Context, instrument string, sinceTs int64) ([]dispatch.Trade, error) {
	var result struct {
		Trades []deribitTrade `json:"trades"`
	}
	if err := repo.call(ctx, "private/get_user_trades_by_instrument_and_time", map[string]any{
		"instrument_name": instrument,
		"start_timestamp": sinceTs,
		"count":           1000,
		"sorting":         "asc",
	}, &result); err != nil {
		return nil, err
	}

	out := make([]dispatch.Trade, 0, len(result.Trades))
	for _, trade := range result.Trades {
		out = append(out, dispatch.Trade{
			TradeID:    trade.TradeID,
			OrderID:    trade.OrderID,
			Label:      trade.Label,
			Instrument: trade.InstrumentName,
			Side:       sideOf(trade.Direction),
			Qty:        numberOr(trade.Amount, 0),
			Price:      numberOr(trade.Price, 0),
			Ts:         trade.Timestamp,
		})
	}
	return out, nil
}

// orderLifecycle maps a venue order state. Unknown states stay
// non-terminal so reconciliation settles them instead of this mapping
// guessing a terminal outcome.
func orderLifecycle(state string, filled float64) schema.LifecycleState {
	switch state {
	case "open":
		if filled > 0 {
			return schema.StatePartFilled
		}
		return schema.StateAcked
	case "filled":
		return schema.StateFilled
	case "rejected":
		return schema.StateRejected
	case "cancelled":
		return schema.StateCancelled
	default:
		return schema.StateAcked
	}
}

func sideOf(direction string) schema.Side {
	if direction == "sell" {
		return schema.SideSell
	}
	return schema.SideBuy
}

// numberOr parses a venue number, tolerating absent fields.
func numberOr(n json.Number, fallback float64) float64 {
	if n == "" {
		return fallback
	}
	v, err := n.Float64()
	if err != nil {
		return fallback
	}
	return v
}
