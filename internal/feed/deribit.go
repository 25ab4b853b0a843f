package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"main/internal/schema"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"
)

const (
	_deribitBaseWsUrl     = "wss://www.deribit.com/ws/api/v2"
	_deribitBaseWsUrlTest = "wss://test.deribit.com/ws/api/v2"
)

type DeribitPub struct {
	wss    *ws.WebSocket
	nextID atomic.Int64
}

func NewDeribitPub(ctx context.Context) *DeribitPub {
	return &DeribitPub{
		wss: ws.New(ctx, _deribitBaseWsUrl),
	}
}

func (repo *DeribitPub) Len() int {
	return repo.wss.Len()
}

func (repo *DeribitPub) Close() {
	repo.wss.Close()
}

func (repo *DeribitPub) CloseWhenEmpty() bool {
	if repo.Len() == 0 {
		repo.Close()
		logs.Info("close websocket. reason: empty")
		return true
	}

	return false
}

func (repo *DeribitPub) StartWebsocket(ctx context.Context) error {
	if err := repo.wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start wss")
	}

	return nil
}

type DeribitRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type DeribitResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *DeribitError   `json:"error"`
}

type DeribitError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func responseParser(m ws.Message) (DeribitResponse, bool) {
	var resp DeribitResponse
	err := m.Unmarshal(&resp)
	return resp, err == nil
}

// SubscribeBook subscribes the raw change stream for one instrument.
// Every message carries change_id and prev_change_id, which the book
// assembly uses to detect dropped frames.
func (repo *DeribitPub) SubscribeBook(ctx context.Context, instrument string) error {
	appendIntoRegister := true
	reqID := repo.nextID.Add(1)
	channel := fmt.Sprintf("book.%s.100ms", instrument)
	if err := repo.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, ws *ws.WebSocket) error {
			payload := DeribitRequest{
				JSONRPC: "2.0",
				ID:      reqID,
				Method:  "public/subscribe",
				Params: map[string]any{
					"channels": []string{channel},
				},
			}

			if err := ws.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write subscribe payload").With("payload", payload)
			}

			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			resp, ok := responseParser(m)
			if !ok || resp.ID != reqID {
				return false, nil
			}

			if resp.Error != nil {
				return false, errors.Errorf("subscribe and wait, err: %+v", resp.Error)
			}
			return true, nil
		},
	}, appendIntoRegister); err != nil {
		return errors.Wrap(err, "send and wait")
	}

	return nil
}

// DeribitNotification is the subscription envelope.
type DeribitNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

// DeribitBook is one raw book frame. Type is "snapshot" for a full book
// and "change" for an incremental update chained by prev_change_id.
type DeribitBook struct {
	Type         string       `json:"type"`
	Timestamp    int64        `json:"timestamp"`
	Instrument   string       `json:"instrument_name"`
	ChangeID     uint64       `json:"change_id"`
	PrevChangeID uint64       `json:"prev_change_id"`
	Bids         []BookChange `json:"bids"`
	Asks         []BookChange `json:"asks"`
}

// BookChange is one level entry: ["new"|"change"|"delete", price, amount].
type BookChange struct {
	Action string
	Price  json.Number
	Amount json.Number
}

func (b *BookChange) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return errors.Errorf("book change entry has %d fields", len(raw))
	}
	if err := json.Unmarshal(raw[0], &b.Action); err != nil {
		return errors.Wrap(err, "book change action")
	}
	if err := json.Unmarshal(raw[1], &b.Price); err != nil {
		return errors.Wrap(err, "book change price")
	}
	if err := json.Unmarshal(raw[2], &b.Amount); err != nil {
		return errors.Wrap(err, "book change amount")
	}
	return nil
}

func (repo *DeribitPub) ObserveBook(ctx context.Context, handler func(d DeribitBook)) (unsubscribe func()) {
	ch, cancel := repo.wss.Subscribe()

	go func() {
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}

				resp, ok := ws.ReadMessage[DeribitNotification](m)
				if !ok || resp.Method != "subscription" {
					continue
				}
				if !strings.HasPrefix(resp.Params.Channel, "book.") {
					continue
				}

				var book DeribitBook
				if err := json.Unmarshal(resp.Params.Data, &book); err != nil {
					logs.Errorf("unmarshal book data, err: %+v", err)
					continue
				}

				handler(book)
			}
		}
	}()

	return cancel
}

// DeribitInstrument is the metadata payload of public/get_instrument.
type DeribitInstrument struct {
	InstrumentName      string      `json:"instrument_name"`
	Kind                string      `json:"kind"`
	SettlementPeriod    string      `json:"settlement_period"`
	InstrumentType      string      `json:"instrument_type"`
	TickSize            json.Number `json:"tick_size"`
	ContractSize        json.Number `json:"contract_size"`
	MinTradeAmount      json.Number `json:"min_trade_amount"`
	CreationTimestamp   int64       `json:"creation_timestamp"`
	ExpirationTimestamp int64       `json:"expiration_timestamp"`
	IsActive            bool        `json:"is_active"`
	QuoteCurrency       string      `json:"quote_currency"`
	SettlementCurrency  string      `json:"settlement_currency"`
	BaseCurrency        string      `json:"base_currency"`
}

// GetInstrument fetches venue metadata for one instrument.
func (repo *DeribitPub) GetInstrument(ctx context.Context, instrument string) (DeribitInstrument, error) {
	var out DeribitInstrument
	if err := repo.call(ctx, "public/get_instrument", map[string]any{
		"instrument_name": instrument,
	}, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Meta converts the venue payload into the builder's metadata shape.
// A field the venue omitted fails to parse, so incomplete metadata is
// never cached.
func (d DeribitInstrument) Meta(nowNs int64) (schema.InstrumentMeta, error) {
	tick, err := d.TickSize.Float64()
	if err != nil {
		return schema.InstrumentMeta{}, errors.Wrap(err, "tick size")
	}
	step, err := d.ContractSize.Float64()
	if err != nil {
		return schema.InstrumentMeta{}, errors.Wrap(err, "contract size")
	}
	minAmount, err := d.MinTradeAmount.Float64()
	if err != nil {
		return schema.InstrumentMeta{}, errors.Wrap(err, "min trade amount")
	}

	return schema.InstrumentMeta{
		Instrument: d.InstrumentName,
		Kind:       instrumentKind(d),
		TickSize:   tick,
		AmountStep: step,
		MinAmount:  minAmount,
		FetchedTs:  nowNs,
	}, nil
}

func instrumentKind(d DeribitInstrument) schema.InstrumentKind {
	switch d.Kind {
	case "future":
		if d.SettlementPeriod == "perpetual" {
			return schema.KindPerpetual
		}
		if d.InstrumentType == "linear" {
			return schema.KindLinearFuture
		}
		return schema.KindInverseFuture
	case "option":
		return schema.KindOption
	default:
		return schema.KindUnknown
	}
}
