package ledger

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"main/internal/obs"
	"main/internal/schema"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var (
	ErrDuplicateIntent     = errors.New("ledger duplicate intent")
	ErrUnknownIntent       = errors.New("ledger unknown intent")
	ErrAlreadySent         = errors.New("ledger intent already sent")
	ErrConflictingTerminal = errors.New("ledger conflicting terminal states")
	ErrClosed              = errors.New("ledger closed")
	ErrUnknownEventType    = errors.New("ledger unknown event type")
)

// Record is the ledger's view of one intent through its lifecycle.
type Record struct {
	Intent    schema.OrderIntent
	State     schema.LifecycleState
	SentTs    int64
	OrderID   string
	FilledQty float64
	AvgPrice  float64
	UpdatedTs int64
}

// Sent reports whether a network send may have occurred. sent_ts is
// written before the wire call, so unset means no exchange contact.
func (r Record) Sent() bool {
	return r.SentTs != 0
}

// RecoveryReport classifies replayed records for startup.
type RecoveryReport struct {
	// Unsent holds intents never marked sent: no exchange contact
	// occurred. Each is eligible for exactly one send attempt, and only
	// after reconciliation confirms its label is absent on the exchange.
	Unsent []uint64
	// Reconcile holds intents marked sent without a terminal state; the
	// reconciler must resolve them against the exchange before any new
	// dispatch.
	Reconcile []uint64
	// Terminal is the count of records needing no action.
	Terminal int
}

// Ledger is the append-only durable intent store. Every mutation is a
// framed record written and fsynced before the in-memory state changes;
// replaying the file on open rebuilds exactly the same state.
type Ledger struct {
	mu      sync.Mutex
	f       *os.File
	closed  bool
	seq     uint64
	records map[uint64]*Record
	byLabel map[string]uint64
	trades  map[string]uint64
	metrics *obs.Metrics
	now     func() time.Time
}

// Open replays the ledger file at path (creating it if absent) and
// returns the ledger ready for appends. A torn final record is truncated
// away; a semantic conflict in the history is returned as
// ErrConflictingTerminal and the caller must not trade.
func Open(path string, metrics *obs.Metrics) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger file")
	}

	l := &Ledger{
		f:       f,
		records: make(map[uint64]*Record),
		byLabel: make(map[string]uint64),
		trades:  make(map[string]uint64),
		metrics: metrics,
		now:     time.Now,
	}

	if err := l.replay(); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "seek ledger tail")
	}
	return l, nil
}

func (l *Ledger) replay() error {
	r := newReader(l.f)
	for {
		header, payload, err := r.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Structural damage: everything after the last valid record
			// is a torn tail from an interrupted append.
			logs.Errorf("ledger replay stopped at byte %d: %v, truncating tail", r.validTo, err)
			if terr := l.f.Truncate(r.validTo); terr != nil {
				return errors.Wrap(terr, "truncate ledger tail")
			}
			return nil
		}
		if l.seq < header.Seq {
			l.seq = header.Seq
		}
		if aerr := l.apply(header, payload); aerr != nil {
			return aerr
		}
	}
}

// apply reduces one event into the in-memory state. Used identically by
// replay and by live appends after their durable write.
func (l *Ledger) apply(header EventHeader, payload []byte) error {
	switch header.Type {
	case EventIntent:
		var p intentPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return errors.Wrap(err, "decode intent payload")
		}
		if _, ok := l.records[header.IntentID]; ok {
			return errors.Wrap(ErrDuplicateIntent, "apply intent event")
		}
		in := payloadToIntent(header.IntentID, p)
		l.records[header.IntentID] = &Record{
			Intent:    in,
			State:     schema.StateCreated,
			UpdatedTs: header.Ts,
		}
		l.byLabel[in.Label] = header.IntentID

	case EventSent:
		var p sentPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return errors.Wrap(err, "decode sent payload")
		}
		rec, ok := l.records[header.IntentID]
		if !ok {
			return errors.Wrap(ErrUnknownIntent, "apply sent event")
		}
		if rec.SentTs == 0 {
			rec.SentTs = p.SentTs
		}
		if rec.State == schema.StateCreated {
			rec.State = schema.StateSent
		}
		rec.UpdatedTs = header.Ts

	case EventState:
		var p statePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return errors.Wrap(err, "decode state payload")
		}
		rec, ok := l.records[header.IntentID]
		if !ok {
			return errors.Wrap(ErrUnknownIntent, "apply state event")
		}
		next := schema.LifecycleState(p.State)
		if rec.State.IsTerminal() {
			if next == rec.State {
				return nil
			}
			if next.IsTerminal() {
				return errors.Wrap(ErrConflictingTerminal, "apply state event")
			}
			// A non-terminal update after a terminal state is stale venue
			// noise and is dropped.
			return nil
		}
		rec.State = next
		if p.OrderID != "" {
			rec.OrderID = p.OrderID
		}
		if p.FilledQty > 0 {
			rec.FilledQty = p.FilledQty
		}
		if p.AvgPrice > 0 {
			rec.AvgPrice = p.AvgPrice
		}
		rec.UpdatedTs = header.Ts

	case EventTrade:
		var p tradePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return errors.Wrap(err, "decode trade payload")
		}
		if _, seen := l.trades[p.TradeID]; seen {
			return nil
		}
		rec, ok := l.records[header.IntentID]
		if !ok {
			return errors.Wrap(ErrUnknownIntent, "apply trade event")
		}
		l.trades[p.TradeID] = header.IntentID
		applyFill(rec, p.Qty, p.Price)
		rec.UpdatedTs = header.Ts

	default:
		return errors.Wrapf(ErrUnknownEventType, "type %d", header.Type)
	}
	return nil
}

func applyFill(rec *Record, qty, price float64) {
	total := rec.FilledQty + qty
	if total > 0 {
		rec.AvgPrice = (rec.AvgPrice*rec.FilledQty + price*qty) / total
	}
	rec.FilledQty = total
	if rec.FilledQty+1e-12 >= rec.Intent.Qty {
		rec.State = schema.StateFilled
	} else if rec.State == schema.StateSent || rec.State == schema.StateAcked || rec.State == schema.StatePartFilled {
		rec.State = schema.StatePartFilled
	}
}

// append encodes, writes, and fsyncs one event, then reduces it into
// memory. The fsync is the durability barrier the dispatch path relies
// on: when append returns nil the event survives a crash.
func (l *Ledger) append(t EventType, intentID uint64, payload any) error {
	if l.closed {
		return ErrClosed
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode ledger payload")
	}
	l.seq++
	header := EventHeader{
		Type:     t,
		Seq:      l.seq,
		Ts:       l.now().UnixNano(),
		IntentID: intentID,
	}
	buf, err := encodeRecord(header, raw)
	if err != nil {
		return err
	}
	if _, err := l.f.Write(buf); err != nil {
		l.metrics.IncLedgerAppendErr()
		return errors.Wrap(err, "write ledger record")
	}
	if err := l.f.Sync(); err != nil {
		l.metrics.IncLedgerAppendErr()
		return errors.Wrap(err, "sync ledger")
	}
	l.metrics.IncLedgerAppend()
	return l.apply(header, raw)
}

// RecordIntent durably stores a new intent in Created state. A second
// append under the same intent id is rejected.
func (l *Ledger) RecordIntent(in schema.OrderIntent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[in.IntentID]; ok {
		return ErrDuplicateIntent
	}
	return l.append(EventIntent, in.IntentID, intentToPayload(in))
}

// MarkSent durably records that a network send is about to happen. It
// must return nil before any wire call; ambiguity afterwards is always
// resolved as "possibly sent". The check and the append share the
// ledger lock, so exactly one of two racing senders wins; the loser
// gets ErrAlreadySent and must not touch the wire.
func (l *Ledger) MarkSent(intentID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[intentID]
	if !ok {
		return ErrUnknownIntent
	}
	if rec.SentTs != 0 {
		return ErrAlreadySent
	}
	return l.append(EventSent, intentID, sentPayload{SentTs: l.now().UnixNano()})
}

// Transition durably records a lifecycle state change.
func (l *Ledger) Transition(intentID uint64, state schema.LifecycleState, orderID string, filledQty, avgPrice float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[intentID]
	if !ok {
		return ErrUnknownIntent
	}
	if rec.State.IsTerminal() && state.IsTerminal() && state != rec.State {
		return ErrConflictingTerminal
	}
	return l.append(EventState, intentID, statePayload{
		State:     uint16(state),
		OrderID:   orderID,
		FilledQty: filledQty,
		AvgPrice:  avgPrice,
	})
}

// ApplyTrade records a venue trade exactly once. A duplicate trade id is
// a no-op and reports applied=false.
func (l *Ledger) ApplyTrade(intentID uint64, tradeID string, qty, price float64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.trades[tradeID]; seen {
		l.metrics.IncTradeDuplicate()
		return false, nil
	}
	if _, ok := l.records[intentID]; !ok {
		return false, ErrUnknownIntent
	}
	if err := l.append(EventTrade, intentID, tradePayload{
		TradeID: tradeID,
		Qty:     qty,
		Price:   price,
		TradeTs: l.now().UnixNano(),
	}); err != nil {
		return false, err
	}
	l.metrics.IncTradeApplied()
	return true, nil
}

// SeenTrade reports whether a trade id has already been applied.
func (l *Ledger) SeenTrade(tradeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, seen := l.trades[tradeID]
	return seen
}

// Get returns a copy of the record for an intent.
func (l *Ledger) Get(intentID uint64) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[intentID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// GetByLabel returns a copy of the record carrying the given label.
func (l *Ledger) GetByLabel(label string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.byLabel[label]
	if !ok {
		return Record{}, false
	}
	rec, ok := l.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// NetExposure sums filled quantity per instrument, buys positive and
// sells negative. It is the fill-derived position, not a venue query,
// so it is available even when the venue is unreachable.
func (l *Ledger) NetExposure(instrument string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var net float64
	for _, rec := range l.records {
		if rec.Intent.Instrument != instrument || rec.FilledQty == 0 {
			continue
		}
		if rec.Intent.Side == schema.SideSell {
			net -= rec.FilledQty
			continue
		}
		net += rec.FilledQty
	}
	return net
}

// CashFlow sums signed fill notionals across all instruments, sells
// positive and buys negative. Combined with marked exposure it yields
// the fill-derived equity.
func (l *Ledger) CashFlow() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var flow float64
	for _, rec := range l.records {
		if rec.FilledQty == 0 || rec.AvgPrice == 0 {
			continue
		}
		notional := rec.FilledQty * rec.AvgPrice
		if rec.Intent.Side == schema.SideSell {
			flow += notional
			continue
		}
		flow -= notional
	}
	return flow
}

// Range calls fn with a copy of every record until fn returns false.
func (l *Ledger) Range(fn func(Record) bool) {
	l.mu.Lock()
	snapshot := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		snapshot = append(snapshot, *rec)
	}
	l.mu.Unlock()
	for _, rec := range snapshot {
		if !fn(rec) {
			return
		}
	}
}

// Classify buckets every record for startup recovery.
func (l *Ledger) Classify() RecoveryReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	var report RecoveryReport
	for id, rec := range l.records {
		switch {
		case rec.State.IsTerminal():
			report.Terminal++
		case !rec.Sent():
			report.Unsent = append(report.Unsent, id)
		default:
			report.Reconcile = append(report.Reconcile, id)
		}
	}
	return report
}

// Close syncs and closes the underlying file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return errors.Wrap(err, "sync ledger on close")
	}
	return l.f.Close()
}
