package ledger

import (
	"context"

	"main/pkg/conn"

	"github.com/yanun0323/errors"
	"gorm.io/gorm/clause"
)

// ArchivedIntent is the relational projection of a terminal ledger
// record. The file ledger stays authoritative; the archive exists for
// offline analysis and compacting old segments.
type ArchivedIntent struct {
	IntentID   uint64  `gorm:"primaryKey;column:intent_id"`
	Instrument string  `gorm:"column:instrument;index"`
	Side       string  `gorm:"column:side"`
	Class      string  `gorm:"column:class"`
	Label      string  `gorm:"column:label;uniqueIndex"`
	GroupID    string  `gorm:"column:group_id;index"`
	LegIndex   uint32  `gorm:"column:leg_index"`
	Qty        float64 `gorm:"column:qty"`
	Price      float64 `gorm:"column:price"`
	State      string  `gorm:"column:state"`
	FilledQty  float64 `gorm:"column:filled_qty"`
	AvgPrice   float64 `gorm:"column:avg_price"`
	SentTs     int64   `gorm:"column:sent_ts"`
	CreatedTs  int64   `gorm:"column:created_ts"`
	UpdatedTs  int64   `gorm:"column:updated_ts"`
}

func (ArchivedIntent) TableName() string {
	return "archived_intents"
}

// Archive copies terminal records into PostgreSQL.
type Archive struct {
	client *conn.Client
}

// NewArchive connects and migrates the archive table.
func NewArchive(ctx context.Context, opt conn.Option) (*Archive, error) {
	client, err := conn.New(opt)
	if err != nil {
		return nil, errors.Wrap(err, "connect archive database")
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping archive database")
	}
	if err := client.DB().AutoMigrate(&ArchivedIntent{}); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "migrate archive schema")
	}
	return &Archive{client: client}, nil
}

// Store upserts one terminal record. Re-archiving the same intent after
// a crash overwrites with identical data, so the operation is safe to
// repeat.
func (a *Archive) Store(ctx context.Context, rec Record) error {
	if !rec.State.IsTerminal() {
		return errors.New("archive non-terminal record")
	}
	row := ArchivedIntent{
		IntentID:   rec.Intent.IntentID,
		Instrument: rec.Intent.Instrument,
		Side:       rec.Intent.Side.String(),
		Class:      rec.Intent.Class.String(),
		Label:      rec.Intent.Label,
		GroupID:    rec.Intent.GroupID,
		LegIndex:   rec.Intent.LegIndex,
		Qty:        rec.Intent.Qty,
		Price:      rec.Intent.Price,
		State:      rec.State.String(),
		FilledQty:  rec.FilledQty,
		AvgPrice:   rec.AvgPrice,
		SentTs:     rec.SentTs,
		CreatedTs:  rec.Intent.CreatedTs,
		UpdatedTs:  rec.UpdatedTs,
	}
	err := a.client.DB().WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	return errors.Wrap(err, "store archived intent")
}

// SweepTerminal archives every terminal record currently in the ledger.
func (a *Archive) SweepTerminal(ctx context.Context, l *Ledger) error {
	var sweepErr error
	l.Range(func(rec Record) bool {
		if !rec.State.IsTerminal() {
			return true
		}
		if err := a.Store(ctx, rec); err != nil {
			sweepErr = err
			return false
		}
		return true
	})
	return sweepErr
}

// Close releases the database pool.
func (a *Archive) Close() error {
	return a.client.Close()
}
