package intent

import (
	"strings"
	"testing"

	"main/internal/obs"
	"main/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSignal() Signal {
	return Signal{
		Instrument: "BTC-PERPETUAL",
		Side:       schema.SideBuy,
		OrderType:  schema.OrderTypeLimit,
		Class:      schema.ClassOpen,
		RawQty:     25,
		RawPrice:   50000.7,
		GroupID:    "3f2b8c91-aaaa-bbbb-cccc-0123456789ab",
		LegIndex:   0,
	}
}

func TestBuildDeterministic(t *testing.T) {
	b := NewBuilder("basis-v1", obs.NewMetrics())
	sig := testSignal()

	first, err := b.Build(sig, btcMeta())
	require.NoError(t, err)
	second, err := b.Build(sig, btcMeta())
	require.NoError(t, err)

	assert.Equal(t, first.IntentID, second.IntentID)
	assert.Equal(t, first.Label, second.Label)
	assert.NotZero(t, first.IntentID)
}

func TestBuildPreQuantizeJitterIgnored(t *testing.T) {
	b := NewBuilder("basis-v1", obs.NewMetrics())
	sig := testSignal()

	first, err := b.Build(sig, btcMeta())
	require.NoError(t, err)

	// Jitter below one step/tick quantizes to the same integers and must
	// not change identity.
	sig.RawQty += 3
	sig.RawPrice -= 0.1
	second, err := b.Build(sig, btcMeta())
	require.NoError(t, err)

	assert.Equal(t, first.IntentID, second.IntentID)
	assert.Equal(t, first.Label, second.Label)
}

func TestBuildDistinctLegsDistinctIdentity(t *testing.T) {
	b := NewBuilder("basis-v1", obs.NewMetrics())
	sig := testSignal()

	leg0, err := b.Build(sig, btcMeta())
	require.NoError(t, err)
	sig.LegIndex = 1
	leg1, err := b.Build(sig, btcMeta())
	require.NoError(t, err)

	assert.NotEqual(t, leg0.IntentID, leg1.IntentID)
	assert.NotEqual(t, leg0.Label, leg1.Label)
}

func TestBuildInstrumentMismatchRejected(t *testing.T) {
	b := NewBuilder("basis-v1", obs.NewMetrics())
	sig := testSignal()
	sig.Instrument = "ETH-PERPETUAL"

	_, err := b.Build(sig, btcMeta())
	require.Error(t, err)
	assert.Equal(t, schema.ReasonInvalidInput, ReasonOf(err))
}

func TestBuildUnknownKindFailsClosed(t *testing.T) {
	b := NewBuilder("basis-v1", obs.NewMetrics())
	meta := btcMeta()
	meta.Kind = schema.KindUnknown

	_, err := b.Build(testSignal(), meta)
	require.Error(t, err)
	assert.Equal(t, schema.ReasonInstrumentMetadataMissing, ReasonOf(err))
}

func TestLabelRoundTrip(t *testing.T) {
	b := NewBuilder("basis-v1", obs.NewMetrics())
	built, err := b.Build(testSignal(), btcMeta())
	require.NoError(t, err)

	require.LessOrEqual(t, len(built.Label), LabelMaxLen)
	parsed, err := DecodeLabel(built.Label)
	require.NoError(t, err)
	assert.Equal(t, DeriveSID8("basis-v1"), parsed.SID8)
	assert.Equal(t, "3f2b8c91aaaa", parsed.GID12)
	assert.Equal(t, uint32(0), parsed.LegIndex)
	assert.Equal(t, FormatHash(built.IntentID), parsed.IH16)
}

func TestEncodeLabelTooLongNeverTruncates(t *testing.T) {
	long := strings.Repeat("a", 60)
	_, err := EncodeLabel(long, "bbbbbbbbbbbb", 0, strings.Repeat("c", 16))
	require.Error(t, err)
	assert.Equal(t, schema.ReasonLabelTooLong, ReasonOf(err))
}

func TestDecodeLabelRejectsForeign(t *testing.T) {
	_, err := DecodeLabel("manual-order-42")
	assert.ErrorIs(t, err, ErrLabelPrefix)

	_, err = DecodeLabel("s4:only:three")
	assert.ErrorIs(t, err, ErrLabelSegments)

	_, err = DecodeLabel("s4:aaaaaaaa:bbbbbbbbbbbb:x:cccccccccccccccc")
	assert.ErrorIs(t, err, ErrLabelLegIndex)
}

func TestBuildCountsOnlySuccesses(t *testing.T) {
	m := obs.NewMetrics()
	b := NewBuilder("basis-v1", m)

	_, err := b.Build(testSignal(), btcMeta())
	require.NoError(t, err)

	bad := testSignal()
	bad.Instrument = ""
	_, err = b.Build(bad, btcMeta())
	require.Error(t, err)

	assert.Equal(t, uint64(1), m.Snapshot().IntentsBuilt)
}
