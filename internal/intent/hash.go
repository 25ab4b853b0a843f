package intent

import (
	"encoding/binary"
	"fmt"

	"main/internal/schema"

	"github.com/cespare/xxhash/v2"
)

// HashInput is the set of normalized fields that identify an intent.
// Only quantized integer values participate; raw floats and wall-clock
// timestamps are excluded so repeated builds of the same signal hash
// identically across processes and restarts.
type HashInput struct {
	Instrument string
	Side       schema.Side
	QtySteps   int64
	PriceTicks int64
	GroupID    string
	LegIndex   uint32
}

// Hash computes the deterministic intent identifier. Fields are joined
// with a 0xFF separator, which cannot appear in UTF-8 text, so no two
// distinct inputs can collapse to the same byte stream.
func Hash(in HashInput) uint64 {
	buf := make([]byte, 0, 128)

	buf = append(buf, in.Instrument...)
	buf = append(buf, 0xFF)
	buf = append(buf, in.Side.String()...)
	buf = append(buf, 0xFF)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(in.QtySteps))
	buf = append(buf, 0xFF)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(in.PriceTicks))
	buf = append(buf, 0xFF)
	buf = append(buf, in.GroupID...)
	buf = append(buf, 0xFF)
	buf = binary.LittleEndian.AppendUint32(buf, in.LegIndex)

	return xxhash.Sum64(buf)
}

// FormatHash renders an intent hash as 16 lowercase hex characters.
func FormatHash(h uint64) string {
	return fmt.Sprintf("%016x", h)
}
