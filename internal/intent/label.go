package intent

import (
	"fmt"
	"strconv"
	"strings"

	"main/internal/schema"

	"github.com/cespare/xxhash/v2"
	"github.com/yanun0323/errors"
)

// Labels give every outbound order an exchange-visible identity that
// survives a local crash. Format: s4:{sid8}:{gid12}:{leg}:{ih16} where
// sid8 is a strategy id hash prefix, gid12 a group id prefix, and ih16
// the full 16-hex intent hash.
const (
	labelPrefix = "s4"

	// LabelMaxLen is the venue limit for order labels. A computed label
	// over this length is a rejection; truncation would break recovery
	// matching and never happens.
	LabelMaxLen = 64
)

var (
	ErrLabelPrefix   = errors.New("label: missing s4 prefix")
	ErrLabelSegments = errors.New("label: wrong segment count")
	ErrLabelLegIndex = errors.New("label: invalid leg index")
)

// ParsedLabel holds the components of a decoded label.
type ParsedLabel struct {
	SID8     string
	GID12    string
	LegIndex uint32
	IH16     string
}

// EncodeLabel builds the outbound label from its components.
func EncodeLabel(sid8, gid12 string, legIndex uint32, ih16 string) (string, error) {
	label := fmt.Sprintf("%s:%s:%s:%d:%s", labelPrefix, sid8, gid12, legIndex, ih16)
	if len(label) > LabelMaxLen {
		return "", errors.Wrap(
			&QuantizeError{Reason: schema.ReasonLabelTooLong, Field: label},
			"encode label",
		)
	}
	return label, nil
}

// DecodeLabel parses a label back into its components. Used by the
// reconciler to recognize this system's orders on the exchange.
func DecodeLabel(label string) (ParsedLabel, error) {
	if !strings.HasPrefix(label, labelPrefix+":") {
		return ParsedLabel{}, ErrLabelPrefix
	}
	parts := strings.Split(label, ":")
	if len(parts) != 5 {
		return ParsedLabel{}, ErrLabelSegments
	}
	leg, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return ParsedLabel{}, ErrLabelLegIndex
	}
	return ParsedLabel{
		SID8:     parts[1],
		GID12:    parts[2],
		LegIndex: uint32(leg),
		IH16:     parts[4],
	}, nil
}

// DeriveSID8 hashes a strategy id down to its 8-hex label prefix.
func DeriveSID8(strategyID string) string {
	return FormatHash(xxhash.Sum64String(strategyID))[:8]
}

// DeriveGID12 strips dashes from a UUID group id and keeps the first
// 12 characters.
func DeriveGID12(groupID string) string {
	noDashes := strings.ReplaceAll(groupID, "-", "")
	if len(noDashes) > 12 {
		return noDashes[:12]
	}
	return noDashes
}
