package ledger

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/yanun0323/errors"
)

// Record framing: fixed header, JSON payload, CRC32-Castagnoli over
// header+payload. A torn tail (partial header, short payload, or bad
// checksum on the final record) is tolerated on replay; corruption in
// the middle of the file is not.
const (
	recordVersion      uint16 = 1
	recordHeaderSize          = 40
	recordChecksumSize        = 4

	maxPayloadLen = 1 << 20
)

var (
	recordMagic = [4]byte{'L', 'D', 'G', '1'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic         = errors.New("ledger invalid magic")
	ErrUnsupportedRecordVer = errors.New("ledger unsupported record version")
	ErrInvalidHeaderSize    = errors.New("ledger invalid header size")
	ErrPayloadTooLarge      = errors.New("ledger payload too large")
	ErrChecksumMismatch     = errors.New("ledger checksum mismatch")
)

func encodeHeader(dst []byte, header EventHeader, payloadLen int) {
	_ = dst[recordHeaderSize-1]
	copy(dst[0:4], recordMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], recordVersion)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(recordHeaderSize))
	binary.LittleEndian.PutUint16(dst[8:10], uint16(header.Type))
	binary.LittleEndian.PutUint16(dst[10:12], header.Flags)
	binary.LittleEndian.PutUint32(dst[12:16], uint32(payloadLen))
	binary.LittleEndian.PutUint64(dst[16:24], header.Seq)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(header.Ts))
	binary.LittleEndian.PutUint64(dst[32:40], header.IntentID)
}

func decodeHeader(src []byte) (EventHeader, uint32, error) {
	if len(src) < recordHeaderSize {
		return EventHeader{}, 0, ErrInvalidHeaderSize
	}
	if !bytes.Equal(src[0:4], recordMagic[:]) {
		return EventHeader{}, 0, ErrInvalidMagic
	}
	if ver := binary.LittleEndian.Uint16(src[4:6]); ver != recordVersion {
		return EventHeader{}, 0, ErrUnsupportedRecordVer
	}
	if size := binary.LittleEndian.Uint16(src[6:8]); size != recordHeaderSize {
		return EventHeader{}, 0, ErrInvalidHeaderSize
	}
	payloadLen := binary.LittleEndian.Uint32(src[12:16])
	h := EventHeader{
		Type:     EventType(binary.LittleEndian.Uint16(src[8:10])),
		Flags:    binary.LittleEndian.Uint16(src[10:12]),
		Seq:      binary.LittleEndian.Uint64(src[16:24]),
		Ts:       int64(binary.LittleEndian.Uint64(src[24:32])),
		IntentID: binary.LittleEndian.Uint64(src[32:40]),
	}
	return h, payloadLen, nil
}

func checksum(header, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}

// encodeRecord renders a full framed record into a single buffer so the
// append path issues one write.
func encodeRecord(header EventHeader, payload []byte) ([]byte, error) {
	if len(payload) > maxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, recordHeaderSize+len(payload)+recordChecksumSize)
	encodeHeader(buf[:recordHeaderSize], header, len(payload))
	copy(buf[recordHeaderSize:], payload)
	sum := checksum(buf[:recordHeaderSize], payload)
	binary.LittleEndian.PutUint32(buf[recordHeaderSize+len(payload):], sum)
	return buf, nil
}
