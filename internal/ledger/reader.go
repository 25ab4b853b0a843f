package ledger

import (
	"bufio"
	"encoding/binary"
	"io"
)

// reader decodes framed ledger records sequentially, tracking the byte
// offset of the end of the last fully valid record so a torn tail can be
// truncated.
type reader struct {
	r         *bufio.Reader
	headerBuf []byte
	payload   []byte
	validTo   int64
}

func newReader(r io.Reader) *reader {
	return &reader{
		r:         bufio.NewReader(r),
		headerBuf: make([]byte, recordHeaderSize),
	}
}

// next returns the next record. The payload slice is only valid until
// the following call. io.EOF marks a clean end; any other error marks
// the first unreadable byte at offset validTo.
func (r *reader) next() (EventHeader, []byte, error) {
	n, err := io.ReadFull(r.r, r.headerBuf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return EventHeader{}, nil, io.EOF
		}
		return EventHeader{}, nil, io.ErrUnexpectedEOF
	}

	header, payloadLen, err := decodeHeader(r.headerBuf)
	if err != nil {
		return EventHeader{}, nil, err
	}
	if payloadLen > maxPayloadLen {
		return EventHeader{}, nil, ErrPayloadTooLarge
	}

	if payloadLen > 0 {
		if cap(r.payload) < int(payloadLen) {
			r.payload = make([]byte, payloadLen)
		}
		r.payload = r.payload[:payloadLen]
		if _, err := io.ReadFull(r.r, r.payload); err != nil {
			return EventHeader{}, nil, io.ErrUnexpectedEOF
		}
	} else {
		r.payload = r.payload[:0]
	}

	var checksumBuf [recordChecksumSize]byte
	if _, err := io.ReadFull(r.r, checksumBuf[:]); err != nil {
		return EventHeader{}, nil, io.ErrUnexpectedEOF
	}
	if binary.LittleEndian.Uint32(checksumBuf[:]) != checksum(r.headerBuf, r.payload) {
		return EventHeader{}, nil, ErrChecksumMismatch
	}

	r.validTo += int64(recordHeaderSize + len(r.payload) + recordChecksumSize)
	return header, r.payload, nil
}
