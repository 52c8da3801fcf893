package wire

import (
	"errors"
	"math"
)

// Envelope tags. Every transport message starts with one of these bytes.
const (
	TagControl byte = 0x01 // JSON command or reply
	TagData    byte = 0x02 // u16 tag length, tag, binary frame
	TagCredit  byte = 0x03 // no body
)

var ErrBadEnvelope = errors.New("wire: malformed envelope")

// EncodeControl wraps a JSON body as a control message.
func EncodeControl(body []byte) []byte {
	buf := make([]byte, 0, 1+len(body))
	buf = append(buf, TagControl)
	return append(buf, body...)
}

// EncodeCredit is one unit of credit.
func EncodeCredit() []byte { return []byte{TagCredit} }

// EncodeData wraps a binary frame with its stream tag, e.g. "MOEX:GAZP".
func EncodeData(tag string, frame []byte) []byte {
	if len(tag) > math.MaxUint16 {
		tag = tag[:math.MaxUint16]
	}
	buf := make([]byte, 0, 3+len(tag)+len(frame))
	buf = append(buf, TagData)
	buf = le.AppendUint16(buf, uint16(len(tag)))
	buf = append(buf, tag...)
	return append(buf, frame...)
}

// DecodeData splits a data message into its tag and frame.
func DecodeData(msg []byte) (string, []byte, error) {
	if len(msg) < 3 || msg[0] != TagData {
		return "", nil, ErrBadEnvelope
	}
	n := int(le.Uint16(msg[1:]))
	if len(msg) < 3+n {
		return "", nil, ErrBadEnvelope
	}
	return string(msg[3 : 3+n]), msg[3+n:], nil
}
