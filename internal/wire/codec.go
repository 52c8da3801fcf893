// Package wire encodes observations into the binary frames streamed to
// peers. All integers are little-endian.
//
//	candle: u32 type=2, u64 ts, u32 usec=0, u32 content=1,
//	        4 x (i64 int, i32 frac) for open/high/low/close, i32 volume, u32 period
//	tick:   u32 type=1, u64 ts, u32 usec=0, u32 content=1, i64 int, i32 frac, i32 volume
//	marker: u32 type=3, u32 subtype (1 = end of stream, 2 = stream ping)
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/caesar-terminal/quotesource/internal/quotes"
)

// Frame types.
const (
	TypeTick   uint32 = 0x01
	TypeCandle uint32 = 0x02
	TypeMarker uint32 = 0x03
)

// Marker subtypes.
const (
	SubtypeEndOfStream uint32 = 0x01
	SubtypeStreamPing  uint32 = 0x02
)

// ContentPrice is the only content kind currently defined.
const ContentPrice uint32 = 0x01

// Encoded frame sizes.
const (
	CandleSize = 4 + 8 + 4 + 4 + 4*(8+4) + 4 + 4
	TickSize   = 4 + 8 + 4 + 4 + 8 + 4 + 4
	MarkerSize = 4 + 4
)

var ErrShortFrame = errors.New("wire: short frame")

var le = binary.LittleEndian

// EncodeCandle encodes c with the series period in seconds.
func EncodeCandle(c quotes.Candle, period uint32) []byte {
	buf := make([]byte, 0, CandleSize)
	buf = appendHeader(buf, TypeCandle, c.Time)
	for _, p := range [4]Fixed{FromDecimal(c.Open), FromDecimal(c.High), FromDecimal(c.Low), FromDecimal(c.Close)} {
		buf = appendFixed(buf, p)
	}
	buf = le.AppendUint32(buf, uint32(clampVolume(c.Volume)))
	buf = le.AppendUint32(buf, period)
	return buf
}

// EncodeTick encodes t.
func EncodeTick(t quotes.Tick) []byte {
	buf := make([]byte, 0, TickSize)
	buf = appendHeader(buf, TypeTick, t.Time)
	buf = appendFixed(buf, FromDecimal(t.Price))
	buf = le.AppendUint32(buf, uint32(clampVolume(t.Volume)))
	return buf
}

// EncodeObservation dispatches on the observation variant.
func EncodeObservation(o quotes.Observation, period uint32) ([]byte, error) {
	switch v := o.(type) {
	case quotes.Candle:
		return EncodeCandle(v, period), nil
	case quotes.Tick:
		return EncodeTick(v), nil
	default:
		return nil, fmt.Errorf("wire: unsupported observation %T", o)
	}
}

// EncodeEndOfStream marks one series as fully drained.
func EncodeEndOfStream() []byte { return encodeMarker(SubtypeEndOfStream) }

// EncodeStreamPing answers a stream-ping command.
func EncodeStreamPing() []byte { return encodeMarker(SubtypeStreamPing) }

func encodeMarker(subtype uint32) []byte {
	buf := make([]byte, 0, MarkerSize)
	buf = le.AppendUint32(buf, TypeMarker)
	return le.AppendUint32(buf, subtype)
}

func appendHeader(buf []byte, typ uint32, ts time.Time) []byte {
	buf = le.AppendUint32(buf, typ)
	buf = le.AppendUint64(buf, uint64(ts.Unix()))
	buf = le.AppendUint32(buf, 0)
	return le.AppendUint32(buf, ContentPrice)
}

func appendFixed(buf []byte, f Fixed) []byte {
	buf = le.AppendUint64(buf, uint64(f.Int))
	return le.AppendUint32(buf, uint32(f.Frac))
}

// volumes above the i32 range saturate instead of wrapping.
func clampVolume(v int64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(v)
}

// Frame is a decoded wire frame. Only the fields of its Type are set.
type Frame struct {
	Type    uint32
	Subtype uint32
	Time    time.Time
	Open    Fixed
	High    Fixed
	Low     Fixed
	Close   Fixed
	Price   Fixed
	Volume  int32
	Period  uint32
}

// IsEndOfStream reports whether f is an end-of-stream marker.
func (f Frame) IsEndOfStream() bool {
	return f.Type == TypeMarker && f.Subtype == SubtypeEndOfStream
}

// Decode parses one frame.
func Decode(b []byte) (Frame, error) {
	if len(b) < 4 {
		return Frame{}, ErrShortFrame
	}
	f := Frame{Type: le.Uint32(b)}

	switch f.Type {
	case TypeMarker:
		if len(b) < MarkerSize {
			return Frame{}, ErrShortFrame
		}
		f.Subtype = le.Uint32(b[4:])
		return f, nil
	case TypeCandle:
		if len(b) < CandleSize {
			return Frame{}, ErrShortFrame
		}
		f.Time = decodeTime(b)
		off := 20
		for _, dst := range []*Fixed{&f.Open, &f.High, &f.Low, &f.Close} {
			*dst = decodeFixed(b[off:])
			off += 12
		}
		f.Volume = int32(le.Uint32(b[off:]))
		f.Period = le.Uint32(b[off+4:])
		return f, nil
	case TypeTick:
		if len(b) < TickSize {
			return Frame{}, ErrShortFrame
		}
		f.Time = decodeTime(b)
		f.Price = decodeFixed(b[20:])
		f.Volume = int32(le.Uint32(b[32:]))
		return f, nil
	default:
		return Frame{}, fmt.Errorf("wire: unknown frame type 0x%02x", f.Type)
	}
}

func decodeTime(b []byte) time.Time {
	return time.Unix(int64(le.Uint64(b[4:])), 0).UTC()
}

func decodeFixed(b []byte) Fixed {
	return Fixed{Int: int64(le.Uint64(b)), Frac: int32(le.Uint32(b[8:]))}
}
