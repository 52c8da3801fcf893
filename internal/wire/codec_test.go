package wire

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/quotesource/internal/quotes"
)

func TestFixedFromFloat(t *testing.T) {
	cases := []struct {
		in   float64
		want Fixed
	}{
		{0, Fixed{0, 0}},
		{239, Fixed{239, 0}},
		{218.49, Fixed{218, 490000000}},
		{138.45, Fixed{138, 450000000}},
		{0.000000001, Fixed{0, 1}},
		{-1.25, Fixed{-1, -250000000}},
		{2.9999999999, Fixed{3, 0}},
		{-2.9999999999, Fixed{-3, 0}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FromFloat(tc.in), "price %v", tc.in)
	}
}

func TestFixedFromDecimalMatchesFloat(t *testing.T) {
	for _, s := range []string{"239", "218.49", "138.45", "0.123456789", "-7.5", "99999.999999999"} {
		d := decimal.RequireFromString(s)
		f, _ := d.Float64()
		assert.Equal(t, FromFloat(f), FromDecimal(d), "price %s", s)
		assert.True(t, FromDecimal(d).Decimal().Equal(d), "price %s", s)
	}
}

func TestFixedRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10000; i++ {
		p := (rng.Float64() - 0.5) * 2e6
		got := FromFloat(p).Float64()
		require.InDelta(t, p, got, 1e-9, "price %v", p)
	}
}

func TestEncodeCandleLayout(t *testing.T) {
	ts := time.Date(2006, 1, 23, 0, 0, 0, 0, time.UTC)
	c := quotes.Candle{
		Time:   ts,
		Open:   decimal.RequireFromString("239"),
		High:   decimal.RequireFromString("239"),
		Low:    decimal.RequireFromString("218.49"),
		Close:  decimal.RequireFromString("218.89"),
		Volume: 5078252,
	}

	b := EncodeCandle(c, 86400)
	require.Len(t, b, CandleSize)
	require.Equal(t, 76, CandleSize)

	le := binary.LittleEndian
	assert.Equal(t, TypeCandle, le.Uint32(b[0:]))
	assert.Equal(t, uint64(ts.Unix()), le.Uint64(b[4:]))
	assert.Equal(t, uint32(0), le.Uint32(b[12:]))
	assert.Equal(t, ContentPrice, le.Uint32(b[16:]))
	assert.Equal(t, int64(239), int64(le.Uint64(b[20:])))
	assert.Equal(t, int32(0), int32(le.Uint32(b[28:])))
	assert.Equal(t, int64(218), int64(le.Uint64(b[44:])))
	assert.Equal(t, int32(490000000), int32(le.Uint32(b[52:])))
	assert.Equal(t, int64(218), int64(le.Uint64(b[56:])))
	assert.Equal(t, int32(890000000), int32(le.Uint32(b[64:])))
	assert.Equal(t, int32(5078252), int32(le.Uint32(b[68:])))
	assert.Equal(t, uint32(86400), le.Uint32(b[72:]))

	f, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, TypeCandle, f.Type)
	assert.Equal(t, ts, f.Time)
	assert.InDelta(t, 218.49, f.Low.Float64(), 1e-9)
	assert.InDelta(t, 218.89, f.Close.Float64(), 1e-9)
	assert.Equal(t, uint32(86400), f.Period)
}

func TestEncodeTickLayout(t *testing.T) {
	ts := time.Date(2015, 4, 1, 9, 59, 59, 0, time.UTC)
	b := EncodeTick(quotes.Tick{Time: ts, Price: decimal.RequireFromString("138.45"), Volume: 10})
	require.Len(t, b, TickSize)
	require.Equal(t, 36, TickSize)

	f, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, TypeTick, f.Type)
	assert.Equal(t, ts, f.Time)
	assert.Equal(t, Fixed{138, 450000000}, f.Price)
	assert.Equal(t, int32(10), f.Volume)
}

func TestEncodeMarkers(t *testing.T) {
	assert.Equal(t, []byte{0x03, 0, 0, 0, 0x01, 0, 0, 0}, EncodeEndOfStream())
	assert.Equal(t, []byte{0x03, 0, 0, 0, 0x02, 0, 0, 0}, EncodeStreamPing())

	f, err := Decode(EncodeEndOfStream())
	require.NoError(t, err)
	assert.True(t, f.IsEndOfStream())
}

func TestEncodeObservation(t *testing.T) {
	b, err := EncodeObservation(quotes.Tick{Price: decimal.NewFromInt(1)}, 0)
	require.NoError(t, err)
	assert.Len(t, b, TickSize)

	b, err = EncodeObservation(quotes.Candle{}, 60)
	require.NoError(t, err)
	assert.Len(t, b, CandleSize)
}

func TestVolumeSaturates(t *testing.T) {
	f, err := Decode(EncodeTick(quotes.Tick{Volume: math.MaxInt64}))
	require.NoError(t, err)
	assert.Equal(t, int32(math.MaxInt32), f.Volume)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte{0x02, 0, 0})
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = Decode(EncodeCandle(quotes.Candle{}, 0)[:40])
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = Decode([]byte{0x09, 0, 0, 0})
	assert.Error(t, err)
}
