package quotes

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode distinguishes candle series from tick series.
type Mode uint8

const (
	ModeCandle Mode = iota + 1
	ModeTick
)

func (m Mode) String() string {
	switch m {
	case ModeCandle:
		return "candle"
	case ModeTick:
		return "tick"
	default:
		return "unknown"
	}
}

// Observation is either a Candle or a Tick.
type Observation interface {
	Timestamp() time.Time
	Mode() Mode
}

// Candle is an aggregated OHLCV bar for one period.
type Candle struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

func (c Candle) Timestamp() time.Time { return c.Time }
func (Candle) Mode() Mode             { return ModeCandle }

// Tick is a single trade.
type Tick struct {
	Time   time.Time
	Price  decimal.Decimal
	Volume int64
}

func (t Tick) Timestamp() time.Time { return t.Time }
func (Tick) Mode() Mode             { return ModeTick }

// Series is one instrument's history as loaded from one source file.
// Observations keep file order and are all of the series' Mode.
type Series struct {
	Code         string
	Interval     Interval
	Mode         Mode
	Observations []Observation
}

// Len returns the number of observations.
func (s *Series) Len() int { return len(s.Observations) }

// At returns the i-th observation.
func (s *Series) At(i int) Observation { return s.Observations[i] }

// ByTime returns the first observation stamped exactly t.
func (s *Series) ByTime(t time.Time) (Observation, bool) {
	for _, o := range s.Observations {
		if o.Timestamp().Equal(t) {
			return o, true
		}
	}
	return nil, false
}
