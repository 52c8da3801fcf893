package quotes

import "time"

// Interval is the aggregation period of a series.
type Interval uint8

const (
	Week Interval = iota + 1
	Day
	Hour8
	Hour4
	Hour2
	Hour1
	Min30
	Min15
	Min5
	Min1
	Ticks
)

// IntervalInfo describes one entry of the interval table.
type IntervalInfo struct {
	Interval Interval
	Duration time.Duration
	Name     string
	ShortID  string // value of the <PER> column
}

var intervals = [...]IntervalInfo{
	{Week, 7 * 24 * time.Hour, "week", "W"},
	{Day, 24 * time.Hour, "day", "D"},
	{Hour8, 8 * time.Hour, "8 hours", "8H"},
	{Hour4, 4 * time.Hour, "4 hours", "4H"},
	{Hour2, 2 * time.Hour, "2 hours", "2H"},
	{Hour1, time.Hour, "1 hour", "H"},
	{Min30, 30 * time.Minute, "30 min", "30"},
	{Min15, 15 * time.Minute, "15 min", "15"},
	{Min5, 5 * time.Minute, "5 min", "5"},
	{Min1, time.Minute, "1 min", "1"},
	{Ticks, 0, "tick", "0"},
}

// Info returns the table entry for i. ok is false for values outside the table.
func (i Interval) Info() (info IntervalInfo, ok bool) {
	if i < Week || i > Ticks {
		return IntervalInfo{}, false
	}
	return intervals[i-1], true
}

// Duration is zero for Ticks and for unknown intervals.
func (i Interval) Duration() time.Duration {
	info, _ := i.Info()
	return info.Duration
}

// Seconds is the period in whole seconds as carried on the wire.
func (i Interval) Seconds() uint32 {
	return uint32(i.Duration() / time.Second)
}

func (i Interval) String() string {
	if info, ok := i.Info(); ok {
		return info.Name
	}
	return "unknown"
}

// IntervalByShortID looks up an interval by its <PER> code.
func IntervalByShortID(id string) (Interval, bool) {
	for _, info := range intervals {
		if info.ShortID == id {
			return info.Interval, true
		}
	}
	return 0, false
}
