// Package stream merges several quote series into one chronological stream.
package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/caesar-terminal/quotesource/internal/quotes"
)

// ErrInvalidRange is returned when the lower bound is not before the upper bound.
var ErrInvalidRange = errors.New("invalid time range: from must be before to")

// Loader turns a source path into a series.
// Satisfied by csvsource.Loader.
type Loader interface {
	Load(path string) (*quotes.Series, error)
}

// Kind tells what Next produced.
type Kind uint8

const (
	Item Kind = iota + 1
	EndOfSeries
	Done
)

func (k Kind) String() string {
	switch k {
	case Item:
		return "item"
	case EndOfSeries:
		return "end-of-series"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one step of a QuoteStream. Observation and Period are only set
// for Item; Code and Mode are set for Item and EndOfSeries.
type Event struct {
	Kind        Kind
	Code        string
	Mode        quotes.Mode
	Time        time.Time
	Observation quotes.Observation
	Period      uint32
}

type cursor struct {
	series *quotes.Series
	next   int
}

func (c *cursor) exhausted() bool { return c.next >= c.series.Len() }

func (c *cursor) head() time.Time { return c.series.At(c.next).Timestamp() }

// QuoteStream owns a set of series and yields their observations in time
// order. It is not safe for concurrent use.
type QuoteStream struct {
	active []*cursor // load order; retired cursors are removed
	from   *time.Time
	to     *time.Time
}

// Option configures a QuoteStream.
type Option func(*QuoteStream)

// WithFrom drops observations stamped before t.
func WithFrom(t time.Time) Option {
	return func(s *QuoteStream) { s.from = &t }
}

// WithTo drops observations stamped at or after t.
func WithTo(t time.Time) Option {
	return func(s *QuoteStream) { s.to = &t }
}

// New loads every path through loader. Any load failure fails the whole
// construction.
func New(loader Loader, paths []string, opts ...Option) (*QuoteStream, error) {
	s, err := newStream(len(paths), opts)
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		series, err := loader.Load(p)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", p, err)
		}
		s.active = append(s.active, &cursor{series: series})
	}
	return s, nil
}

// FromSeries builds a stream over already loaded series.
func FromSeries(series []*quotes.Series, opts ...Option) (*QuoteStream, error) {
	s, err := newStream(len(series), opts)
	if err != nil {
		return nil, err
	}
	for _, sr := range series {
		s.active = append(s.active, &cursor{series: sr})
	}
	return s, nil
}

func newStream(n int, opts []Option) (*QuoteStream, error) {
	s := &QuoteStream{active: make([]*cursor, 0, n)}
	for _, opt := range opts {
		opt(s)
	}
	if s.from != nil && s.to != nil && !s.from.Before(*s.to) {
		return nil, fmt.Errorf("%w (from %s, to %s)", ErrInvalidRange,
			s.from.Format(time.DateTime), s.to.Format(time.DateTime))
	}
	return s, nil
}

// Remaining is the number of series not yet retired.
func (s *QuoteStream) Remaining() int { return len(s.active) }

// Next returns the next in-range item, an end-of-series marker, or Done.
func (s *QuoteStream) Next() Event {
	for {
		ev := s.step()
		if ev.Kind != Item || s.inRange(ev.Time) {
			return ev
		}
	}
}

func (s *QuoteStream) inRange(t time.Time) bool {
	if s.from != nil && t.Before(*s.from) {
		return false
	}
	if s.to != nil && !t.Before(*s.to) {
		return false
	}
	return true
}

func (s *QuoteStream) step() Event {
	for i, c := range s.active {
		if c.exhausted() {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return Event{Kind: EndOfSeries, Code: c.series.Code, Mode: c.series.Mode}
		}
	}
	if len(s.active) == 0 {
		return Event{Kind: Done}
	}

	best := s.active[0]
	for _, c := range s.active[1:] {
		if c.head().Before(best.head()) {
			best = c
		}
	}

	obs := best.series.At(best.next)
	best.next++

	var period uint32
	if best.series.Mode == quotes.ModeCandle {
		period = best.series.Interval.Seconds()
	}
	return Event{
		Kind:        Item,
		Code:        best.series.Code,
		Mode:        best.series.Mode,
		Time:        obs.Timestamp(),
		Observation: obs,
		Period:      period,
	}
}
