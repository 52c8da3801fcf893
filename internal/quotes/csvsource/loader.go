// Package csvsource loads quote series from comma-separated export files
// with bracketed headers such as <TICKER>,<PER>,<DATE>,<TIME>,<OPEN>,...
package csvsource

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/quotesource/internal/quotes"
)

// Sentinel errors returned by Load.
var (
	ErrNotFound = errors.New("source not found")
	ErrFormat   = errors.New("invalid source format")
)

// FormatError reports a format violation at a given line of a source file.
// Line is 1-based; 0 means the problem is not tied to one line.
type FormatError struct {
	Path   string
	Line   int
	Reason string
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

func (e *FormatError) Unwrap() error { return ErrFormat }

const (
	colTicker = "<TICKER>"
	colPer    = "<PER>"
	colDate   = "<DATE>"
	colTime   = "<TIME>"
	colOpen   = "<OPEN>"
	colHigh   = "<HIGH>"
	colLow    = "<LOW>"
	colClose  = "<CLOSE>"
	colLast   = "<LAST>"
	colVol    = "<VOL>"
)

// Loader reads CSV quote files. The zero value is ready to use.
type Loader struct{}

// NewLoader returns a Loader.
func NewLoader() *Loader { return &Loader{} }

// Probe reports whether path looks like a file this loader understands.
func (l *Loader) Probe(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".csv" || ext == ".txt"
}

// Load reads the whole file at path into a Series.
func (l *Loader) Load(path string) (*quotes.Series, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	return parse(path, f)
}

// columns holds header indexes; -1 marks an absent column.
type columns struct {
	ticker, per, date, tm        int
	open, high, low, close, last int
	vol                          int
}

func parseHeader(path string, header []string) (columns, quotes.Mode, error) {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToUpper(strings.TrimSpace(name))] = i
	}
	col := func(name string) int {
		if i, ok := idx[name]; ok {
			return i
		}
		return -1
	}

	c := columns{
		ticker: col(colTicker),
		per:    col(colPer),
		date:   col(colDate),
		tm:     col(colTime),
		open:   col(colOpen),
		high:   col(colHigh),
		low:    col(colLow),
		close:  col(colClose),
		last:   col(colLast),
		vol:    col(colVol),
	}

	required := []struct {
		name string
		idx  int
	}{{colTicker, c.ticker}, {colDate, c.date}, {colTime, c.tm}, {colVol, c.vol}}
	for _, r := range required {
		if r.idx < 0 {
			return c, 0, &FormatError{Path: path, Line: 1, Reason: "missing column " + r.name}
		}
	}

	hasOHLC := c.open >= 0 || c.high >= 0 || c.low >= 0 || c.close >= 0
	switch {
	case c.last >= 0 && hasOHLC:
		return c, 0, &FormatError{Path: path, Line: 1, Reason: "mixed candle and tick columns"}
	case c.last >= 0:
		return c, quotes.ModeTick, nil
	case c.open >= 0 && c.high >= 0 && c.low >= 0 && c.close >= 0:
		if c.per < 0 {
			return c, 0, &FormatError{Path: path, Line: 1, Reason: "missing column " + colPer}
		}
		return c, quotes.ModeCandle, nil
	default:
		return c, 0, &FormatError{Path: path, Line: 1, Reason: "missing price columns"}
	}
}

func parse(path string, r io.Reader) (*quotes.Series, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &FormatError{Path: path, Reason: "empty file"}
		}
		return nil, &FormatError{Path: path, Line: 1, Reason: err.Error()}
	}

	c, mode, err := parseHeader(path, header)
	if err != nil {
		return nil, err
	}

	series := &quotes.Series{Mode: mode}
	var per string
	line := 1
	for {
		row, err := reader.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &FormatError{Path: path, Line: line, Reason: err.Error()}
		}
		fail := func(reason string) error {
			return &FormatError{Path: path, Line: line, Reason: reason}
		}

		code := row[c.ticker]
		if series.Code == "" {
			series.Code = code
		} else if code != series.Code {
			return nil, fail(fmt.Sprintf("mixed tickers in file: %s and %s", series.Code, code))
		}

		if c.per >= 0 {
			if line == 2 {
				per = row[c.per]
			} else if row[c.per] != per {
				return nil, fail(fmt.Sprintf("mixed periods in file: %s and %s", per, row[c.per]))
			}
		}

		ts, err := ParseTime(row[c.date], row[c.tm])
		if err != nil {
			return nil, fail(err.Error())
		}

		volume, err := parseVolume(row[c.vol])
		if err != nil {
			return nil, fail(err.Error())
		}

		if mode == quotes.ModeTick {
			price, err := decimal.NewFromString(row[c.last])
			if err != nil {
				return nil, fail("invalid price " + strconv.Quote(row[c.last]))
			}
			series.Observations = append(series.Observations, quotes.Tick{Time: ts, Price: price, Volume: volume})
			continue
		}

		var prices [4]decimal.Decimal
		for i, idx := range [4]int{c.open, c.high, c.low, c.close} {
			p, err := decimal.NewFromString(row[idx])
			if err != nil {
				return nil, fail("invalid price " + strconv.Quote(row[idx]))
			}
			prices[i] = p
		}
		series.Observations = append(series.Observations, quotes.Candle{
			Time:   ts,
			Open:   prices[0],
			High:   prices[1],
			Low:    prices[2],
			Close:  prices[3],
			Volume: volume,
		})
	}

	switch {
	case len(series.Observations) == 0:
		return nil, &FormatError{Path: path, Reason: "no data rows"}
	case mode == quotes.ModeTick && (per == "" || per == "0"):
		series.Interval = quotes.Ticks
	default:
		iv, ok := quotes.IntervalByShortID(per)
		if !ok {
			return nil, &FormatError{Path: path, Line: 2, Reason: "unknown period " + strconv.Quote(per)}
		}
		series.Interval = iv
	}

	return series, nil
}

func parseVolume(s string) (int64, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid volume %q", s)
	}
	if v.IsNegative() {
		return 0, fmt.Errorf("negative volume %q", s)
	}
	return v.IntPart(), nil
}

// ParseTime combines an 8-digit YYYYMMDD date and a 6-digit HHMMSS time
// into a UTC timestamp.
func ParseTime(date, clock string) (time.Time, error) {
	if len(date) != 8 || !digits(date) {
		return time.Time{}, fmt.Errorf("invalid date format: should be YYYYMMDD, have: %s", date)
	}
	if len(clock) != 6 || !digits(clock) {
		return time.Time{}, fmt.Errorf("invalid time format: should be HHMMSS, have: %s", clock)
	}
	ts, err := time.ParseInLocation("20060102150405", date+clock, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %s %s: %w", date, clock, err)
	}
	return ts, nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
