package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/caesar-terminal/quotesource/internal/stream"
)

// Control commands.
const (
	CommandShutdown   = "shutdown"
	CommandStart      = "start"
	CommandStreamPing = "stream-ping"
)

// Reply results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

var errNoSources = errors.New("src is required")

// Command is the JSON body of a control message.
type Command struct {
	Command string   `json:"command"`
	Src     []string `json:"src,omitempty"`
	From    string   `json:"from,omitempty"`
	To      string   `json:"to,omitempty"`
}

// Reply is the JSON body of a control reply.
type Reply struct {
	Result string `json:"result"`
	Reason string `json:"reason,omitempty"`
}

var timeLayouts = []string{time.DateTime, time.DateOnly}

// ParseTimestamp accepts "YYYY-MM-DD HH:MM:SS" or "YYYY-MM-DD" in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q: want YYYY-MM-DD or YYYY-MM-DD HH:MM:SS", s)
}

// streamOptions validates the start arguments and turns the range into
// stream options.
func (c Command) streamOptions() ([]stream.Option, error) {
	if len(c.Src) == 0 {
		return nil, errNoSources
	}
	var opts []stream.Option
	if c.From != "" {
		from, err := ParseTimestamp(c.From)
		if err != nil {
			return nil, fmt.Errorf("from: %w", err)
		}
		opts = append(opts, stream.WithFrom(from))
	}
	if c.To != "" {
		to, err := ParseTimestamp(c.To)
		if err != nil {
			return nil, fmt.Errorf("to: %w", err)
		}
		opts = append(opts, stream.WithTo(to))
	}
	return opts, nil
}

func encodeReply(r Reply) []byte {
	body, _ := json.Marshal(r)
	return body
}
