// Package client is a replay consumer for the quotesource control endpoint.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caesar-terminal/quotesource/internal/server"
	"github.com/caesar-terminal/quotesource/internal/wire"
)

var (
	// ErrRejected wraps the reason of an error reply.
	ErrRejected = errors.New("command rejected")
	ErrClosed   = errors.New("client closed")
)

// Config holds tunable parameters for a Client.
type Config struct {
	URL string

	ReadBufferSize  int
	WriteBufferSize int

	// FrameBuffer is the capacity of the Frames channel. Frames only arrive
	// against credit, so a buffer at least as large as the credit window
	// never blocks the read loop.
	FrameBuffer int

	WriteTimeout time.Duration

	// Headers sent during the WebSocket handshake.
	Headers http.Header
}

// DefaultConfig returns defaults for a local replay.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		FrameBuffer:     4096,
		WriteTimeout:    5 * time.Second,
	}
}

// DataFrame is one decoded data message.
type DataFrame struct {
	Tag   string
	Frame wire.Frame
}

// Instrument returns the instrument code of the tag, or "" for frames
// tagged with the bare exchange id.
func (d DataFrame) Instrument() string {
	_, code, ok := strings.Cut(d.Tag, ":")
	if !ok {
		return ""
	}
	return code
}

func (d DataFrame) String() string {
	f := d.Frame
	switch f.Type {
	case wire.TypeCandle:
		return fmt.Sprintf("%s candle %s o=%s h=%s l=%s c=%s v=%d period=%d", d.Tag,
			f.Time.Format(time.DateTime), f.Open.Decimal(), f.High.Decimal(), f.Low.Decimal(), f.Close.Decimal(),
			f.Volume, f.Period)
	case wire.TypeTick:
		return fmt.Sprintf("%s tick %s p=%s v=%d", d.Tag, f.Time.Format(time.DateTime), f.Price.Decimal(), f.Volume)
	case wire.TypeMarker:
		switch f.Subtype {
		case wire.SubtypeEndOfStream:
			return d.Tag + " end-of-stream"
		case wire.SubtypeStreamPing:
			return d.Tag + " stream-ping"
		}
		return fmt.Sprintf("%s marker %d", d.Tag, f.Subtype)
	}
	return fmt.Sprintf("%s type %d", d.Tag, f.Type)
}

// Client is a single connection to the control endpoint. Commands are
// serialized: each waits for its reply before the next is sent.
type Client struct {
	cfg  Config
	log  *zap.Logger
	conn *websocket.Conn

	writeMu sync.Mutex
	callMu  sync.Mutex

	// abandoned counts calls that gave up before their reply arrived. The
	// server answers every command in order, so that many replies are
	// stale and skipped by the next call. Guarded by callMu.
	abandoned int

	replies chan server.Reply
	frames  chan DataFrame

	done      chan struct{}
	errMu     sync.Mutex
	err       error
	closeOnce sync.Once
}

// Dial connects to the endpoint and starts reading.
func Dial(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dialer := websocket.Dialer{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Headers)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		cfg:     cfg,
		log:     log.Named("client"),
		conn:    conn,
		replies: make(chan server.Reply, 16),
		frames:  make(chan DataFrame, cfg.FrameBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Frames delivers every data frame in arrival order. It is closed when the
// connection ends.
func (c *Client) Frames() <-chan DataFrame { return c.frames }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Start asks the server to replay src, optionally bounded to [from, to).
// Empty bounds are omitted.
func (c *Client) Start(ctx context.Context, src []string, from, to string) error {
	return c.call(ctx, server.Command{Command: server.CommandStart, Src: src, From: from, To: to})
}

// Ping sends a stream-ping. The ping marker arrives on Frames.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, server.Command{Command: server.CommandStreamPing})
}

// Shutdown stops the server's event loop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, server.Command{Command: server.CommandShutdown})
}

// Credit grants n frames of credit.
func (c *Client) Credit(n int) error {
	for i := 0; i < n; i++ {
		if err := c.write(wire.EncodeCredit()); err != nil {
			return err
		}
	}
	return nil
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.fail(ErrClosed)
	return err
}

func (c *Client) call(ctx context.Context, cmd server.Command) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := c.write(wire.EncodeControl(body)); err != nil {
		return err
	}

	for {
		select {
		case r := <-c.replies:
			if c.abandoned > 0 {
				c.abandoned--
				c.log.Debug("stale reply skipped", zap.String("result", r.Result))
				continue
			}
			if r.Result != server.ResultSuccess {
				return fmt.Errorf("%s: %w: %s", cmd.Command, ErrRejected, r.Reason)
			}
			return nil
		case <-c.done:
			return c.closedErr()
		case <-ctx.Done():
			c.abandoned++
			return ctx.Err()
		}
	}
}

func (c *Client) write(msg []byte) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.frames)
	for {
		mt, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		if mt != websocket.BinaryMessage || len(msg) == 0 {
			continue
		}

		switch msg[0] {
		case wire.TagControl:
			var r server.Reply
			if err := json.Unmarshal(msg[1:], &r); err != nil {
				c.log.Warn("malformed reply", zap.Error(err))
				continue
			}
			select {
			case c.replies <- r:
			case <-c.done:
				return
			}
		case wire.TagData:
			tag, payload, err := wire.DecodeData(msg)
			if err != nil {
				c.log.Warn("malformed data message", zap.Error(err))
				continue
			}
			f, err := wire.Decode(payload)
			if err != nil {
				c.log.Warn("undecodable frame", zap.String("tag", tag), zap.Error(err))
				continue
			}
			select {
			case c.frames <- DataFrame{Tag: tag, Frame: f}:
			case <-c.done:
				return
			}
		default:
			c.log.Debug("unknown message tag", zap.Uint8("tag", msg[0]))
		}
	}
}

func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}
