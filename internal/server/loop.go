package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/caesar-terminal/quotesource/internal/stream"
	"github.com/caesar-terminal/quotesource/internal/wire"
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrStopTimeout     = errors.New("event loop did not stop in time")
)

// DefaultPollInterval bounds how long the loop waits for inbound frames
// before sweeping the sessions again.
const DefaultPollInterval = 100 * time.Millisecond

// maxBatch caps the inbound frames taken in one iteration so a flooding
// peer cannot hold off the drain sweep.
const maxBatch = 1024

// loopbackPeer is the identity used by Stop. Replies to it are discarded.
const loopbackPeer = "$loopback"

// Inbound is one message received by a transport. Disconnected messages
// carry no payload and report that the peer's connection is gone.
type Inbound struct {
	Peer         string
	Payload      []byte
	Disconnected bool
}

// Transport moves frames between peers and the event loop.
type Transport interface {
	Inbound() <-chan Inbound
	Send(peer string, payload []byte) error
}

// ProgressKind classifies a Progress notice.
type ProgressKind uint8

const (
	ProgressDelivered ProgressKind = iota + 1
	ProgressSeriesEnded
	ProgressSessionClosed
)

// Progress reports stream delivery to an Observer. Code and Time are empty
// for ProgressSessionClosed; Time is empty for ProgressSeriesEnded.
type Progress struct {
	Kind ProgressKind
	Peer string
	Code string
	Time time.Time
}

// Observer receives progress notices from the event loop. Observe is called
// on the loop goroutine and must not block.
type Observer interface {
	Observe(Progress)
}

// Options configures an EventLoop.
type Options struct {
	ExchangeID       string
	Loader           stream.Loader
	PollInterval     time.Duration
	ReapOnDisconnect bool
	Observer         Observer
	Logger           *zap.Logger
}

type session struct {
	peer   string
	stream *stream.QuoteStream
	credit int
}

const (
	stateIdle int32 = iota
	stateRunning
	stateStopped
)

// EventLoop is the single control endpoint. It owns every session and is
// driven entirely from the goroutine that calls Run.
type EventLoop struct {
	opts      Options
	transport Transport
	log       *zap.Logger

	sessions map[string]*session
	order    []string // session insertion order, drives the sweep

	local   chan Inbound
	running bool
	state   atomic.Int32
	done    chan struct{}
}

// NewEventLoop creates a loop reading from and replying through t.
func NewEventLoop(t Transport, opts Options) *EventLoop {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &EventLoop{
		opts:      opts,
		transport: t,
		log:       opts.Logger.Named("loop"),
		sessions:  make(map[string]*session),
		local:     make(chan Inbound, 1),
		done:      make(chan struct{}),
	}
}

// Running reports whether Run is executing.
func (l *EventLoop) Running() bool { return l.state.Load() == stateRunning }

// Done is closed when Run returns.
func (l *EventLoop) Done() <-chan struct{} { return l.done }

// Run processes frames until a shutdown command arrives, the transport
// closes, or ctx is cancelled. It returns nil after a shutdown command, and
// returns nil at once if Stop was called before Run.
func (l *EventLoop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(stateIdle, stateRunning) {
		if l.state.Load() == stateStopped {
			return nil
		}
		return errors.New("event loop already started")
	}
	defer func() {
		all := make(map[string]bool, len(l.order))
		for _, peer := range l.order {
			all[peer] = true
		}
		l.removeSessions(all)
		l.state.Store(stateStopped)
		close(l.done)
	}()

	l.log.Info("event loop started", zap.String("exchange", l.opts.ExchangeID))
	l.running = true
	for l.running {
		wait := l.opts.PollInterval
		if l.hasCredit() {
			wait = 0
		}
		if err := l.poll(ctx, wait); err != nil {
			l.log.Info("event loop stopped", zap.Error(err))
			return err
		}
		if l.running {
			l.sweep()
		}
	}
	l.log.Info("event loop stopped")
	return nil
}

// Stop asks the loop to shut down through the control protocol and waits
// for Run to return. A loop that has not started yet never will.
func (l *EventLoop) Stop(timeout time.Duration) error {
	if l.state.CompareAndSwap(stateIdle, stateStopped) {
		close(l.done)
		return nil
	}
	if l.state.Load() == stateStopped {
		return nil
	}
	body, _ := json.Marshal(Command{Command: CommandShutdown})
	msg := Inbound{Peer: loopbackPeer, Payload: wire.EncodeControl(body)}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.local <- msg:
	case <-l.done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}

	select {
	case <-l.done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// poll waits up to wait for one inbound frame, then takes whatever else is
// immediately available. wait == 0 never blocks.
func (l *EventLoop) poll(ctx context.Context, wait time.Duration) error {
	in := l.transport.Inbound()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case msg, ok := <-in:
			if !ok {
				return ErrTransportClosed
			}
			l.handle(msg)
		case msg := <-l.local:
			l.handle(msg)
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	for n := 0; l.running && n < maxBatch; n++ {
		select {
		case msg, ok := <-in:
			if !ok {
				return ErrTransportClosed
			}
			l.handle(msg)
		case msg := <-l.local:
			l.handle(msg)
		default:
			return nil
		}
	}
	return nil
}

func (l *EventLoop) handle(msg Inbound) {
	if msg.Disconnected {
		l.handleDisconnect(msg.Peer)
		return
	}
	if len(msg.Payload) == 0 {
		l.log.Debug("empty frame ignored", zap.String("peer", msg.Peer))
		return
	}

	switch msg.Payload[0] {
	case wire.TagControl:
		l.handleControl(msg.Peer, msg.Payload[1:])
	case wire.TagCredit:
		l.handleCredit(msg.Peer)
	default:
		l.log.Debug("unknown frame tag ignored",
			zap.String("peer", msg.Peer), zap.Uint8("tag", msg.Payload[0]))
	}
}

// handleControl dispatches a JSON command. Malformed or unknown commands
// get no reply.
func (l *EventLoop) handleControl(peer string, body []byte) {
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		l.log.Debug("malformed command ignored", zap.String("peer", peer), zap.Error(err))
		return
	}

	switch cmd.Command {
	case CommandShutdown:
		l.log.Info("shutdown requested", zap.String("peer", peer))
		l.reply(peer, Reply{Result: ResultSuccess})
		l.running = false
	case CommandStart:
		l.handleStart(peer, cmd)
	case CommandStreamPing:
		l.reply(peer, Reply{Result: ResultSuccess})
		l.send(peer, wire.EncodeData(l.opts.ExchangeID, wire.EncodeStreamPing()))
	default:
		l.log.Debug("unknown command ignored", zap.String("peer", peer), zap.String("command", cmd.Command))
	}
}

func (l *EventLoop) handleStart(peer string, cmd Command) {
	qs, err := l.openStream(cmd)
	if err != nil {
		l.log.Warn("start rejected", zap.String("peer", peer), zap.Strings("src", cmd.Src), zap.Error(err))
		l.reply(peer, Reply{Result: ResultError, Reason: err.Error()})
		return
	}

	l.attach(peer, qs)
	l.log.Info("stream started",
		zap.String("peer", peer), zap.Strings("src", cmd.Src),
		zap.String("from", cmd.From), zap.String("to", cmd.To))
	l.reply(peer, Reply{Result: ResultSuccess})
}

func (l *EventLoop) openStream(cmd Command) (*stream.QuoteStream, error) {
	opts, err := cmd.streamOptions()
	if err != nil {
		return nil, err
	}
	return stream.New(l.opts.Loader, cmd.Src, opts...)
}

// attach creates the peer's session or replaces its stream, keeping the
// credit it already holds.
func (l *EventLoop) attach(peer string, qs *stream.QuoteStream) {
	if s, ok := l.sessions[peer]; ok {
		s.stream = qs
		l.observe(Progress{Kind: ProgressSessionClosed, Peer: peer})
		return
	}
	l.sessions[peer] = &session{peer: peer, stream: qs}
	l.order = append(l.order, peer)
}

func (l *EventLoop) handleCredit(peer string) {
	s, ok := l.sessions[peer]
	if !ok {
		l.log.Debug("credit without active session", zap.String("peer", peer))
		return
	}
	s.credit++
}

func (l *EventLoop) handleDisconnect(peer string) {
	if _, ok := l.sessions[peer]; !ok {
		return
	}
	if !l.opts.ReapOnDisconnect {
		l.log.Debug("peer disconnected, session kept", zap.String("peer", peer))
		return
	}
	l.log.Info("peer disconnected, session dropped", zap.String("peer", peer))
	l.removeSessions(map[string]bool{peer: true})
}

func (l *EventLoop) hasCredit() bool {
	for _, s := range l.sessions {
		if s.credit > 0 {
			return true
		}
	}
	return false
}

// sweep gives every session holding credit one step of its stream.
func (l *EventLoop) sweep() {
	var finished map[string]bool
	for _, peer := range l.order {
		s := l.sessions[peer]
		if s.credit <= 0 {
			continue
		}

		ev := s.stream.Next()
		switch ev.Kind {
		case stream.Done:
			if finished == nil {
				finished = make(map[string]bool)
			}
			finished[peer] = true
		case stream.EndOfSeries:
			l.send(peer, wire.EncodeData(l.tag(ev.Code), wire.EncodeEndOfStream()))
			s.credit--
			l.observe(Progress{Kind: ProgressSeriesEnded, Peer: peer, Code: ev.Code})
		case stream.Item:
			frame, err := wire.EncodeObservation(ev.Observation, ev.Period)
			if err != nil {
				l.log.Error("encode observation", zap.String("peer", peer), zap.String("instrument", ev.Code), zap.Error(err))
				s.credit--
				continue
			}
			l.send(peer, wire.EncodeData(l.tag(ev.Code), frame))
			s.credit--
			l.observe(Progress{Kind: ProgressDelivered, Peer: peer, Code: ev.Code, Time: ev.Time})
		}
	}

	if finished != nil {
		for peer := range finished {
			l.log.Info("stream finished", zap.String("peer", peer))
		}
		l.removeSessions(finished)
	}
}

// removeSessions drops the given peers and compacts the sweep order.
func (l *EventLoop) removeSessions(peers map[string]bool) {
	kept := l.order[:0]
	for _, peer := range l.order {
		if peers[peer] {
			delete(l.sessions, peer)
			l.observe(Progress{Kind: ProgressSessionClosed, Peer: peer})
			continue
		}
		kept = append(kept, peer)
	}
	l.order = kept
}

func (l *EventLoop) tag(code string) string {
	return l.opts.ExchangeID + ":" + code
}

func (l *EventLoop) reply(peer string, r Reply) {
	l.send(peer, wire.EncodeControl(encodeReply(r)))
}

func (l *EventLoop) send(peer string, payload []byte) {
	if peer == loopbackPeer {
		return
	}
	if err := l.transport.Send(peer, payload); err != nil {
		l.log.Warn("send failed", zap.String("peer", peer), zap.Error(err))
	}
}

func (l *EventLoop) observe(p Progress) {
	if l.opts.Observer != nil {
		l.opts.Observer.Observe(p)
	}
}
