// Package progress mirrors replay progress into Redis so operators can see
// how far each consumer has got.
package progress

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/caesar-terminal/quotesource/internal/server"
)

// DoneValue is stored for an instrument once its end-of-stream is sent.
const DoneValue = "done"

// RedisClient abstracts the Redis operations used by Writer.
// In production this is satisfied by NewRedisClient; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
	Del(ctx context.Context, keys ...string) error
}

type goRedis struct {
	rdb *redis.Client
}

// NewRedisClient adapts a go-redis client to RedisClient.
func NewRedisClient(rdb *redis.Client) RedisClient {
	return goRedis{rdb: rdb}
}

func (g goRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.rdb.HSet(ctx, key, values...).Err()
}

func (g goRedis) Del(ctx context.Context, keys ...string) error {
	return g.rdb.Del(ctx, keys...).Err()
}

// Writer receives progress notices from the event loop and persists them
// using the schema:
//
//	Key:    {prefix}:{exchange}:{peer}
//	Fields: {instrument} = unix seconds of the last delivered item, or "done"
//
// Observe never blocks: notices are buffered and flushed by Run. Duplicate
// values are suppressed and the key is deleted when the session closes.
// Delivery notices may be dropped under load; session closes never are.
type Writer struct {
	client   RedisClient
	prefix   string
	exchange string
	log      *zap.Logger
	buf      chan server.Progress

	// overflow holds session closes that did not fit in buf, in order.
	// While it is non-empty nothing else enters buf, so every buffered
	// notice precedes every overflowed one.
	qmu      sync.Mutex
	overflow []server.Progress
	wake     chan struct{}

	mu   sync.Mutex
	last map[string]map[string]string // key -> field -> value
}

// NewWriter creates a Writer. bufSize bounds the notices held between
// flushes; delivery notices beyond it are dropped.
func NewWriter(client RedisClient, prefix, exchange string, bufSize int, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		client:   client,
		prefix:   prefix,
		exchange: exchange,
		log:      log.Named("progress"),
		buf:      make(chan server.Progress, bufSize),
		wake:     make(chan struct{}, 1),
		last:     make(map[string]map[string]string),
	}
}

// Observe implements server.Observer.
func (w *Writer) Observe(p server.Progress) {
	w.qmu.Lock()
	defer w.qmu.Unlock()

	if len(w.overflow) == 0 {
		select {
		case w.buf <- p:
			return
		default:
		}
	}
	if p.Kind != server.ProgressSessionClosed {
		w.log.Debug("buffer full, progress dropped", zap.String("peer", p.Peer))
		return
	}
	w.overflow = append(w.overflow, p)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run flushes buffered notices to Redis until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-w.buf:
			w.write(ctx, p)
		case <-w.wake:
		}
		if len(w.buf) == 0 {
			w.flushOverflow(ctx)
		}
	}
}

// flushOverflow writes the session closes queued behind a full buffer.
// Run only calls it once buf is empty, which keeps notices in order.
func (w *Writer) flushOverflow(ctx context.Context) {
	w.qmu.Lock()
	pending := w.overflow
	w.overflow = nil
	w.qmu.Unlock()

	for _, p := range pending {
		w.write(ctx, p)
	}
}

// Key returns the hash key for peer.
func (w *Writer) Key(peer string) string {
	return fmt.Sprintf("%s:%s:%s", w.prefix, w.exchange, peer)
}

func (w *Writer) write(ctx context.Context, p server.Progress) {
	key := w.Key(p.Peer)

	if p.Kind == server.ProgressSessionClosed {
		w.mu.Lock()
		delete(w.last, key)
		w.mu.Unlock()
		if err := w.client.Del(ctx, key); err != nil {
			w.log.Warn("redis del failed", zap.String("key", key), zap.Error(err))
		}
		return
	}

	var value string
	switch p.Kind {
	case server.ProgressDelivered:
		value = strconv.FormatInt(p.Time.Unix(), 10)
	case server.ProgressSeriesEnded:
		value = DoneValue
	default:
		return
	}

	w.mu.Lock()
	fields, ok := w.last[key]
	if !ok {
		fields = make(map[string]string)
		w.last[key] = fields
	}
	if fields[p.Code] == value {
		w.mu.Unlock()
		return
	}
	fields[p.Code] = value
	w.mu.Unlock()

	if err := w.client.HSet(ctx, key, p.Code, value); err != nil {
		w.log.Warn("redis hset failed", zap.String("key", key), zap.Error(err))
	}
}
