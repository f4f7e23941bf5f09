// Package wstransport delivers live change events over a websocket. Each
// subscription owns one connection; disconnects reconnect with exponential
// backoff and jitter, and raw frames pass through a bounded queue so a
// slow consumer sheds load instead of stalling the read loop. Dropped or
// duplicated frames are safe: the merge layer is idempotent and the pager
// reconciles against the authoritative store.
package wstransport

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"chatsync/pkg/eventq"
	"chatsync/pkg/models"
	"chatsync/pkg/remote"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	// stableAfter resets the backoff ladder once a connection has held.
	stableAfter = 60 * time.Second
)

// envelope is the wire format for every event frame.
type envelope struct {
	Type    string          `json:"type"`
	Conv    string          `json:"conv"`
	Payload json.RawMessage `json:"payload"`
}

// Transport implements remote.EventTransport over a websocket endpoint.
type Transport struct {
	wsURL    string
	apiKey   string
	queueCap int
	log      *zap.Logger

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

// Option configures a Transport.
type Option func(*Transport)

// WithQueueCapacity sets the per-subscription frame queue capacity.
func WithQueueCapacity(n int) Option {
	return func(t *Transport) { t.queueCap = n }
}

// New builds a Transport for the given websocket URL.
func New(wsURL, apiKey string, log *zap.Logger, opts ...Option) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Transport{
		wsURL:    wsURL,
		apiKey:   apiKey,
		queueCap: 1024,
		log:      log,
		subs:     make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Subscribe opens a live event stream for one conversation. A second call
// for the same conversation supersedes the first: its stream closes and
// the new one takes over.
func (t *Transport) Subscribe(ctx context.Context, conv string) (<-chan remote.Event, error) {
	sctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if prev, ok := t.subs[conv]; ok {
		prev()
	}
	t.subs[conv] = cancel
	t.mu.Unlock()

	q := eventq.New(t.queueCap)
	out := make(chan remote.Event, 64)

	go t.readLoop(sctx, conv, q)
	go t.decodeLoop(sctx, conv, q, out)
	return out, nil
}

// Close cancels every active subscription.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conv, cancel := range t.subs {
		cancel()
		delete(t.subs, conv)
	}
	return nil
}

func (t *Transport) dial(ctx context.Context, conv string) (*websocket.Conn, error) {
	q := url.Values{}
	q.Set("conv", conv)
	if t.apiKey != "" {
		q.Set("token", t.apiKey)
	}
	conn, _, err := websocket.Dial(ctx, t.wsURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// readLoop owns the connection: dial, read frames into the queue,
// reconnect on failure until ctx is done.
func (t *Transport) readLoop(ctx context.Context, conv string, q *eventq.Queue) {
	defer q.CloseAndDrain()

	attempt := 0
	var connectedAt time.Time
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := t.dial(ctx, conv)
		if err != nil {
			delay := backoff(attempt)
			attempt++
			t.log.Warn("transport_dial_failed",
				zap.String("conv", conv), zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay), zap.Error(err))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		connectedAt = time.Now()
		t.log.Info("transport_connected", zap.String("conv", conv))

		err = t.pump(ctx, conn, q)
		conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
		if time.Since(connectedAt) > stableAfter {
			attempt = 0
		}
		t.log.Warn("transport_disconnected", zap.String("conv", conv), zap.Error(err))
	}
}

func (t *Transport) pump(ctx context.Context, conn *websocket.Conn, q *eventq.Queue) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Warn("transport_bad_frame", zap.Error(err))
			continue
		}
		op := eventq.Op{
			Kind:    env.Type,
			Conv:    env.Conv,
			Payload: env.Payload,
			TS:      time.Now().UnixNano(),
		}
		if err := q.TryEnqueue(&op); err != nil {
			// consumer is behind; reconcile will catch the gap
			t.log.Warn("transport_frame_dropped", zap.String("kind", env.Type))
		}
	}
}

// decodeLoop turns queued frames into typed events on out.
func (t *Transport) decodeLoop(ctx context.Context, conv string, q *eventq.Queue, out chan<- remote.Event) {
	defer close(out)
	for {
		select {
		case it, ok := <-q.Out():
			if !ok {
				return
			}
			ev, ok2 := decode(conv, it.Op)
			it.Done()
			if !ok2 {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func decode(conv string, op *eventq.Op) (remote.Event, bool) {
	c := op.Conv
	if c == "" {
		c = conv
	}
	switch remote.EventKind(op.Kind) {
	case remote.EventInsert, remote.EventUpdate, remote.EventDelete:
		var m models.Message
		if len(op.Payload) > 0 {
			if err := json.Unmarshal(op.Payload, &m); err != nil {
				return remote.Event{}, false
			}
		}
		if m.Conv == "" {
			m.Conv = c
		}
		return remote.Event{Kind: remote.EventKind(op.Kind), Conv: c, Msg: m}, true
	case remote.EventTyping:
		var sig remote.TypingSignal
		if err := json.Unmarshal(op.Payload, &sig); err != nil {
			return remote.Event{}, false
		}
		if sig.Conv == "" {
			sig.Conv = c
		}
		return remote.Event{Kind: remote.EventTyping, Conv: c, Typing: &sig}, true
	default:
		return remote.Event{}, false
	}
}

func backoff(attempt int) time.Duration {
	jitter := time.Duration(rand.Float64() * float64(reconnectBaseDelay) * 0.5)
	d := time.Duration(math.Min(
		float64(reconnectBaseDelay)*math.Pow(2, float64(attempt))+float64(jitter),
		float64(reconnectMaxDelay),
	))
	return d
}
