package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/noah-isme/gema-sync/internal/dto"
	"github.com/noah-isme/gema-sync/internal/observability"
)

const (
	defaultRedialInterval = time.Second
	defaultPingInterval   = 30 * time.Second
	defaultWriteTimeout   = 10 * time.Second
)

// WebSocketOptions configures the websocket channel.
type WebSocketOptions struct {
	URL            string
	ActorID        string
	Dialer         *websocket.Dialer
	RedialInterval time.Duration
	PingInterval   time.Duration
}

// WebSocket speaks the {event, data, sentAt} envelope protocol of the
// development backend. It redials on its own after a dropped connection,
// replays room joins and then runs the OnReconnect hooks.
type WebSocket struct {
	opts     WebSocketOptions
	handlers handlerSet
	hooks    hookSet
	rooms    rooms
	limiter  *rate.Limiter
	logger   zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebSocket prepares a channel; Connect performs the first dial.
func NewWebSocket(opts WebSocketOptions, logger zerolog.Logger) *WebSocket {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.RedialInterval <= 0 {
		opts.RedialInterval = defaultRedialInterval
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.RedialInterval), 1),
		logger:  logger.With().Str("component", "websocket_channel").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect dials the backend once and starts the read loop. Later drops are
// handled in the background.
func (w *WebSocket) Connect(ctx context.Context) error {
	conn, err := w.dial(ctx)
	if err != nil {
		return err
	}
	// the first dial spends the limiter token so an immediate drop still waits
	w.limiter.Allow()
	if !w.setConn(conn) {
		return ErrClosed
	}

	w.wg.Add(1)
	go w.run(conn)
	return nil
}

func (w *WebSocket) Subscribe(event string, handler func(payload json.RawMessage)) func() {
	remove, _ := w.handlers.add(event, handler)
	return remove
}

func (w *WebSocket) Emit(ctx context.Context, event string, payload any) error {
	if w.ctx.Err() != nil {
		return ErrClosed
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	w.rooms.track(event, raw)
	return w.write(ctx, dto.EventEnvelope{Event: event, Data: raw, SentAt: time.Now().UTC()})
}

func (w *WebSocket) OnReconnect(fn func()) func() {
	return w.hooks.add(fn)
}

func (w *WebSocket) Close() error {
	w.cancel()
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	if conn != nil {
		w.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		w.writeMu.Unlock()
		_ = conn.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(w.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid channel url: %w", err)
	}
	if w.opts.ActorID != "" {
		query := target.Query()
		query.Set("actor_id", w.opts.ActorID)
		target.RawQuery = query.Encode()
	}

	header := http.Header{}
	if w.opts.ActorID != "" {
		header.Set("X-Actor-ID", w.opts.ActorID)
	}

	conn, resp, err := w.opts.Dialer.DialContext(ctx, target.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrDisconnected, target.Redacted(), err)
	}
	return conn, nil
}

func (w *WebSocket) run(conn *websocket.Conn) {
	defer w.wg.Done()

	for {
		w.readLoop(conn)
		w.clearConn(conn)
		if w.ctx.Err() != nil {
			return
		}

		next, ok := w.redial()
		if !ok {
			return
		}
		conn = next
		observability.ChannelReconnects().WithLabelValues("websocket").Inc()
		w.logger.Info().Msg("event channel reconnected")

		for _, join := range w.rooms.replay() {
			if err := w.write(w.ctx, dto.EventEnvelope{Event: join.event, Data: join.payload, SentAt: time.Now().UTC()}); err != nil {
				w.logger.Warn().Err(err).Str("event", join.event).Msg("failed to replay room join")
			}
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.hooks.fire()
		}()
	}
}

func (w *WebSocket) redial() (*websocket.Conn, bool) {
	for {
		if err := w.limiter.Wait(w.ctx); err != nil {
			return nil, false
		}
		conn, err := w.dial(w.ctx)
		if err != nil {
			w.logger.Debug().Err(err).Msg("redial failed")
			continue
		}
		if !w.setConn(conn) {
			return nil, false
		}
		return conn, true
	}
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)

	pongWait := 2 * w.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(defaultWriteTimeout))
				w.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if w.ctx.Err() == nil {
				w.logger.Warn().Err(err).Msg("event channel read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var envelope dto.EventEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Event == "" {
			w.logger.Debug().Err(err).Msg("dropping malformed envelope")
			continue
		}
		w.handlers.dispatch(envelope.Event, envelope.Data)
	}
}

func (w *WebSocket) write(ctx context.Context, envelope dto.EventEnvelope) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// setConn publishes conn unless Close already ran, in which case conn is closed.
func (w *WebSocket) setConn(conn *websocket.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		_ = conn.Close()
		return false
	}
	w.conn = conn
	return true
}

func (w *WebSocket) clearConn(conn *websocket.Conn) {
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
	_ = conn.Close()
}
