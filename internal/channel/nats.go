package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-sync/internal/observability"
)

// NATS carries events on subjects named <base>.<event>.
type NATS struct {
	conn     *nats.Conn
	ownsConn bool
	base     string
	handlers handlerSet
	hooks    hookSet
	logger   zerolog.Logger

	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	closed bool
}

// DialNATS connects to url and reconnects forever, running the OnReconnect
// hooks after each successful reconnect.
func DialNATS(url, base string, logger zerolog.Logger) (*NATS, error) {
	n := newNATS(base, logger)
	conn, err := nats.Connect(url,
		nats.Name("gema-sync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			observability.ChannelReconnects().WithLabelValues("nats").Inc()
			n.logger.Info().Msg("nats reconnected")
			n.hooks.fire()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect nats: %v", ErrDisconnected, err)
	}
	n.conn = conn
	n.ownsConn = true
	return n, nil
}

// NewNATS wraps an existing connection. The caller keeps ownership of conn.
func NewNATS(conn *nats.Conn, base string, logger zerolog.Logger) *NATS {
	n := newNATS(base, logger)
	n.conn = conn
	return n
}

func newNATS(base string, logger zerolog.Logger) *NATS {
	return &NATS{
		base:   natsSubjectBase(base),
		subs:   make(map[string]*nats.Subscription),
		logger: logger.With().Str("component", "nats_channel").Logger(),
	}
}

func natsSubjectBase(base string) string {
	base = strings.Trim(strings.ReplaceAll(strings.TrimSpace(base), ":", "."), ".")
	if base == "" {
		return "gema.sync"
	}
	return base
}

func (n *NATS) subject(event string) string {
	return n.base + "." + event
}

func (n *NATS) Subscribe(event string, handler func(payload json.RawMessage)) func() {
	remove, _ := n.handlers.add(event, handler)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return remove
	}
	if _, ok := n.subs[event]; ok {
		return remove
	}
	sub, err := n.conn.Subscribe(n.subject(event), func(msg *nats.Msg) {
		n.handlers.dispatch(event, json.RawMessage(msg.Data))
	})
	if err != nil {
		n.logger.Error().Err(err).Str("event", event).Msg("failed to subscribe to nats subject")
		return remove
	}
	n.subs[event] = sub
	return remove
}

func (n *NATS) Emit(_ context.Context, event string, payload any) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrClosed
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject(event), raw); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrDisconnected, event, err)
	}
	return nil
}

func (n *NATS) OnReconnect(fn func()) func() {
	return n.hooks.add(fn)
}

func (n *NATS) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	for event, sub := range subs {
		if err := sub.Drain(); err != nil {
			n.logger.Warn().Err(err).Str("event", event).Msg("failed to drain nats subscription")
		}
	}
	if n.ownsConn {
		n.conn.Close()
	}
	return nil
}
