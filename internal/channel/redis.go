package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-sync/internal/observability"
)

const redisSubscribeTimeout = 5 * time.Second

// Redis carries events over pub/sub channels named <base>:<event>. go-redis
// resubscribes on its own after a dropped connection; the confirmations that
// follow are what trigger the OnReconnect hooks.
type Redis struct {
	client   *redis.Client
	base     string
	pubsub   *redis.PubSub
	handlers handlerSet
	hooks    hookSet
	logger   zerolog.Logger

	mu         sync.Mutex
	pending    map[string]chan struct{}
	confirmed  map[string]bool
	subscribed map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedis starts a consumer on client. The caller keeps ownership of client.
func NewRedis(ctx context.Context, client *redis.Client, base string, logger zerolog.Logger) *Redis {
	base = strings.Trim(strings.TrimSpace(base), ":")
	if base == "" {
		base = "gema.sync"
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Redis{
		client:     client,
		base:       base,
		pubsub:     client.Subscribe(runCtx),
		logger:     logger.With().Str("component", "redis_channel").Logger(),
		pending:    make(map[string]chan struct{}),
		confirmed:  make(map[string]bool),
		subscribed: make(map[string]bool),
		ctx:        runCtx,
		cancel:     cancel,
	}

	r.wg.Add(1)
	go r.consume()
	return r
}

func (r *Redis) channelName(event string) string {
	return r.base + ":" + event
}

func (r *Redis) eventName(channel string) string {
	return strings.TrimPrefix(channel, r.base+":")
}

// Subscribe registers handler and, for the first handler of event, waits for
// the server to confirm the subscription so nothing published afterwards is missed.
func (r *Redis) Subscribe(event string, handler func(payload json.RawMessage)) func() {
	remove, _ := r.handlers.add(event, handler)

	name := r.channelName(event)
	r.mu.Lock()
	if r.subscribed[name] || r.ctx.Err() != nil {
		r.mu.Unlock()
		return remove
	}
	r.subscribed[name] = true
	wait := make(chan struct{})
	r.pending[name] = wait
	r.mu.Unlock()

	if err := r.pubsub.Subscribe(r.ctx, name); err != nil {
		r.logger.Error().Err(err).Str("channel", name).Msg("failed to subscribe to redis channel")
		return remove
	}

	timer := time.NewTimer(redisSubscribeTimeout)
	defer timer.Stop()
	select {
	case <-wait:
	case <-timer.C:
		r.logger.Warn().Str("channel", name).Msg("redis subscription not confirmed in time")
	case <-r.ctx.Done():
	}
	return remove
}

func (r *Redis) Emit(ctx context.Context, event string, payload any) error {
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channelName(event), []byte(raw)).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrDisconnected, event, err)
	}
	return nil
}

func (r *Redis) OnReconnect(fn func()) func() {
	return r.hooks.add(fn)
}

func (r *Redis) Close() error {
	r.cancel()
	err := r.pubsub.Close()
	r.wg.Wait()
	return err
}

func (r *Redis) consume() {
	defer r.wg.Done()
	for {
		msg, err := r.pubsub.Receive(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			r.logger.Debug().Err(err).Msg("redis receive failed")
			select {
			case <-time.After(100 * time.Millisecond):
			case <-r.ctx.Done():
				return
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				r.confirm(m.Channel)
			}
		case *redis.Message:
			r.handlers.dispatch(r.eventName(m.Channel), json.RawMessage(m.Payload))
		}
	}
}

// confirm resolves a pending Subscribe, or detects a resubscription after a
// reconnect. Only the first re-confirmation of a round fires the hooks.
func (r *Redis) confirm(channel string) {
	r.mu.Lock()
	if wait, ok := r.pending[channel]; ok {
		delete(r.pending, channel)
		r.confirmed[channel] = true
		r.mu.Unlock()
		close(wait)
		return
	}

	reconnected := r.confirmed[channel]
	if reconnected {
		r.confirmed = map[string]bool{channel: true}
	} else {
		r.confirmed[channel] = true
	}
	r.mu.Unlock()

	if reconnected {
		observability.ChannelReconnects().WithLabelValues("redis").Inc()
		r.logger.Info().Msg("redis channel resubscribed")
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.hooks.fire()
		}()
	}
}
