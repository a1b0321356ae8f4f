// Package channel provides the persistent event channel implementations the
// sync sessions subscribe to: an in-process bus, a websocket client for the
// development backend, and NATS / Redis pub/sub transports.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-sync/internal/config"
	"github.com/noah-isme/gema-sync/internal/database"
	"github.com/noah-isme/gema-sync/internal/dto"
	"github.com/noah-isme/gema-sync/internal/service"
)

// ErrDisconnected is returned by Emit while the transport has no live connection.
var ErrDisconnected = errors.New("event channel disconnected")

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("event channel closed")

// Channel is an event channel with a lifecycle.
type Channel interface {
	service.EventChannel
	OnReconnect(fn func()) (remove func())
	Close() error
}

// Open builds the channel selected by cfg.ChannelDriver and connects it.
func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger) (Channel, error) {
	switch cfg.ChannelDriver {
	case config.ChannelMemory:
		return NewMemory(logger), nil
	case config.ChannelWebSocket:
		ws := NewWebSocket(WebSocketOptions{URL: cfg.ChannelURL, ActorID: cfg.ActorID}, logger)
		if err := ws.Connect(ctx); err != nil {
			return nil, err
		}
		return ws, nil
	case config.ChannelNATS:
		return DialNATS(cfg.NATSURL, cfg.ChannelBase, logger)
	case config.ChannelRedis:
		client, err := database.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return NewRedis(ctx, client, cfg.ChannelBase, logger), nil
	default:
		return nil, fmt.Errorf("unknown channel driver %q", cfg.ChannelDriver)
	}
}

// handlerSet keeps per-event subscribers. Dispatch copies the handler list so
// handlers run without the lock held and may subscribe or unsubscribe freely.
type handlerSet struct {
	mu       sync.RWMutex
	next     int
	handlers map[string]map[int]func(json.RawMessage)
}

// add registers handler and reports whether it is the first one for event.
func (h *handlerSet) add(event string, handler func(json.RawMessage)) (remove func(), first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.handlers == nil {
		h.handlers = make(map[string]map[int]func(json.RawMessage))
	}
	byID, ok := h.handlers[event]
	if !ok {
		byID = make(map[int]func(json.RawMessage))
		h.handlers[event] = byID
	}
	first = len(byID) == 0
	id := h.next
	h.next++
	byID[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.handlers[event], id)
		})
	}, first
}

func (h *handlerSet) snapshot(event string) []func(json.RawMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	byID := h.handlers[event]
	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]func(json.RawMessage), 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out
}

func (h *handlerSet) dispatch(event string, payload json.RawMessage) int {
	handlers := h.snapshot(event)
	for _, handler := range handlers {
		handler(payload)
	}
	return len(handlers)
}

func (h *handlerSet) events() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.handlers))
	for event, byID := range h.handlers {
		if len(byID) > 0 {
			out = append(out, event)
		}
	}
	sort.Strings(out)
	return out
}

// hookSet holds OnReconnect callbacks.
type hookSet struct {
	mu    sync.Mutex
	next  int
	hooks map[int]func()
}

func (h *hookSet) add(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hooks == nil {
		h.hooks = make(map[int]func())
	}
	id := h.next
	h.next++
	h.hooks[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.hooks, id)
	}
}

func (h *hookSet) fire() {
	h.mu.Lock()
	ids := make([]int, 0, len(h.hooks))
	for id := range h.hooks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hooks := make([]func(), 0, len(ids))
	for _, id := range ids {
		hooks = append(hooks, h.hooks[id])
	}
	h.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
}

// rooms remembers join events so a reconnecting transport can replay them.
type rooms struct {
	mu     sync.Mutex
	joined map[string]json.RawMessage
}

func roomKey(event string, payload json.RawMessage) (string, bool) {
	var room dto.RoomEvent
	if err := json.Unmarshal(payload, &room); err != nil {
		return "", false
	}
	switch event {
	case dto.EventJoinConversation, dto.EventLeaveConversation:
		return "conversation:" + strings.TrimSpace(room.ConversationID), room.ConversationID != ""
	case dto.EventJoinPost, dto.EventLeavePost:
		return "post:" + strings.TrimSpace(room.PostID), room.PostID != ""
	}
	return "", false
}

func joinEventFor(key string) string {
	if strings.HasPrefix(key, "post:") {
		return dto.EventJoinPost
	}
	return dto.EventJoinConversation
}

// track records join/leave events and ignores everything else.
func (r *rooms) track(event string, payload json.RawMessage) {
	key, ok := roomKey(event, payload)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.joined == nil {
		r.joined = make(map[string]json.RawMessage)
	}
	switch event {
	case dto.EventJoinConversation, dto.EventJoinPost:
		r.joined[key] = append(json.RawMessage(nil), payload...)
	default:
		delete(r.joined, key)
	}
}

type joinReplay struct {
	event   string
	payload json.RawMessage
}

func (r *rooms) replay() []joinReplay {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.joined))
	for key := range r.joined {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]joinReplay, 0, len(keys))
	for _, key := range keys {
		out = append(out, joinReplay{event: joinEventFor(key), payload: r.joined[key]})
	}
	return out
}

func encodePayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return raw, nil
}
