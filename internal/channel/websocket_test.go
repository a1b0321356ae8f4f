package channel

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-sync/internal/dto"
)

// relayServer broadcasts every envelope it receives to all connections.
type relayServer struct {
	mu     sync.Mutex
	conns  map[*fiberws.Conn]struct{}
	joins  []string
	actors []string
}

func startRelay(t *testing.T) (*relayServer, string) {
	t.Helper()
	relay := &relayServer{conns: make(map[*fiberws.Conn]struct{})}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use("/ws", func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", fiberws.New(relay.serve))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	return relay, "ws://" + ln.Addr().String() + "/ws"
}

func (r *relayServer) serve(conn *fiberws.Conn) {
	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.actors = append(r.actors, conn.Query("actor_id"))
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var envelope dto.EventEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		r.mu.Lock()
		if envelope.Event == dto.EventJoinConversation || envelope.Event == dto.EventJoinPost {
			r.joins = append(r.joins, envelope.Event)
		}
		for peer := range r.conns {
			_ = peer.WriteMessage(fiberws.TextMessage, data)
		}
		r.mu.Unlock()
	}
}

func (r *relayServer) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conn := range r.conns {
		_ = conn.Close()
	}
}

func (r *relayServer) joinCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.joins)
}

func (r *relayServer) connCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func dialTest(t *testing.T, url, actor string) *WebSocket {
	t.Helper()
	ws := NewWebSocket(WebSocketOptions{URL: url, ActorID: actor, RedialInterval: 20 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ws.Connect(ctx))
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func TestWebSocketRelaysEnvelopes(t *testing.T) {
	relay, url := startRelay(t)
	alice := dialTest(t, url, "u-alice")
	bob := dialTest(t, url, "u-bob")
	require.Eventually(t, func() bool { return relay.connCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	rec := &recorder{}
	bob.Subscribe(dto.EventNewMessage, rec.handler("bob"))

	require.NoError(t, alice.Emit(context.Background(), dto.EventNewMessage, dto.NewMessageEvent{ConversationID: "c1", ID: "m1", SenderID: "u-alice", Content: "hi"}))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	var got dto.NewMessageEvent
	require.NoError(t, json.Unmarshal([]byte(rec.snapshot()[0][len("bob:"):]), &got))
	require.Equal(t, "m1", got.ID)

	relay.mu.Lock()
	require.ElementsMatch(t, []string{"u-alice", "u-bob"}, relay.actors)
	relay.mu.Unlock()
}

func TestWebSocketReconnectReplaysJoins(t *testing.T) {
	relay, url := startRelay(t)
	client := dialTest(t, url, "u-me")

	var fired atomic.Int32
	client.OnReconnect(func() { fired.Add(1) })

	require.NoError(t, client.Emit(context.Background(), dto.EventJoinConversation, dto.RoomEvent{ConversationID: "c1", UserID: "u-me"}))
	require.Eventually(t, func() bool { return relay.joinCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	relay.dropAll()

	require.Eventually(t, func() bool { return fired.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return relay.joinCount() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ws := NewWebSocket(WebSocketOptions{URL: "ws://" + addr + "/ws"}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorIs(t, ws.Connect(ctx), ErrDisconnected)
	require.NoError(t, ws.Close())
}

func TestWebSocketEmitAfterClose(t *testing.T) {
	_, url := startRelay(t)
	client := dialTest(t, url, "u-me")
	require.NoError(t, client.Close())
	require.ErrorIs(t, client.Emit(context.Background(), dto.EventTypingStart, dto.TypingEvent{}), ErrClosed)
}
