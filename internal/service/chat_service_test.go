package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-sync/internal/dto"
	"github.com/noah-isme/gema-sync/internal/hub"
	"github.com/noah-isme/gema-sync/internal/repository"
)

func newChatFixture(t *testing.T, redisClient *redis.Client) (*chatService, *hub.Hub) {
	t.Helper()
	rooms := hub.New(zerolog.Nop())
	svc := NewChatService(
		repository.NewChatRepository(newBackendDB(t)),
		rooms,
		redisClient,
		"gema:test",
		nil,
		validator.New(validator.WithRequiredStructEnabled()),
		zerolog.Nop(),
	)
	return svc.(*chatService), rooms
}

func joinedClient(t *testing.T, svc *chatService, rooms *hub.Hub, actor, conversationID string) *hub.Client {
	t.Helper()
	client := hub.NewClient(actor, 16)
	rooms.Register(client)
	payload, err := json.Marshal(dto.RoomEvent{ConversationID: conversationID, UserID: actor})
	require.NoError(t, err)
	require.NoError(t, svc.handleInbound(context.Background(), client, dto.EventEnvelope{Event: dto.EventJoinConversation, Data: payload}))
	return client
}

func nextFrame(t *testing.T, client *hub.Client) dto.EventEnvelope {
	t.Helper()
	select {
	case frame := <-client.Outbound():
		var envelope dto.EventEnvelope
		require.NoError(t, json.Unmarshal(frame, &envelope))
		return envelope
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame for %s", client.ActorID)
		return dto.EventEnvelope{}
	}
}

func requireNoFrame(t *testing.T, client *hub.Client) {
	t.Helper()
	select {
	case frame := <-client.Outbound():
		t.Fatalf("unexpected frame for %s: %s", client.ActorID, frame)
	default:
	}
}

func TestChatServiceCreateBroadcastsAndAcknowledgesDelivery(t *testing.T) {
	svc, rooms := newChatFixture(t, nil)
	alice := joinedClient(t, svc, rooms, "alice", "c1")
	bob := joinedClient(t, svc, rooms, "bob", "c1")
	ctx := context.Background()

	created, err := svc.CreateMessage(ctx, "c1", "alice", dto.CreateMessageRequest{Content: "<b>hi</b><script>x</script>"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	for _, client := range []*hub.Client{alice, bob} {
		envelope := nextFrame(t, client)
		require.Equal(t, dto.EventNewMessage, envelope.Event)
		var event dto.NewMessageEvent
		require.NoError(t, json.Unmarshal(envelope.Data, &event))
		require.Equal(t, created.ID, event.ID)
		require.Equal(t, "<b>hi</b>", event.Content)

		envelope = nextFrame(t, client)
		require.Equal(t, dto.EventMessageDelivered, envelope.Event)
		var receipt dto.MessageDeliveredEvent
		require.NoError(t, json.Unmarshal(envelope.Data, &receipt))
		require.Equal(t, created.ID, receipt.MessageID)
		require.Equal(t, "bob", receipt.UserID)
	}

	records, err := svc.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "alice", records[0].SenderID)
}

func TestChatServiceCreateValidation(t *testing.T) {
	svc, _ := newChatFixture(t, nil)
	ctx := context.Background()

	_, err := svc.CreateMessage(ctx, "c1", "alice", dto.CreateMessageRequest{})
	require.Error(t, err)
	_, err = svc.CreateMessage(ctx, "c1", "alice", dto.CreateMessageRequest{Content: "<script>only</script>"})
	require.ErrorIs(t, err, ErrEmptyContent)
	_, err = svc.CreateMessage(ctx, " ", "alice", dto.CreateMessageRequest{Content: "hi"})
	require.Error(t, err)
}

func TestChatServiceRelaysPresenceToOtherMembers(t *testing.T) {
	svc, rooms := newChatFixture(t, nil)
	alice := joinedClient(t, svc, rooms, "alice", "c1")
	bob := joinedClient(t, svc, rooms, "bob", "c1")
	outsider := hub.NewClient("mallory", 4)
	rooms.Register(outsider)

	spoofed, err := json.Marshal(dto.TypingEvent{ConversationID: "c1", UserID: "someone-else"})
	require.NoError(t, err)
	require.NoError(t, svc.handleInbound(context.Background(), alice, dto.EventEnvelope{Event: dto.EventTypingStart, Data: spoofed}))

	envelope := nextFrame(t, bob)
	require.Equal(t, dto.EventTypingStart, envelope.Event)
	var typing dto.TypingEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &typing))
	require.Equal(t, "alice", typing.UserID)
	requireNoFrame(t, alice)

	require.Error(t, svc.handleInbound(context.Background(), outsider, dto.EventEnvelope{Event: dto.EventMessageRead, Data: spoofed}))
	requireNoFrame(t, bob)

	require.Error(t, svc.handleInbound(context.Background(), alice, dto.EventEnvelope{Event: dto.EventNewMessage, Data: spoofed}))

	leave, err := json.Marshal(dto.RoomEvent{ConversationID: "c1"})
	require.NoError(t, err)
	require.NoError(t, svc.handleInbound(context.Background(), bob, dto.EventEnvelope{Event: dto.EventLeaveConversation, Data: leave}))
	require.NoError(t, svc.handleInbound(context.Background(), alice, dto.EventEnvelope{Event: dto.EventTypingStop, Data: spoofed}))
	requireNoFrame(t, bob)
}

func TestChatServiceFansOutAcrossNodesViaRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return client
	}

	nodeA, _ := newChatFixture(t, newClient())
	nodeB, roomsB := newChatFixture(t, newClient())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	nodeB.Start(ctx)

	listener := joinedClient(t, nodeB, roomsB, "bob", "c9")

	require.Eventually(t, func() bool {
		_ = nodeA.Publish(context.Background(), hub.ConversationRoom("c9"), dto.EventMessageRead, dto.MessageReadEvent{ConversationID: "c9", UserID: "alice"})
		select {
		case frame := <-listener.Outbound():
			var envelope dto.EventEnvelope
			return json.Unmarshal(frame, &envelope) == nil && envelope.Event == dto.EventMessageRead
		default:
			return false
		}
	}, 3*time.Second, 50*time.Millisecond)
}
