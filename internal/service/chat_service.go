package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-sync/internal/dto"
	"github.com/noah-isme/gema-sync/internal/hub"
	"github.com/noah-isme/gema-sync/internal/middleware"
	"github.com/noah-isme/gema-sync/internal/models"
	"github.com/noah-isme/gema-sync/internal/observability"
	"github.com/noah-isme/gema-sync/internal/repository"
)

const (
	chatSendBufferSize = 64
	chatPingInterval   = 30 * time.Second
)

// ChatConnectionOptions wraps metadata extracted during the HTTP upgrade.
type ChatConnectionOptions struct {
	ActorID       string
	CorrelationID string
	Context       context.Context
}

// RoomPublisher pushes an event to every connection in a room.
type RoomPublisher interface {
	Publish(ctx context.Context, room, event string, payload any) error
}

// ChatService serves conversation messages and the realtime channel of the
// development backend.
type ChatService interface {
	RoomPublisher
	ServeConnection(conn *websocket.Conn, opts ChatConnectionOptions)
	ListMessages(ctx context.Context, conversationID string) ([]dto.MessageRecord, error)
	CreateMessage(ctx context.Context, conversationID, senderID string, payload dto.CreateMessageRequest) (dto.CreateResponse, error)
	Start(ctx context.Context)
}

type chatService struct {
	repo         repository.ChatRepository
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	validator    *validator.Validate
	logger       zerolog.Logger
	tracer       trace.Tracer
	sanitizer    *bluemonday.Policy
	hub          *hub.Hub
	nodeID       string
}

// realtimeEvent relays a room frame between backend nodes.
type realtimeEvent struct {
	Source   string            `json:"source"`
	Room     string            `json:"room"`
	Envelope dto.EventEnvelope `json:"envelope"`
}

// NewChatService creates the chat service. redisClient and natsConn are
// optional and only used to fan events out to other backend nodes.
func NewChatService(repo repository.ChatRepository, rooms *hub.Hub, redisClient *redis.Client, channelBase string, natsConn *nats.Conn, validate *validator.Validate, logger zerolog.Logger) ChatService {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	redisChannel := ""
	natsSubject := ""
	if channelBase != "" {
		redisChannel = channelBase + ":realtime"
		natsSubject = strings.ReplaceAll(channelBase, ":", ".") + ".realtime"
	}

	return &chatService{
		repo:         repo,
		redis:        redisClient,
		redisChannel: redisChannel,
		nats:         natsConn,
		natsSubject:  natsSubject,
		validator:    validate,
		logger:       logger.With().Str("component", "chat_service").Logger(),
		tracer:       otel.Tracer("github.com/noah-isme/gema-sync/internal/service/chat"),
		sanitizer:    sanitizer,
		hub:          rooms,
		nodeID:       uuid.NewString(),
	}
}

func (s *chatService) Start(ctx context.Context) {
	if s.redis != nil && s.redisChannel != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeNATS(ctx)
	}
}

func (s *chatService) ListMessages(ctx context.Context, conversationID string) ([]dto.MessageRecord, error) {
	conversationID = strings.TrimSpace(conversationID)
	if err := s.validator.Var(conversationID, "required,max=128"); err != nil {
		return nil, err
	}

	messages, err := s.repo.ListByConversation(ctx, conversationID, time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	return dto.NewMessageRecordSlice(messages), nil
}

func (s *chatService) CreateMessage(ctx context.Context, conversationID, senderID string, payload dto.CreateMessageRequest) (dto.CreateResponse, error) {
	conversationID = strings.TrimSpace(conversationID)
	if err := s.validator.Var(conversationID, "required,max=128"); err != nil {
		return dto.CreateResponse{}, err
	}
	if err := s.validator.Struct(payload); err != nil {
		return dto.CreateResponse{}, err
	}

	clean := strings.TrimSpace(s.sanitizer.Sanitize(payload.Content))
	if clean == "" {
		return dto.CreateResponse{}, fmt.Errorf("%w after sanitization", ErrEmptyContent)
	}

	attrs := []attribute.KeyValue{
		attribute.String("chat.conversation_id", conversationID),
		attribute.String("chat.sender_id", senderID),
	}
	if correlation := middleware.CorrelationIDFromContext(ctx); correlation != "" {
		attrs = append(attrs, attribute.String("correlation_id", correlation))
	}

	spanCtx, span := s.tracer.Start(ctx, "chat.create", trace.WithAttributes(attrs...))
	defer span.End()

	model := models.ConversationMessage{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        clean,
	}
	if err := s.repo.Save(spanCtx, &model); err != nil {
		span.RecordError(err)
		return dto.CreateResponse{}, err
	}

	record := dto.NewMessageRecord(model)
	room := hub.ConversationRoom(conversationID)
	if err := s.Publish(spanCtx, room, dto.EventNewMessage, dto.NewMessageEventFromRecord(record)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish new-message")
	}

	// connected recipients have the message on their transport now
	for _, actor := range s.hub.Actors(room) {
		if actor == senderID {
			continue
		}
		receipt := dto.MessageDeliveredEvent{ConversationID: conversationID, MessageID: record.ID, UserID: actor}
		if err := s.Publish(spanCtx, room, dto.EventMessageDelivered, receipt); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish message-delivered")
		}
	}

	s.logger.Info().Str("message_id", record.ID).Str("conversation_id", conversationID).Msg("message stored")
	return dto.CreateResponse{ID: record.ID, CreatedAt: record.CreatedAt}, nil
}

// Publish broadcasts locally and to the other backend nodes.
func (s *chatService) Publish(ctx context.Context, room, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	envelope := dto.EventEnvelope{Event: event, Data: raw, SentAt: time.Now().UTC()}
	if err := s.broadcast(room, envelope, nil); err != nil {
		return err
	}
	return s.fanout(ctx, room, envelope)
}

func (s *chatService) broadcast(room string, envelope dto.EventEnvelope, skip *hub.Client) error {
	frame, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	s.hub.Broadcast(room, frame, skip)
	return nil
}

func (s *chatService) fanout(ctx context.Context, room string, envelope dto.EventEnvelope) error {
	if (s.redis == nil || s.redisChannel == "") && (s.nats == nil || s.natsSubject == "") {
		return nil
	}

	payload, err := json.Marshal(realtimeEvent{Source: s.nodeID, Room: room, Envelope: envelope})
	if err != nil {
		return err
	}

	if s.redis != nil && s.redisChannel != "" {
		if err := s.redis.Publish(ctx, s.redisChannel, payload).Err(); err != nil {
			return err
		}
	}
	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *chatService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisChannel)
	defer func() {
		_ = pubsub.Close()
	}()
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("realtime redis subscription closed")
			return
		}
		s.handleRemote([]byte(msg.Payload))
	}
}

func (s *chatService) consumeNATS(ctx context.Context) {
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleRemote(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to realtime nats subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain realtime nats subscription")
		}
	}()
}

func (s *chatService) handleRemote(data []byte) {
	var event realtimeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid realtime event")
		return
	}
	if event.Source == s.nodeID || event.Room == "" {
		return
	}
	if err := s.broadcast(event.Room, event.Envelope, nil); err != nil {
		s.logger.Warn().Err(err).Msg("failed to relay remote realtime event")
	}
}

type chatConnection struct {
	conn    *websocket.Conn
	client  *hub.Client
	service *chatService
	ctx     context.Context
	logger  zerolog.Logger
	closed  chan struct{}
	once    sync.Once
}

func (s *chatService) ServeConnection(conn *websocket.Conn, opts ChatConnectionOptions) {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if opts.CorrelationID != "" {
		baseCtx = middleware.ContextWithCorrelation(baseCtx, opts.CorrelationID)
	}

	c := &chatConnection{
		conn:    conn,
		client:  hub.NewClient(opts.ActorID, chatSendBufferSize),
		service: s,
		ctx:     baseCtx,
		logger:  s.logger.With().Str("actor_id", opts.ActorID).Logger(),
		closed:  make(chan struct{}),
	}

	s.hub.Register(c.client)
	observability.RealtimeConnections().Inc()
	defer observability.RealtimeConnections().Dec()

	go c.writer()
	c.reader()
}

func (c *chatConnection) reader() {
	defer c.close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug().Err(err).Msg("realtime read loop ended")
			return
		}

		var envelope dto.EventEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Event == "" {
			c.logger.Debug().Err(err).Msg("ignoring malformed realtime frame")
			continue
		}
		if err := c.service.handleInbound(c.ctx, c.client, envelope); err != nil {
			c.logger.Debug().Err(err).Str("event", envelope.Event).Msg("realtime frame rejected")
		}
	}
}

func (c *chatConnection) writer() {
	defer c.close()

	ticker := time.NewTicker(chatPingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.client.Outbound():
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug().Err(err).Msg("realtime write loop terminated")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.logger.Debug().Err(err).Msg("realtime ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *chatConnection) close() {
	c.once.Do(func() {
		close(c.closed)
		c.service.hub.Unregister(c.client)
		_ = c.conn.Close()
	})
}

// handleInbound applies a frame sent by a connected client. Room membership
// is managed here; presence and receipts are relayed to the other members,
// with the user id forced to the connection's actor.
func (s *chatService) handleInbound(ctx context.Context, client *hub.Client, envelope dto.EventEnvelope) error {
	switch envelope.Event {
	case dto.EventJoinConversation, dto.EventLeaveConversation, dto.EventJoinPost, dto.EventLeavePost:
		var room dto.RoomEvent
		if err := json.Unmarshal(envelope.Data, &room); err != nil {
			return err
		}
		name := ""
		switch envelope.Event {
		case dto.EventJoinConversation, dto.EventLeaveConversation:
			name = hub.ConversationRoom(strings.TrimSpace(room.ConversationID))
			if room.ConversationID == "" {
				return errors.New("conversationId required")
			}
		default:
			name = hub.PostRoom(strings.TrimSpace(room.PostID))
			if room.PostID == "" {
				return errors.New("postId required")
			}
		}
		if envelope.Event == dto.EventJoinConversation || envelope.Event == dto.EventJoinPost {
			s.hub.Join(client, name)
		} else {
			s.hub.Leave(client, name)
		}
		return nil

	case dto.EventTypingStart, dto.EventTypingStop:
		var typing dto.TypingEvent
		if err := json.Unmarshal(envelope.Data, &typing); err != nil {
			return err
		}
		typing.UserID = client.ActorID
		return s.relay(ctx, client, typing.ConversationID, envelope.Event, typing)

	case dto.EventMessageRead:
		var read dto.MessageReadEvent
		if err := json.Unmarshal(envelope.Data, &read); err != nil {
			return err
		}
		read.UserID = client.ActorID
		return s.relay(ctx, client, read.ConversationID, envelope.Event, read)

	case dto.EventMessageDelivered:
		var delivered dto.MessageDeliveredEvent
		if err := json.Unmarshal(envelope.Data, &delivered); err != nil {
			return err
		}
		delivered.UserID = client.ActorID
		return s.relay(ctx, client, delivered.ConversationID, envelope.Event, delivered)
	}

	return fmt.Errorf("event %q is not accepted from clients", envelope.Event)
}

func (s *chatService) relay(ctx context.Context, from *hub.Client, conversationID, event string, payload any) error {
	room := hub.ConversationRoom(conversationID)
	if conversationID == "" || !s.hub.Member(from, room) {
		return fmt.Errorf("%s: not a member of %s", event, room)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	envelope := dto.EventEnvelope{Event: event, Data: raw, SentAt: time.Now().UTC()}
	if err := s.broadcast(room, envelope, from); err != nil {
		return err
	}
	return s.fanout(ctx, room, envelope)
}
