package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-sync/internal/dto"
	"github.com/noah-isme/gema-sync/internal/models"
	"github.com/noah-isme/gema-sync/internal/observability"
)

const (
	defaultSubmitTimeout = 15 * time.Second
	emitTimeout          = 5 * time.Second
)

// event outcomes recorded on sync_events_total
const (
	outcomeApplied    = "applied"
	outcomeAdopted    = "adopted"
	outcomeDuplicate  = "duplicate"
	outcomeIgnored    = "ignored"
	outcomeOutOfScope = "out_of_scope"
	outcomeMalformed  = "malformed"
	outcomeLifecycle  = "lifecycle"
	outcomeClosed     = "closed"
)

// ConversationOptions tunes conversation sessions.
type ConversationOptions struct {
	ActorID            string
	TypingDebounce     time.Duration
	RemoteTypingExpiry time.Duration
	AutoReadReceipts   bool
	SubmitTimeout      time.Duration
	// AfterFunc replaces time.AfterFunc for the typing timers.
	AfterFunc AfterFunc
}

// ConversationService opens synchronised views of conversations.
type ConversationService interface {
	Open(ctx context.Context, conversationID string) (*ConversationSession, error)
}

type conversationService struct {
	api       MessageAPI
	channel   EventChannel
	validator *validator.Validate
	opts      ConversationOptions
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewConversationService wires the request client and event channel into a
// session factory.
func NewConversationService(api MessageAPI, channel EventChannel, validate *validator.Validate, opts ConversationOptions, logger zerolog.Logger) ConversationService {
	if validate == nil {
		validate = validator.New()
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = defaultSubmitTimeout
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	return &conversationService{
		api:       api,
		channel:   channel,
		validator: validate,
		opts:      opts,
		logger:    logger.With().Str("component", "conversation_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-sync/internal/service/conversation"),
	}
}

// Open fetches the conversation, subscribes to its events and joins the room.
func (s *conversationService) Open(ctx context.Context, conversationID string) (*ConversationSession, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}

	ctx, span := s.tracer.Start(ctx, "conversation.open", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
	))
	defer span.End()

	messages, err := fetchMessages(ctx, s.api, conversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "initial fetch failed")
		return nil, err
	}

	session := &ConversationSession{
		id:        conversationID,
		actorID:   s.opts.ActorID,
		api:       s.api,
		channel:   s.channel,
		validator: s.validator,
		opts:      s.opts,
		logger:    s.logger.With().Str("conversation_id", conversationID).Logger(),
		tracer:    s.tracer,
		buffer:    NewOptimisticBuffer(),
		remote:    NewRemoteTyping(s.opts.RemoteTypingExpiry),
		expiry:    make(map[string]Stopper),
		messages:  messages,
	}
	session.typing = NewTypingDebouncer(s.opts.TypingDebounce, s.opts.AfterFunc, session.emitTyping)

	session.subscribe(s.channel, []string{
		dto.EventNewMessage,
		dto.EventTypingStart,
		dto.EventTypingStop,
		dto.EventMessageRead,
		dto.EventMessageDelivered,
		dto.EventJoinConversation,
		dto.EventLeaveConversation,
	}, session.HandleEvent)

	session.emit(dto.EventJoinConversation, dto.RoomEvent{ConversationID: conversationID, UserID: s.opts.ActorID})
	if s.opts.AutoReadReceipts && session.hasRemoteMessages() {
		session.emitReadReceipt()
	}

	session.logger.Debug().Int("messages", len(messages)).Msg("conversation opened")
	return session, nil
}

// ConversationSession is the local store of one open conversation. Every
// mutation funnels through mutate so async completions and inbound events
// apply as ordered transactions.
type ConversationSession struct {
	id        string
	actorID   string
	api       MessageAPI
	channel   EventChannel
	validator *validator.Validate
	opts      ConversationOptions
	logger    zerolog.Logger
	tracer    trace.Tracer

	buffer *OptimisticBuffer
	typing *TypingDebouncer
	remote *RemoteTyping

	syncState
	messages []models.Message
	expiry   map[string]Stopper
}

// ID returns the conversation identifier.
func (s *ConversationSession) ID() string {
	return s.id
}

// VisibleItems returns a copy of the messages in display order.
func (s *ConversationSession) VisibleItems() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Message looks a message up by durable or temporary id.
func (s *ConversationSession) Message(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexLocked(id); i >= 0 {
		return s.messages[i], true
	}
	return models.Message{}, false
}

// RemoteTyping lists the other actors currently typing.
func (s *ConversationSession) RemoteTyping() []string {
	return s.remote.Active()
}

// LocalTyping reports whether a typing-start is outstanding for the local actor.
func (s *ConversationSession) LocalTyping() bool {
	return s.typing.Typing()
}

// PendingSubmissions lists the optimistic entries still awaiting the server.
func (s *ConversationSession) PendingSubmissions() []models.OptimisticEntry {
	return s.buffer.Pending()
}

// OnLocalInput feeds composer text to the typing debouncer.
func (s *ConversationSession) OnLocalInput(text string) {
	if s.isClosed() {
		return
	}
	s.typing.OnInput(text)
}

// Submit inserts a pending message and persists it in the background. The
// returned id is temporary until the server confirms it. Only validation and
// a closed session produce an error; network failures surface as StatusFailed.
func (s *ConversationSession) Submit(ctx context.Context, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	payload := dto.CreateMessageRequest{Content: content}
	if err := s.validator.Struct(payload); err != nil {
		return "", err
	}

	ctx, span := s.tracer.Start(ctx, "conversation.submit", trace.WithAttributes(
		attribute.String("conversation.id", s.id),
	))
	defer span.End()

	s.typing.Stop()

	tempID := s.buffer.Track(models.KindMessage)
	inserted := false
	s.mutate(func() bool {
		s.messages = append(s.messages, models.Message{
			ID:             tempID,
			TempID:         tempID,
			ConversationID: s.id,
			Body:           content,
			SenderID:       s.actorID,
			CreatedAt:      time.Now().UTC(),
			Status:         models.StatusPending,
		})
		inserted = true
		return true
	})
	if !inserted {
		s.buffer.Abandon(tempID)
		return "", ErrSessionClosed
	}

	span.SetAttributes(attribute.String("message.temp_id", tempID))
	s.dispatch(ctx, tempID, content)
	return tempID, nil
}

// Retry resubmits a failed message with its original content.
func (s *ConversationSession) Retry(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "conversation.retry", trace.WithAttributes(
		attribute.String("conversation.id", s.id),
		attribute.String("message.id", id),
	))
	defer span.End()

	var (
		tempID  string
		content string
		err     error
	)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	i := s.indexLocked(id)
	switch {
	case i < 0:
		err = ErrMessageNotFound
	case s.messages[i].Status != models.StatusFailed || s.messages[i].TempID == "":
		err = fmt.Errorf("%w: message %s is %s", ErrNotRetryable, id, s.messages[i].Status)
	default:
		next, terr := Transition(s.messages[i].Status, models.StatusPending)
		if terr != nil {
			err = terr
			break
		}
		s.messages[i].Status = next
		tempID = s.messages[i].TempID
		content = s.messages[i].Body
		s.buffer.Reopen(tempID)
	}
	s.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		return err
	}
	s.notify()
	s.dispatch(ctx, tempID, content)
	return nil
}

// Refresh re-fetches the conversation and replaces the list wholesale. Local
// messages the server does not know yet are kept after the server list. On
// error the current list is left untouched.
func (s *ConversationSession) Refresh(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "conversation.refresh", trace.WithAttributes(
		attribute.String("conversation.id", s.id),
	))
	defer span.End()

	fetched, err := fetchMessages(ctx, s.api, s.id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		s.logger.Warn().Err(err).Msg("refresh failed, keeping last known list")
		return err
	}

	s.mutate(func() bool {
		local := make(map[string]models.Message, len(s.messages))
		for _, message := range s.messages {
			local[message.ID] = message
		}

		next := make([]models.Message, 0, len(fetched)+len(s.messages))
		known := make(map[string]struct{}, len(fetched))
		for _, message := range fetched {
			if previous, ok := local[message.ID]; ok {
				message.TempID = previous.TempID
				// read never regresses to the list's delivered
				if next, advanced := Advance(message.Status, previous.Status); advanced {
					message.Status = next
				}
			}
			known[message.ID] = struct{}{}
			next = append(next, message)
		}
		for _, message := range s.messages {
			if _, ok := known[message.ID]; ok {
				continue
			}
			if message.Status == models.StatusPending || message.Status == models.StatusFailed {
				next = append(next, message)
			}
		}
		s.messages = next
		return true
	})
	return nil
}

// HandleEvent reconciles one inbound channel event with the local store.
func (s *ConversationSession) HandleEvent(event string, payload json.RawMessage) {
	outcome := s.handleEvent(event, payload)
	observability.SyncEvents().WithLabelValues(event, outcome).Inc()
}

func (s *ConversationSession) handleEvent(event string, payload json.RawMessage) string {
	if s.isClosed() {
		return outcomeClosed
	}

	switch event {
	case dto.EventNewMessage:
		return s.onNewMessage(payload)
	case dto.EventTypingStart, dto.EventTypingStop:
		return s.onRemoteTyping(event, payload)
	case dto.EventMessageRead:
		return s.onMessageRead(payload)
	case dto.EventMessageDelivered:
		return s.onMessageDelivered(payload)
	case dto.EventJoinConversation, dto.EventLeaveConversation:
		var room dto.RoomEvent
		if err := json.Unmarshal(payload, &room); err != nil {
			return outcomeMalformed
		}
		if room.ConversationID != s.id {
			return outcomeOutOfScope
		}
		s.logger.Debug().Str("event", event).Str("user_id", room.UserID).Msg("room lifecycle")
		return outcomeLifecycle
	default:
		return outcomeIgnored
	}
}

func (s *ConversationSession) onNewMessage(payload json.RawMessage) string {
	var evt dto.NewMessageEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		s.logger.Debug().Err(err).Msg("dropping malformed new-message")
		return outcomeMalformed
	}
	if evt.ConversationID != s.id {
		return outcomeOutOfScope
	}
	message, err := evt.ToModel()
	if err != nil {
		s.logger.Debug().Err(err).Msg("dropping unmappable new-message")
		return outcomeMalformed
	}

	outcome := outcomeApplied
	remote := message.SenderID != s.actorID
	s.mutate(func() bool {
		if s.indexLocked(message.ID) >= 0 {
			outcome = outcomeDuplicate
			return false
		}
		if !remote {
			if i := s.provisionalMatchLocked(message.Body); i >= 0 {
				s.adoptLocked(i, message.ID)
				outcome = outcomeAdopted
				return true
			}
		}
		s.messages = append(s.messages, message)
		return true
	})

	if outcome == outcomeApplied && remote && s.opts.AutoReadReceipts {
		s.emitReadReceipt()
	}
	return outcome
}

func (s *ConversationSession) onRemoteTyping(event string, payload json.RawMessage) string {
	var evt dto.TypingEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return outcomeMalformed
	}
	if evt.ConversationID != s.id {
		return outcomeOutOfScope
	}
	if evt.UserID == "" || evt.UserID == s.actorID {
		return outcomeIgnored
	}

	typing := event == dto.EventTypingStart
	changed := s.remote.Set(evt.UserID, typing)
	s.scheduleTypingExpiry(evt.UserID, typing)
	if !changed {
		return outcomeIgnored
	}
	s.notify()
	return outcomeApplied
}

func (s *ConversationSession) onMessageRead(payload json.RawMessage) string {
	var evt dto.MessageReadEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return outcomeMalformed
	}
	if evt.ConversationID != s.id {
		return outcomeOutOfScope
	}
	// our own receipt echoed back says nothing about the other party
	if evt.UserID == "" || evt.UserID == s.actorID {
		return outcomeIgnored
	}

	outcome := outcomeIgnored
	s.mutate(func() bool {
		changed := false
		for i := range s.messages {
			if s.messages[i].SenderID != s.actorID {
				continue
			}
			if next, ok := Advance(s.messages[i].Status, models.StatusRead); ok {
				s.messages[i].Status = next
				changed = true
			}
		}
		if changed {
			outcome = outcomeApplied
		}
		return changed
	})
	return outcome
}

func (s *ConversationSession) onMessageDelivered(payload json.RawMessage) string {
	var evt dto.MessageDeliveredEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return outcomeMalformed
	}
	if evt.ConversationID != s.id {
		return outcomeOutOfScope
	}
	if evt.UserID == s.actorID {
		return outcomeIgnored
	}

	outcome := outcomeIgnored
	s.mutate(func() bool {
		i := s.indexLocked(evt.MessageID)
		if i < 0 || s.messages[i].SenderID != s.actorID {
			return false
		}
		current := s.messages[i].Status
		next, ok := Advance(current, models.StatusDelivered)
		if !ok {
			if current == models.StatusPending || current == models.StatusFailed {
				s.rejectTransition(current, models.StatusDelivered, s.messages[i].ID)
			}
			return false
		}
		s.messages[i].Status = next
		outcome = outcomeApplied
		return true
	})
	return outcome
}

// dispatch persists content for tempID on a goroutine that outlives the
// caller's context but not the submit timeout.
func (s *ConversationSession) dispatch(ctx context.Context, tempID, content string) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SubmitTimeout)
		defer cancel()

		reqCtx, span := s.tracer.Start(reqCtx, "conversation.create_message", trace.WithAttributes(
			attribute.String("conversation.id", s.id),
			attribute.String("message.temp_id", tempID),
		))
		resp, err := s.api.CreateMessage(reqCtx, s.id, dto.CreateMessageRequest{Content: content})
		if err == nil && strings.TrimSpace(resp.ID) == "" {
			err = fmt.Errorf("%w: create response without id", ErrMalformedResponse)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "create failed")
		}
		span.End()

		if err != nil {
			s.settleFailure(tempID, err)
			return
		}
		s.settleSuccess(tempID, resp.ID)
	}()
}

func (s *ConversationSession) settleSuccess(tempID, durableID string) {
	outcome := "discarded"
	s.mutate(func() bool {
		slot := s.tempIndexLocked(tempID)
		if slot < 0 {
			return false
		}
		outcome = "sent"
		s.buffer.Confirm(tempID, durableID)

		if s.messages[slot].ID == durableID {
			outcome = "already_adopted"
			return false
		}

		if holder := s.indexLocked(durableID); holder >= 0 && holder != slot {
			if s.messages[holder].TempID == "" && !s.messages[slot].Provisional() {
				// the slot adopted another device's copy; both messages are
				// durable, so only the temp correlation moves
				s.messages[holder].TempID = tempID
				s.messages[slot].TempID = ""
				s.buffer.Rebind(tempID, durableID)
				outcome = "reassigned"
				return true
			}
			if s.messages[holder].TempID == "" {
				// the echo landed as a separate entry before this response
				s.messages = append(s.messages[:holder:holder], s.messages[holder+1:]...)
				if holder < slot {
					slot--
				}
				s.confirmLocked(slot, durableID)
				outcome = "merged_echo"
				return true
			}
			// identical bodies adopted each other's echoes; swap ownership
			s.swapTempLocked(slot, holder)
			outcome = "swapped"
			return true
		}

		if !s.messages[slot].Provisional() {
			// this slot adopted a sibling's echo; hand the durable id to the
			// sibling still waiting for it
			if peer := s.provisionalMatchLocked(s.messages[slot].Body); peer >= 0 {
				s.swapTempLocked(slot, peer)
				s.confirmLocked(peer, durableID)
				outcome = "swapped"
				return true
			}
			outcome = "orphaned"
			return false
		}

		s.confirmLocked(slot, durableID)
		return true
	})

	observability.SyncSubmissions().WithLabelValues(string(models.KindMessage), outcome).Inc()
	if outcome == "discarded" {
		s.logger.Debug().Str("temp_id", tempID).Msg("discarding confirmation for closed session")
	}
}

func (s *ConversationSession) settleFailure(tempID string, cause error) {
	outcome := "discarded"
	s.mutate(func() bool {
		slot := s.tempIndexLocked(tempID)
		if slot < 0 {
			return false
		}
		outcome = "failed"
		if !s.messages[slot].Provisional() {
			// the echo already proved the write landed
			outcome = "already_adopted"
			return false
		}
		next, err := Transition(s.messages[slot].Status, models.StatusFailed)
		if err != nil {
			s.rejectTransition(s.messages[slot].Status, models.StatusFailed, tempID)
			outcome = "rejected"
			return false
		}
		s.messages[slot].Status = next
		s.buffer.Fail(tempID)
		return true
	})

	observability.SyncSubmissions().WithLabelValues(string(models.KindMessage), outcome).Inc()
	s.logger.Warn().Err(cause).Str("temp_id", tempID).Str("outcome", outcome).Msg("message submission failed")
}

// Close stops local typing, unsubscribes every listener and leaves the room.
// In-flight submissions keep running but their results are discarded.
func (s *ConversationSession) Close(ctx context.Context) error {
	if s.isClosed() {
		return nil
	}
	s.typing.Stop()

	unsubscribe, ok := s.markClosed(func() {
		for actorID, timer := range s.expiry {
			timer.Stop()
			delete(s.expiry, actorID)
		}
	})
	if !ok {
		return nil
	}

	for _, unsub := range unsubscribe {
		unsub()
	}
	s.remote.Clear()

	if err := s.channel.Emit(ctx, dto.EventLeaveConversation, dto.RoomEvent{ConversationID: s.id, UserID: s.actorID}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to emit leave-conversation")
		return err
	}
	s.logger.Debug().Msg("conversation closed")
	return nil
}

func (s *ConversationSession) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	for i := range s.messages {
		if s.messages[i].TempID == id {
			return i
		}
	}
	return -1
}

func (s *ConversationSession) tempIndexLocked(tempID string) int {
	for i := range s.messages {
		if s.messages[i].TempID == tempID {
			return i
		}
	}
	return -1
}

// provisionalMatchLocked finds the oldest pending local message carrying body.
func (s *ConversationSession) provisionalMatchLocked(body string) int {
	target := contentFingerprint(s.id, s.actorID, body)
	for i := range s.messages {
		message := s.messages[i]
		if !message.Provisional() || message.Status != models.StatusPending {
			continue
		}
		if contentFingerprint(message.ConversationID, message.SenderID, message.Body) == target {
			return i
		}
	}
	return -1
}

func (s *ConversationSession) adoptLocked(i int, durableID string) {
	s.buffer.Confirm(s.messages[i].TempID, durableID)
	s.confirmLocked(i, durableID)
}

func (s *ConversationSession) confirmLocked(i int, durableID string) {
	s.messages[i].ID = durableID
	if next, err := Transition(s.messages[i].Status, models.StatusSent); err == nil {
		s.messages[i].Status = next
	} else if s.messages[i].Status == models.StatusFailed {
		s.rejectTransition(models.StatusFailed, models.StatusSent, durableID)
	}
}

// swapTempLocked exchanges the temporary identities of two entries with the
// same body. A provisional entry stays provisional under its new temp id.
func (s *ConversationSession) swapTempLocked(a, b int) {
	ta, tb := s.messages[a].TempID, s.messages[b].TempID
	aProvisional, bProvisional := s.messages[a].Provisional(), s.messages[b].Provisional()
	s.messages[a].TempID, s.messages[b].TempID = tb, ta
	if aProvisional {
		s.messages[a].ID = tb
	}
	if bProvisional {
		s.messages[b].ID = ta
	}
}

func (s *ConversationSession) hasRemoteMessages() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, message := range s.messages {
		if message.SenderID != s.actorID {
			return true
		}
	}
	return false
}

func (s *ConversationSession) scheduleTypingExpiry(actorID string, typing bool) {
	if s.opts.RemoteTypingExpiry <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.expiry[actorID]; ok {
		timer.Stop()
		delete(s.expiry, actorID)
	}
	if !typing || s.closed {
		return
	}
	s.expiry[actorID] = s.opts.AfterFunc(s.opts.RemoteTypingExpiry, func() {
		if !s.isClosed() && !s.remote.IsTyping(actorID) {
			s.notify()
		}
	})
}

func (s *ConversationSession) rejectTransition(from, to models.DeliveryStatus, id string) {
	observability.RejectedTransitions().WithLabelValues(string(from), string(to)).Inc()
	s.logger.Debug().Str("message_id", id).Str("from", string(from)).Str("to", string(to)).Msg("transition rejected")
}

func (s *ConversationSession) emitTyping(kind models.PresenceKind) {
	observability.TypingSignals().WithLabelValues(string(kind)).Inc()
	s.emit(string(kind), dto.TypingEvent{ConversationID: s.id, UserID: s.actorID})
}

func (s *ConversationSession) emitReadReceipt() {
	s.emit(dto.EventMessageRead, dto.MessageReadEvent{ConversationID: s.id, UserID: s.actorID})
}

func (s *ConversationSession) emit(event string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	if err := s.channel.Emit(ctx, event, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("emit failed")
	}
}

func fetchMessages(ctx context.Context, api MessageAPI, conversationID string) ([]models.Message, error) {
	records, err := api.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	messages, err := dto.MessagesFromRecords(records)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	for _, message := range messages {
		if message.ConversationID != conversationID {
			return nil, fmt.Errorf("%w: message %s belongs to %s", ErrMalformedResponse, message.ID, message.ConversationID)
		}
	}
	return messages, nil
}
