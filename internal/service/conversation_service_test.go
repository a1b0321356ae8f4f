package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-sync/internal/dto"
	"github.com/noah-isme/gema-sync/internal/models"
)

const localActor = "u-me"

type conversationFixture struct {
	api     *stubMessageAPI
	channel *stubChannel
	timers  *fakeTimers
	session *ConversationSession
}

func openConversation(t *testing.T, api *stubMessageAPI, mutate ...func(*ConversationOptions)) conversationFixture {
	t.Helper()

	channel := newStubChannel()
	timers := &fakeTimers{}
	opts := ConversationOptions{
		ActorID:            localActor,
		TypingDebounce:     2 * time.Second,
		RemoteTypingExpiry: 6 * time.Second,
		AutoReadReceipts:   true,
		SubmitTimeout:      2 * time.Second,
		AfterFunc:          timers.AfterFunc,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	svc := NewConversationService(api, channel, validator.New(validator.WithRequiredStructEnabled()), opts, zerolog.Nop())
	session, err := svc.Open(context.Background(), "c1")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = session.Close(context.Background())
	})
	return conversationFixture{api: api, channel: channel, timers: timers, session: session}
}

func record(id, sender, content string) dto.MessageRecord {
	return dto.MessageRecord{ID: id, ConversationID: "c1", SenderID: sender, Content: content, CreatedAt: time.Now().UTC()}
}

func newMessage(id, sender, content string) dto.NewMessageEvent {
	return dto.NewMessageEvent{ConversationID: "c1", ID: id, SenderID: sender, Content: content, CreatedAt: time.Now().UTC()}
}

func TestConversationSendSuccess(t *testing.T) {
	api := &stubMessageAPI{gate: make(chan createResult, 1)}
	fx := openConversation(t, api)

	tempID, err := fx.session.Submit(context.Background(), "hi")
	require.NoError(t, err)
	require.True(t, IsTemporaryID(tempID))

	items := fx.session.VisibleItems()
	require.Len(t, items, 1)
	require.Equal(t, tempID, items[0].ID)
	require.Equal(t, models.StatusPending, items[0].Status)
	require.Equal(t, "hi", items[0].Body)

	api.gate <- createResult{id: "m42"}
	settle(t, fx.session)

	items = fx.session.VisibleItems()
	require.Len(t, items, 1)
	require.Equal(t, "m42", items[0].ID)
	require.Equal(t, tempID, items[0].TempID)
	require.Equal(t, models.StatusSent, items[0].Status)
	require.Empty(t, fx.session.PendingSubmissions())
}

func TestConversationSendFailureThenRetry(t *testing.T) {
	api := &stubMessageAPI{}
	api.setScript(createResult{err: ErrTransientNetwork}, createResult{id: "m7"})
	fx := openConversation(t, api)

	tempID, err := fx.session.Submit(context.Background(), "are you there?")
	require.NoError(t, err)
	settle(t, fx.session)

	failed, ok := fx.session.Message(tempID)
	require.True(t, ok)
	require.Equal(t, models.StatusFailed, failed.Status)
	require.Equal(t, "are you there?", failed.Body)
	require.Len(t, fx.session.PendingSubmissions(), 1)

	require.NoError(t, fx.session.Retry(context.Background(), tempID))
	settle(t, fx.session)

	items := fx.session.VisibleItems()
	require.Len(t, items, 1)
	require.Equal(t, "m7", items[0].ID)
	require.Equal(t, models.StatusSent, items[0].Status)
	require.Equal(t, 2, api.callCount())
	require.Equal(t, "are you there?", api.calls[1].Content)
}

func TestConversationRetryRejectsNonFailedMessages(t *testing.T) {
	api := &stubMessageAPI{records: []dto.MessageRecord{record("m1", "u-other", "yo")}}
	fx := openConversation(t, api)

	require.ErrorIs(t, fx.session.Retry(context.Background(), "m1"), ErrNotRetryable)
	require.ErrorIs(t, fx.session.Retry(context.Background(), "missing"), ErrMessageNotFound)
	require.Equal(t, 0, api.callCount())
}

func TestConversationSubmitValidatesContent(t *testing.T) {
	api := &stubMessageAPI{}
	fx := openConversation(t, api)

	_, err := fx.session.Submit(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyContent)

	_, err = fx.session.Submit(context.Background(), strings.Repeat("x", 4001))
	var validationErrs validator.ValidationErrors
	require.True(t, errors.As(err, &validationErrs))

	require.Empty(t, fx.session.VisibleItems())
	require.Equal(t, 0, api.callCount())
}

func TestConversationDuplicateEchoIsDropped(t *testing.T) {
	api := &stubMessageAPI{}
	api.setScript(createResult{id: "m42"})
	fx := openConversation(t, api)

	_, err := fx.session.Submit(context.Background(), "hi")
	require.NoError(t, err)
	settle(t, fx.session)

	fx.channel.deliver(t, dto.EventNewMessage, newMessage("m42", localActor, "hi"))
	fx.channel.deliver(t, dto.EventNewMessage, newMessage("m42", localActor, "hi"))

	items := fx.session.VisibleItems()
	require.Len(t, items, 1)
	require.Equal(t, "m42", items[0].ID)
}

func TestConversationEchoBeforeResponseAdoptsDurableID(t *testing.T) {
	api := &stubMessageAPI{gate: make(chan createResult, 1)}
	fx := openConversation(t, api)

	tempID, err := fx.session.Submit(context.Background(), "racing")
	require.NoError(t, err)

	fx.channel.deliver(t, dto.EventNewMessage, newMessage("m9", localActor, "racing"))
	items := fx.session.VisibleItems()
	require.Len(t, items, 1)
	require.Equal(t, "m9", items[0].ID)
	require.Equal(t, models.StatusSent, items[0].Status)

	api.gate <- createResult{id: "m9"}
	settle(t, fx.session)

	items = fx.session.VisibleItems()
	require.Len(t, items, 1)
	require.Equal(t, "m9", items[0].ID)
	require.Equal(t, tempID, items[0].TempID)
}

func TestConversationOtherDeviceCopyIsKeptWhenOwnEchoArrivesSeparately(t *testing.T) {
	api := &stubMessageAPI{gate: make(chan createResult, 1)}
	fx := openConversation(t, api)

	tempID, err := fx.session.Submit(context.Background(), "ok")
	require.NoError(t, err)

	// the same actor sent "ok" from another device while this copy is pending
	fx.channel.deliver(t, dto.EventNewMessage, newMessage("A", localActor, "ok"))
	fx.channel.deliver(t, dto.EventNewMessage, newMessage("B", localActor, "ok"))
	require.Len(t, fx.session.VisibleItems(), 2)

	api.gate <- createResult{id: "B"}
	settle(t, fx.session)

	items := fx.session.VisibleItems()
	require.Len(t, items, 2)
	require.Equal(t, "A", items[0].ID)
	require.Empty(t, items[0].TempID)
	require.Equal(t, "B", items[1].ID)
	require.Equal(t, tempID, items[1].TempID)

	byTemp, ok := fx.session.Message(tempID)
	require.True(t, ok)
	require.Equal(t, "B", byTemp.ID)
	_, ok = fx.session.Message("A")
	require.True(t, ok)

	durable, ok := fx.session.buffer.DurableFor(tempID)
	require.True(t, ok)
	require.Equal(t, "B", durable)
}

func TestConversationIdenticalBodiesResolveToDistinctIDs(t *testing.T) {
	api := &stubMessageAPI{gate: make(chan createResult, 2)}
	fx := openConversation(t, api)

	first, err := fx.session.Submit(context.Background(), "ok")
	require.NoError(t, err)
	second, err := fx.session.Submit(context.Background(), "ok")
	require.NoError(t, err)

	// the server persisted the second POST first and echoed it
	fx.channel.deliver(t, dto.EventNewMessage, newMessage("m2", localActor, "ok"))
	fx.channel.deliver(t, dto.EventNewMessage, newMessage("m1", localActor, "ok"))

	api.gate <- createResult{id: "m1"}
	api.gate <- createResult{id: "m2"}
	settle(t, fx.session)

	items := fx.session.VisibleItems()
	require.Len(t, items, 2)
	require.ElementsMatch(t, []string{"m1", "m2"}, []string{items[0].ID, items[1].ID})
	for _, item := range items {
		require.Equal(t, models.StatusSent, item.Status)
	}
	require.ElementsMatch(t, []string{first, second}, []string{items[0].TempID, items[1].TempID})
}

func TestConversationRemoteMessagesAreDeliveredAndAcknowledged(t *testing.T) {
	api := &stubMessageAPI{records: []dto.MessageRecord{record("m1", "u-other", "hello")}}
	fx := openConversation(t, api)

	require.Len(t, fx.channel.named(dto.EventJoinConversation), 1)
	require.Len(t, fx.channel.named(dto.EventMessageRead), 1)

	fx.channel.deliver(t, dto.EventNewMessage, newMessage("m2", "u-other", "how are you"))
	items := fx.session.VisibleItems()
	require.Len(t, items, 2)
	require.Equal(t, models.StatusDelivered, items[1].Status)

	receipts := fx.channel.named(dto.EventMessageRead)
	require.Len(t, receipts, 2)
	var receipt dto.MessageReadEvent
	require.NoError(t, json.Unmarshal(receipts[1], &receipt))
	require.Equal(t, dto.MessageReadEvent{ConversationID: "c1", UserID: localActor}, receipt)
}

func TestConversationIgnoresOtherConversationsAndMalformedEvents(t *testing.T) {
	api := &stubMessageAPI{}
	fx := openConversation(t, api, func(o *ConversationOptions) { o.AutoReadReceipts = false })

	other := newMessage("m5", "u-other", "wrong room")
	other.ConversationID = "c2"
	fx.channel.deliver(t, dto.EventNewMessage, other)
	fx.session.HandleEvent(dto.EventNewMessage, json.RawMessage(`{"conversationId":`))
	fx.channel.deliver(t, dto.EventNewMessage, dto.NewMessageEvent{ConversationID: "c1", SenderID: "u-other"})

	require.Empty(t, fx.session.VisibleItems())
	require.Empty(t, fx.channel.named(dto.EventMessageRead))
}

func TestConversationReadReceiptAdvancesOnlyOwnMessages(t *testing.T) {
	api := &stubMessageAPI{records: []dto.MessageRecord{record("m1", "u-other", "ping")}}
	fx := openConversation(t, api)

	_, err := fx.session.Submit(context.Background(), "pong")
	require.NoError(t, err)
	settle(t, fx.session)

	fx.channel.deliver(t, dto.EventMessageRead, dto.MessageReadEvent{ConversationID: "c1", UserID: localActor})
	mine := fx.session.VisibleItems()[1]
	require.Equal(t, models.StatusSent, mine.Status)

	fx.channel.deliver(t, dto.EventMessageRead, dto.MessageReadEvent{ConversationID: "c9", UserID: "u-other"})
	require.Equal(t, models.StatusSent, fx.session.VisibleItems()[1].Status)

	fx.channel.deliver(t, dto.EventMessageRead, dto.MessageReadEvent{ConversationID: "c1", UserID: "u-other"})
	items := fx.session.VisibleItems()
	require.Equal(t, models.StatusDelivered, items[0].Status)
	require.Equal(t, models.StatusRead, items[1].Status)

	// a late delivery receipt must not pull read back
	fx.channel.deliver(t, dto.EventMessageDelivered, dto.MessageDeliveredEvent{ConversationID: "c1", MessageID: items[1].ID, UserID: "u-other"})
	require.Equal(t, models.StatusRead, fx.session.VisibleItems()[1].Status)
}

func TestConversationDeliveredReceiptAdvancesSentMessage(t *testing.T) {
	api := &stubMessageAPI{}
	fx := openConversation(t, api)

	_, err := fx.session.Submit(context.Background(), "knock")
	require.NoError(t, err)
	settle(t, fx.session)
	id := fx.session.VisibleItems()[0].ID

	fx.channel.deliver(t, dto.EventMessageDelivered, dto.MessageDeliveredEvent{ConversationID: "c1", MessageID: id, UserID: "u-other"})
	require.Equal(t, models.StatusDelivered, fx.session.VisibleItems()[0].Status)
}

func TestConversationOfflineSubmissionsNeverDuplicate(t *testing.T) {
	const n = 12
	api := &stubMessageAPI{}
	offline := make([]createResult, n)
	for i := range offline {
		offline[i] = createResult{err: ErrTransientNetwork}
	}
	api.setScript(offline...)
	fx := openConversation(t, api)

	tempIDs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := fx.session.Submit(context.Background(), fmt.Sprintf("queued %d", i))
		require.NoError(t, err)
		tempIDs = append(tempIDs, id)
	}
	settle(t, fx.session)
	for _, item := range fx.session.VisibleItems() {
		require.Equal(t, models.StatusFailed, item.Status)
	}

	// back online: the stub now hands out srv-1..srv-N
	for _, id := range tempIDs {
		require.NoError(t, fx.session.Retry(context.Background(), id))
	}
	settle(t, fx.session)

	items := fx.session.VisibleItems()
	require.Len(t, items, n)
	seen := make(map[string]struct{}, n)
	for i, item := range items {
		require.Equal(t, models.StatusSent, item.Status)
		require.False(t, IsTemporaryID(item.ID))
		require.Equal(t, tempIDs[i], item.TempID)
		seen[item.ID] = struct{}{}
		fx.channel.deliver(t, dto.EventNewMessage, newMessage(item.ID, localActor, item.Body))
	}
	require.Len(t, seen, n)
	require.Len(t, fx.session.VisibleItems(), n)
	require.Equal(t, 2*n, api.callCount())
}

func TestConversationTypingSignals(t *testing.T) {
	api := &stubMessageAPI{}
	fx := openConversation(t, api)

	fx.session.OnLocalInput("h")
	fx.session.OnLocalInput("he")
	require.Len(t, fx.channel.named(dto.EventTypingStart), 1)
	require.True(t, fx.session.LocalTyping())

	_, err := fx.session.Submit(context.Background(), "hey")
	require.NoError(t, err)
	require.Len(t, fx.channel.named(dto.EventTypingStop), 1)
	require.False(t, fx.session.LocalTyping())

	var payload dto.TypingEvent
	require.NoError(t, json.Unmarshal(fx.channel.named(dto.EventTypingStop)[0], &payload))
	require.Equal(t, dto.TypingEvent{ConversationID: "c1", UserID: localActor}, payload)
}

func TestConversationRemoteTyping(t *testing.T) {
	api := &stubMessageAPI{}
	fx := openConversation(t, api)

	changes := 0
	fx.session.OnChange(func() { changes++ })

	fx.channel.deliver(t, dto.EventTypingStart, dto.TypingEvent{ConversationID: "c1", UserID: localActor})
	require.Empty(t, fx.session.RemoteTyping())

	fx.channel.deliver(t, dto.EventTypingStart, dto.TypingEvent{ConversationID: "c1", UserID: "u-other"})
	require.Equal(t, []string{"u-other"}, fx.session.RemoteTyping())
	require.Equal(t, 1, changes)

	fx.channel.deliver(t, dto.EventTypingStop, dto.TypingEvent{ConversationID: "c1", UserID: "u-other"})
	require.Empty(t, fx.session.RemoteTyping())
	require.Equal(t, 2, changes)
}

func TestConversationRefreshReplacesListAndKeepsLocalState(t *testing.T) {
	api := &stubMessageAPI{records: []dto.MessageRecord{record("m1", "u-other", "one")}}
	api.setScript(createResult{id: "m2"}, createResult{err: ErrTransientNetwork})
	fx := openConversation(t, api)

	_, err := fx.session.Submit(context.Background(), "two")
	require.NoError(t, err)
	settle(t, fx.session)
	failedID, err := fx.session.Submit(context.Background(), "three")
	require.NoError(t, err)
	settle(t, fx.session)

	fx.channel.deliver(t, dto.EventMessageRead, dto.MessageReadEvent{ConversationID: "c1", UserID: "u-other"})

	api.mu.Lock()
	api.records = []dto.MessageRecord{
		record("m0", "u-other", "zero"),
		record("m1", "u-other", "one"),
		record("m2", localActor, "two"),
	}
	api.mu.Unlock()
	require.NoError(t, fx.session.Refresh(context.Background()))

	items := fx.session.VisibleItems()
	require.Len(t, items, 4)
	require.Equal(t, []string{"m0", "m1", "m2", failedID}, []string{items[0].ID, items[1].ID, items[2].ID, items[3].ID})
	require.Equal(t, models.StatusRead, items[2].Status)
	require.Equal(t, models.StatusFailed, items[3].Status)

	api.mu.Lock()
	api.listErr = ErrTransientNetwork
	api.mu.Unlock()
	require.ErrorIs(t, fx.session.Refresh(context.Background()), ErrTransientNetwork)
	require.Len(t, fx.session.VisibleItems(), 4)
}

func TestConversationRefreshRejectsMalformedList(t *testing.T) {
	api := &stubMessageAPI{records: []dto.MessageRecord{record("m1", "u-other", "one")}}
	fx := openConversation(t, api)

	api.mu.Lock()
	api.records = []dto.MessageRecord{record("m1", "u-other", "one"), {ID: "", ConversationID: "c1"}}
	api.mu.Unlock()

	require.ErrorIs(t, fx.session.Refresh(context.Background()), ErrMalformedResponse)
	require.Len(t, fx.session.VisibleItems(), 1)
}

func TestConversationOpenFailsOnMalformedList(t *testing.T) {
	api := &stubMessageAPI{records: []dto.MessageRecord{{ID: "m1", ConversationID: "c1"}}}
	svc := NewConversationService(api, newStubChannel(), nil, ConversationOptions{ActorID: localActor}, zerolog.Nop())

	_, err := svc.Open(context.Background(), "c1")
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestConversationCloseReleasesListenersAndDiscardsLateResults(t *testing.T) {
	api := &stubMessageAPI{gate: make(chan createResult, 1)}
	fx := openConversation(t, api)
	require.Positive(t, fx.channel.subscribers())

	fx.session.OnLocalInput("typing")
	_, err := fx.session.Submit(context.Background(), "in flight")
	require.NoError(t, err)
	fx.session.OnLocalInput("again")

	require.NoError(t, fx.session.Close(context.Background()))
	require.Zero(t, fx.channel.subscribers())

	names := fx.channel.names()
	require.Equal(t, dto.EventLeaveConversation, names[len(names)-1])
	require.Equal(t, dto.EventTypingStop, names[len(names)-2])

	api.gate <- createResult{id: "m1"}
	settle(t, fx.session)

	items := fx.session.VisibleItems()
	require.Len(t, items, 1)
	require.Equal(t, models.StatusPending, items[0].Status)

	_, err = fx.session.Submit(context.Background(), "after close")
	require.ErrorIs(t, err, ErrSessionClosed)
	require.ErrorIs(t, fx.session.Retry(context.Background(), items[0].ID), ErrSessionClosed)
	require.NoError(t, fx.session.Close(context.Background()))
}
