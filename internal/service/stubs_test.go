package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-sync/internal/dto"
)

type emittedEvent struct {
	name    string
	payload json.RawMessage
}

type stubChannel struct {
	mu       sync.Mutex
	handlers map[string]map[int]func(json.RawMessage)
	next     int
	emitted  []emittedEvent
	emitErr  error
}

func newStubChannel() *stubChannel {
	return &stubChannel{handlers: make(map[string]map[int]func(json.RawMessage))}
}

func (c *stubChannel) Subscribe(event string, handler func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]func(json.RawMessage))
	}
	id := c.next
	c.next++
	c.handlers[event][id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

func (c *stubChannel) Emit(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, emittedEvent{name: event, payload: raw})
	return c.emitErr
}

func (c *stubChannel) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	c.mu.Lock()
	handlers := make([]func(json.RawMessage), 0, len(c.handlers[event]))
	for _, handler := range c.handlers[event] {
		handlers = append(handlers, handler)
	}
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(raw)
	}
}

func (c *stubChannel) subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, handlers := range c.handlers {
		total += len(handlers)
	}
	return total
}

func (c *stubChannel) named(event string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]json.RawMessage, 0)
	for _, emitted := range c.emitted {
		if emitted.name == event {
			out = append(out, emitted.payload)
		}
	}
	return out
}

func (c *stubChannel) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.emitted))
	for _, emitted := range c.emitted {
		out = append(out, emitted.name)
	}
	return out
}

type createResult struct {
	id  string
	err error
}

// stubMessageAPI answers creates from a script. With a gate set, each create
// blocks until a result is pushed onto it.
type stubMessageAPI struct {
	mu        sync.Mutex
	records   []dto.MessageRecord
	listErr   error
	script    []createResult
	gate      chan createResult
	calls     []dto.CreateMessageRequest
	listCalls int
	nextID    int
}

func (a *stubMessageAPI) ListMessages(ctx context.Context, conversationID string) ([]dto.MessageRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	if a.listErr != nil {
		return nil, a.listErr
	}
	out := make([]dto.MessageRecord, len(a.records))
	copy(out, a.records)
	return out, nil
}

func (a *stubMessageAPI) CreateMessage(ctx context.Context, conversationID string, payload dto.CreateMessageRequest) (dto.CreateResponse, error) {
	a.mu.Lock()
	a.calls = append(a.calls, payload)
	gate := a.gate
	a.mu.Unlock()

	var result createResult
	if gate != nil {
		select {
		case result = <-gate:
		case <-ctx.Done():
			return dto.CreateResponse{}, ctx.Err()
		}
	} else {
		a.mu.Lock()
		if len(a.script) > 0 {
			result = a.script[0]
			a.script = a.script[1:]
		} else {
			a.nextID++
			result = createResult{id: fmt.Sprintf("srv-%d", a.nextID)}
		}
		a.mu.Unlock()
	}
	if result.err != nil {
		return dto.CreateResponse{}, result.err
	}
	return dto.CreateResponse{ID: result.id, CreatedAt: time.Now().UTC()}, nil
}

func (a *stubMessageAPI) setScript(results ...createResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script = results
}

func (a *stubMessageAPI) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type likeCall struct {
	id    string
	liked bool
}

type stubCommentAPI struct {
	mu         sync.Mutex
	records    []dto.CommentRecord
	listErr    error
	createErr  error
	createGate chan createResult
	likeGate   chan error
	likeCalls  []likeCall
	listCalls  int
	nextID     int
}

func (a *stubCommentAPI) ListComments(ctx context.Context, postID string) ([]dto.CommentRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	out := make([]dto.CommentRecord, len(a.records))
	copy(out, a.records)
	return out, nil
}

func (a *stubCommentAPI) lists() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listCalls
}

func (a *stubCommentAPI) CreateComment(ctx context.Context, postID string, payload dto.CreateCommentRequest) (dto.CreateResponse, error) {
	a.mu.Lock()
	gate := a.createGate
	a.mu.Unlock()

	if gate != nil {
		result := <-gate
		if result.err != nil {
			return dto.CreateResponse{}, result.err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.createErr != nil {
		return dto.CreateResponse{}, a.createErr
	}
	a.nextID++
	id := fmt.Sprintf("c-new-%d", a.nextID)
	a.records = append(a.records, dto.CommentRecord{
		ID:       id,
		PostID:   postID,
		ParentID: payload.ParentID,
		Author:   dto.AuthorRecord{ID: "u-me", Name: "Me"},
		Content:  payload.Content,
	})
	return dto.CreateResponse{ID: id}, nil
}

func (a *stubCommentAPI) Like(ctx context.Context, commentID string) (dto.LikeResponse, error) {
	return a.toggle(commentID, true)
}

func (a *stubCommentAPI) Unlike(ctx context.Context, commentID string) (dto.LikeResponse, error) {
	return a.toggle(commentID, false)
}

func (a *stubCommentAPI) toggle(commentID string, liked bool) (dto.LikeResponse, error) {
	a.mu.Lock()
	a.likeCalls = append(a.likeCalls, likeCall{id: commentID, liked: liked})
	gate := a.likeGate
	a.mu.Unlock()

	if gate != nil {
		if err := <-gate; err != nil {
			return dto.LikeResponse{}, err
		}
	}
	return dto.LikeResponse{ID: commentID, Liked: liked, LikesCount: -1}, nil
}

type fakeTimer struct {
	owner   *fakeTimers
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// fakeTimers records scheduled callbacks so tests fire them explicitly.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) Stopper {
	f.mu.Lock()
	defer f.mu.Unlock()
	timer := &fakeTimer{owner: f, delay: d, fn: fn}
	f.timers = append(f.timers, timer)
	return timer
}

// fireActive runs every callback whose timer was not stopped.
func (f *fakeTimers) fireActive() {
	f.mu.Lock()
	active := make([]*fakeTimer, 0)
	for _, timer := range f.timers {
		if !timer.stopped {
			timer.stopped = true
			active = append(active, timer)
		}
	}
	f.mu.Unlock()

	for _, timer := range active {
		timer.fn()
	}
}

// fireAll runs every callback ever scheduled, stopped or not, the way a
// real timer can still fire after losing a Stop race.
func (f *fakeTimers) fireAll() {
	f.mu.Lock()
	all := append([]*fakeTimer(nil), f.timers...)
	f.mu.Unlock()

	for _, timer := range all {
		timer.fn()
	}
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

func settle(t *testing.T, s interface{ Settle(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Settle(ctx))
}
