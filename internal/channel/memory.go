package channel

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-sync/internal/observability"
)

const memoryQueueSize = 256

type memoryEvent struct {
	event   string
	payload json.RawMessage
	flushed chan struct{}
}

// Memory is an in-process event channel. Every emitted event is delivered to
// all subscribers of that event, the emitter included, in emit order on a
// single dispatch goroutine. Emit never blocks: once the queue is full,
// events wait in an ordered backlog, so handlers may emit freely.
type Memory struct {
	handlers handlerSet
	hooks    hookSet
	queue    chan memoryEvent
	wake     chan struct{}
	mu       sync.Mutex
	backlog  []memoryEvent
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewMemory starts an in-process bus.
func NewMemory(logger zerolog.Logger) *Memory {
	m := &Memory{
		queue:  make(chan memoryEvent, memoryQueueSize),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "memory_channel").Logger(),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *Memory) Subscribe(event string, handler func(payload json.RawMessage)) func() {
	remove, _ := m.handlers.add(event, handler)
	return remove
}

func (m *Memory) Emit(ctx context.Context, event string, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return m.enqueue(ctx, memoryEvent{event: event, payload: raw})
}

// Flush blocks until every event emitted before the call has been dispatched.
func (m *Memory) Flush(ctx context.Context) error {
	marker := memoryEvent{flushed: make(chan struct{})}
	if err := m.enqueue(ctx, marker); err != nil {
		return err
	}
	select {
	case <-marker.flushed:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnReconnect registers fn for Reconnect.
func (m *Memory) OnReconnect(fn func()) func() {
	return m.hooks.add(fn)
}

// Reconnect runs the reconnect hooks as a real transport would after
// re-establishing its connection.
func (m *Memory) Reconnect() {
	observability.ChannelReconnects().WithLabelValues("memory").Inc()
	m.hooks.fire()
}

func (m *Memory) Close() error {
	m.once.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
	return nil
}

func (m *Memory) enqueue(ctx context.Context, ev memoryEvent) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if len(m.backlog) == 0 {
		select {
		case m.queue <- ev:
			m.mu.Unlock()
			return nil
		default:
		}
	}
	m.backlog = append(m.backlog, ev)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// popBacklog takes the oldest overflow event. Queued events always precede
// the backlog, so it is only consulted once the queue is drained.
func (m *Memory) popBacklog() (memoryEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.backlog) == 0 {
		return memoryEvent{}, false
	}
	ev := m.backlog[0]
	m.backlog[0] = memoryEvent{}
	m.backlog = m.backlog[1:]
	return ev, true
}

func (m *Memory) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev := <-m.queue:
			m.dispatch(ev)
			continue
		default:
		}

		if ev, ok := m.popBacklog(); ok {
			m.dispatch(ev)
			continue
		}

		select {
		case ev := <-m.queue:
			m.dispatch(ev)
		case <-m.wake:
		case <-m.done:
			return
		}
	}
}

func (m *Memory) dispatch(ev memoryEvent) {
	if ev.flushed != nil {
		close(ev.flushed)
		return
	}
	if n := m.handlers.dispatch(ev.event, ev.payload); n == 0 {
		m.logger.Debug().Str("event", ev.event).Msg("event without subscribers")
	}
}
