package service

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/gema-sync/internal/models"
)

// DefaultTypingDebounce is the inactivity window before a typing-stop is sent.
const DefaultTypingDebounce = 2 * time.Second

// Stopper is the part of *time.Timer the debouncer relies on.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it once adapted.
type AfterFunc func(d time.Duration, f func()) Stopper

func realAfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// TypingDebouncer turns keystrokes into start/stop presence signals. A start
// is emitted once per typing burst and a stop follows either the inactivity
// timeout, an emptied input, or an explicit Stop.
type TypingDebouncer struct {
	mu         sync.Mutex
	delay      time.Duration
	afterFunc  AfterFunc
	emit       func(models.PresenceKind)
	typing     bool
	timer      Stopper
	generation uint64
}

// NewTypingDebouncer builds a debouncer. A nil afterFunc uses time.AfterFunc.
func NewTypingDebouncer(delay time.Duration, afterFunc AfterFunc, emit func(models.PresenceKind)) *TypingDebouncer {
	if delay <= 0 {
		delay = DefaultTypingDebounce
	}
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	return &TypingDebouncer{
		delay:     delay,
		afterFunc: afterFunc,
		emit:      emit,
	}
}

// OnInput feeds the current composer text.
func (d *TypingDebouncer) OnInput(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		d.stopLocked()
		return
	}

	if !d.typing {
		d.typing = true
		d.emit(models.TypingStart)
	}

	d.cancelTimerLocked()
	d.generation++
	generation := d.generation
	d.timer = d.afterFunc(d.delay, func() {
		d.expire(generation)
	})
}

// Stop emits typing-stop if the local actor is still flagged as typing. It is
// called on send and on close.
func (d *TypingDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

// Typing reports whether a start has been emitted without a matching stop.
func (d *TypingDebouncer) Typing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}

func (d *TypingDebouncer) expire(generation uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// a newer keystroke re-armed the timer after this one fired
	if generation != d.generation || !d.typing {
		return
	}
	d.timer = nil
	d.typing = false
	d.emit(models.TypingStop)
}

func (d *TypingDebouncer) stopLocked() {
	d.cancelTimerLocked()
	d.generation++
	if !d.typing {
		return
	}
	d.typing = false
	d.emit(models.TypingStop)
}

func (d *TypingDebouncer) cancelTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// RemoteTyping holds one typing flag per remote actor. Flags older than the
// expiry are treated as cleared, so a lost typing-stop cannot leave an actor
// typing forever. A zero expiry trusts remote stops completely.
type RemoteTyping struct {
	mu     sync.Mutex
	expiry time.Duration
	now    func() time.Time
	actors map[string]time.Time
}

// NewRemoteTyping creates an empty tracker.
func NewRemoteTyping(expiry time.Duration) *RemoteTyping {
	return &RemoteTyping{
		expiry: expiry,
		now:    time.Now,
		actors: make(map[string]time.Time),
	}
}

// Set records a start (typing=true) or stop for actorID and reports whether
// the visible state changed.
func (r *RemoteTyping) Set(actorID string, typing bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	was := r.activeLocked(actorID)
	if typing {
		r.actors[actorID] = r.now()
	} else {
		delete(r.actors, actorID)
	}
	return was != typing
}

// IsTyping reports whether actorID currently shows as typing.
func (r *RemoteTyping) IsTyping(actorID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked(actorID)
}

// Active lists the actors currently typing, sorted by id.
func (r *RemoteTyping) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.actors))
	for actorID := range r.actors {
		if r.activeLocked(actorID) {
			out = append(out, actorID)
		}
	}
	sort.Strings(out)
	return out
}

// Clear forgets every actor.
func (r *RemoteTyping) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actors = make(map[string]time.Time)
}

func (r *RemoteTyping) activeLocked(actorID string) bool {
	seen, ok := r.actors[actorID]
	if !ok {
		return false
	}
	if r.expiry > 0 && r.now().Sub(seen) >= r.expiry {
		delete(r.actors, actorID)
		return false
	}
	return true
}
