package service

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/noah-isme/gema-sync/internal/models"
)

const tempIDPrefix = "tmp-"

// OptimisticBuffer correlates temporary identifiers with the durable ones the
// server assigns. Identifiers are unique for the lifetime of the process: a
// random session prefix plus a monotonic counter.
type OptimisticBuffer struct {
	mu      sync.Mutex
	session string
	counter atomic.Uint64
	entries map[string]*models.OptimisticEntry
	now     func() time.Time
}

// NewOptimisticBuffer creates an empty buffer with a fresh session prefix.
func NewOptimisticBuffer() *OptimisticBuffer {
	return &OptimisticBuffer{
		session: strings.SplitN(uuid.NewString(), "-", 2)[0],
		entries: make(map[string]*models.OptimisticEntry),
		now:     time.Now,
	}
}

// IsTemporaryID reports whether id was minted by an optimistic buffer.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// Track registers a new pending submission and returns its temporary id.
func (b *OptimisticBuffer) Track(kind models.EntityKind) string {
	id := fmt.Sprintf("%s%s-%d", tempIDPrefix, b.session, b.counter.Add(1))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[id] = &models.OptimisticEntry{
		TempID:      id,
		Kind:        kind,
		SubmittedAt: b.now(),
		Outcome:     models.OutcomePending,
	}
	return id
}

// Confirm records the durable id for tempID. A temporary id is replaced only
// once; later confirmations report false and leave the first mapping intact.
func (b *OptimisticBuffer) Confirm(tempID, durableID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[tempID]
	if !ok || entry.DurableID != "" || durableID == "" {
		return false
	}
	entry.DurableID = durableID
	entry.Outcome = models.OutcomeConfirmed
	return true
}

// Rebind points an already confirmed entry at the durable id the server
// answered with, after an echo from another device was adopted first.
func (b *OptimisticBuffer) Rebind(tempID, durableID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[tempID]
	if !ok || entry.Outcome != models.OutcomeConfirmed || durableID == "" {
		return false
	}
	entry.DurableID = durableID
	return true
}

// Fail marks the entry failed so it can be retried or abandoned.
func (b *OptimisticBuffer) Fail(tempID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[tempID]
	if !ok || entry.Outcome == models.OutcomeConfirmed {
		return false
	}
	entry.Outcome = models.OutcomeFailed
	return true
}

// Reopen moves a failed entry back to pending ahead of a retry.
func (b *OptimisticBuffer) Reopen(tempID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[tempID]
	if !ok || entry.Outcome != models.OutcomeFailed {
		return false
	}
	entry.Outcome = models.OutcomePending
	entry.SubmittedAt = b.now()
	return true
}

// Abandon drops the entry from the pending set.
func (b *OptimisticBuffer) Abandon(tempID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, tempID)
}

// DurableFor returns the durable id confirmed for tempID, if any.
func (b *OptimisticBuffer) DurableFor(tempID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[tempID]
	if !ok || entry.DurableID == "" {
		return "", false
	}
	return entry.DurableID, true
}

// Entry returns a copy of the entry for tempID.
func (b *OptimisticBuffer) Entry(tempID string) (models.OptimisticEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[tempID]
	if !ok {
		return models.OptimisticEntry{}, false
	}
	return *entry, true
}

// Pending lists entries that are not yet confirmed, oldest first.
func (b *OptimisticBuffer) Pending() []models.OptimisticEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.OptimisticEntry, 0, len(b.entries))
	for _, entry := range b.entries {
		if entry.Outcome != models.OutcomeConfirmed {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].TempID < out[j].TempID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// contentFingerprint identifies a message body within a conversation so an
// echoed event can be matched to its provisional copy before the durable id
// is known.
func contentFingerprint(scope, actorID, body string) uint64 {
	digest := xxhash.New()
	_, _ = digest.WriteString(scope)
	_, _ = digest.WriteString("\x00")
	_, _ = digest.WriteString(actorID)
	_, _ = digest.WriteString("\x00")
	_, _ = digest.WriteString(strings.TrimSpace(body))
	return digest.Sum64()
}
