package models

import "time"

// PresenceKind distinguishes typing start/stop signals.
type PresenceKind string

const (
	TypingStart PresenceKind = "typing-start"
	TypingStop  PresenceKind = "typing-stop"
)

// PresenceSignal is an ephemeral typing indicator. It is never persisted.
type PresenceSignal struct {
	ConversationID string       `json:"conversation_id"`
	ActorID        string       `json:"actor_id"`
	Kind           PresenceKind `json:"kind"`
}

// EntityKind names the kind of entity an optimistic entry stands in for.
type EntityKind string

const (
	KindMessage EntityKind = "message"
	KindComment EntityKind = "comment"
	KindLike    EntityKind = "like"
)

// EntryOutcome tracks where an optimistic submission stands.
type EntryOutcome string

const (
	OutcomePending   EntryOutcome = "pending"
	OutcomeConfirmed EntryOutcome = "confirmed"
	OutcomeFailed    EntryOutcome = "failed"
)

// OptimisticEntry correlates a temporary identifier with its eventual durable one.
type OptimisticEntry struct {
	TempID      string       `json:"temp_id"`
	DurableID   string       `json:"durable_id,omitempty"`
	Kind        EntityKind   `json:"kind"`
	SubmittedAt time.Time    `json:"submitted_at"`
	Outcome     EntryOutcome `json:"outcome"`
}
