package models

import "time"

// DeliveryStatus is the lifecycle stage of a single chat message.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// Valid reports whether the status is one of the known delivery states.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	default:
		return false
	}
}

// Message is the local view of one chat message in an open conversation.
//
// ID holds the temporary identifier until the server assigns a durable one.
// TempID keeps the temporary identifier after replacement so late responses
// and retries can still be correlated.
type Message struct {
	ID             string         `json:"id"`
	TempID         string         `json:"temp_id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	Body           string         `json:"body"`
	SenderID       string         `json:"sender_id"`
	CreatedAt      time.Time      `json:"created_at"`
	Status         DeliveryStatus `json:"status"`
}

// Provisional reports whether the message still carries its temporary identifier.
func (m Message) Provisional() bool {
	return m.TempID != "" && m.ID == m.TempID
}

// Matches reports whether id names this message by either identifier.
func (m Message) Matches(id string) bool {
	return id != "" && (m.ID == id || m.TempID == id)
}
