package dto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/gema-sync/internal/models"
)

// Event channel names shared by the client core and the development backend.
const (
	EventNewMessage        = "new-message"
	EventTypingStart       = "typing-start"
	EventTypingStop        = "typing-stop"
	EventMessageRead       = "message-read"
	EventMessageDelivered  = "message-delivered"
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventJoinPost          = "join-post"
	EventLeavePost         = "leave-post"
	EventCommentCreated    = "comment-created"
	EventCommentLiked      = "comment-liked"
	EventCommentUnliked    = "comment-unliked"
)

// ErrInvalidRecord marks a server record that cannot be mapped onto the local model.
var ErrInvalidRecord = errors.New("invalid server record")

// EventEnvelope frames every payload carried over a persistent event channel.
type EventEnvelope struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	SentAt time.Time       `json:"sentAt,omitempty"`
}

// NewMessageEvent announces a message persisted by the server.
type NewMessageEvent struct {
	ConversationID string    `json:"conversationId"`
	ID             string    `json:"id"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// TypingEvent is the payload of typing-start and typing-stop.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// MessageReadEvent reports that UserID has seen the conversation.
type MessageReadEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// MessageDeliveredEvent reports transport-level receipt of one message.
type MessageDeliveredEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
}

// RoomEvent is the payload of join/leave lifecycle events.
type RoomEvent struct {
	ConversationID string `json:"conversationId,omitempty"`
	PostID         string `json:"postId,omitempty"`
	UserID         string `json:"userId,omitempty"`
}

// CommentLikeEvent carries the server-side like count after a toggle.
type CommentLikeEvent struct {
	PostID     string `json:"postId"`
	ID         string `json:"id"`
	UserID     string `json:"userId"`
	LikesCount int    `json:"likesCount"`
}

// AuthorRecord is the author projection embedded in comment records.
type AuthorRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// MessageRecord is the list-endpoint shape of a message.
type MessageRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// CommentRecord is the list-endpoint shape of a comment. It doubles as the
// comment-created event payload.
type CommentRecord struct {
	ID         string       `json:"id"`
	PostID     string       `json:"postId"`
	ParentID   string       `json:"parentId,omitempty"`
	Author     AuthorRecord `json:"author"`
	Content    string       `json:"content"`
	CreatedAt  time.Time    `json:"createdAt"`
	LikesCount int          `json:"likesCount"`
	LikedByMe  bool         `json:"likedByMe"`
}

// CreateMessageRequest is the body of the message create endpoint.
type CreateMessageRequest struct {
	Content string `json:"content" validate:"required,min=1,max=4000"`
}

// CreateCommentRequest is the body of the comment create endpoint.
type CreateCommentRequest struct {
	Content  string `json:"content" validate:"required,min=1,max=5000"`
	ParentID string `json:"parentId,omitempty" validate:"omitempty,max=64"`
}

// CreateResponse carries the durable identifier assigned by the server.
type CreateResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// LikeResponse is returned by the like toggle endpoints.
type LikeResponse struct {
	ID         string `json:"id"`
	Liked      bool   `json:"liked"`
	LikesCount int    `json:"likesCount"`
}

// ResponseEnvelope mirrors utils.APIResponse for clients decoding it lazily.
type ResponseEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message"`
}

// ToModel maps a record onto a delivered message.
func (r MessageRecord) ToModel() (models.Message, error) {
	if strings.TrimSpace(r.ID) == "" {
		return models.Message{}, fmt.Errorf("%w: message without id", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.ConversationID) == "" || strings.TrimSpace(r.SenderID) == "" {
		return models.Message{}, fmt.Errorf("%w: message %s missing conversation or sender", ErrInvalidRecord, r.ID)
	}
	return models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Body:           r.Content,
		SenderID:       r.SenderID,
		CreatedAt:      r.CreatedAt,
		Status:         models.StatusDelivered,
	}, nil
}

// ToModel maps a new-message event onto a delivered message.
func (e NewMessageEvent) ToModel() (models.Message, error) {
	return MessageRecord{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Content:        e.Content,
		CreatedAt:      e.CreatedAt,
	}.ToModel()
}

// ToModel maps a record onto a confirmed comment without replies.
func (r CommentRecord) ToModel() (models.Comment, error) {
	if strings.TrimSpace(r.ID) == "" {
		return models.Comment{}, fmt.Errorf("%w: comment without id", ErrInvalidRecord)
	}
	if r.LikesCount < 0 {
		return models.Comment{}, fmt.Errorf("%w: comment %s has negative likes", ErrInvalidRecord, r.ID)
	}
	return models.Comment{
		ID:       r.ID,
		PostID:   r.PostID,
		ParentID: r.ParentID,
		Author: models.AuthorSummary{
			ID:        r.Author.ID,
			Name:      r.Author.Name,
			AvatarURL: r.Author.AvatarURL,
		},
		Body:       r.Content,
		CreatedAt:  r.CreatedAt,
		LikesCount: r.LikesCount,
		LikedByMe:  r.LikedByMe,
		Outcome:    models.OutcomeConfirmed,
	}, nil
}

// MessagesFromRecords maps a whole list, failing on the first bad record so
// callers never apply a partial list.
func MessagesFromRecords(records []MessageRecord) ([]models.Message, error) {
	out := make([]models.Message, 0, len(records))
	for _, record := range records {
		message, err := record.ToModel()
		if err != nil {
			return nil, err
		}
		out = append(out, message)
	}
	return out, nil
}

// CommentsFromRecords maps a whole list with the same all-or-nothing rule.
func CommentsFromRecords(records []CommentRecord) ([]models.Comment, error) {
	out := make([]models.Comment, 0, len(records))
	for _, record := range records {
		comment, err := record.ToModel()
		if err != nil {
			return nil, err
		}
		out = append(out, comment)
	}
	return out, nil
}
