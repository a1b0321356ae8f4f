package dto

import (
	"strconv"

	"github.com/noah-isme/gema-sync/internal/models"
)

// FormatID renders a storage key as the opaque string id used on the wire.
func FormatID(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseID parses a wire id back into a storage key.
func ParseID(raw string) (uint, bool) {
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || parsed == 0 {
		return 0, false
	}
	return uint(parsed), true
}

// NewMessageRecord maps a stored message onto its list shape.
func NewMessageRecord(message models.ConversationMessage) MessageRecord {
	return MessageRecord{
		ID:             FormatID(message.ID),
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		Content:        message.Content,
		CreatedAt:      message.CreatedAt.UTC(),
	}
}

// NewMessageRecordSlice maps a list of stored messages.
func NewMessageRecordSlice(messages []models.ConversationMessage) []MessageRecord {
	out := make([]MessageRecord, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewMessageRecord(message))
	}
	return out
}

// NewMessageEventFromRecord is the new-message broadcast for a stored message.
func NewMessageEventFromRecord(record MessageRecord) NewMessageEvent {
	return NewMessageEvent{
		ConversationID: record.ConversationID,
		ID:             record.ID,
		SenderID:       record.SenderID,
		Content:        record.Content,
		CreatedAt:      record.CreatedAt,
	}
}

// NewCommentRecord maps a stored comment and its like aggregate.
func NewCommentRecord(comment models.PostComment, likes int, likedByMe bool) CommentRecord {
	record := CommentRecord{
		ID:     FormatID(comment.ID),
		PostID: comment.PostID,
		Author: AuthorRecord{
			ID:   comment.AuthorID,
			Name: comment.AuthorName,
		},
		Content:    comment.Content,
		CreatedAt:  comment.CreatedAt.UTC(),
		LikesCount: likes,
		LikedByMe:  likedByMe,
	}
	if comment.ParentID != nil {
		record.ParentID = FormatID(*comment.ParentID)
	}
	return record
}
