package models

import "time"

// ConversationMessage is the development backend's persisted chat message.
type ConversationMessage struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID string    `gorm:"size:128;index" json:"conversation_id"`
	SenderID       string    `gorm:"size:64;index" json:"sender_id"`
	Content        string    `gorm:"type:text" json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PostComment is the development backend's persisted comment.
type PostComment struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	PostID     string    `gorm:"size:128;index" json:"post_id"`
	ParentID   *uint     `gorm:"index" json:"parent_id"`
	AuthorID   string    `gorm:"size:64;index" json:"author_id"`
	AuthorName string    `gorm:"size:128" json:"author_name"`
	Content    string    `gorm:"type:text" json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CommentLike records one actor's like on a comment. The composite key
// makes like/unlike idempotent per (comment, actor).
type CommentLike struct {
	CommentID uint      `gorm:"primaryKey" json:"comment_id"`
	ActorID   string    `gorm:"primaryKey;size:64" json:"actor_id"`
	CreatedAt time.Time `json:"created_at"`
}
