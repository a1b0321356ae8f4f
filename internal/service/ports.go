package service

import (
	"context"
	"encoding/json"

	"github.com/noah-isme/gema-sync/internal/dto"
)

// MessageAPI is the request side of a conversation.
type MessageAPI interface {
	ListMessages(ctx context.Context, conversationID string) ([]dto.MessageRecord, error)
	CreateMessage(ctx context.Context, conversationID string, payload dto.CreateMessageRequest) (dto.CreateResponse, error)
}

// CommentAPI is the request side of a post's discussion.
type CommentAPI interface {
	ListComments(ctx context.Context, postID string) ([]dto.CommentRecord, error)
	CreateComment(ctx context.Context, postID string, payload dto.CreateCommentRequest) (dto.CreateResponse, error)
	Like(ctx context.Context, commentID string) (dto.LikeResponse, error)
	Unlike(ctx context.Context, commentID string) (dto.LikeResponse, error)
}

// EventChannel is the publish/subscribe transport the sessions listen on.
// Implementations live in internal/channel. Handlers must not be invoked
// from inside Subscribe.
type EventChannel interface {
	Subscribe(event string, handler func(payload json.RawMessage)) (unsubscribe func())
	Emit(ctx context.Context, event string, payload any) error
}
