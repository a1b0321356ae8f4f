package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-sync/internal/dto"
	"github.com/noah-isme/gema-sync/internal/hub"
	"github.com/noah-isme/gema-sync/internal/models"
	"github.com/noah-isme/gema-sync/internal/repository"
)

var (
	// ErrCommentNotFound indicates the referenced comment does not exist.
	ErrCommentNotFound = errors.New("comment not found")
	// ErrInvalidParent indicates a reply names a parent outside the post.
	ErrInvalidParent = errors.New("parent comment does not belong to post")
)

// DiscussionService exposes the comment thread use-cases of the development backend.
type DiscussionService interface {
	ListComments(ctx context.Context, postID, viewerID string) ([]dto.CommentRecord, error)
	CreateComment(ctx context.Context, postID string, author dto.AuthorRecord, payload dto.CreateCommentRequest) (dto.CreateResponse, error)
	Like(ctx context.Context, commentID, actorID string) (dto.LikeResponse, error)
	Unlike(ctx context.Context, commentID, actorID string) (dto.LikeResponse, error)
}

type discussionService struct {
	repo      repository.DiscussionRepository
	publisher RoomPublisher
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	sanitizer *bluemonday.Policy
}

// NewDiscussionService constructs a discussion service. publisher may be nil.
func NewDiscussionService(repo repository.DiscussionRepository, publisher RoomPublisher, validate *validator.Validate, logger zerolog.Logger) DiscussionService {
	policy := bluemonday.UGCPolicy()
	policy.AllowElements("br")

	return &discussionService{
		repo:      repo,
		publisher: publisher,
		validator: validate,
		logger:    logger.With().Str("component", "discussion_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-sync/internal/service/discussion"),
		sanitizer: policy,
	}
}

func (s *discussionService) ListComments(ctx context.Context, postID, viewerID string) ([]dto.CommentRecord, error) {
	postID = strings.TrimSpace(postID)
	if err := s.validator.Var(postID, "required,max=128"); err != nil {
		return nil, err
	}

	views, err := s.repo.ListByPost(ctx, postID, viewerID)
	if err != nil {
		return nil, err
	}

	records := make([]dto.CommentRecord, 0, len(views))
	for _, view := range views {
		records = append(records, dto.NewCommentRecord(view.PostComment, view.LikesCount, view.LikedByMe))
	}
	return records, nil
}

func (s *discussionService) CreateComment(ctx context.Context, postID string, author dto.AuthorRecord, payload dto.CreateCommentRequest) (dto.CreateResponse, error) {
	postID = strings.TrimSpace(postID)
	if err := s.validator.Var(postID, "required,max=128"); err != nil {
		return dto.CreateResponse{}, err
	}
	if err := s.validator.Struct(payload); err != nil {
		return dto.CreateResponse{}, err
	}

	sanitized := strings.TrimSpace(s.sanitizer.Sanitize(payload.Content))
	if sanitized == "" {
		return dto.CreateResponse{}, fmt.Errorf("%w after sanitization", ErrEmptyContent)
	}

	attrs := []attribute.KeyValue{
		attribute.String("discussion.post_id", postID),
		attribute.String("discussion.author_id", author.ID),
	}
	spanCtx, span := s.tracer.Start(ctx, "discussion.create", trace.WithAttributes(attrs...))
	defer span.End()

	comment := models.PostComment{
		PostID:     postID,
		AuthorID:   author.ID,
		AuthorName: author.Name,
		Content:    sanitized,
	}

	if parentRaw := strings.TrimSpace(payload.ParentID); parentRaw != "" {
		parentID, ok := dto.ParseID(parentRaw)
		if !ok {
			return dto.CreateResponse{}, ErrInvalidParent
		}
		parent, err := s.repo.GetComment(spanCtx, parentID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return dto.CreateResponse{}, ErrInvalidParent
			}
			return dto.CreateResponse{}, err
		}
		if parent.PostID != postID {
			return dto.CreateResponse{}, ErrInvalidParent
		}
		comment.ParentID = &parent.ID
	}

	if err := s.repo.CreateComment(spanCtx, &comment); err != nil {
		span.RecordError(err)
		return dto.CreateResponse{}, err
	}

	record := dto.NewCommentRecord(comment, 0, false)
	s.publish(spanCtx, postID, dto.EventCommentCreated, record)

	s.logger.Info().Str("comment_id", record.ID).Str("post_id", postID).Str("author_id", author.ID).Msg("comment created")

	return dto.CreateResponse{ID: record.ID, CreatedAt: record.CreatedAt}, nil
}

func (s *discussionService) Like(ctx context.Context, commentID, actorID string) (dto.LikeResponse, error) {
	return s.toggle(ctx, commentID, actorID, true)
}

func (s *discussionService) Unlike(ctx context.Context, commentID, actorID string) (dto.LikeResponse, error) {
	return s.toggle(ctx, commentID, actorID, false)
}

func (s *discussionService) toggle(ctx context.Context, commentID, actorID string, like bool) (dto.LikeResponse, error) {
	id, ok := dto.ParseID(commentID)
	if !ok {
		return dto.LikeResponse{}, ErrCommentNotFound
	}

	spanCtx, span := s.tracer.Start(ctx, "discussion.like", trace.WithAttributes(
		attribute.String("discussion.comment_id", commentID),
		attribute.Bool("discussion.like", like),
	))
	defer span.End()

	comment, err := s.repo.GetComment(spanCtx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.LikeResponse{}, ErrCommentNotFound
		}
		return dto.LikeResponse{}, err
	}

	var count int
	event := dto.EventCommentLiked
	if like {
		count, err = s.repo.Like(spanCtx, id, actorID)
	} else {
		count, err = s.repo.Unlike(spanCtx, id, actorID)
		event = dto.EventCommentUnliked
	}
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.LikeResponse{}, ErrCommentNotFound
		}
		return dto.LikeResponse{}, err
	}

	s.publish(spanCtx, comment.PostID, event, dto.CommentLikeEvent{
		PostID:     comment.PostID,
		ID:         commentID,
		UserID:     actorID,
		LikesCount: count,
	})

	return dto.LikeResponse{ID: commentID, Liked: like, LikesCount: count}, nil
}

func (s *discussionService) publish(ctx context.Context, postID, event string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, hub.PostRoom(postID), event, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Str("post_id", postID).Msg("failed to publish discussion event")
	}
}
