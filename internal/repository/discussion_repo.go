package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-sync/internal/models"
)

// CommentView is a stored comment with its like aggregate for one viewer.
type CommentView struct {
	models.PostComment
	LikesCount int
	LikedByMe  bool
}

// DiscussionRepository persists post comments and their likes.
type DiscussionRepository interface {
	CreateComment(ctx context.Context, comment *models.PostComment) error
	GetComment(ctx context.Context, id uint) (models.PostComment, error)
	ListByPost(ctx context.Context, postID, viewerID string) ([]CommentView, error)
	Like(ctx context.Context, commentID uint, actorID string) (int, error)
	Unlike(ctx context.Context, commentID uint, actorID string) (int, error)
}

type discussionRepository struct {
	db *gorm.DB
}

// NewDiscussionRepository constructs a GORM-backed repository.
func NewDiscussionRepository(db *gorm.DB) DiscussionRepository {
	return &discussionRepository{db: db}
}

func (r *discussionRepository) CreateComment(ctx context.Context, comment *models.PostComment) error {
	return r.db.WithContext(ctx).Create(comment).Error
}

func (r *discussionRepository) GetComment(ctx context.Context, id uint) (models.PostComment, error) {
	var comment models.PostComment
	if err := r.db.WithContext(ctx).First(&comment, id).Error; err != nil {
		return models.PostComment{}, err
	}
	return comment, nil
}

type likeAggregate struct {
	CommentID uint
	Total     int
}

// ListByPost returns every comment of the post in creation order.
func (r *discussionRepository) ListByPost(ctx context.Context, postID, viewerID string) ([]CommentView, error) {
	db := r.db.WithContext(ctx)

	var comments []models.PostComment
	if err := db.Where("post_id = ?", postID).Order("created_at ASC").Order("id ASC").Find(&comments).Error; err != nil {
		return nil, err
	}
	if len(comments) == 0 {
		return []CommentView{}, nil
	}

	ids := make([]uint, 0, len(comments))
	for _, comment := range comments {
		ids = append(ids, comment.ID)
	}

	var totals []likeAggregate
	if err := db.Model(&models.CommentLike{}).
		Select("comment_id, COUNT(*) AS total").
		Where("comment_id IN ?", ids).
		Group("comment_id").
		Scan(&totals).Error; err != nil {
		return nil, err
	}
	counts := make(map[uint]int, len(totals))
	for _, total := range totals {
		counts[total.CommentID] = total.Total
	}

	liked := make(map[uint]bool)
	if viewerID != "" {
		var mine []uint
		if err := db.Model(&models.CommentLike{}).
			Where("comment_id IN ? AND actor_id = ?", ids, viewerID).
			Pluck("comment_id", &mine).Error; err != nil {
			return nil, err
		}
		for _, id := range mine {
			liked[id] = true
		}
	}

	views := make([]CommentView, 0, len(comments))
	for _, comment := range comments {
		views = append(views, CommentView{
			PostComment: comment,
			LikesCount:  counts[comment.ID],
			LikedByMe:   liked[comment.ID],
		})
	}
	return views, nil
}

// Like is idempotent per actor and returns the resulting like count.
func (r *discussionRepository) Like(ctx context.Context, commentID uint, actorID string) (int, error) {
	var total int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&models.PostComment{}, commentID).Error; err != nil {
			return err
		}
		like := models.CommentLike{CommentID: commentID, ActorID: actorID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&like).Error; err != nil {
			return err
		}
		return tx.Model(&models.CommentLike{}).Where("comment_id = ?", commentID).Count(&total).Error
	})
	return int(total), err
}

// Unlike is idempotent per actor and returns the resulting like count.
func (r *discussionRepository) Unlike(ctx context.Context, commentID uint, actorID string) (int, error) {
	var total int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&models.PostComment{}, commentID).Error; err != nil {
			return err
		}
		if err := tx.Where("comment_id = ? AND actor_id = ?", commentID, actorID).Delete(&models.CommentLike{}).Error; err != nil {
			return err
		}
		return tx.Model(&models.CommentLike{}).Where("comment_id = ?", commentID).Count(&total).Error
	})
	return int(total), err
}
