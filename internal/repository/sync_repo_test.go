package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-sync/internal/database"
	"github.com/noah-isme/gema-sync/internal/models"
)

func setupSyncTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.ConnectSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func TestChatRepositoryListsAscendingWithinConversation(t *testing.T) {
	db := setupSyncTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	base := time.Date(2024, 6, 11, 10, 0, 0, 0, time.UTC)
	for i, content := range []string{"one", "two", "three"} {
		require.NoError(t, repo.Save(ctx, &models.ConversationMessage{
			ConversationID: "c1",
			SenderID:       "u-1",
			Content:        content,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.Save(ctx, &models.ConversationMessage{ConversationID: "c2", SenderID: "u-1", Content: "elsewhere"}))

	messages, err := repo.ListByConversation(ctx, "c1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	require.Equal(t, "one", messages[0].Content)
	require.Equal(t, "three", messages[2].Content)

	latestTwo, err := repo.ListByConversation(ctx, "c1", time.Time{}, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"two", "three"}, []string{latestTwo[0].Content, latestTwo[1].Content})

	earlier, err := repo.ListByConversation(ctx, "c1", base.Add(90*time.Second), 0)
	require.NoError(t, err)
	require.Len(t, earlier, 2)
}

func TestDiscussionRepositoryLikesAreIdempotentPerActor(t *testing.T) {
	db := setupSyncTestDB(t)
	repo := NewDiscussionRepository(db)
	ctx := context.Background()

	root := models.PostComment{PostID: "p1", AuthorID: "u-1", AuthorName: "One", Content: "root"}
	require.NoError(t, repo.CreateComment(ctx, &root))
	reply := models.PostComment{PostID: "p1", ParentID: &root.ID, AuthorID: "u-2", AuthorName: "Two", Content: "reply"}
	require.NoError(t, repo.CreateComment(ctx, &reply))

	count, err := repo.Like(ctx, root.ID, "u-2")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	count, err = repo.Like(ctx, root.ID, "u-2")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	count, err = repo.Like(ctx, root.ID, "u-3")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	views, err := repo.ListByPost(ctx, "p1", "u-2")
	require.NoError(t, err)
	require.Len(t, views, 2)
	require.Equal(t, root.ID, views[0].ID)
	require.Equal(t, 2, views[0].LikesCount)
	require.True(t, views[0].LikedByMe)
	require.Equal(t, root.ID, *views[1].ParentID)
	require.Zero(t, views[1].LikesCount)
	require.False(t, views[1].LikedByMe)

	count, err = repo.Unlike(ctx, root.ID, "u-2")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	count, err = repo.Unlike(ctx, root.ID, "u-2")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	_, err = repo.Like(ctx, 9999, "u-2")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestDiscussionRepositoryEmptyPost(t *testing.T) {
	repo := NewDiscussionRepository(setupSyncTestDB(t))
	views, err := repo.ListByPost(context.Background(), "nothing", "")
	require.NoError(t, err)
	require.Empty(t, views)

	_, err = repo.GetComment(context.Background(), 1)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
