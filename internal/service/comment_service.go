package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-sync/internal/dto"
	"github.com/noah-isme/gema-sync/internal/models"
	"github.com/noah-isme/gema-sync/internal/observability"
)

// CommentOptions tunes comment sessions.
type CommentOptions struct {
	ActorID       string
	ActorName     string
	MaxDepth      int
	SubmitTimeout time.Duration
}

// CommentService opens synchronised views of a post's discussion.
type CommentService interface {
	Open(ctx context.Context, postID string) (*CommentSession, error)
}

type commentService struct {
	api       CommentAPI
	channel   EventChannel
	validator *validator.Validate
	opts      CommentOptions
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewCommentService constructs a comment session factory.
func NewCommentService(api CommentAPI, channel EventChannel, validate *validator.Validate, opts CommentOptions, logger zerolog.Logger) CommentService {
	if validate == nil {
		validate = validator.New()
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxReplyDepth
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = defaultSubmitTimeout
	}
	return &commentService{
		api:       api,
		channel:   channel,
		validator: validate,
		opts:      opts,
		logger:    logger.With().Str("component", "comment_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-sync/internal/service/comment"),
	}
}

func (s *commentService) Open(ctx context.Context, postID string) (*CommentSession, error) {
	postID = strings.TrimSpace(postID)
	if postID == "" {
		return nil, errors.New("post id is required")
	}

	ctx, span := s.tracer.Start(ctx, "comment.open", trace.WithAttributes(
		attribute.String("post.id", postID),
	))
	defer span.End()

	comments, err := fetchComments(ctx, s.api, postID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "initial fetch failed")
		return nil, err
	}

	session := &CommentSession{
		postID:    postID,
		actorID:   s.opts.ActorID,
		actorName: s.opts.ActorName,
		maxDepth:  s.opts.MaxDepth,
		timeout:   s.opts.SubmitTimeout,
		api:       s.api,
		channel:   s.channel,
		validator: s.validator,
		logger:    s.logger.With().Str("post_id", postID).Logger(),
		tracer:    s.tracer,
		buffer:    NewOptimisticBuffer(),
		roots:     BuildTree(comments),
	}
	session.subscribe(s.channel, []string{
		dto.EventCommentCreated,
		dto.EventCommentLiked,
		dto.EventCommentUnliked,
		dto.EventJoinPost,
		dto.EventLeavePost,
	}, session.HandleEvent)

	session.emit(dto.EventJoinPost, dto.RoomEvent{PostID: postID, UserID: s.opts.ActorID})
	session.logger.Debug().Int("comments", len(comments)).Msg("comment sheet opened")
	return session, nil
}

// CommentSession is the local comment tree of one post.
type CommentSession struct {
	postID    string
	actorID   string
	actorName string
	maxDepth  int
	timeout   time.Duration
	api       CommentAPI
	channel   EventChannel
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	buffer    *OptimisticBuffer

	syncState
	roots []*models.Comment
}

// PostID returns the post identifier.
func (s *CommentSession) PostID() string {
	return s.postID
}

// MaxDepth is the deepest node that still offers a reply.
func (s *CommentSession) MaxDepth() int {
	return s.maxDepth
}

// Tree returns a deep copy of the forest.
func (s *CommentSession) Tree() []*models.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CloneTree(s.roots)
}

// Flat returns the forest in pre-order.
func (s *CommentSession) Flat() []models.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Flatten(s.roots)
}

// Comment looks a node up by durable or temporary id.
func (s *CommentSession) Comment(id string) (models.Comment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, _, ok := FindComment(s.roots, id)
	if !ok {
		return models.Comment{}, false
	}
	return *node.Clone(), true
}

// Depth reports how deep id sits, roots being 0.
func (s *CommentSession) Depth(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, depth, ok := FindComment(s.roots, id)
	return depth, ok
}

// CanReply reports whether the reply action should be offered on id.
func (s *CommentSession) CanReply(id string) bool {
	depth, ok := s.Depth(id)
	return ok && CanReply(depth, s.maxDepth)
}

// Submit inserts a pending comment, as a reply when parentID names a node in
// the current tree, and persists it in the background.
func (s *CommentSession) Submit(ctx context.Context, content, parentID string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	parentID = strings.TrimSpace(parentID)
	if err := s.validator.Struct(dto.CreateCommentRequest{Content: content, ParentID: parentID}); err != nil {
		return "", err
	}

	ctx, span := s.tracer.Start(ctx, "comment.submit", trace.WithAttributes(
		attribute.String("post.id", s.postID),
		attribute.String("comment.parent_id", parentID),
	))
	defer span.End()

	tempID := s.buffer.Track(models.KindComment)
	inserted := s.mutate(func() bool {
		node := &models.Comment{
			ID:        tempID,
			TempID:    tempID,
			PostID:    s.postID,
			ParentID:  parentID,
			Author:    models.AuthorSummary{ID: s.actorID, Name: s.actorName},
			Body:      content,
			CreatedAt: time.Now().UTC(),
			Outcome:   models.OutcomePending,
		}
		s.insertLocked(node)
		return true
	})
	if !inserted {
		s.buffer.Abandon(tempID)
		return "", ErrSessionClosed
	}

	span.SetAttributes(attribute.String("comment.temp_id", tempID))
	s.dispatch(ctx, tempID)
	return tempID, nil
}

// Retry resubmits a failed reply.
func (s *CommentSession) Retry(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "comment.retry", trace.WithAttributes(
		attribute.String("post.id", s.postID),
		attribute.String("comment.id", id),
	))
	defer span.End()

	var (
		tempID string
		err    error
	)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	node, _, ok := FindComment(s.roots, id)
	switch {
	case !ok:
		err = ErrMessageNotFound
	case node.Outcome != models.OutcomeFailed || !node.Provisional():
		err = fmt.Errorf("%w: comment %s is %s", ErrNotRetryable, id, node.Outcome)
	default:
		node.Outcome = models.OutcomePending
		tempID = node.TempID
		s.buffer.Reopen(tempID)
	}
	s.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		return err
	}
	s.notify()
	s.dispatch(ctx, tempID)
	return nil
}

// ToggleLike flips the like on id optimistically and persists it in the
// background, reverting if the server refuses. Unknown or unconfirmed ids
// are ignored and reported as false.
func (s *CommentSession) ToggleLike(ctx context.Context, id string) bool {
	var (
		commentID string
		liked     bool
		delta     int
	)
	toggled := s.mutate(func() bool {
		node, _, ok := FindComment(s.roots, id)
		if !ok || node.Provisional() {
			return false
		}
		node.LikedByMe = !node.LikedByMe
		if node.LikedByMe {
			delta = 1
		} else if node.LikesCount > 0 {
			delta = -1
		}
		node.LikesCount += delta
		commentID = node.ID
		liked = node.LikedByMe
		return true
	})
	if !toggled {
		s.logger.Debug().Str("comment_id", id).Msg("like toggle ignored for unknown comment")
		return false
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		reqCtx, span := s.tracer.Start(reqCtx, "comment.toggle_like", trace.WithAttributes(
			attribute.String("comment.id", commentID),
			attribute.Bool("comment.liked", liked),
		))
		defer span.End()

		var (
			resp dto.LikeResponse
			err  error
		)
		if liked {
			resp, err = s.api.Like(reqCtx, commentID)
		} else {
			resp, err = s.api.Unlike(reqCtx, commentID)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "like toggle failed")
			s.revertLike(commentID, liked, delta)
			observability.SyncSubmissions().WithLabelValues(string(models.KindLike), "reverted").Inc()
			s.logger.Warn().Err(err).Str("comment_id", commentID).Msg("like toggle reverted")
			return
		}

		s.mutate(func() bool {
			node, _, ok := FindComment(s.roots, commentID)
			if !ok || node.LikedByMe != liked || resp.LikesCount < 0 || node.LikesCount == resp.LikesCount {
				return false
			}
			node.LikesCount = resp.LikesCount
			return true
		})
		observability.SyncSubmissions().WithLabelValues(string(models.KindLike), "confirmed").Inc()
	}()
	return true
}

// revertLike undoes an optimistic toggle if the node still shows it. A later
// toggle in the other direction has already undone it locally. Only the
// count change the toggle actually applied is taken back.
func (s *CommentSession) revertLike(commentID string, liked bool, delta int) {
	s.mutate(func() bool {
		node, _, ok := FindComment(s.roots, commentID)
		if !ok || node.LikedByMe != liked {
			return false
		}
		node.LikedByMe = !liked
		node.LikesCount -= delta
		if node.LikesCount < 0 {
			node.LikesCount = 0
		}
		return true
	})
}

// Refresh re-fetches the post's comments and rebuilds the tree. Unconfirmed
// local comments are grafted back onto the new tree. On error the current
// tree is kept.
func (s *CommentSession) Refresh(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "comment.refresh", trace.WithAttributes(
		attribute.String("post.id", s.postID),
	))
	defer span.End()

	fetched, err := fetchComments(ctx, s.api, s.postID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		s.logger.Warn().Err(err).Msg("refresh failed, keeping last known tree")
		return err
	}
	s.mutate(func() bool {
		s.replaceLocked(fetched)
		return true
	})
	return nil
}

// HandleEvent reconciles one inbound channel event with the tree.
func (s *CommentSession) HandleEvent(event string, payload json.RawMessage) {
	outcome := s.handleEvent(event, payload)
	observability.SyncEvents().WithLabelValues(event, outcome).Inc()
}

func (s *CommentSession) handleEvent(event string, payload json.RawMessage) string {
	if s.isClosed() {
		return outcomeClosed
	}

	switch event {
	case dto.EventCommentCreated:
		return s.onCommentCreated(payload)
	case dto.EventCommentLiked, dto.EventCommentUnliked:
		return s.onCommentLike(payload)
	case dto.EventJoinPost, dto.EventLeavePost:
		var room dto.RoomEvent
		if err := json.Unmarshal(payload, &room); err != nil {
			return outcomeMalformed
		}
		if room.PostID != s.postID {
			return outcomeOutOfScope
		}
		s.logger.Debug().Str("event", event).Str("user_id", room.UserID).Msg("room lifecycle")
		return outcomeLifecycle
	default:
		return outcomeIgnored
	}
}

func (s *CommentSession) onCommentCreated(payload json.RawMessage) string {
	var record dto.CommentRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return outcomeMalformed
	}
	if record.PostID != s.postID {
		return outcomeOutOfScope
	}
	comment, err := record.ToModel()
	if err != nil {
		return outcomeMalformed
	}

	outcome := outcomeApplied
	s.mutate(func() bool {
		if _, _, ok := FindComment(s.roots, comment.ID); ok {
			outcome = outcomeDuplicate
			return false
		}
		if comment.Author.ID == s.actorID {
			if node := s.provisionalMatchLocked(comment); node != nil {
				s.buffer.Confirm(node.TempID, comment.ID)
				s.confirmLocked(node, comment.ID)
				outcome = outcomeAdopted
				return true
			}
		}
		node := comment
		s.insertLocked(&node)
		return true
	})
	return outcome
}

func (s *CommentSession) onCommentLike(payload json.RawMessage) string {
	var evt dto.CommentLikeEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return outcomeMalformed
	}
	if evt.PostID != s.postID {
		return outcomeOutOfScope
	}
	// our own toggles are already reflected optimistically
	if evt.UserID == s.actorID || evt.LikesCount < 0 {
		return outcomeIgnored
	}

	outcome := outcomeIgnored
	s.mutate(func() bool {
		node, _, ok := FindComment(s.roots, evt.ID)
		if !ok || node.LikesCount == evt.LikesCount {
			return false
		}
		node.LikesCount = evt.LikesCount
		outcome = outcomeApplied
		return true
	})
	return outcome
}

func (s *CommentSession) dispatch(ctx context.Context, tempID string) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		s.mu.Lock()
		node, _, ok := FindComment(s.roots, tempID)
		var payload dto.CreateCommentRequest
		if ok {
			payload = dto.CreateCommentRequest{Content: node.Body, ParentID: node.ParentID}
			// a parent confirmed since the reply was queued is addressed by its durable id
			if parent, _, found := FindComment(s.roots, node.ParentID); found {
				payload.ParentID = parent.ID
			}
		}
		s.mu.Unlock()
		if !ok {
			return
		}

		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		reqCtx, span := s.tracer.Start(reqCtx, "comment.create", trace.WithAttributes(
			attribute.String("post.id", s.postID),
			attribute.String("comment.temp_id", tempID),
		))
		resp, err := s.api.CreateComment(reqCtx, s.postID, payload)
		if err == nil && strings.TrimSpace(resp.ID) == "" {
			err = fmt.Errorf("%w: create response without id", ErrMalformedResponse)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "create failed")
		}
		span.End()

		if err != nil {
			s.settleFailure(reqCtx, tempID, err)
			return
		}
		s.settleSuccess(reqCtx, tempID, resp.ID)
	}()
}

func (s *CommentSession) settleSuccess(ctx context.Context, tempID, durableID string) {
	s.buffer.Confirm(tempID, durableID)
	observability.SyncSubmissions().WithLabelValues(string(models.KindComment), "confirmed").Inc()
	if s.isClosed() {
		s.logger.Debug().Str("temp_id", tempID).Msg("discarding confirmation for closed sheet")
		return
	}

	fetched, err := fetchComments(ctx, s.api, s.postID)
	if err == nil {
		s.mutate(func() bool {
			s.replaceLocked(fetched)
			return true
		})
		return
	}

	s.logger.Warn().Err(err).Str("temp_id", tempID).Msg("refetch after create failed, confirming in place")
	s.mutate(func() bool {
		node, _, ok := FindComment(s.roots, tempID)
		if !ok || !node.Provisional() {
			return false
		}
		if _, _, dup := FindComment(s.roots, durableID); dup {
			// the comment-created echo beat the response; drop the provisional copy
			s.roots, _ = removeFromTree(s.roots, node.ID)
			return true
		}
		s.confirmLocked(node, durableID)
		return true
	})
}

func (s *CommentSession) settleFailure(ctx context.Context, tempID string, cause error) {
	topLevel := false
	s.mutate(func() bool {
		node, _, ok := FindComment(s.roots, tempID)
		if !ok || !node.Provisional() {
			return false
		}
		if node.ParentID == "" {
			s.roots, _ = removeFromTree(s.roots, node.ID)
			topLevel = true
			return true
		}
		node.Outcome = models.OutcomeFailed
		return true
	})

	if topLevel {
		s.buffer.Abandon(tempID)
		observability.SyncSubmissions().WithLabelValues(string(models.KindComment), "removed").Inc()
		if s.isClosed() {
			s.logger.Debug().Err(cause).Str("temp_id", tempID).Msg("top-level comment failed on closed sheet")
			return
		}
		s.logger.Warn().Err(cause).Str("temp_id", tempID).Msg("top-level comment failed, refreshing")
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("refresh after failed comment did not complete")
		}
		return
	}

	s.buffer.Fail(tempID)
	observability.SyncSubmissions().WithLabelValues(string(models.KindComment), "failed").Inc()
	s.logger.Warn().Err(cause).Str("temp_id", tempID).Msg("reply submission failed")
}

// Close unsubscribes every listener and leaves the post room.
func (s *CommentSession) Close(ctx context.Context) error {
	unsubscribe, ok := s.markClosed(nil)
	if !ok {
		return nil
	}
	for _, unsub := range unsubscribe {
		unsub()
	}
	if err := s.channel.Emit(ctx, dto.EventLeavePost, dto.RoomEvent{PostID: s.postID, UserID: s.actorID}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to emit leave-post")
		return err
	}
	return nil
}

// insertLocked places node under its parent in the current tree, or at the
// root when the parent is unknown.
func (s *CommentSession) insertLocked(node *models.Comment) {
	if node.ParentID != "" {
		if parent, _, ok := FindComment(s.roots, node.ParentID); ok && parent != node {
			parent.Replies = append(parent.Replies, node)
			return
		}
	}
	s.roots = append(s.roots, node)
}

// replaceLocked swaps in the server list and re-grafts locally originated
// comments the list does not carry yet: pending, failed, or confirmed but
// not visible in the listing so far.
func (s *CommentSession) replaceLocked(fetched []models.Comment) {
	listed := make(map[string]int, len(fetched))
	for i := range fetched {
		listed[fetched[i].ID] = i
	}

	graft := make([]models.Comment, 0)
	for _, comment := range Flatten(s.roots) {
		if comment.TempID == "" {
			continue
		}
		durableID := comment.ID
		if comment.Provisional() {
			if id, ok := s.buffer.DurableFor(comment.TempID); ok {
				durableID = id
				comment.ID = id
				comment.Outcome = models.OutcomeConfirmed
			}
		}
		if i, ok := listed[durableID]; ok {
			fetched[i].TempID = comment.TempID
			continue
		}
		graft = append(graft, comment)
	}

	s.roots = BuildTree(fetched)
	for i := range graft {
		node := graft[i]
		s.insertLocked(&node)
	}
}

// provisionalMatchLocked finds the oldest pending local comment the echo
// could stand for.
func (s *CommentSession) provisionalMatchLocked(echo models.Comment) *models.Comment {
	target := contentFingerprint(s.postID+"/"+echo.ParentID, s.actorID, echo.Body)
	for _, flat := range Flatten(s.roots) {
		if !flat.Provisional() || flat.Outcome != models.OutcomePending {
			continue
		}
		parentID := flat.ParentID
		if parent, _, ok := FindComment(s.roots, parentID); ok {
			parentID = parent.ID
		}
		if contentFingerprint(s.postID+"/"+parentID, flat.Author.ID, flat.Body) == target {
			node, _, _ := FindComment(s.roots, flat.ID)
			return node
		}
	}
	return nil
}

func (s *CommentSession) confirmLocked(node *models.Comment, durableID string) {
	node.ID = durableID
	node.Outcome = models.OutcomeConfirmed
	for _, reply := range node.Replies {
		if reply.ParentID == node.TempID {
			reply.ParentID = durableID
		}
	}
}

func (s *CommentSession) emit(event string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	if err := s.channel.Emit(ctx, event, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("emit failed")
	}
}

func fetchComments(ctx context.Context, api CommentAPI, postID string) ([]models.Comment, error) {
	records, err := api.ListComments(ctx, postID)
	if err != nil {
		return nil, err
	}
	comments, err := dto.CommentsFromRecords(records)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	for i := range comments {
		if comments[i].PostID == "" {
			comments[i].PostID = postID
		}
		if comments[i].PostID != postID {
			return nil, fmt.Errorf("%w: comment %s belongs to %s", ErrMalformedResponse, comments[i].ID, comments[i].PostID)
		}
	}
	return comments, nil
}
