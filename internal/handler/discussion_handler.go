package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-sync/internal/dto"
	"github.com/noah-isme/gema-sync/internal/middleware"
	"github.com/noah-isme/gema-sync/internal/service"
	"github.com/noah-isme/gema-sync/internal/utils"
)

// DiscussionHandler provides HTTP endpoints for post comment threads.
type DiscussionHandler struct {
	service service.DiscussionService
	logger  zerolog.Logger
}

// NewDiscussionHandler constructs a handler instance.
func NewDiscussionHandler(service service.DiscussionService, logger zerolog.Logger) *DiscussionHandler {
	return &DiscussionHandler{
		service: service,
		logger:  logger.With().Str("component", "discussion_handler").Logger(),
	}
}

// Register binds the discussion routes.
func (h *DiscussionHandler) Register(router fiber.Router) {
	router.Get("/posts/:id/comments", h.list)
	router.Post("/posts/:id/comments", h.create)
	router.Post("/comments/:id/like", h.like)
	router.Delete("/comments/:id/like", h.unlike)
}

func (h *DiscussionHandler) list(c *fiber.Ctx) error {
	comments, err := h.service.ListComments(withRequestContext(c), c.Params("id"), middleware.ActorID(c))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.OK(c, comments, "comments", nil)
}

func (h *DiscussionHandler) create(c *fiber.Ctx) error {
	var payload dto.CreateCommentRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", nil)
	}

	actorID := middleware.ActorID(c)
	author := dto.AuthorRecord{ID: actorID, Name: strings.TrimSpace(c.Get(actorNameHeader))}
	if author.Name == "" {
		author.Name = actorID
	}

	created, err := h.service.CreateComment(withRequestContext(c), c.Params("id"), author, payload)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "comment created", created)
}

func (h *DiscussionHandler) like(c *fiber.Ctx) error {
	resp, err := h.service.Like(withRequestContext(c), c.Params("id"), middleware.ActorID(c))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "comment liked", resp)
}

func (h *DiscussionHandler) unlike(c *fiber.Ctx) error {
	resp, err := h.service.Unlike(withRequestContext(c), c.Params("id"), middleware.ActorID(c))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "comment unliked", resp)
}
