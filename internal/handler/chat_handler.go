package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-sync/internal/dto"
	"github.com/noah-isme/gema-sync/internal/middleware"
	"github.com/noah-isme/gema-sync/internal/service"
	"github.com/noah-isme/gema-sync/internal/utils"
)

// ChatHandler serves the conversation message endpoints.
type ChatHandler struct {
	service service.ChatService
	logger  zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(service service.ChatService, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		service: service,
		logger:  logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Get("/conversations/:id/messages", h.list)
	router.Post("/conversations/:id/messages", h.create)
}

func (h *ChatHandler) list(c *fiber.Ctx) error {
	messages, err := h.service.ListMessages(withRequestContext(c), c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.OK(c, messages, "messages", nil)
}

func (h *ChatHandler) create(c *fiber.Ctx) error {
	var payload dto.CreateMessageRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", nil)
	}

	created, err := h.service.CreateMessage(withRequestContext(c), c.Params("id"), middleware.ActorID(c), payload)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message created", created)
}
