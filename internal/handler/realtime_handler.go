package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-sync/internal/middleware"
	"github.com/noah-isme/gema-sync/internal/service"
)

// RealtimeHandler upgrades clients onto the event channel.
type RealtimeHandler struct {
	service service.ChatService
	logger  zerolog.Logger
}

// NewRealtimeHandler creates a realtime handler instance.
func NewRealtimeHandler(service service.ChatService, logger zerolog.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		service: service,
		logger:  logger.With().Str("component", "realtime_handler").Logger(),
	}
}

// Register binds the websocket route. The group must already resolve the actor.
func (h *RealtimeHandler) Register(router fiber.Router) {
	router.Use("/realtime/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		c.Locals("request_ctx", withRequestContext(c))
		return c.Next()
	})
	router.Get("/realtime/ws", websocket.New(h.handleConnection))
}

func (h *RealtimeHandler) handleConnection(conn *websocket.Conn) {
	actorID, _ := conn.Locals("actor_id").(string)
	if actorID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "actor id missing"))
		_ = conn.Close()
		return
	}

	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	opts := service.ChatConnectionOptions{
		ActorID:       actorID,
		CorrelationID: middleware.CorrelationIDFromContext(baseCtx),
		Context:       baseCtx,
	}

	h.logger.Info().Str("actor_id", actorID).Msg("realtime websocket connected")
	h.service.ServeConnection(conn, opts)
	h.logger.Info().Str("actor_id", actorID).Msg("realtime websocket disconnected")
}
