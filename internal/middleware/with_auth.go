package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-sync/internal/utils"
)

// ActorHeader carries the caller identity on every backend request.
const ActorHeader = "X-Actor-ID"

const actorLocal = "actor_id"

// ActorOptions configures the WithActor guard.
type ActorOptions struct {
	// AllowQuery accepts ?actor_id= as a fallback. Browsers cannot set headers on websocket upgrades.
	AllowQuery bool
	MaxLength  int
}

// WithActor resolves the calling actor and rejects requests that do not name one.
func WithActor(opts ActorOptions) fiber.Handler {
	maxLength := opts.MaxLength
	if maxLength <= 0 {
		maxLength = 128
	}

	return func(c *fiber.Ctx) error {
		actor := strings.TrimSpace(c.Get(ActorHeader))
		if actor == "" && opts.AllowQuery {
			actor = strings.TrimSpace(c.Query("actor_id"))
		}
		if actor == "" {
			return utils.Fail(c, fiber.StatusUnauthorized, "actor identity required", nil)
		}
		if len(actor) > maxLength {
			return utils.Fail(c, fiber.StatusBadRequest, "actor identity too long", nil)
		}

		c.Locals(actorLocal, actor)
		return c.Next()
	}
}

// ActorID returns the actor bound to the request by WithActor.
func ActorID(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if value, ok := c.Locals(actorLocal).(string); ok {
		return value
	}
	return ""
}
