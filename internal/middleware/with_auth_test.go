package middleware_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-sync/internal/middleware"
)

func actorApp(opts middleware.ActorOptions) *fiber.App {
	app := fiber.New()
	app.Use(middleware.WithActor(opts))
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(middleware.ActorID(c))
	})
	return app
}

func TestWithActorReadsHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(middleware.ActorHeader, "  alice ")

	resp := perform(t, actorApp(middleware.ActorOptions{}), req)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "alice", body(t, resp))
}

func TestWithActorRequiresIdentity(t *testing.T) {
	resp := perform(t, actorApp(middleware.ActorOptions{}), httptest.NewRequest(http.MethodGet, "/?actor_id=bob", nil))
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestWithActorQueryFallbackWhenAllowed(t *testing.T) {
	resp := perform(t, actorApp(middleware.ActorOptions{AllowQuery: true}), httptest.NewRequest(http.MethodGet, "/?actor_id=bob", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "bob", body(t, resp))
}

func TestWithActorRejectsOversizedIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(middleware.ActorHeader, strings.Repeat("x", 9))

	resp := perform(t, actorApp(middleware.ActorOptions{MaxLength: 8}), req)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func perform(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(raw)
}
