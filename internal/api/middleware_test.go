package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fathima-sithara/messaging-service/internal/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRateLimiterWindow(t *testing.T) {
	mr, rdb := newRedis(t)
	rl := NewRateLimiter(rdb, "msg:ratelimit", 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok, "keys are counted separately")

	assert.True(t, mr.TTL("msg:ratelimit:alice") > 0)
	mr.FastForward(time.Minute + time.Second)
	ok, err = rl.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiterMiddleware(t *testing.T) {
	_, rdb := newRedis(t)
	rl := NewRateLimiter(rdb, "msg:ratelimit", 1, time.Minute)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logger.Nop())})
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", c.Get("X-User"))
		return c.Next()
	})
	app.Use(rl.MiddlewareByKey(userID))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	call := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-User", user)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, call("alice"))
	assert.Equal(t, http.StatusTooManyRequests, call("alice"))
	assert.Equal(t, http.StatusOK, call("bob"))
}

func TestRecovery(t *testing.T) {
	app := fiber.New()
	app.Use(Recovery(logger.Nop()))
	app.Get("/boom", func(c *fiber.Ctx) error { panic("boom") })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
