package api

import (
	"context"
	"strings"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/metrics"
	"github.com/fathima-sithara/messaging-service/internal/notification"
	"github.com/fathima-sithara/messaging-service/internal/presence"
	"github.com/fathima-sithara/messaging-service/internal/service"
	"github.com/fathima-sithara/messaging-service/internal/storage"
	"github.com/fathima-sithara/messaging-service/internal/ws"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Handlers struct {
	convs       *service.ConversationService
	engine      *notification.Engine
	prefs       *notification.PreferenceService
	tracker     presence.Tracker
	attachments *storage.AttachmentService
	validate    *validator.Validate
}

// Deps is everything the HTTP surface needs. Attachments, Redis and WS are optional.
type Deps struct {
	Conversations   *service.ConversationService
	Engine          *notification.Engine
	Preferences     *notification.PreferenceService
	Tracker         presence.Tracker
	Attachments     *storage.AttachmentService
	Validate        *validator.Validate
	Tokens          TokenValidator
	WS              *ws.Handler
	Redis           *redis.Client
	RedisPrefix     string
	RateLimitPerMin int
	CORSOrigins     string
	Logger          *zap.SugaredLogger
}

// NewServer builds the fiber app. ctx bounds background work such as the limiter sweeper.
func NewServer(ctx context.Context, d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          ErrorHandler(d.Logger),
		DisableStartupMessage: true,
	})
	app.Use(Recovery(d.Logger))
	app.Use(RequestLogger(d.Logger))
	corsCfg := cors.Config{}
	if d.CORSOrigins != "" {
		corsCfg.AllowOrigins = d.CORSOrigins
	}
	app.Use(cors.New(corsCfg))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	if d.WS != nil {
		ws.Mount(app, d.Tokens, d.WS)
	}

	h := &Handlers{
		convs:       d.Conversations,
		engine:      d.Engine,
		prefs:       d.Preferences,
		tracker:     d.Tracker,
		attachments: d.Attachments,
		validate:    d.Validate,
	}

	v1 := app.Group("/v1", Auth(d.Tokens))
	if d.RateLimitPerMin > 0 {
		if d.Redis != nil {
			prefix := strings.TrimSuffix(d.RedisPrefix, ":") + ":ratelimit"
			rl := NewRateLimiter(d.Redis, prefix, d.RateLimitPerMin, time.Minute)
			v1.Use(rl.MiddlewareByKey(userID))
		} else {
			v1.Use(NewIPRateLimiter(ctx, d.RateLimitPerMin, 0, d.Logger).Handler())
		}
	}

	msgs := v1.Group("/messages")
	msgs.Get("/conversations", h.listConversations)
	msgs.Post("/conversations", h.createConversation)
	msgs.Get("/conversations/:id", h.getConversation)
	msgs.Post("/conversations/:id/messages", h.sendMessage)
	msgs.Patch("/conversations/:id/messages/:messageId", h.editMessage)
	msgs.Delete("/conversations/:id/messages/:messageId", h.deleteMessage)
	msgs.Post("/attachments/upload-url", h.uploadURL)

	live := v1.Group("/live-messages")
	live.Get("/conversations/:id/messages", h.listMessages)
	live.Post("/conversations/:id/read", h.markRead)
	live.Get("/presence", h.presence)

	notes := v1.Group("/notifications")
	notes.Get("/", h.listNotifications)
	notes.Get("/grouped", h.groupedNotifications)
	notes.Post("/read-all", h.readAllNotifications)
	notes.Post("/:id/read", h.readNotification)
	notes.Post("/:id/archive", h.archiveNotification)
	notes.Delete("/:id", h.deleteNotification)

	prefs := v1.Group("/notification-preferences")
	prefs.Get("/", h.getPreferences)
	prefs.Patch("/", h.updatePreference)
	prefs.Put("/quiet-hours", h.updateQuietHours)
	prefs.Put("/digest", h.updateDigest)
	prefs.Post("/reset", h.resetPreferences)

	return app
}
