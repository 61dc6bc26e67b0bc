package ws

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

type TokenValidator interface {
	Validate(token string) (string, error)
}

// Mount adds GET /ws. The token is checked before the upgrade so bad
// credentials get a plain 401 instead of a socket that closes at once.
func Mount(r fiber.Router, jv TokenValidator, h *Handler) {
	r.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		token := c.Query("token")
		if token == "" {
			token = strings.TrimPrefix(c.Get("Authorization"), "Bearer ")
		}
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing token")
		}
		uid, err := jv.Validate(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}
		c.Locals("user_id", uid)
		return c.Next()
	})

	r.Get("/ws", websocket.New(func(conn *websocket.Conn) {
		uid, _ := conn.Locals("user_id").(string)
		if uid == "" {
			_ = conn.Close()
			return
		}
		h.Serve(conn, uid)
	}))
}
