package api

import (
	"context"
	"strings"

	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/notification"
	"github.com/gofiber/fiber/v2"
)

func notificationQuery(c *fiber.Ctx) notification.Query {
	limit := notification.ClampLimit(c.QueryInt("limit", 0))
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	q := notification.Query{
		Limit:           limit,
		Offset:          (page - 1) * limit,
		UnreadOnly:      c.QueryBool("unreadOnly", false),
		Priority:        domain.Priority(strings.ToUpper(c.Query("priority"))),
		IncludeArchived: c.QueryBool("includeArchived", false),
	}
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			q.Types = append(q.Types, domain.NotificationType(strings.ToUpper(t)))
		}
	}
	return q
}

func (h *Handlers) listNotifications(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	page, err := h.engine.List(ctx, userID(c), notificationQuery(c))
	if err != nil {
		return err
	}
	return c.JSON(page)
}

func (h *Handlers) groupedNotifications(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	groups, err := h.engine.Grouped(ctx, userID(c), notificationQuery(c))
	if err != nil {
		return err
	}
	if groups == nil {
		groups = []*notification.Group{}
	}
	return c.JSON(fiber.Map{"groups": groups})
}

func (h *Handlers) readNotification(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	if err := h.engine.MarkRead(ctx, userID(c), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *Handlers) readAllNotifications(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	n, err := h.engine.MarkAllRead(ctx, userID(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "updated": n})
}

func (h *Handlers) archiveNotification(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	if err := h.engine.Archive(ctx, userID(c), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *Handlers) deleteNotification(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	if err := h.engine.Delete(ctx, userID(c), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *Handlers) getPreferences(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	p, err := h.prefs.Get(ctx, userID(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"preferences": p})
}

func (h *Handlers) updatePreference(c *fiber.Ctx) error {
	var req notification.PreferenceUpdate
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	p, err := h.prefs.Update(ctx, userID(c), req)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"preferences": p})
}

func (h *Handlers) updateQuietHours(c *fiber.Ctx) error {
	var req domain.QuietHours
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	p, err := h.prefs.UpdateQuietHours(ctx, userID(c), req)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"preferences": p})
}

func (h *Handlers) updateDigest(c *fiber.Ctx) error {
	var req domain.DigestSettings
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	p, err := h.prefs.UpdateDigest(ctx, userID(c), req)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"preferences": p})
}

func (h *Handlers) resetPreferences(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	p, err := h.prefs.Reset(ctx, userID(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"preferences": p})
}
