package api

import (
	"context"
	"strings"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/service"
	"github.com/gofiber/fiber/v2"
)

const requestTimeout = 5 * time.Second

const maxPresenceLookup = 100

type createConversationRequest struct {
	ParticipantIDs []string       `json:"participantIds" validate:"required,min=1,dive,required"`
	Type           string         `json:"type" validate:"required"`
	Title          string         `json:"title"`
	Metadata       map[string]any `json:"metadata"`
}

type sendMessageRequest struct {
	Content     string         `json:"content"`
	MessageType string         `json:"messageType"`
	TempID      string         `json:"tempId"`
	Metadata    map[string]any `json:"metadata"`
}

type editMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

type uploadURLRequest struct {
	Filename    string `json:"filename" validate:"required"`
	ContentType string `json:"contentType" validate:"required"`
}

func (h *Handlers) listConversations(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	list, unread, err := h.convs.ListConversations(ctx, userID(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conversations": list, "totalUnread": unread})
}

func (h *Handlers) createConversation(c *fiber.Ctx) error {
	var req createConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if err := h.validate.Struct(req); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	conv, created, err := h.convs.CreateConversation(ctx, service.CreateConversationInput{
		CreatorID:      userID(c),
		ParticipantIDs: req.ParticipantIDs,
		Type:           domain.ConversationType(req.Type),
		Title:          req.Title,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return err
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"conversation": conv})
}

func (h *Handlers) getConversation(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	uid := userID(c)
	conv, err := h.convs.GetConversation(ctx, c.Params("id"), uid)
	if err != nil {
		return err
	}
	msgs, err := h.convs.GetMessages(ctx, conv.ID, uid, "", service.DefaultPageSize)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conversation": conv, "messages": msgs})
}

func (h *Handlers) listMessages(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	msgs, err := h.convs.GetMessages(ctx, c.Params("id"), userID(c), c.Query("before"), c.QueryInt("limit", service.DefaultPageSize))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

func (h *Handlers) sendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	msg, err := h.convs.AppendMessage(ctx, service.AppendInput{
		ConversationID: c.Params("id"),
		SenderID:       userID(c),
		Content:        req.Content,
		Type:           domain.MessageType(req.MessageType),
		TempID:         req.TempID,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": msg})
}

func (h *Handlers) editMessage(c *fiber.Ctx) error {
	var req editMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if err := h.validate.Struct(req); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	msg, err := h.convs.EditMessage(ctx, c.Params("id"), c.Params("messageId"), userID(c), req.Content)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"message": msg})
}

func (h *Handlers) deleteMessage(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	msg, err := h.convs.DeleteMessage(ctx, c.Params("id"), c.Params("messageId"), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"message": msg})
}

func (h *Handlers) markRead(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	if _, err := h.convs.MarkRead(ctx, c.Params("id"), userID(c)); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *Handlers) presence(c *fiber.Ctx) error {
	var ids []string
	for _, id := range strings.Split(c.Query("userIds"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "userIds is required")
	}
	if len(ids) > maxPresenceLookup {
		return fiber.NewError(fiber.StatusBadRequest, "too many userIds")
	}
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	st, err := h.tracker.Presence(ctx, ids)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"presence": st})
}

func (h *Handlers) uploadURL(c *fiber.Ctx) error {
	if h.attachments == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "attachments are not configured")
	}
	var req uploadURLRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if err := h.validate.Struct(req); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	ticket, err := h.attachments.UploadURL(ctx, userID(c), req.Filename, req.ContentType)
	if err != nil {
		return err
	}
	return c.JSON(ticket)
}
