package notification

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/apperr"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// DeadLetterWriter receives requests that could not be processed.
type DeadLetterWriter interface {
	PublishRaw(ctx context.Context, key string, value []byte) error
}

// RequestHandler processes notification requests published by other services.
type RequestHandler struct {
	engine         *Engine
	dlq            DeadLetterWriter
	maxRetries     int
	retryBackoffMs int
	logger         *zap.SugaredLogger
}

func NewRequestHandler(engine *Engine, dlq DeadLetterWriter, maxRetries, backoffMs int, logger *zap.SugaredLogger) *RequestHandler {
	return &RequestHandler{engine: engine, dlq: dlq, maxRetries: maxRetries, retryBackoffMs: backoffMs, logger: logger}
}

func permanent(err error) bool {
	var ve validator.ValidationErrors
	return errors.Is(err, apperr.ErrValidation) || errors.As(err, &ve)
}

// HandleMessage retries transient failures with exponential backoff and dead-letters the rest.
func (h *RequestHandler) HandleMessage(ctx context.Context, key string, raw []byte) error {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Errorf("invalid notification request: %v", err)
		return h.deadLetter(ctx, key, raw, err)
	}

	var lastErr error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		if attempt > 0 {
			sleep := time.Duration(h.retryBackoffMs*(1<<uint(attempt-1))) * time.Millisecond
			h.logger.Infof("retry attempt %d sleeping %v", attempt, sleep)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		}
		_, err := h.engine.Send(ctx, p)
		if err == nil {
			return nil
		}
		lastErr = err
		if permanent(err) {
			break
		}
		h.logger.Warnf("notification request attempt failed: %v", err)
	}
	return h.deadLetter(ctx, key, raw, lastErr)
}

func (h *RequestHandler) deadLetter(ctx context.Context, key string, raw []byte, cause error) error {
	h.logger.Errorf("pushing to DLQ after %d attempts: lastErr=%v", h.maxRetries, cause)
	if h.dlq == nil {
		return cause
	}
	if err := h.dlq.PublishRaw(ctx, key, raw); err != nil {
		h.logger.Errorf("dlq push failed: %v", err)
		return errors.New("notify failed and dlq push failed")
	}
	return cause
}
