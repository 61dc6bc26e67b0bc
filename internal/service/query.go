package service

import (
	"context"
	"errors"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/apperr"
	"github.com/fathima-sithara/messaging-service/internal/repository"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// resolveCursor accepts an RFC3339 timestamp or the id of a message in the same conversation.
func (s *ConversationService) resolveCursor(ctx context.Context, conversationID, before string) (*repository.Cursor, error) {
	if before == "" {
		return nil, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, before); err == nil {
		return &repository.Cursor{Before: ts.UTC()}, nil
	}
	m, err := s.repo.GetMessage(ctx, before)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Validation("invalid before cursor %q", before)
		}
		return nil, err
	}
	if m.ConversationID != conversationID {
		return nil, apperr.Validation("invalid before cursor %q", before)
	}
	return &repository.Cursor{Before: m.CreatedAt, BeforeID: m.ID}, nil
}
