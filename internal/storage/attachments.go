package storage

import (
	"context"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/apperr"
	"github.com/google/uuid"
)

type Presigner interface {
	PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	PublicURL(key string) string
}

var allowedContentTypes = map[string]bool{
	"image/jpeg":         true,
	"image/png":          true,
	"image/gif":          true,
	"image/webp":         true,
	"application/pdf":    true,
	"text/plain":         true,
	"application/zip":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

type UploadTicket struct {
	UploadURL string    `json:"uploadUrl"`
	FileURL   string    `json:"fileUrl"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type AttachmentService struct {
	store Presigner
	ttl   time.Duration
}

func NewAttachmentService(store Presigner, ttl time.Duration) *AttachmentService {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &AttachmentService{store: store, ttl: ttl}
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if len(name) > 100 {
		name = name[len(name)-100:]
	}
	if name == "" {
		name = "file"
	}
	return name
}

// UploadURL presigns a PUT for one attachment under the uploader's prefix.
func (s *AttachmentService) UploadURL(ctx context.Context, userID, filename, contentType string) (*UploadTicket, error) {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if !allowedContentTypes[contentType] {
		return nil, apperr.Validation("content type %q is not allowed", contentType)
	}
	if strings.TrimSpace(filename) == "" {
		return nil, apperr.Validation("filename is required")
	}
	key := "attachments/" + userID + "/" + uuid.NewString() + "_" + sanitizeFilename(filename)
	u, err := s.store.PresignUpload(ctx, key, contentType, s.ttl)
	if err != nil {
		return nil, err
	}
	return &UploadTicket{
		UploadURL: u,
		FileURL:   s.store.PublicURL(key),
		Key:       key,
		ExpiresAt: time.Now().UTC().Add(s.ttl),
	}, nil
}
