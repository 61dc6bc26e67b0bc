package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresigner struct {
	key, contentType string
	ttl              time.Duration
}

func (f *fakePresigner) PresignUpload(_ context.Context, key, contentType string, ttl time.Duration) (string, error) {
	f.key, f.contentType, f.ttl = key, contentType, ttl
	return "https://upload.example/" + key + "?sig=1", nil
}

func (f *fakePresigner) PublicURL(key string) string { return "https://cdn.example/" + key }

func TestUploadURL(t *testing.T) {
	p := &fakePresigner{}
	svc := NewAttachmentService(p, 10*time.Minute)

	ticket, err := svc.UploadURL(context.Background(), "u1", "../../etc/My Résumé.pdf", "Application/PDF")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ticket.Key, "attachments/u1/"))
	assert.True(t, strings.HasSuffix(ticket.Key, "_My_R_sum_.pdf"), ticket.Key)
	assert.Equal(t, "application/pdf", p.contentType)
	assert.Equal(t, 10*time.Minute, p.ttl)
	assert.Equal(t, "https://cdn.example/"+ticket.Key, ticket.FileURL)
	assert.Contains(t, ticket.UploadURL, "sig=1")

	_, err = svc.UploadURL(context.Background(), "u1", "run.exe", "application/x-msdownload")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.UploadURL(context.Background(), "u1", " ", "image/png")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestPublicURL(t *testing.T) {
	s := &S3Store{bucket: "media", region: "ap-south-1"}
	assert.Equal(t, "https://media.s3.ap-south-1.amazonaws.com/a/b%20c.png", s.PublicURL("a/b c.png"))
	s.publicBaseURL = "https://cdn.example"
	assert.Equal(t, "https://cdn.example/a/b.png", s.PublicURL("a/b.png"))
}
