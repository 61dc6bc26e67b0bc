package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/config"
	"github.com/fathima-sithara/messaging-service/internal/logger"
	"github.com/fathima-sithara/messaging-service/internal/notification"
	"github.com/fathima-sithara/messaging-service/internal/service"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const memoryConfig = `
app:
  port: 8081
  instance_id: test-node
storage:
  driver: memory
presence:
  driver: memory
events:
  driver: local
jwt:
  alg: HS256
  hs_secret: bootstrap-secret
`

func loadMemoryConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(memoryConfig), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestInitMemoryStack(t *testing.T) {
	cfg := loadMemoryConfig(t)
	a, cleanup, err := Init(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	a.Start()
	defer func() {
		a.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cleanup(ctx)
	}()

	assert.Nil(t, a.Mongo)
	assert.Nil(t, a.Redis)
	require.NotNil(t, a.App)

	resp, err := a.App.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("bootstrap-secret"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/v1/messages/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err = a.App.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMessageEventRaisesNotification(t *testing.T) {
	cfg := loadMemoryConfig(t)
	a, cleanup, err := Init(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	a.Start()
	defer func() {
		a.Stop()
		cleanup(context.Background())
	}()

	ctx := context.Background()
	conv, _, err := a.Conversations.CreateConversation(ctx, service.CreateConversationInput{
		CreatorID:      "alice",
		ParticipantIDs: []string{"bob"},
	})
	require.NoError(t, err)
	_, err = a.Conversations.AppendMessage(ctx, service.AppendInput{
		ConversationID: conv.ID,
		SenderID:       "alice",
		Content:        "are you around?",
	})
	require.NoError(t, err)

	// the bus trigger stores a MESSAGE_RECEIVED notification for the recipient
	assert.Eventually(t, func() bool {
		page, err := a.Engine.List(ctx, "bob", notification.Query{})
		return err == nil && page.Total == 1
	}, 2*time.Second, 20*time.Millisecond)
}
