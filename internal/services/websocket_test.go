package services

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"homeservice/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutomationFeed_StreamsMatchingEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	feed := NewAutomationFeed(quietLogger(), []string{"*"})
	go feed.Run()
	defer feed.Stop()

	r := gin.New()
	r.GET("/stream", feed.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream?event=" + string(models.EventBookingCreated)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return feed.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	feed.Broadcast(FeedEvent{HookID: 1, HookName: "other", Event: models.EventPaymentReceived, Success: true})
	feed.Broadcast(FeedEvent{HookID: 2, HookName: "confirm", Event: models.EventBookingCreated, Success: true})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got FeedEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, uint(2), got.HookID)
	assert.Equal(t, "hook.executed", got.Type)
	assert.False(t, got.Timestamp.IsZero())
}

func TestAutomationFeed_RejectsUnknownOrigin(t *testing.T) {
	check := originChecker([]string{"https://admin.homeservice.local"})
	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))
	req.Header.Set("Origin", "https://admin.homeservice.local")
	assert.True(t, check(req))
}
