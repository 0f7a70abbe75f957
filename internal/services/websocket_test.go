package services

import (
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"clawboard/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketHub_ClientManagement(t *testing.T) {
	hub := NewWebSocketHub(quietLogger())
	go hub.Run()
	defer hub.Stop()

	client1 := &WebSocketClient{ID: "client-1", Send: make(chan []byte, 4), Hub: hub}
	client2 := &WebSocketClient{ID: "client-2", Send: make(chan []byte, 4), Hub: hub}

	hub.register <- client1
	hub.register <- client2
	require.Eventually(t, func() bool { return hub.GetClientCount() == 2 }, time.Second, 10*time.Millisecond)

	hub.unregister <- client1
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.unregister <- client2
	require.Eventually(t, func() bool { return hub.GetClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestWebSocketHub_BroadcastToAll(t *testing.T) {
	hub := NewWebSocketHub(quietLogger())
	go hub.Run()
	defer hub.Stop()

	client1 := &WebSocketClient{ID: "client-1", Send: make(chan []byte, 4), Hub: hub}
	client2 := &WebSocketClient{ID: "client-2", Send: make(chan []byte, 4), Hub: hub}
	hub.register <- client1
	hub.register <- client2

	ticket := &models.Ticket{ID: 3, Title: "T", Status: models.StatusReview}
	hub.Broadcast(TicketMovedMessage(ticket, models.StatusInProgress, models.StatusReview))

	for _, c := range []*WebSocketClient{client1, client2} {
		select {
		case payload := <-c.Send:
			var got map[string]interface{}
			require.NoError(t, json.Unmarshal(payload, &got))
			assert.Equal(t, "ticket_moved", got["type"])
			assert.Equal(t, "In Progress", got["from"])
			assert.Equal(t, "Review", got["to"])
			assert.EqualValues(t, 3, got["ticket"].(map[string]interface{})["id"])
		case <-time.After(time.Second):
			t.Fatalf("%s should have received the message", c.ID)
		}
	}
}

func TestWebSocketHub_DropsSlowSubscriber(t *testing.T) {
	hub := NewWebSocketHub(quietLogger())
	go hub.Run()
	defer hub.Stop()

	slow := &WebSocketClient{ID: "slow", Send: make(chan []byte), Hub: hub}
	fast := &WebSocketClient{ID: "fast", Send: make(chan []byte, 4), Hub: hub}
	hub.register <- slow
	hub.register <- fast

	hub.Broadcast(BroadcastMessage{"type": MessageTicketUpdated})

	select {
	case <-fast.Send:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber should receive the message")
	}
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)
	_, open := <-slow.Send
	assert.False(t, open)
}

func TestWebSocketHub_BroadcastAfterStopIsDropped(t *testing.T) {
	hub := NewWebSocketHub(quietLogger())
	go hub.Run()
	hub.Stop()

	assert.NotPanics(t, func() {
		hub.Broadcast(BroadcastMessage{"type": MessageTicketUpdated})
	})
}

func TestWebSocketHub_PingPongAndBroadcast(t *testing.T) {
	if !canBindLocal() {
		t.Skip("local TCP bind not permitted in this environment")
	}
	hub := NewWebSocketHub(quietLogger())
	go hub.Run()
	defer hub.Stop()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", hub.HandleWebSocket)
	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))

	hub.Broadcast(CommentMessage(9, models.TicketComment{ID: 1, TicketID: 9, Author: "System", Content: "hi"}))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "comment_added", got["type"])
	assert.EqualValues(t, 9, got["ticket_id"])
}

// canBindLocal 受限环境可能不允许本地监听
func canBindLocal() bool {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
