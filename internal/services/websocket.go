package services

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"clawboard/internal/metrics"
	"clawboard/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// 推送消息类型
const (
	MessageTicketCreated  = "ticket_created"
	MessageTicketUpdated  = "ticket_updated"
	MessageTicketMoved    = "ticket_moved"
	MessageTicketArchived = "ticket_archived"
	MessageTicketEvent    = "ticket_event"
	MessageCommentAdded   = "comment_added"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	sendBuffer     = 256
)

// BroadcastMessage 推送给所有订阅者的 JSON 对象，type 字段必填
type BroadcastMessage map[string]interface{}

// Type 消息类型
func (m BroadcastMessage) Type() string {
	t, _ := m["type"].(string)
	return t
}

// Broadcaster 尽力而为的推送通道
type Broadcaster interface {
	Broadcast(message BroadcastMessage)
}

// 消息构造
func TicketMessage(messageType string, ticket *models.Ticket) BroadcastMessage {
	return BroadcastMessage{"type": messageType, "ticket": ticket}
}

func TicketMovedMessage(ticket *models.Ticket, from, to string) BroadcastMessage {
	return BroadcastMessage{"type": MessageTicketMoved, "ticket": ticket, "from": from, "to": to}
}

func EventMessage(event models.TicketEvent) BroadcastMessage {
	return BroadcastMessage{"type": MessageTicketEvent, "event": event}
}

func CommentMessage(ticketID uint, comment models.TicketComment) BroadcastMessage {
	return BroadcastMessage{"type": MessageCommentAdded, "ticket_id": ticketID, "comment": comment}
}

type WebSocketClient struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Hub  *WebSocketHub
}

// WebSocketHub 管理 /ws 订阅者。发送缓冲已满的订阅者会被直接断开。
type WebSocketHub struct {
	clients    map[string]*WebSocketClient
	broadcast  chan []byte
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	done       chan struct{}
	stopOnce   sync.Once
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

var _ Broadcaster = (*WebSocketHub)(nil)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewWebSocketHub(logger *logrus.Logger) *WebSocketHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebSocketHub{
		clients:    make(map[string]*WebSocketClient),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run 事件循环，直到 Stop 被调用
func (h *WebSocketHub) Run() {
	for {
		select {
		case <-h.done:
			h.mutex.Lock()
			for id, client := range h.clients {
				close(client.Send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			h.logger.Infof("Client %s connected", client.ID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
				h.logger.Infof("Client %s disconnected", client.ID)
			}
			h.mutex.Unlock()

		case payload := <-h.broadcast:
			h.mutex.Lock()
			for id, client := range h.clients {
				select {
				case client.Send <- payload:
				default:
					close(client.Send)
					delete(h.clients, id)
					h.logger.Warnf("Client %s dropped: send buffer full", id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Stop 结束事件循环并关闭所有连接
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast 序列化后投递给事件循环；队列满或已停止时丢弃
func (h *WebSocketHub) Broadcast(message BroadcastMessage) {
	payload, err := json.Marshal(message)
	if err != nil {
		h.logger.WithError(err).Error("failed to encode broadcast message")
		return
	}
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- payload:
		metrics.IncBroadcast(message.Type())
	default:
		h.logger.Warnf("broadcast queue full, dropping %s", message.Type())
	}
}

func (h *WebSocketHub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed:", err)
		return
	}

	client := &WebSocketClient{
		ID:   uuid.NewString(),
		Conn: conn,
		Send: make(chan []byte, sendBuffer),
		Hub:  h,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *WebSocketClient) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Errorf("WebSocket error: %v", err)
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))

		// 客户端心跳：文本 ping 回 pong，其余内容忽略
		if strings.TrimSpace(string(data)) == "ping" {
			c.reply([]byte("pong"))
		}
	}
}

// reply 只发给当前客户端；缓冲已满时丢弃
func (c *WebSocketClient) reply(payload []byte) {
	c.Hub.mutex.RLock()
	defer c.Hub.mutex.RUnlock()
	if _, ok := c.Hub.clients[c.ID]; !ok {
		return
	}
	select {
	case c.Send <- payload:
	default:
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.Hub.logger.Error("WriteMessage error:", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
