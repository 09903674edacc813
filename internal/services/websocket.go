package services

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"homeservice/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// FeedEvent 推送给管理后台的执行结果
type FeedEvent struct {
	Type       string              `json:"type"`
	HookID     uint                `json:"hookId"`
	HookName   string              `json:"hookName"`
	Event      models.TriggerEvent `json:"event"`
	EntityKind models.EntityKind   `json:"entityKind,omitempty"`
	EntityID   uint                `json:"entityId,omitempty"`
	Success    bool                `json:"success"`
	Error      string              `json:"error,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// FeedBroadcaster 接收已记录的 hook 执行结果
type FeedBroadcaster interface {
	Broadcast(evt FeedEvent)
}

type feedClient struct {
	id    string
	event models.TriggerEvent
	conn  *websocket.Conn
	send  chan FeedEvent
	hub   *AutomationFeed
}

// AutomationFeed 基于 websocket 的执行结果广播
type AutomationFeed struct {
	clients    map[string]*feedClient
	broadcast  chan FeedEvent
	register   chan *feedClient
	unregister chan *feedClient
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
	upgrader   websocket.Upgrader
}

func NewAutomationFeed(logger *logrus.Logger, allowedOrigins []string) *AutomationFeed {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &AutomationFeed{
		clients:    make(map[string]*feedClient),
		broadcast:  make(chan FeedEvent, 256),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

func (h *AutomationFeed) Run() {
	for {
		select {
		case <-h.done:
			h.mutex.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.id] = client
			h.mutex.Unlock()
			h.logger.Debugf("automation feed: client %s connected", client.id)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
				h.logger.Debugf("automation feed: client %s disconnected", client.id)
			}
			h.mutex.Unlock()

		case evt := <-h.broadcast:
			h.mutex.Lock()
			for id, client := range h.clients {
				if client.event != "" && client.event != evt.Event {
					continue
				}
				select {
				case client.send <- evt:
				default:
					// 慢客户端直接断开
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Stop 结束 Run 并关闭所有客户端
func (h *AutomationFeed) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Broadcast 不阻塞引擎，缓冲区满时丢弃
func (h *AutomationFeed) Broadcast(evt FeedEvent) {
	if evt.Type == "" {
		evt.Type = "hook.executed"
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- evt:
	default:
		h.logger.Debug("automation feed: buffer full, event dropped")
	}
}

// HandleWebSocket 升级连接；?event= 只订阅单个触发事件
func (h *AutomationFeed) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("automation feed: upgrade failed: %v", err)
		return
	}

	client := &feedClient{
		id:    fmt.Sprintf("feed_%d", time.Now().UnixNano()),
		event: models.TriggerEvent(c.Query("event")),
		conn:  conn,
		send:  make(chan FeedEvent, 64),
		hub:   h,
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

func (h *AutomationFeed) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// readPump 只读取控制帧，推送是单向的
func (c *feedClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnf("automation feed: %v", err)
			}
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(evt); err != nil {
				c.hub.logger.Warnf("automation feed: write: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
