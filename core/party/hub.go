package party

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"AuxParty/logger"

	"github.com/gorilla/websocket"
)

// ConnectionHandler 连接生命周期与上行消息的处理方
// 由引擎实现；Hub 只管传输，不碰会话状态
type ConnectionHandler interface {
	HandleAttach(client *Client)
	HandleDetach(client *Client)
	HandleMessage(client *Client, payload string)
}

// Client WebSocket 客户端
// 上行协议是裸文本：`start_party_session` 或一个歌曲ID，
// 其余下行全部走类型化 Event 编码
type Client struct {
	Hub        *Hub
	Conn       *websocket.Conn
	Send       chan []byte
	Code       string // 派对码
	UserID     int64
	Identifier string
	Username   string
}

// Hub 会话 WebSocket 管理中心
type Hub struct {
	// 派对码 -> 客户端集合
	sessions map[string]map[*Client]bool

	// 用户 -> 客户端（一个用户在一个会话只能有一个连接）
	userClients map[string]*Client // key: code:userID

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	handler ConnectionHandler

	mu sync.RWMutex

	done chan struct{}
}

// broadcastMessage 广播消息
// shutdown 为真时表示关闭该会话的全部传输；
// 和普通广播走同一个通道，保证解散通知先于断线送达
type broadcastMessage struct {
	Code     string
	Data     []byte
	shutdown bool
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{
		sessions:    make(map[string]map[*Client]bool),
		userClients: make(map[string]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *broadcastMessage, 256),
		done:        make(chan struct{}),
	}
}

// SetHandler 绑定连接处理方（引擎），必须在 Run 之前调用
func (h *Hub) SetHandler(handler ConnectionHandler) {
	h.handler = handler
}

// Run 启动 Hub 主循环
// 同一会话的事件全部经由这一个循环投递，天然保持产生顺序
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			if msg.shutdown {
				h.shutdownSession(msg.Code)
			} else {
				h.broadcastToSession(msg)
			}

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop 停止 Hub
func (h *Hub) Stop() {
	close(h.done)
}

// registerClient 注册客户端
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()

	code := client.Code
	userKey := h.userKey(code, client.UserID)

	// 同一用户重复连接时踢掉旧连接
	if oldClient, exists := h.userClients[userKey]; exists {
		h.removeClient(oldClient)
	}

	if h.sessions[code] == nil {
		h.sessions[code] = make(map[*Client]bool)
	}
	h.sessions[code][client] = true
	h.userClients[userKey] = client

	h.mu.Unlock()

	if h.handler != nil {
		h.handler.HandleAttach(client)
	}

	logger.Info("client registered",
		logger.String("session", code),
		logger.Int64("user", client.UserID),
		logger.String("username", client.Username))
}

// unregisterClient 注销客户端
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	removed := h.removeClient(client)
	h.mu.Unlock()

	if removed && h.handler != nil {
		h.handler.HandleDetach(client)
	}
}

// removeClient 移除客户端（内部方法，需要持有锁）
func (h *Hub) removeClient(client *Client) bool {
	code := client.Code
	userKey := h.userKey(code, client.UserID)

	removed := false
	if clients, ok := h.sessions[code]; ok {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			close(client.Send)
			removed = true

			if len(clients) == 0 {
				delete(h.sessions, code)
			}
		}
	}

	if h.userClients[userKey] == client {
		delete(h.userClients, userKey)
	}

	if removed {
		logger.Info("client unregistered",
			logger.String("session", code),
			logger.Int64("user", client.UserID))
	}
	return removed
}

// broadcastToSession 向会话内全部客户端投递消息
// 逐个传输尽力而为：发送缓冲满的慢客户端被踢掉，不拖累其他人
func (h *Hub) broadcastToSession(msg *broadcastMessage) {
	h.mu.RLock()
	clients, ok := h.sessions[msg.Code]
	if !ok {
		h.mu.RUnlock()
		return
	}

	clientList := make([]*Client, 0, len(clients))
	for client := range clients {
		clientList = append(clientList, client)
	}
	h.mu.RUnlock()

	for _, client := range clientList {
		select {
		case client.Send <- msg.Data:
		default:
			logger.Warn("send buffer full, dropping client",
				logger.String("session", msg.Code),
				logger.Int64("user", client.UserID))
			h.mu.Lock()
			removed := h.removeClient(client)
			h.mu.Unlock()
			if removed && h.handler != nil {
				h.handler.HandleDetach(client)
			}
		}
	}
}

// shutdownSession 关闭会话的全部连接（teardown 时由引擎触发）
// 只断传输，不回调 HandleDetach——会话整体删除时不需要逐人清理
func (h *Hub) shutdownSession(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.sessions[code]
	if !ok {
		return
	}

	for client := range clients {
		delete(h.userClients, h.userKey(code, client.UserID))
		close(client.Send)
	}
	delete(h.sessions, code)

	logger.Info("session transports closed", logger.String("session", code))
}

// cleanup 清理所有连接
func (h *Hub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.sessions {
		for client := range clients {
			close(client.Send)
		}
	}
	h.sessions = make(map[string]map[*Client]bool)
	h.userClients = make(map[string]*Client)
}

// userKey 生成用户键
func (h *Hub) userKey(code string, userID int64) string {
	return fmt.Sprintf("%s:%d", code, userID)
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast 向会话广播一个事件
func (h *Hub) Broadcast(code string, event *Event) {
	data, err := event.Encode()
	if err != nil {
		logger.Warn("failed to encode event",
			logger.ErrorField(err),
			logger.String("session", code))
		return
	}
	h.broadcast <- &broadcastMessage{Code: code, Data: data}
}

// ShutdownSession 关闭会话的全部传输
func (h *Hub) ShutdownSession(code string) {
	h.broadcast <- &broadcastMessage{Code: code, shutdown: true}
}

// SessionClientCount 获取会话连接数
func (h *Hub) SessionClientCount(code string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.sessions[code])
}

// SendEvent 单播一个事件给客户端（迟到者补状态用）
func (c *Client) SendEvent(event *Event) error {
	data, err := event.Encode()
	if err != nil {
		return err
	}

	select {
	case c.Send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full for user: %d", c.UserID)
	}
}

// ========== 读写循环 ==========

// ReadPump 读取消息循环
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error",
					logger.ErrorField(err),
					logger.String("session", c.Code),
					logger.Int64("user", c.UserID))
			}
			return
		}

		payload := strings.TrimSpace(string(message))
		if payload == "" {
			continue
		}

		if c.Hub.handler != nil {
			c.Hub.handler.HandleMessage(c, payload)
		}
	}
}

// WritePump 写入消息循环
func (c *Client) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
