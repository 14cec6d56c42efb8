// internal/api/websocket.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Corphon/PersonaRelay/internal/utils"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 64 * 1024
	wsSendQueue      = 64
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketConnection 定义 WebSocket 连接的接口
type WebSocketConnection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// WebSocketClient 表示一个订阅群聊的连接
type WebSocketClient struct {
	conn      WebSocketConnection
	groupID   string
	userID    string
	send      chan []byte
	closed    int32 // 原子操作标志，0=开启，1=关闭
	lastPing  atomic.Int64
	createdAt time.Time
}

func newWebSocketClient(conn WebSocketConnection, groupID, userID string) *WebSocketClient {
	client := &WebSocketClient{
		conn:      conn,
		groupID:   groupID,
		userID:    userID,
		send:      make(chan []byte, wsSendQueue),
		createdAt: time.Now(),
	}
	client.UpdatePing()
	return client
}

// Close 安全关闭客户端连接
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// UpdatePing 更新最后活跃时间
func (client *WebSocketClient) UpdatePing() {
	client.lastPing.Store(time.Now().UnixNano())
}

// IsExpired 检查连接是否超时
func (client *WebSocketClient) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}
	return time.Since(time.Unix(0, client.lastPing.Load())) > timeout
}

// SendMessage 非阻塞地把消息放入发送队列，队列满时丢弃
func (client *WebSocketClient) SendMessage(message map[string]interface{}) bool {
	if client.IsClosed() {
		return false
	}
	msgBytes, err := json.Marshal(message)
	if err != nil {
		return false
	}
	return client.enqueue(msgBytes)
}

func (client *WebSocketClient) enqueue(msg []byte) bool {
	select {
	case client.send <- msg:
		return true
	default:
		return false
	}
}

// SendError 发送错误消息到客户端
func (client *WebSocketClient) SendError(errorMsg string) {
	client.SendMessage(map[string]interface{}{
		"type":      "error",
		"error":     errorMsg,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// GroupHub 按群组管理 WebSocket 订阅，并把群聊回复推送给所有订阅者
type GroupHub struct {
	mu          sync.RWMutex
	connections map[string]map[*WebSocketClient]struct{} // groupID -> clients
	pingTimeout time.Duration
	logger      *utils.Logger
}

// NewGroupHub 创建推送中心
func NewGroupHub(pingTimeout time.Duration, logger *utils.Logger) *GroupHub {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if pingTimeout <= 0 {
		pingTimeout = 60 * time.Second
	}
	return &GroupHub{
		connections: make(map[string]map[*WebSocketClient]struct{}),
		pingTimeout: pingTimeout,
		logger:      logger,
	}
}

// Run 定期清理过期连接，直到 ctx 结束后关闭所有连接
func (hub *GroupHub) Run(ctx context.Context) {
	ticker := time.NewTicker(hub.pingTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hub.cleanupExpiredConnections()
		case <-ctx.Done():
			hub.shutdown()
			return
		}
	}
}

func (hub *GroupHub) register(client *WebSocketClient) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.connections[client.groupID] == nil {
		hub.connections[client.groupID] = make(map[*WebSocketClient]struct{})
	}
	hub.connections[client.groupID][client] = struct{}{}

	hub.logger.Info("websocket client connected", utils.Fields{"group_id": client.groupID, "user_id": client.userID})
}

func (hub *GroupHub) unregister(client *WebSocketClient) {
	hub.mu.Lock()
	if clients, ok := hub.connections[client.groupID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(hub.connections, client.groupID)
		}
	}
	hub.mu.Unlock()

	client.Close()
	hub.logger.Info("websocket client disconnected", utils.Fields{"group_id": client.groupID, "user_id": client.userID})
}

// cleanupExpiredConnections 清理过期和死连接
func (hub *GroupHub) cleanupExpiredConnections() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	removed := 0
	for groupID, clients := range hub.connections {
		for client := range clients {
			if client.IsClosed() || client.IsExpired(hub.pingTimeout) {
				delete(clients, client)
				client.Close()
				removed++
			}
		}
		if len(clients) == 0 {
			delete(hub.connections, groupID)
		}
	}
	return removed
}

// Broadcast 向群组的所有订阅者推送消息，返回成功入队的数量
func (hub *GroupHub) Broadcast(groupID string, message map[string]interface{}) int {
	msgBytes, err := json.Marshal(message)
	if err != nil {
		hub.logger.Error("failed to encode broadcast", utils.Fields{"group_id": groupID, "error": err})
		return 0
	}

	hub.mu.RLock()
	targets := make([]*WebSocketClient, 0, len(hub.connections[groupID]))
	for client := range hub.connections[groupID] {
		if !client.IsClosed() {
			targets = append(targets, client)
		}
	}
	hub.mu.RUnlock()

	delivered := 0
	for _, client := range targets {
		if client.enqueue(msgBytes) {
			delivered++
			continue
		}
		// 队列满说明客户端读得太慢，直接断开
		hub.logger.Warn("websocket queue full, dropping client", utils.Fields{"group_id": groupID, "user_id": client.userID})
		client.Close()
	}
	return delivered
}

// shutdown 关闭所有连接
func (hub *GroupHub) shutdown() {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	for _, clients := range hub.connections {
		for client := range clients {
			client.Close()
		}
	}
	hub.connections = make(map[string]map[*WebSocketClient]struct{})
}

// GetStatus 获取订阅状态
func (hub *GroupHub) GetStatus() map[string]interface{} {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	groups := make(map[string]interface{}, len(hub.connections))
	total := 0
	for groupID, clients := range hub.connections {
		users := make([]string, 0, len(clients))
		for client := range clients {
			if !client.IsClosed() {
				users = append(users, client.userID)
			}
		}
		groups[groupID] = map[string]interface{}{
			"client_count": len(users),
			"users":        users,
		}
		total += len(users)
	}

	return map[string]interface{}{
		"total_groups":         len(hub.connections),
		"total_connections":    total,
		"groups":               groups,
		"ping_timeout_seconds": int(hub.pingTimeout.Seconds()),
	}
}
