// internal/api/websocket_handlers.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Corphon/PersonaRelay/internal/models"
	"github.com/Corphon/PersonaRelay/internal/services"
	"github.com/Corphon/PersonaRelay/internal/utils"
)

// wsInbound 客户端发来的消息
type wsInbound struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	APIKey  string `json:"api_key"`
}

// replyEvent 一条群聊回复的推送格式
func replyEvent(groupID string, reply models.GroupReply) map[string]interface{} {
	return map[string]interface{}{
		"type":         "group_reply",
		"group_id":     groupID,
		"persona_id":   reply.PersonaID,
		"persona_name": reply.PersonaName,
		"response":     reply.Response,
		"mood":         reply.Mood,
		"timestamp":    time.Now().Format(time.RFC3339),
	}
}

// GroupWebSocket 订阅群聊，连接上也可以直接发送消息触发一轮回复
func (h *Handler) GroupWebSocket(c *gin.Context) {
	groupID := c.Param("id")
	if groupID == "" {
		http.Error(c.Writer, "group id is required", http.StatusBadRequest)
		return
	}
	if _, err := h.store.GetGroup(c.Request.Context(), groupID); err != nil {
		h.Response.FromError(c, groupLookupError(err), ErrorGroupNotFound)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", utils.Fields{"group_id": groupID, "error": err})
		return
	}

	client := newWebSocketClient(conn, groupID, c.DefaultQuery("user_id", "anonymous"))
	h.hub.register(client)
	defer h.hub.unregister(client)

	done := make(chan struct{})
	defer close(done)
	go h.writePump(client, done)

	client.SendMessage(map[string]interface{}{
		"type":      "connected",
		"group_id":  groupID,
		"user_id":   client.userID,
		"timestamp": time.Now().Format(time.RFC3339),
	})

	h.readPump(c.Request.Context(), client)
}

// readPump 在处理器协程中读取消息，出错即返回
func (h *Handler) readPump(ctx context.Context, client *WebSocketClient) {
	client.conn.SetReadLimit(wsMaxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(h.hub.pingTimeout))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		return client.conn.SetReadDeadline(time.Now().Add(h.hub.pingTimeout))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read ended", utils.Fields{"group_id": client.groupID, "error": err})
			}
			return
		}
		client.UpdatePing()
		_ = client.conn.SetReadDeadline(time.Now().Add(h.hub.pingTimeout))

		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			client.SendError("invalid message format")
			continue
		}

		switch msg.Type {
		case "ping":
			client.SendMessage(map[string]interface{}{"type": "pong", "timestamp": time.Now().Format(time.RFC3339)})
		case "message", "":
			h.runSocketTurn(ctx, client, msg)
		default:
			client.SendError("unknown message type: " + msg.Type)
		}
	}
}

// runSocketTurn 执行一轮群聊，回复通过推送中心广播给该群的全部订阅者
func (h *Handler) runSocketTurn(ctx context.Context, client *WebSocketClient, msg wsInbound) {
	result, err := h.chat.SendGroup(ctx, services.GroupSendRequest{
		UserID:  client.userID,
		GroupID: client.groupID,
		Message: strings.TrimSpace(msg.Message),
		APIKey:  msg.APIKey,
	}, h.broadcastReply(client.groupID))
	if err != nil {
		client.SendError(sanitizeErrorMessage(err.Error()))
		return
	}

	client.SendMessage(map[string]interface{}{
		"type":            "turn_complete",
		"conversation_id": result.ConversationID,
		"replies":         len(result.Responses),
		"timestamp":       time.Now().Format(time.RFC3339),
	})
}

func (h *Handler) broadcastReply(groupID string) services.ReplyHook {
	return func(ctx context.Context, persona *models.Persona, reply models.GroupReply) error {
		h.hub.Broadcast(groupID, replyEvent(groupID, reply))
		return nil
	}
}

// writePump 串行写出队列中的消息并定期发送 ping
func (h *Handler) writePump(client *WebSocketClient, done <-chan struct{}) {
	ticker := time.NewTicker(h.hub.pingTimeout * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case msg := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				client.Close()
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Close()
				return
			}
		}
	}
}

// GetWebSocketStatus 获取 WebSocket 连接状态
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	status := h.hub.GetStatus()
	status["timestamp"] = time.Now().Format(time.RFC3339)
	h.Response.Success(c, status)
}
