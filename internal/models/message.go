// internal/models/message.go
package models

import "time"

// SenderType 消息发送方类型
type SenderType string

const (
	SenderUser    SenderType = "user"
	SenderPersona SenderType = "persona"
)

// Conversation 表示用户与单个人格或群组之间的会话
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	PersonaID string    `json:"persona_id,omitempty"`
	GroupID   string    `json:"group_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationKey 用于查找或创建会话
// PersonaID 与 GroupID 只能设置其一
type ConversationKey struct {
	UserID    string
	PersonaID string
	GroupID   string
}

// Message 表示会话中的一条消息，只追加不修改
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderType     SenderType `json:"sender_type"`
	PersonaID      string     `json:"persona_id,omitempty"`
	// PersonaName 仅用于渲染群聊历史，不持久化
	PersonaName string    `json:"persona_name,omitempty"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsFromPersona 判断消息是否由指定人格发出
func (m Message) IsFromPersona(personaID string) bool {
	return m.SenderType == SenderPersona && m.PersonaID != "" && m.PersonaID == personaID
}

// RecentMessages 返回按时间顺序排列的最后 limit 条消息
func RecentMessages(history []Message, limit int) []Message {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}
