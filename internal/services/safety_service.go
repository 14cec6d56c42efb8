// internal/services/safety_service.go
package services

import (
	"fmt"
	"strings"
)

// restrictedTopics 命中任一短语的消息不会发送给供应商
var restrictedTopics = []string{
	"medical diagnosis", "medical treatment", "prescription",
	"legal advice", "legal representation",
	"financial investment advice", "stock tips",
	"self-harm", "suicide",
	"illegal activities",
	"confidential information disclosure",
}

// SafetyGate 内容策略检查，命中时返回礼貌的拒绝语而不是错误
type SafetyGate struct {
	topics []string
}

// NewSafetyGate 使用内置话题表创建检查器
func NewSafetyGate() *SafetyGate {
	return &SafetyGate{topics: restrictedTopics}
}

// Check 不区分大小写的子串匹配，返回命中的话题
func (g *SafetyGate) Check(message string) (string, bool) {
	lower := strings.ToLower(message)
	for _, topic := range g.topics {
		if strings.Contains(lower, topic) {
			return topic, true
		}
	}
	return "", false
}

// DeclineMessage 面向用户的拒绝语
func DeclineMessage(topic string) string {
	return fmt.Sprintf("I appreciate your trust, but I can't provide advice on %s. Please consult with a qualified professional for this matter.", topic)
}
