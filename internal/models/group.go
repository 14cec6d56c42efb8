// internal/models/group.go
package models

import "time"

// Group 多人格群聊
type Group struct {
	ID         string    `json:"id" yaml:"id"`
	Name       string    `json:"name" yaml:"name"`
	PersonaIDs []string  `json:"persona_ids" yaml:"persona_ids"`
	CreatedAt  time.Time `json:"created_at" yaml:"-"`
}

// GroupReply 群聊中单个人格的一次回复
type GroupReply struct {
	PersonaID   string   `json:"persona_id"`
	PersonaName string   `json:"persona_name"`
	Response    string   `json:"response"`
	Mood        MoodCode `json:"mood"`
}
