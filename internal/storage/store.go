// internal/storage/store.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/PersonaRelay/internal/config"
	"github.com/Corphon/PersonaRelay/internal/models"
)

// ErrNotFound 实体不存在
var ErrNotFound = errors.New("not found")

// ListOptions 消息查询选项，返回结果总是按时间正序
type ListOptions struct {
	// Limit <= 0 表示不限制
	Limit int
	// Newest 为 true 时取最新的 Limit 条，否则取最早的 Limit 条
	Newest bool
}

// Store 持久化接口，所有后端实现相同语义
type Store interface {
	GetPersona(ctx context.Context, id string) (*models.Persona, error)
	ListPersonas(ctx context.Context) ([]*models.Persona, error)
	SavePersona(ctx context.Context, persona *models.Persona) error

	GetGroup(ctx context.Context, id string) (*models.Group, error)
	ListGroups(ctx context.Context) ([]*models.Group, error)
	SaveGroup(ctx context.Context, group *models.Group) error

	FindOrCreateConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)

	ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]models.Message, error)
	AppendMessage(ctx context.Context, msg *models.Message) error

	Close() error
}

// Open 按配置打开存储后端
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFileStore(cfg.DataDir)
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "sqlite://" + filepath.Join(cfg.DataDir, "relay.db")
		}
		return NewSQLiteStore(ctx, dsn)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func validateKey(key models.ConversationKey) error {
	if key.UserID == "" {
		return fmt.Errorf("conversation key requires a user id")
	}
	if (key.PersonaID == "") == (key.GroupID == "") {
		return fmt.Errorf("conversation key requires exactly one of persona id or group id")
	}
	return nil
}

func stampPersona(p *models.Persona) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
}

func stampGroup(g *models.Group) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
}

func stampMessage(m *models.Message) error {
	if m.ConversationID == "" {
		return fmt.Errorf("message requires a conversation id")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return nil
}

// windowMessages 在已按时间正序排列的消息上应用 ListOptions
func windowMessages(msgs []models.Message, opts ListOptions) []models.Message {
	if opts.Limit <= 0 || len(msgs) <= opts.Limit {
		return msgs
	}
	if opts.Newest {
		return msgs[len(msgs)-opts.Limit:]
	}
	return msgs[:opts.Limit]
}

// reverse 将倒序查询结果恢复为正序
func reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
