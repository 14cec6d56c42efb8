// internal/storage/file_store.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/PersonaRelay/internal/models"
)

const (
	personasDir      = "personas"
	groupsDir        = "groups"
	conversationsDir = "conversations"
	messagesDir      = "messages"
)

// FileStore 以 JSON 文件保存数据，适合单机开发
type FileStore struct {
	BaseDir string

	// 文件级别锁 path -> *sync.RWMutex
	fileLocks sync.Map
	// 会话查找与创建需要整体串行
	convMu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore 创建文件存储
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		baseDir = "data"
	}
	for _, dir := range []string{personasDir, groupsDir, conversationsDir, messagesDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return &FileStore{BaseDir: baseDir}, nil
}

func (s *FileStore) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := s.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

func (s *FileStore) path(dir, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid id %q", id)
	}
	return filepath.Join(s.BaseDir, dir, id+".json"), nil
}

// saveJSON 先写临时文件再重命名，保证原子性
func (s *FileStore) saveJSON(dir, id string, data interface{}) error {
	fullPath, err := s.path(dir, id)
	if err != nil {
		return err
	}
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", dir, id, err)
	}

	lock := s.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	return writeAtomic(fullPath, content)
}

func writeAtomic(fullPath string, content []byte) error {
	tempPath := fullPath + ".tmp"
	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tempPath, fullPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (s *FileStore) loadJSON(dir, id string, v interface{}) error {
	fullPath, err := s.path(dir, id)
	if err != nil {
		return ErrNotFound
	}

	lock := s.getFileLock(fullPath)
	lock.RLock()
	content, err := os.ReadFile(fullPath)
	lock.RUnlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s/%s: %w", dir, id, err)
	}

	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("parse %s/%s: %w", dir, id, err)
	}
	return nil
}

// listIDs 返回目录中所有 JSON 文件的 ID
func (s *FileStore) listIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.BaseDir, dir))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (s *FileStore) GetPersona(ctx context.Context, id string) (*models.Persona, error) {
	var p models.Persona
	if err := s.loadJSON(personasDir, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *FileStore) ListPersonas(ctx context.Context) ([]*models.Persona, error) {
	ids, err := s.listIDs(personasDir)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Persona, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPersona(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FileStore) SavePersona(ctx context.Context, persona *models.Persona) error {
	stampPersona(persona)
	return s.saveJSON(personasDir, persona.ID, persona)
}

func (s *FileStore) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	var g models.Group
	if err := s.loadJSON(groupsDir, id, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *FileStore) ListGroups(ctx context.Context) ([]*models.Group, error) {
	ids, err := s.listIDs(groupsDir)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Group, 0, len(ids))
	for _, id := range ids {
		g, err := s.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FileStore) SaveGroup(ctx context.Context, group *models.Group) error {
	stampGroup(group)
	return s.saveJSON(groupsDir, group.ID, group)
}

func (s *FileStore) FindOrCreateConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.convMu.Lock()
	defer s.convMu.Unlock()

	ids, err := s.listIDs(conversationsDir)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if conv.UserID == key.UserID && conv.PersonaID == key.PersonaID && conv.GroupID == key.GroupID {
			return conv, nil
		}
	}

	conv := &models.Conversation{
		ID:        uuid.NewString(),
		UserID:    key.UserID,
		PersonaID: key.PersonaID,
		GroupID:   key.GroupID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.saveJSON(conversationsDir, conv.ID, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *FileStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	if err := s.loadJSON(conversationsDir, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// readMessages 调用方需持有锁
func (s *FileStore) readMessages(fullPath string) ([]models.Message, error) {
	content, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var msgs []models.Message
	if err := json.Unmarshal(content, &msgs); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	return msgs, nil
}

func (s *FileStore) ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]models.Message, error) {
	fullPath, err := s.path(messagesDir, conversationID)
	if err != nil {
		return nil, err
	}

	lock := s.getFileLock(fullPath)
	lock.RLock()
	msgs, err := s.readMessages(fullPath)
	lock.RUnlock()
	if err != nil {
		return nil, err
	}

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return windowMessages(msgs, opts), nil
}

func (s *FileStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if err := stampMessage(msg); err != nil {
		return err
	}
	fullPath, err := s.path(messagesDir, msg.ConversationID)
	if err != nil {
		return err
	}

	lock := s.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := s.readMessages(fullPath)
	if err != nil {
		return err
	}
	stored := *msg
	stored.PersonaName = ""
	msgs = append(msgs, stored)

	content, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(fullPath, content)
}

func (s *FileStore) Close() error {
	return nil
}
