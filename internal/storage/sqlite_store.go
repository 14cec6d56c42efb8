// internal/storage/sqlite_store.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/PersonaRelay/internal/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS personas (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS persona_groups (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	persona_id TEXT NOT NULL DEFAULT '',
	group_id   TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	CONSTRAINT uq_conversation UNIQUE (user_id, persona_id, group_id)
);

CREATE TABLE IF NOT EXISTS messages (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	sender_type     TEXT NOT NULL,
	persona_id      TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, seq);
`

// SQLiteStore 基于 modernc sqlite 的存储
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore 打开数据库并建表，dsn 形如 sqlite://./data/relay.db
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	driverDSN, err := parseSQLiteDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing sqlite DSN: %w", err)
	}
	if path := sqliteFilePath(driverDSN); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", withConnPragmas(driverDSN))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if driverDSN == ":memory:" {
		// 每个连接都是独立的内存库
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 30000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// withConnPragmas 让连接池中的每个连接都带上超时与外键设置
func withConnPragmas(driverDSN string) string {
	if driverDSN == ":memory:" {
		return driverDSN
	}
	sep := "?"
	if strings.Contains(driverDSN, "?") {
		sep = "&"
	}
	return driverDSN + sep + "_pragma=busy_timeout(30000)&_pragma=foreign_keys(1)"
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetPersona(ctx context.Context, id string) (*models.Persona, error) {
	var p models.Persona
	if err := s.getDocument(ctx, "personas", id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) ListPersonas(ctx context.Context) ([]*models.Persona, error) {
	var out []*models.Persona
	err := s.listDocuments(ctx, "personas", func(data []byte) error {
		var p models.Persona
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		out = append(out, &p)
		return nil
	})
	return out, err
}

func (s *SQLiteStore) SavePersona(ctx context.Context, persona *models.Persona) error {
	stampPersona(persona)
	return s.putDocument(ctx, "personas", persona.ID, persona.Name, persona.CreatedAt, persona)
}

func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	var g models.Group
	if err := s.getDocument(ctx, "persona_groups", id, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *SQLiteStore) ListGroups(ctx context.Context) ([]*models.Group, error) {
	var out []*models.Group
	err := s.listDocuments(ctx, "persona_groups", func(data []byte) error {
		var g models.Group
		if err := json.Unmarshal(data, &g); err != nil {
			return err
		}
		out = append(out, &g)
		return nil
	})
	return out, err
}

func (s *SQLiteStore) SaveGroup(ctx context.Context, group *models.Group) error {
	stampGroup(group)
	return s.putDocument(ctx, "persona_groups", group.ID, group.Name, group.CreatedAt, group)
}

// table 只接受包内常量
func (s *SQLiteStore) getDocument(ctx context.Context, table, id string, v interface{}) error {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM "+table+" WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying %s: %w", table, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("decoding %s row: %w", table, err)
	}
	return nil
}

func (s *SQLiteStore) listDocuments(ctx context.Context, table string, fn func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM "+table+" ORDER BY created_at, id")
	if err != nil {
		return fmt.Errorf("listing %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("scanning %s: %w", table, err)
		}
		if err := fn([]byte(data)); err != nil {
			return fmt.Errorf("decoding %s row: %w", table, err)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) putDocument(ctx context.Context, table, id, name string, createdAt time.Time, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s row: %w", table, err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO "+table+" (id, name, data, created_at) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(id) DO UPDATE SET name = excluded.name, data = excluded.data",
		id, name, string(data), createdAt.UnixNano())
	if err != nil {
		return fmt.Errorf("saving %s: %w", table, err)
	}
	return nil
}

func (s *SQLiteStore) FindOrCreateConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, persona_id, group_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, persona_id, group_id) DO NOTHING`,
		uuid.NewString(), key.UserID, key.PersonaID, key.GroupID, time.Now().UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, persona_id, group_id, created_at FROM conversations
		WHERE user_id = ? AND persona_id = ? AND group_id = ?`,
		key.UserID, key.PersonaID, key.GroupID)
	return scanSQLiteConversation(row)
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, persona_id, group_id, created_at FROM conversations WHERE id = ?`, id)
	return scanSQLiteConversation(row)
}

func scanSQLiteConversation(row *sql.Row) (*models.Conversation, error) {
	var c models.Conversation
	var created int64
	err := row.Scan(&c.ID, &c.UserID, &c.PersonaID, &c.GroupID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	return &c, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]models.Message, error) {
	query := `SELECT id, conversation_id, sender_type, persona_id, content, created_at
		FROM messages WHERE conversation_id = ?`
	args := []interface{}{conversationID}
	if opts.Newest {
		query += " ORDER BY created_at DESC, seq DESC"
	} else {
		query += " ORDER BY created_at, seq"
	}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var sender string
		var created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.PersonaID, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.SenderType = models.SenderType(sender)
		m.CreatedAt = time.Unix(0, created).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if opts.Newest {
		reverse(msgs)
	}
	return msgs, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if err := stampMessage(msg); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_type, persona_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.SenderType), msg.PersonaID, msg.Content, msg.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}
