// internal/storage/postgres_store.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Corphon/PersonaRelay/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS personas (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS persona_groups (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	persona_id TEXT NOT NULL DEFAULT '',
	group_id   TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT uq_conversation UNIQUE (user_id, persona_id, group_id)
);

CREATE TABLE IF NOT EXISTS messages (
	seq             BIGSERIAL PRIMARY KEY,
	id              TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	sender_type     TEXT NOT NULL,
	persona_id      TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, seq);
`

// PostgresStore 基于 pgx 连接池的存储
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore 连接数据库并建表
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetPersona(ctx context.Context, id string) (*models.Persona, error) {
	var p models.Persona
	if err := s.getDocument(ctx, "personas", id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListPersonas(ctx context.Context) ([]*models.Persona, error) {
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

func (s *PostgresStore) SavePersona(ctx context.Context, persona *models.Persona) error {
	stampPersona(persona)
	return s.putDocument(ctx, "personas", persona.ID, persona.Name, persona.CreatedAt, persona)
}

func (s *PostgresStore) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	var g models.Group
	if err := s.getDocument(ctx, "persona_groups", id, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) ListGroups(ctx context.Context) ([]*models.Group, error) {
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

func (s *PostgresStore) SaveGroup(ctx context.Context, group *models.Group) error {
	stampGroup(group)
	return s.putDocument(ctx, "persona_groups", group.ID, group.Name, group.CreatedAt, group)
}

func (s *PostgresStore) getDocument(ctx context.Context, table, id string, v interface{}) error {
	var data []byte
	err := s.pool.QueryRow(ctx, "SELECT data FROM "+table+" WHERE id = $1", id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying %s: %w", table, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s row: %w", table, err)
	}
	return nil
}

func (s *PostgresStore) listDocuments(ctx context.Context, table string, fn func([]byte) error) error {
	rows, err := s.pool.Query(ctx, "SELECT data FROM "+table+" ORDER BY created_at, id")
	if err != nil {
		return fmt.Errorf("listing %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("scanning %s: %w", table, err)
		}
		if err := fn(data); err != nil {
			return fmt.Errorf("decoding %s row: %w", table, err)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) putDocument(ctx context.Context, table, id, name string, createdAt time.Time, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s row: %w", table, err)
	}
	_, err = s.pool.Exec(ctx,
		"INSERT INTO "+table+" (id, name, data, created_at) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, data = EXCLUDED.data",
		id, name, data, createdAt)
	if err != nil {
		return fmt.Errorf("saving %s: %w", table, err)
	}
	return nil
}

func (s *PostgresStore) FindOrCreateConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, user_id, persona_id, group_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, persona_id, group_id) DO NOTHING`,
		uuid.NewString(), key.UserID, key.PersonaID, key.GroupID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, persona_id, group_id, created_at FROM conversations
		WHERE user_id = $1 AND persona_id = $2 AND group_id = $3`,
		key.UserID, key.PersonaID, key.GroupID)
	return scanPostgresConversation(row)
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, persona_id, group_id, created_at FROM conversations WHERE id = $1`, id)
	return scanPostgresConversation(row)
}

func scanPostgresConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.PersonaID, &c.GroupID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]models.Message, error) {
	query := `SELECT id, conversation_id, sender_type, persona_id, content, created_at
		FROM messages WHERE conversation_id = $1`
	args := []interface{}{conversationID}
	if opts.Newest {
		query += " ORDER BY created_at DESC, seq DESC"
	} else {
		query += " ORDER BY created_at, seq"
	}
	if opts.Limit > 0 {
		query += " LIMIT $2"
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var sender string
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.PersonaID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.SenderType = models.SenderType(sender)
		m.CreatedAt = m.CreatedAt.UTC()
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

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if err := stampMessage(msg); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_type, persona_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.ConversationID, string(msg.SenderType), msg.PersonaID, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}
