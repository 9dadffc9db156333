package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Tyrowin/petchat/internal/protocol"
)

// defaultMemoryCategory is stored when an extracted memory has no category.
const defaultMemoryCategory = "general"

// SQLiteStore is the durable store for users, messages, memories and token
// usage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the database at path. ":memory:" opens a
// private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection: SQLite has a single writer, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			last_addr TEXT NOT NULL DEFAULT '',
			online INTEGER NOT NULL DEFAULT 0,
			last_seen_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			seq INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id, created_at_ms DESC, seq DESC);`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			category TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memories_owner_idx ON memories(owner_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS token_usage (
			conversation_id TEXT PRIMARY KEY,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

func nowMS() int64 { return time.Now().UnixMilli() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UpsertUser inserts or refreshes a user row.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user User) error {
	if strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("upsert user: %w: empty user id", ErrInvalidInput)
	}
	seen := user.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(user_id, name, avatar, last_addr, online, last_seen_ms)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	name = excluded.name,
	avatar = excluded.avatar,
	last_addr = excluded.last_addr,
	online = excluded.online,
	last_seen_ms = excluded.last_seen_ms`,
		user.ID, user.Name, user.Avatar, user.LastAddr, boolInt(user.Online), seen.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// SetUserOnline flips the online flag and refreshes last_seen.
func (s *SQLiteStore) SetUserOnline(ctx context.Context, userID string, online bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET online = ?, last_seen_ms = ? WHERE user_id = ?`,
		boolInt(online), nowMS(), userID)
	if err != nil {
		return fmt.Errorf("set user online: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set user online %s: %w", userID, ErrNotFound)
	}
	return nil
}

// ListUsers returns every known user, online users first, then by name.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id, name, avatar, last_addr, online, last_seen_ms
FROM users
ORDER BY online DESC, name ASC, user_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var online int
		var seenMS int64
		if err := rows.Scan(&u.ID, &u.Name, &u.Avatar, &u.LastAddr, &online, &seenMS); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Online = online != 0
		u.LastSeen = time.UnixMilli(seenMS)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

// AddMessage stores a chat line, assigning an ID and timestamp when unset.
func (s *SQLiteStore) AddMessage(ctx context.Context, msg Message) (Message, error) {
	if strings.TrimSpace(msg.ConversationID) == "" {
		return Message{}, fmt.Errorf("add message: %w: empty conversation id", ErrInvalidInput)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO messages(id, conversation_id, sender_id, sender_name, content, created_at_ms, seq)
VALUES(?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages))`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.SenderName, msg.Content, msg.CreatedAt.UnixMilli())
	if err != nil {
		return Message{}, fmt.Errorf("add message: %w", err)
	}
	msg.CreatedAt = time.UnixMilli(msg.CreatedAt.UnixMilli())
	return msg, nil
}

// RecentMessages returns up to limit of the newest messages in a
// conversation, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, sender_id, sender_name, content, created_at_ms
FROM messages
WHERE conversation_id = ?
ORDER BY created_at_ms DESC, seq DESC
LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		var createdMS int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Content, &createdMS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RecentTurns renders stored messages as user turns "name: content" for
// AI analysis.
func (s *SQLiteStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]protocol.Turn, error) {
	msgs, err := s.RecentMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	turns := make([]protocol.Turn, 0, len(msgs))
	for _, m := range msgs {
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		turns = append(turns, protocol.Turn{Role: "user", Content: name + ": " + m.Content})
	}
	return turns, nil
}

// AddMemory stores one memory, assigning an ID and timestamp when unset.
func (s *SQLiteStore) AddMemory(ctx context.Context, mem Memory) (Memory, error) {
	if strings.TrimSpace(mem.OwnerID) == "" {
		return Memory{}, fmt.Errorf("add memory: %w: empty owner id", ErrInvalidInput)
	}
	if strings.TrimSpace(mem.Content) == "" {
		return Memory{}, fmt.Errorf("add memory: %w: empty content", ErrInvalidInput)
	}
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	if mem.Category == "" {
		mem.Category = defaultMemoryCategory
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO memories(id, owner_id, conversation_id, content, category, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?)`,
		mem.ID, mem.OwnerID, mem.ConversationID, mem.Content, mem.Category, mem.CreatedAt.UnixMilli())
	if err != nil {
		return Memory{}, fmt.Errorf("add memory: %w", err)
	}
	mem.CreatedAt = time.UnixMilli(mem.CreatedAt.UnixMilli())
	return mem, nil
}

// SaveMemories stores extracted memories for ownerID in one transaction.
func (s *SQLiteStore) SaveMemories(ctx context.Context, ownerID, conversationID string, items []protocol.MemoryItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save memories begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMS()
	for _, item := range items {
		if strings.TrimSpace(item.Content) == "" {
			continue
		}
		category := item.Category
		if category == "" {
			category = defaultMemoryCategory
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO memories(id, owner_id, conversation_id, content, category, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?)`, uuid.NewString(), ownerID, conversationID, item.Content, category, now); err != nil {
			return fmt.Errorf("save memories insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save memories commit: %w", err)
	}
	return nil
}

// ListMemories returns ownerID's memories, newest first.
func (s *SQLiteStore) ListMemories(ctx context.Context, ownerID string) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_id, conversation_id, content, category, created_at_ms
FROM memories
WHERE owner_id = ?
ORDER BY created_at_ms DESC, rowid DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		var createdMS int64
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.ConversationID, &m.Content, &m.Category, &createdMS); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

// DeleteMemory removes one memory by ID.
func (s *SQLiteStore) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete memory %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClearMemories removes every memory owned by ownerID and returns how many
// were deleted.
func (s *SQLiteStore) ClearMemories(ctx context.Context, ownerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("clear memories: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear memories rows affected: %w", err)
	}
	return n, nil
}

// SaveUsage writes the absolute per-conversation counters. Stored totals
// never decrease.
func (s *SQLiteStore) SaveUsage(ctx context.Context, counters map[string]int64) error {
	if len(counters) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save usage begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMS()
	for id, total := range counters {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO token_usage(conversation_id, total_tokens, updated_at_ms)
VALUES(?, ?, ?)
ON CONFLICT(conversation_id) DO UPDATE SET
	total_tokens = MAX(token_usage.total_tokens, excluded.total_tokens),
	updated_at_ms = excluded.updated_at_ms`, id, total, now); err != nil {
			return fmt.Errorf("save usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save usage commit: %w", err)
	}
	return nil
}

// LoadUsage reads every stored counter.
func (s *SQLiteStore) LoadUsage(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT conversation_id, total_tokens FROM token_usage`)
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var total int64
		if err := rows.Scan(&id, &total); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out[id] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage: %w", err)
	}
	return out, nil
}

// IsNotFound reports whether err wraps ErrNotFound or sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
