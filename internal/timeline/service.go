package timeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a member, chat or membership does not exist.
	ErrNotFound = errors.New("timeline: not found")
	// ErrConclusionSet is returned when a chat already has a conclusion.
	ErrConclusionSet = errors.New("timeline: chat already concluded")
)

// Drivers accepted by Open.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverCgo     = "sqlite3" // github.com/mattn/go-sqlite3
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repo holds the queries. It runs against the database or an open transaction.
type Repo struct {
	q querier
}

// Service owns the database handle.
type Service struct {
	*Repo
	db *sql.DB
}

// Open opens (and migrates) a store at dbPath using the given driver.
func Open(driver, dbPath string) (*Service, error) {
	var dsn string
	switch driver {
	case "", DriverModernc:
		driver = DriverModernc
		dsn = "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	case DriverCgo:
		dsn = "file:" + dbPath + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000"
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	// One connection serializes writers, so per-chat message order follows commit order.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Service{Repo: &Repo{q: db}, db: db}, nil
}

func (s *Service) Close() error {
	return s.db.Close()
}

// WithTx runs fn in a transaction. Any error from fn rolls everything back.
func (s *Service) WithTx(ctx context.Context, fn func(r *Repo) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Repo{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Members ---

// UpsertMember creates a member or updates its name, kind and instructions.
func (r *Repo) UpsertMember(ctx context.Context, m *Member) error {
	if m.ID == "" {
		return fmt.Errorf("upsert member: empty id")
	}
	if m.Kind == "" {
		m.Kind = KindAutomated
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO members (id, name, kind, instructions, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, kind = excluded.kind, instructions = excluded.instructions`,
		m.ID, m.Name, m.Kind, m.Instructions, m.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert member %s: %w", m.ID, err)
	}
	return nil
}

func (r *Repo) GetMember(ctx context.Context, id string) (*Member, error) {
	var m Member
	var created int64
	err := r.q.QueryRowContext(ctx,
		`SELECT id, name, kind, instructions, created_at FROM members WHERE id = ?`, id,
	).Scan(&m.ID, &m.Name, &m.Kind, &m.Instructions, &created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("member %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(0, created).UTC()
	return &m, nil
}

func (r *Repo) ListMembers(ctx context.Context) ([]Member, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id, name, kind, instructions, created_at FROM members ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		var created int64
		if err := rows.Scan(&m.ID, &m.Name, &m.Kind, &m.Instructions, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Chats ---

// CreateChat inserts a chat row, assigning an id if empty.
func (r *Repo) CreateChat(ctx context.Context, c *Chat) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO chats (id, name, topic, parent_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Topic, nullString(c.ParentID), c.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

func (r *Repo) GetChat(ctx context.Context, id string) (*Chat, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT id, name, topic, conclusion, parent_id, created_at FROM chats WHERE id = ?`, id)
	c, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chat %s: %w", id, ErrNotFound)
	}
	return c, err
}

func (r *Repo) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, name, topic, conclusion, parent_id, created_at FROM chats ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetChatConclusion records the conclusion if none is set yet.
func (r *Repo) SetChatConclusion(ctx context.Context, chatID, text string) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE chats SET conclusion = ? WHERE id = ? AND conclusion IS NULL`, text, chatID)
	if err != nil {
		return fmt.Errorf("set conclusion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := r.GetChat(ctx, chatID); err != nil {
		return err
	}
	return fmt.Errorf("chat %s: %w", chatID, ErrConclusionSet)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(s rowScanner) (*Chat, error) {
	var c Chat
	var conclusion, parent sql.NullString
	var created int64
	if err := s.Scan(&c.ID, &c.Name, &c.Topic, &conclusion, &parent, &created); err != nil {
		return nil, err
	}
	c.Conclusion = conclusion.String
	c.ParentID = parent.String
	c.CreatedAt = time.Unix(0, created).UTC()
	return &c, nil
}

// --- Memberships ---

// AddChatMember links a member to a chat. Re-adding is a no-op.
func (r *Repo) AddChatMember(ctx context.Context, chatID, memberID, instructions string) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO chat_members (chat_id, member_id, instructions, joined_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id, member_id) DO NOTHING`,
		chatID, memberID, instructions, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("add member %s to chat %s: %w", memberID, chatID, err)
	}
	return nil
}

// ChatMembers lists a chat's memberships in join order.
func (r *Repo) ChatMembers(ctx context.Context, chatID string) ([]ChatMember, error) {
	return r.queryMemberships(ctx,
		`SELECT chat_id, member_id, instructions, joined_at FROM chat_members WHERE chat_id = ? ORDER BY joined_at, member_id`, chatID)
}

// ListMemberships returns every membership; used to rebuild the chat directory.
func (r *Repo) ListMemberships(ctx context.Context) ([]ChatMember, error) {
	return r.queryMemberships(ctx,
		`SELECT chat_id, member_id, instructions, joined_at FROM chat_members ORDER BY chat_id, joined_at, member_id`)
}

// GetChatMember returns a single membership.
func (r *Repo) GetChatMember(ctx context.Context, chatID, memberID string) (*ChatMember, error) {
	list, err := r.queryMemberships(ctx,
		`SELECT chat_id, member_id, instructions, joined_at FROM chat_members WHERE chat_id = ? AND member_id = ?`, chatID, memberID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("member %s of chat %s: %w", memberID, chatID, ErrNotFound)
	}
	return &list[0], nil
}

func (r *Repo) queryMemberships(ctx context.Context, query string, args ...any) ([]ChatMember, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatMember
	for rows.Next() {
		var cm ChatMember
		var joined int64
		if err := rows.Scan(&cm.ChatID, &cm.MemberID, &cm.Instructions, &joined); err != nil {
			return nil, err
		}
		cm.JoinedAt = time.Unix(0, joined).UTC()
		out = append(out, cm)
	}
	return out, rows.Err()
}

// --- Messages ---

// CreateMessage appends a message, filling in ID, Seq and CreatedAt.
func (r *Repo) CreateMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Kind == "" {
		m.Kind = MessageParticipant
		if m.SenderID == "" {
			m.Kind = MessageSystem
		}
	}
	m.CreatedAt = time.Now().UTC()
	res, err := r.q.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, kind, text, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, nullString(m.SenderID), m.Kind, m.Text, m.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("create message in %s: %w", m.ChatID, err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		m.Seq = seq
	}
	return nil
}

// GetMessage looks a message up by id.
func (r *Repo) GetMessage(ctx context.Context, id string) (*Message, error) {
	msgs, err := r.queryMessages(ctx,
		`SELECT seq, id, chat_id, sender_id, kind, text, created_at FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return &msgs[0], nil
}

// ChatHistory returns a chat's messages in order.
func (r *Repo) ChatHistory(ctx context.Context, chatID string) ([]Message, error) {
	return r.queryMessages(ctx,
		`SELECT seq, id, chat_id, sender_id, kind, text, created_at FROM messages WHERE chat_id = ? ORDER BY seq`, chatID)
}

func (r *Repo) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var sender sql.NullString
		var created int64
		if err := rows.Scan(&m.Seq, &m.ID, &m.ChatID, &sender, &m.Kind, &m.Text, &created); err != nil {
			return nil, err
		}
		m.SenderID = sender.String
		m.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
