package timeline

import (
	"time"
)

// Member kinds.
const (
	KindHuman     = "HUMAN"
	KindAutomated = "AUTOMATED"
)

// Message kinds.
const (
	MessageParticipant = "PARTICIPANT"
	MessageSystem      = "SYSTEM"
)

// Member is a participant, human or program.
type Member struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Kind         string    `json:"kind"`
	Instructions string    `json:"instructions,omitempty"` // default system prompt
	CreatedAt    time.Time `json:"created_at"`
}

// Chat is a conversation. Conclusion is set at most once; ParentID is the
// chat that delegated this one, if any.
type Chat struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Topic      string    `json:"topic,omitempty"`
	Conclusion string    `json:"conclusion,omitempty"`
	ParentID   string    `json:"parent_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChatMember links a member to a chat, with optional per-chat instructions.
type ChatMember struct {
	ChatID       string    `json:"chat_id"`
	MemberID     string    `json:"member_id"`
	Instructions string    `json:"instructions,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
}

// Message is one append-only chat entry. SenderID is empty for system messages.
// Seq is strictly increasing across the store, hence per chat.
type Message struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id,omitempty"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS members (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'AUTOMATED',
	instructions TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chats (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	topic TEXT NOT NULL DEFAULT '',
	conclusion TEXT,
	parent_id TEXT REFERENCES chats(id),
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_members (
	chat_id TEXT NOT NULL REFERENCES chats(id),
	member_id TEXT NOT NULL REFERENCES members(id),
	instructions TEXT NOT NULL DEFAULT '',
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (chat_id, member_id)
);
CREATE INDEX IF NOT EXISTS idx_chat_members_member ON chat_members(member_id);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT UNIQUE NOT NULL,
	chat_id TEXT NOT NULL REFERENCES chats(id),
	sender_id TEXT,
	kind TEXT NOT NULL,
	text TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (chat_id, sender_id) REFERENCES chat_members(chat_id, member_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq);
`
