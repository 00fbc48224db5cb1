// Package database provides data persistence for accounts, conversations,
// messages, scheduled sends and auto-responder state using SQLite.
package database

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Conversation kinds mirror the chat platform's peer types.
const (
	ConversationPrivate    = "private"
	ConversationGroup      = "group"
	ConversationSupergroup = "supergroup"
	ConversationChannel    = "channel"
)

// Message directions relative to the owning account.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Message kinds.
const (
	MessageText      = "text"
	MessagePhoto     = "photo"
	MessageVideo     = "video"
	MessageVoice     = "voice"
	MessageDocument  = "document"
	MessageSystem    = "system"
	MessageAutoReply = "auto_reply"
)

// Scheduled message lifecycle states. Pending is the only state a record
// can leave; Sent and Cancelled are terminal.
const (
	ScheduledPending   = "pending"
	ScheduledSent      = "sent"
	ScheduledCancelled = "cancelled"
)

// Account is a connectable chat identity owned by a user. Accounts are
// provisioned externally; this layer only reads them.
type Account struct {
	ID        uint      `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	UserID         int64  `db:"user_id"`
	Label          string `db:"label"`
	Credential     string `db:"credential"`
	SourceLanguage string `db:"source_language"`
	TargetLanguage string `db:"target_language"`
	IsActive       bool   `db:"is_active"`
}

// Conversation is a dialog between an account and a remote peer. The
// (account_id, peer_id) pair is unique.
type Conversation struct {
	ID        uint      `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	AccountID     uint         `db:"account_id"`
	PeerID        int64        `db:"peer_id"`
	Title         string       `db:"title"`
	Kind          string       `db:"kind"`
	LastMessageAt sql.NullTime `db:"last_message_at"`
}

// Message is a single inbound or outbound message. Rows are immutable
// once written.
type Message struct {
	ID        uint      `db:"id"`
	CreatedAt time.Time `db:"created_at"`

	ConversationID uint           `db:"conversation_id"`
	Direction      string         `db:"direction"`
	Kind           string         `db:"kind"`
	OriginalText   string         `db:"original_text"`
	TranslatedText sql.NullString `db:"translated_text"`
	SourceLanguage sql.NullString `db:"source_language"`
	TargetLanguage sql.NullString `db:"target_language"`
	SenderID       int64          `db:"sender_id"`
	SenderName     string         `db:"sender_name"`
	RemoteID       sql.NullString `db:"remote_id"`
	Media          Media          `db:"media"`
}

// ScheduledMessage is a one-shot future send. Status transitions are
// pending -> sent and pending -> cancelled only. A failed delivery
// attempt keeps the record pending and records the error.
type ScheduledMessage struct {
	ID        uint      `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	ConversationID uint           `db:"conversation_id"`
	Text           string         `db:"text"`
	FireAt         time.Time      `db:"fire_at"`
	Status         string         `db:"status"`
	SentAt         sql.NullTime   `db:"sent_at"`
	CancelledAt    sql.NullTime   `db:"cancelled_at"`
	LastError      sql.NullString `db:"last_error"`
}

// AutoResponderRule matches inbound text against keywords and replies on
// behalf of the owning user across all of their accounts.
type AutoResponderRule struct {
	ID        uint      `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	UserID       int64    `db:"user_id"`
	Name         string   `db:"name"`
	Keywords     Keywords `db:"keywords"`
	ResponseText string   `db:"response_text"`
	Media        Media    `db:"media"`
	Language     string   `db:"language"`
	Priority     int      `db:"priority"`
	IsActive     bool     `db:"is_active"`
}

// AutoResponderLog records one rule firing for one inbound message.
// OutgoingID is null when the reply could not be dispatched.
type AutoResponderLog struct {
	ID        uint      `db:"id"`
	CreatedAt time.Time `db:"created_at"`

	RuleID         uint          `db:"rule_id"`
	ConversationID uint          `db:"conversation_id"`
	IncomingID     uint          `db:"incoming_message_id"`
	OutgoingID     sql.NullInt64 `db:"outgoing_message_id"`
	MatchedKeyword string        `db:"matched_keyword"`
}

// Keywords is a list of match phrases stored as a JSON array column.
type Keywords []string

// Scan implements sql.Scanner.
func (k *Keywords) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*k = nil
		return nil
	case []byte:
		if len(v) == 0 {
			*k = nil
			return nil
		}
		return json.Unmarshal(v, k)
	case string:
		if v == "" {
			*k = nil
			return nil
		}
		return json.Unmarshal([]byte(v), k)
	default:
		return fmt.Errorf("keywords: unsupported source type %T", src)
	}
}

// Value implements driver.Valuer.
func (k Keywords) Value() (driver.Value, error) {
	if k == nil {
		k = Keywords{}
	}
	b, err := json.Marshal(k)
	if err != nil {
		return nil, fmt.Errorf("keywords: %w", err)
	}
	return string(b), nil
}

// Media is an opaque attachment reference. The zero value means no
// attachment and is stored as NULL.
type Media struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

// IsZero reports whether no attachment is set.
func (m Media) IsZero() bool {
	return m.Kind == "" && m.Ref == ""
}

// Scan implements sql.Scanner.
func (m *Media) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = Media{}
		return nil
	case []byte:
		if len(v) == 0 {
			*m = Media{}
			return nil
		}
		return json.Unmarshal(v, m)
	case string:
		if v == "" {
			*m = Media{}
			return nil
		}
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("media: unsupported source type %T", src)
	}
}

// Value implements driver.Valuer.
func (m Media) Value() (driver.Value, error) {
	if m.IsZero() {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("media: %w", err)
	}
	return string(b), nil
}
