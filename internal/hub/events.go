package hub

import (
	"time"

	"github.com/edgelang/lingod/internal/database"
)

// Event type names carried on the stream.
const (
	EventNewMessage          = "new_message"
	EventAccountConnected    = "account_connected"
	EventAccountDisconnected = "account_disconnected"
	EventScheduledCancelled  = "scheduled_cancelled"
	EventPing                = "ping"
	EventPong                = "pong"
)

// Event is a single frame on the event stream. Type is always set;
// the other fields are populated per event type.
type Event struct {
	Type           string       `json:"type"`
	AccountID      uint         `json:"account_id,omitempty"`
	ConversationID uint         `json:"conversation_id,omitempty"`
	Count          int          `json:"count,omitempty"`
	Message        *MessageView `json:"message,omitempty"`
}

// MessageView is the wire shape of a persisted message. TranslatedText
// is a pointer so an untranslated message serializes as null rather
// than an empty string.
type MessageView struct {
	ID             uint            `json:"id"`
	ConversationID uint            `json:"conversation_id"`
	Direction      string          `json:"direction"`
	Kind           string          `json:"kind"`
	OriginalText   string          `json:"original_text"`
	TranslatedText *string         `json:"translated_text"`
	SourceLanguage string          `json:"source_language,omitempty"`
	TargetLanguage string          `json:"target_language,omitempty"`
	SenderID       int64           `json:"sender_id"`
	SenderName     string          `json:"sender_name,omitempty"`
	Media          *database.Media `json:"media,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewMessageView converts a stored message into its wire shape.
func NewMessageView(msg *database.Message) *MessageView {
	if msg == nil {
		return nil
	}

	view := &MessageView{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Direction:      msg.Direction,
		Kind:           msg.Kind,
		OriginalText:   msg.OriginalText,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		CreatedAt:      msg.CreatedAt,
	}

	if msg.TranslatedText.Valid {
		text := msg.TranslatedText.String
		view.TranslatedText = &text
	}
	if msg.SourceLanguage.Valid {
		view.SourceLanguage = msg.SourceLanguage.String
	}
	if msg.TargetLanguage.Valid {
		view.TargetLanguage = msg.TargetLanguage.String
	}
	if !msg.Media.IsZero() {
		media := msg.Media
		view.Media = &media
	}

	return view
}

// NewMessageEvent builds the frame announcing a newly persisted message.
func NewMessageEvent(accountID uint, msg *database.Message) Event {
	return Event{
		Type:      EventNewMessage,
		AccountID: accountID,
		Message:   NewMessageView(msg),
	}
}

// AccountConnectedEvent builds the frame announcing a session going live.
func AccountConnectedEvent(accountID uint) Event {
	return Event{Type: EventAccountConnected, AccountID: accountID}
}

// AccountDisconnectedEvent builds the frame announcing a session going away.
func AccountDisconnectedEvent(accountID uint) Event {
	return Event{Type: EventAccountDisconnected, AccountID: accountID}
}

// ScheduledCancelledEvent builds the frame announcing that an inbound
// reply auto-cancelled a conversation's pending scheduled sends.
func ScheduledCancelledEvent(accountID, conversationID uint, count int) Event {
	return Event{
		Type:           EventScheduledCancelled,
		AccountID:      accountID,
		ConversationID: conversationID,
		Count:          count,
	}
}

// PongEvent builds the reply to a client ping frame.
func PongEvent() Event {
	return Event{Type: EventPong}
}
