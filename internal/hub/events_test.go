package hub_test

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/edgelang/lingod/internal/database"
	"github.com/edgelang/lingod/internal/hub"
)

func TestEventJSONShapes(t *testing.T) {
	t.Parallel()

	createdAt := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		event hub.Event
		want  string
	}{
		{
			name:  "account connected",
			event: hub.AccountConnectedEvent(7),
			want:  `{"type":"account_connected","account_id":7}`,
		},
		{
			name:  "account disconnected",
			event: hub.AccountDisconnectedEvent(7),
			want:  `{"type":"account_disconnected","account_id":7}`,
		},
		{
			name:  "pong",
			event: hub.PongEvent(),
			want:  `{"type":"pong"}`,
		},
		{
			name:  "scheduled cancelled",
			event: hub.ScheduledCancelledEvent(4, 3, 2),
			want:  `{"type":"scheduled_cancelled","account_id":4,"conversation_id":3,"count":2}`,
		},
		{
			name: "new message translated",
			event: hub.NewMessageEvent(4, &database.Message{
				ID:             12,
				CreatedAt:      createdAt,
				ConversationID: 3,
				Direction:      database.DirectionIn,
				Kind:           database.MessageText,
				OriginalText:   "hola",
				TranslatedText: sql.NullString{String: "hello", Valid: true},
				SourceLanguage: sql.NullString{String: "es", Valid: true},
				TargetLanguage: sql.NullString{String: "en", Valid: true},
				SenderID:       900100,
				SenderName:     "Ana",
			}),
			want: `{"type":"new_message","account_id":4,"message":{` +
				`"id":12,"conversation_id":3,"direction":"in","kind":"text",` +
				`"original_text":"hola","translated_text":"hello",` +
				`"source_language":"es","target_language":"en",` +
				`"sender_id":900100,"sender_name":"Ana",` +
				`"created_at":"2026-08-25T10:00:00Z"}}`,
		},
		{
			name: "new message untranslated with media",
			event: hub.NewMessageEvent(4, &database.Message{
				ID:             13,
				CreatedAt:      createdAt,
				ConversationID: 3,
				Direction:      database.DirectionIn,
				Kind:           database.MessagePhoto,
				OriginalText:   "",
				SenderID:       900100,
				Media:          database.Media{Kind: "photo", Ref: "file-1"},
			}),
			want: `{"type":"new_message","account_id":4,"message":{` +
				`"id":13,"conversation_id":3,"direction":"in","kind":"photo",` +
				`"original_text":"","translated_text":null,` +
				`"sender_id":900100,"media":{"kind":"photo","ref":"file-1"},` +
				`"created_at":"2026-08-25T10:00:00Z"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNewMessageViewNil(t *testing.T) {
	t.Parallel()

	if view := hub.NewMessageView(nil); view != nil {
		t.Errorf("NewMessageView(nil) = %+v, want nil", view)
	}
}
