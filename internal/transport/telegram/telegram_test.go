package telegram

import (
	"testing"

	"github.com/go-telegram/bot/models"

	"github.com/edgelang/lingod/internal/transport"
)

func TestMapMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		message *models.Message
		want    transport.Inbound
		wantOK  bool
	}{
		{
			name: "private text message",
			message: &models.Message{
				ID:   100,
				Date: 1750000000,
				Chat: models.Chat{ID: 555, Type: models.ChatTypePrivate, FirstName: "Alice", LastName: "Smith"},
				From: &models.User{ID: 555, FirstName: "Alice", LastName: "Smith"},
				Text: "hello",
			},
			want: transport.Inbound{
				PeerID:     555,
				PeerTitle:  "Alice Smith",
				PeerKind:   transport.PeerPrivate,
				SenderID:   555,
				SenderName: "Alice Smith",
				RemoteID:   "100",
				Text:       "hello",
			},
			wantOK: true,
		},
		{
			name: "group photo with caption picks largest size",
			message: &models.Message{
				ID:   101,
				Date: 1750000000,
				Chat: models.Chat{ID: -200, Type: models.ChatTypeGroup, Title: "Sales"},
				From: &models.User{ID: 7, Username: "bob"},
				Photo: []models.PhotoSize{
					{FileID: "small"},
					{FileID: "large"},
				},
				Caption: "look at this",
			},
			want: transport.Inbound{
				PeerID:     -200,
				PeerTitle:  "Sales",
				PeerKind:   transport.PeerGroup,
				SenderID:   7,
				SenderName: "bob",
				RemoteID:   "101",
				Text:       "look at this",
				MediaKind:  transport.MediaPhoto,
				MediaRef:   "large",
			},
			wantOK: true,
		},
		{
			name: "supergroup voice message",
			message: &models.Message{
				ID:    102,
				Date:  1750000000,
				Chat:  models.Chat{ID: -300, Type: models.ChatTypeSupergroup, Title: "Support"},
				From:  &models.User{ID: 8, FirstName: "Carol"},
				Voice: &models.Voice{FileID: "voice-1"},
			},
			want: transport.Inbound{
				PeerID:     -300,
				PeerTitle:  "Support",
				PeerKind:   transport.PeerSupergroup,
				SenderID:   8,
				SenderName: "Carol",
				RemoteID:   "102",
				MediaKind:  transport.MediaVoice,
				MediaRef:   "voice-1",
			},
			wantOK: true,
		},
		{
			name: "channel document without sender",
			message: &models.Message{
				ID:       103,
				Date:     1750000000,
				Chat:     models.Chat{ID: -400, Type: models.ChatTypeChannel, Title: "Announcements"},
				Document: &models.Document{FileID: "doc-1"},
				Caption:  "price list",
			},
			want: transport.Inbound{
				PeerID:    -400,
				PeerTitle: "Announcements",
				PeerKind:  transport.PeerChannel,
				RemoteID:  "103",
				Text:      "price list",
				MediaKind: transport.MediaDocument,
				MediaRef:  "doc-1",
			},
			wantOK: true,
		},
		{
			name: "service message with neither text nor media is skipped",
			message: &models.Message{
				ID:   104,
				Date: 1750000000,
				Chat: models.Chat{ID: 555, Type: models.ChatTypePrivate},
				From: &models.User{ID: 555},
			},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := mapMessage(tt.message)
			if ok != tt.wantOK {
				t.Fatalf("mapMessage() ok = %v, want %v", ok, tt.wantOK)
			}
			if !tt.wantOK {
				return
			}

			if got.ReceivedAt.IsZero() {
				t.Error("mapMessage() received_at is zero")
			}
			got.ReceivedAt = tt.want.ReceivedAt

			if got != tt.want {
				t.Errorf("mapMessage() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPeerKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		chatType models.ChatType
		want     string
	}{
		{models.ChatTypePrivate, transport.PeerPrivate},
		{models.ChatTypeGroup, transport.PeerGroup},
		{models.ChatTypeSupergroup, transport.PeerSupergroup},
		{models.ChatTypeChannel, transport.PeerChannel},
	}

	for _, tt := range tests {
		if got := peerKind(tt.chatType); got != tt.want {
			t.Errorf("peerKind(%q) = %q, want %q", tt.chatType, got, tt.want)
		}
	}
}

func TestChatTitleFallbacks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		chat models.Chat
		want string
	}{
		{"title wins", models.Chat{Title: "Sales", FirstName: "Alice"}, "Sales"},
		{"full name", models.Chat{FirstName: "Alice", LastName: "Smith"}, "Alice Smith"},
		{"first name only", models.Chat{FirstName: "Alice"}, "Alice"},
		{"username fallback", models.Chat{Username: "alice99"}, "alice99"},
		{"nothing", models.Chat{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := chatTitle(&tt.chat); got != tt.want {
				t.Errorf("chatTitle() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTokenPrefix(t *testing.T) {
	t.Parallel()

	if got := tokenPrefix("1234567890:secret"); got != "12345678..." {
		t.Errorf("tokenPrefix(long) = %q", got)
	}
	if got := tokenPrefix("short"); got != "short" {
		t.Errorf("tokenPrefix(short) = %q", got)
	}
}
