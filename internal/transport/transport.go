// Package transport defines the chat platform boundary: per-account
// connections that receive inbound messages and dispatch outbound ones.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned when an operation needs a live
	// connection and the account has none.
	ErrNotConnected = errors.New("account not connected")

	// ErrDispatchTimeout is returned when the platform did not
	// acknowledge an outbound message in time.
	ErrDispatchTimeout = errors.New("dispatch timed out")

	// ErrClosed is returned from operations on a connection that has
	// been closed.
	ErrClosed = errors.New("connection closed")
)

// Peer kinds, matching the platform's dialog types.
const (
	PeerPrivate    = "private"
	PeerGroup      = "group"
	PeerSupergroup = "supergroup"
	PeerChannel    = "channel"
)

// Media kinds carried by inbound and outbound messages.
const (
	MediaPhoto    = "photo"
	MediaVideo    = "video"
	MediaVoice    = "voice"
	MediaDocument = "document"
)

// Credentials identify one account to the chat platform.
type Credentials struct {
	AccountID uint
	Token     string
}

// Inbound is one message received on an account's connection.
type Inbound struct {
	PeerID     int64
	PeerTitle  string
	PeerKind   string
	SenderID   int64
	SenderName string
	RemoteID   string
	Text       string
	MediaKind  string
	MediaRef   string
	ReceivedAt time.Time
}

// HasMedia reports whether the message carries an attachment.
func (in Inbound) HasMedia() bool {
	return in.MediaKind != ""
}

// Outbound is one message to deliver on an account's connection.
type Outbound struct {
	PeerID    int64
	Text      string
	MediaKind string
	MediaRef  string
}

// Ack reports the platform's acknowledgment of a dispatched message.
type Ack struct {
	RemoteID string
}

// Conn is one live account connection. Implementations must be safe for
// one receiver goroutine plus concurrent senders.
type Conn interface {
	// Recv blocks until the next inbound message arrives, the context is
	// cancelled, or the connection fails.
	Recv(ctx context.Context) (Inbound, error)

	// Send dispatches one outbound message and returns the platform's
	// acknowledgment.
	Send(ctx context.Context, out Outbound) (Ack, error)

	// Close tears the connection down. It is safe to call more than once.
	Close() error
}

// Dialer establishes account connections.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}
