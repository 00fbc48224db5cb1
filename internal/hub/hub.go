// Package hub fans out engine events to WebSocket clients grouped by
// owning user.
package hub

import (
	"io"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/edgelang/lingod/internal/config"
	"github.com/edgelang/lingod/internal/metrics"
)

const defaultSendQueueSize = 64

// Publisher fans out an event to every stream client of a user.
type Publisher interface {
	Publish(userID int64, event Event)
}

// Client represents one connected event stream session.
//
// Send is intentionally NOT closed by the hub so concurrent publishers
// never panic on a closed channel. done signals the client's goroutines
// to stop, and Close is idempotent.
type Client struct {
	ID     string
	UserID int64
	Send   chan Event

	done      chan struct{}
	closeOnce sync.Once
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop. It does NOT close Send,
// which keeps publishing safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// userFeed holds the live clients of one user.
type userFeed struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// Hub groups stream clients by owning user and delivers events to them.
// Publishing never blocks: a full client queue drops the event for that
// client only.
type Hub struct {
	log           *slog.Logger
	metrics       *metrics.Metrics
	sendQueueSize int

	mu    sync.RWMutex
	users map[int64]*userFeed
}

// NewHub constructs a Hub.
func NewHub(cfg config.HubConfig, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.NewMetrics()
	}

	queueSize := cfg.SendQueueSize
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}

	return &Hub{
		log:           logger.With("component", "hub"),
		metrics:       m,
		sendQueueSize: queueSize,
		users:         make(map[int64]*userFeed),
	}
}

// Register creates a client for the user and adds it to the user's feed.
func (h *Hub) Register(userID int64) *Client {
	client := &Client{
		ID:     ulid.Make().String(),
		UserID: userID,
		Send:   make(chan Event, h.sendQueueSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	feed, ok := h.users[userID]
	if !ok {
		feed = &userFeed{clients: make(map[string]*Client)}
		h.users[userID] = feed
	}
	h.mu.Unlock()

	feed.mu.Lock()
	feed.clients[client.ID] = client
	feed.mu.Unlock()

	h.metrics.HubClients.Inc()
	h.log.Info("client registered", "client_id", client.ID, "user_id", userID)

	return client
}

// Unregister removes the client from its feed and signals it to stop.
// The client is removed from the feed before Close so publishers never
// race against a client that is being torn down.
func (h *Hub) Unregister(client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	feed := h.users[client.UserID]
	if feed != nil {
		feed.mu.Lock()
		_, present := feed.clients[client.ID]
		delete(feed.clients, client.ID)
		remaining := len(feed.clients)
		feed.mu.Unlock()

		if remaining == 0 {
			delete(h.users, client.UserID)
		}
		if !present {
			feed = nil
		}
	}
	h.mu.Unlock()

	client.Close()

	if feed != nil {
		h.metrics.HubClients.Dec()
		h.log.Info("client unregistered", "client_id", client.ID, "user_id", client.UserID)
	}
}

// Publish delivers the event to every live client of the user.
// Clients that are shutting down are skipped; a full queue drops the
// event for that client rather than blocking the publisher.
func (h *Hub) Publish(userID int64, event Event) {
	h.mu.RLock()
	feed := h.users[userID]
	h.mu.RUnlock()

	if feed == nil {
		return
	}

	feed.mu.RLock()
	defer feed.mu.RUnlock()

	for _, client := range feed.clients {
		select {
		case <-client.Done():
			continue
		default:
		}

		select {
		case client.Send <- event:
			h.metrics.RecordBroadcast(event.Type)
		default:
			h.metrics.EventsDropped.Inc()
			h.log.Warn("event dropped, client queue full",
				"client_id", client.ID, "user_id", userID, "type", event.Type)
		}
	}
}
