package hub_test

import (
	"testing"

	"github.com/edgelang/lingod/internal/config"
	"github.com/edgelang/lingod/internal/hub"
)

func newTestHub(queueSize int) *hub.Hub {
	return hub.NewHub(config.HubConfig{SendQueueSize: queueSize}, nil, nil)
}

func drainOne(t *testing.T, c *hub.Client) (hub.Event, bool) {
	t.Helper()

	select {
	case event := <-c.Send:
		return event, true
	default:
		return hub.Event{}, false
	}
}

func TestPublishRoutesByUser(t *testing.T) {
	t.Parallel()

	h := newTestHub(8)

	first := h.Register(100)
	second := h.Register(100)
	other := h.Register(200)

	h.Publish(100, hub.AccountConnectedEvent(1))

	for _, c := range []*hub.Client{first, second} {
		event, ok := drainOne(t, c)
		if !ok {
			t.Fatal("expected event queued for user 100 client")
		}
		if event.Type != hub.EventAccountConnected || event.AccountID != 1 {
			t.Errorf("event = %+v, want account_connected for account 1", event)
		}
	}

	if event, ok := drainOne(t, other); ok {
		t.Errorf("user 200 client received %+v, want nothing", event)
	}
}

func TestPublishUnknownUserIsNoop(t *testing.T) {
	t.Parallel()

	h := newTestHub(8)
	h.Publish(999, hub.PongEvent())
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	h := newTestHub(1)
	client := h.Register(100)

	h.Publish(100, hub.AccountConnectedEvent(1))
	h.Publish(100, hub.AccountDisconnectedEvent(1))

	event, ok := drainOne(t, client)
	if !ok {
		t.Fatal("expected first event queued")
	}
	if event.Type != hub.EventAccountConnected {
		t.Errorf("event.Type = %q, want %q", event.Type, hub.EventAccountConnected)
	}

	if extra, ok := drainOne(t, client); ok {
		t.Errorf("queue held %+v after drain, want second event dropped", extra)
	}
}

func TestPublishSkipsClosedClients(t *testing.T) {
	t.Parallel()

	h := newTestHub(8)

	closed := h.Register(100)
	live := h.Register(100)
	closed.Close()

	h.Publish(100, hub.AccountConnectedEvent(1))

	if event, ok := drainOne(t, closed); ok {
		t.Errorf("closed client received %+v, want nothing", event)
	}
	if _, ok := drainOne(t, live); !ok {
		t.Error("live client missed event published alongside closed client")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	t.Parallel()

	h := newTestHub(8)
	client := h.Register(100)

	h.Unregister(client)

	select {
	case <-client.Done():
	default:
		t.Error("Done() still open after Unregister")
	}

	h.Publish(100, hub.AccountConnectedEvent(1))
	if event, ok := drainOne(t, client); ok {
		t.Errorf("unregistered client received %+v, want nothing", event)
	}

	// Unregister is safe to call again.
	h.Unregister(client)
	h.Unregister(nil)
}
