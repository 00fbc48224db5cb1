package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/edgelang/lingod/internal/config"
)

// maxFrameBytes bounds inbound frames. Clients only ever send small
// control frames, so anything bigger is a misbehaving peer.
const maxFrameBytes = 32 * 1024

// Gateway upgrades HTTP requests to WebSocket event streams and runs
// the per-connection read and write loops against the Hub.
type Gateway struct {
	log *slog.Logger
	hub *Hub

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
}

// NewGateway constructs a Gateway serving the given hub.
func NewGateway(h *Hub, cfg config.HubConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Gateway{
		log:             logger.With("component", "ws_gateway"),
		hub:             h,
		writeTimeout:    cfg.WriteTimeout,
		readIdleTimeout: cfg.IdleTimeout,
	}
}

// ServeHTTP upgrades the request and runs the stream until the client
// goes away, stops responding, or the server shuts down.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.log.Error("ws accept failed", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	client := g.hub.Register(userID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// shutdown is idempotent. The client leaves the hub before its done
	// channel closes, so publishers never hit a half-torn-down client.
	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Unregister(client)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case event := <-client.Send:
				if err := writeEvent(ctx, conn, event, g.writeTimeout); err != nil {
					g.log.Info("ws write failed",
						"client_id", client.ID, "close_status", websocket.CloseStatus(err), "error", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		event, err := readEvent(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				if ctx.Err() != nil {
					shutdown(websocket.StatusNormalClosure, "context done")
				} else {
					// The per-read deadline fired: the client sent nothing,
					// not even a ping, for the whole idle window.
					g.log.Info("ws idle, pruning", "client_id", client.ID, "user_id", userID)
					shutdown(websocket.StatusGoingAway, "idle timeout")
				}
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				// The stream has no error frame. Skip garbage and keep reading.
				g.log.Info("ws bad frame", "client_id", client.ID, "error", err)
				continue readLoop
			default:
				g.log.Info("ws read failed", "client_id", client.ID, "error", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		switch event.Type {
		case EventPing:
			if !g.enqueue(ctx, client, PongEvent()) {
				g.log.Info("ws pong dropped", "client_id", client.ID)
			}
		default:
			// Clients only send pings. Anything else is ignored.
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, event Event) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- event:
		return true
	default:
		return false
	}
}

func readEvent(ctx context.Context, conn *websocket.Conn) (Event, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return Event{}, err
	}
	if mt != websocket.MessageText {
		return Event{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

func writeEvent(parent context.Context, conn *websocket.Conn, event Event, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors come from json.Unmarshal, not conn.Read. The
	// string check is a fallback for when errors are propagated as text.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}
