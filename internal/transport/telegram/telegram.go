// Package telegram implements the transport boundary on the Telegram Bot
// API using the go-telegram/bot library, one long-polling bot instance per
// account.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"

	"github.com/edgelang/lingod/internal/config"
	"github.com/edgelang/lingod/internal/logger"
	"github.com/edgelang/lingod/internal/transport"
)

// Dialer creates Telegram-backed account connections.
type Dialer struct {
	log       *slog.Logger
	queueSize int
	perSecond int
}

// NewDialer creates a Dialer using the shared transport settings.
func NewDialer(cfg config.TransportConfig, log *slog.Logger) *Dialer {
	if log == nil {
		log = slog.Default()
	}
	return &Dialer{
		log:       log,
		queueSize: cfg.InboundQueueSize,
		perSecond: cfg.RatePerSecond,
	}
}

// Dial verifies the account's credentials against the Bot API and starts
// a long-polling connection for it.
func (d *Dialer) Dial(ctx context.Context, creds transport.Credentials) (transport.Conn, error) {
	if creds.Token == "" {
		return nil, fmt.Errorf("telegram bot token cannot be empty")
	}
	log := d.log.With("component", "telegram_conn", "account_id", creds.AccountID)

	c := &conn{
		log:     log,
		inbound: make(chan transport.Inbound, d.queueSize),
		limiter: rate.NewLimiter(rate.Limit(d.perSecond), d.perSecond),
		closed:  make(chan struct{}),
		runDone: make(chan struct{}),
	}

	b, err := bot.New(creds.Token,
		bot.WithSkipGetMe(),
		bot.WithDefaultHandler(c.handleUpdate),
		bot.WithMiddlewares(logger.UpdateMiddleware(log, int64(creds.AccountID))),
	)
	if err != nil {
		log.Error("Failed to create Telegram bot instance", "error", err)
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	c.bot = b

	// GetMe both validates the token and honors the caller's connect
	// timeout, which bot.New's built-in check would not.
	me, err := b.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify telegram credentials: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() {
		defer close(c.runDone)
		b.Start(runCtx)
	}()

	log.Info("Telegram connection established", "bot_username", me.Username, "token_prefix", tokenPrefix(creds.Token))
	return c, nil
}

// conn is one live long-polling connection.
type conn struct {
	bot     *bot.Bot
	log     *slog.Logger
	limiter *rate.Limiter
	inbound chan transport.Inbound

	cancel  context.CancelFunc
	runDone chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// handleUpdate maps each polled update onto the inbound queue. The send
// blocks when the queue is full so the poller applies backpressure instead
// of reordering or dropping.
func (c *conn) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update == nil || update.Message == nil {
		return
	}

	in, ok := mapMessage(update.Message)
	if !ok {
		c.log.DebugContext(ctx, "Skipping unmappable update", "update_id", update.ID)
		return
	}

	select {
	case c.inbound <- in:
	case <-c.closed:
	case <-ctx.Done():
	}
}

// Recv blocks until the next inbound message arrives.
func (c *conn) Recv(ctx context.Context) (transport.Inbound, error) {
	select {
	case in := <-c.inbound:
		return in, nil
	case <-c.closed:
		return transport.Inbound{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Inbound{}, ctx.Err()
	}
}

// Send dispatches one outbound message, rate limited per account.
func (c *conn) Send(ctx context.Context, out transport.Outbound) (transport.Ack, error) {
	select {
	case <-c.closed:
		return transport.Ack{}, transport.ErrClosed
	default:
	}

	if err := c.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return transport.Ack{}, fmt.Errorf("send to peer %d: %w", out.PeerID, transport.ErrDispatchTimeout)
		}
		return transport.Ack{}, fmt.Errorf("rate limit wait: %w", err)
	}

	var sent *models.Message
	var err error

	switch out.MediaKind {
	case "":
		sent, err = c.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: out.PeerID,
			Text:   out.Text,
		})
	case transport.MediaPhoto:
		sent, err = c.bot.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID:  out.PeerID,
			Photo:   &models.InputFileString{Data: out.MediaRef},
			Caption: out.Text,
		})
	case transport.MediaVideo:
		sent, err = c.bot.SendVideo(ctx, &bot.SendVideoParams{
			ChatID:  out.PeerID,
			Video:   &models.InputFileString{Data: out.MediaRef},
			Caption: out.Text,
		})
	case transport.MediaVoice:
		sent, err = c.bot.SendVoice(ctx, &bot.SendVoiceParams{
			ChatID:  out.PeerID,
			Voice:   &models.InputFileString{Data: out.MediaRef},
			Caption: out.Text,
		})
	case transport.MediaDocument:
		sent, err = c.bot.SendDocument(ctx, &bot.SendDocumentParams{
			ChatID:   out.PeerID,
			Document: &models.InputFileString{Data: out.MediaRef},
			Caption:  out.Text,
		})
	default:
		return transport.Ack{}, fmt.Errorf("unsupported media kind %q", out.MediaKind)
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.log.WarnContext(ctx, "Send not acknowledged in time", "peer_id", out.PeerID, "error", err)
			return transport.Ack{}, fmt.Errorf("send to peer %d: %w", out.PeerID, transport.ErrDispatchTimeout)
		}
		c.log.ErrorContext(ctx, "Failed to send message", "peer_id", out.PeerID, "error", err)
		return transport.Ack{}, fmt.Errorf("failed to send message to peer %d: %w", out.PeerID, err)
	}

	return transport.Ack{RemoteID: strconv.Itoa(sent.ID)}, nil
}

// Close stops the poller and waits for it to exit.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		<-c.runDone
		c.log.Info("Telegram connection closed")
	})
	return nil
}

// mapMessage converts a platform message into the transport shape. It
// returns false for updates that carry nothing the pipeline handles.
func mapMessage(msg *models.Message) (transport.Inbound, bool) {
	in := transport.Inbound{
		PeerID:     msg.Chat.ID,
		PeerTitle:  chatTitle(&msg.Chat),
		PeerKind:   peerKind(msg.Chat.Type),
		RemoteID:   strconv.Itoa(msg.ID),
		Text:       msg.Text,
		ReceivedAt: time.Unix(int64(msg.Date), 0).UTC(),
	}

	if msg.From != nil {
		in.SenderID = msg.From.ID
		in.SenderName = senderName(msg.From)
	}

	switch {
	case len(msg.Photo) > 0:
		// Photo sizes are ordered smallest to largest.
		in.MediaKind = transport.MediaPhoto
		in.MediaRef = msg.Photo[len(msg.Photo)-1].FileID
	case msg.Video != nil:
		in.MediaKind = transport.MediaVideo
		in.MediaRef = msg.Video.FileID
	case msg.Voice != nil:
		in.MediaKind = transport.MediaVoice
		in.MediaRef = msg.Voice.FileID
	case msg.Document != nil:
		in.MediaKind = transport.MediaDocument
		in.MediaRef = msg.Document.FileID
	}

	if in.MediaKind != "" && in.Text == "" {
		in.Text = msg.Caption
	}

	if in.Text == "" && in.MediaKind == "" {
		return transport.Inbound{}, false
	}

	return in, true
}

func peerKind(chatType models.ChatType) string {
	switch chatType {
	case models.ChatTypeGroup:
		return transport.PeerGroup
	case models.ChatTypeSupergroup:
		return transport.PeerSupergroup
	case models.ChatTypeChannel:
		return transport.PeerChannel
	default:
		return transport.PeerPrivate
	}
}

func chatTitle(chat *models.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	name := strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	if name != "" {
		return name
	}
	return chat.Username
}

func senderName(user *models.User) string {
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name != "" {
		return name
	}
	return user.Username
}

func tokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}
