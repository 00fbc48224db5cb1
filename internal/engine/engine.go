// Package engine wires the session registry, message pipeline,
// scheduled sends and auto-responder into one orchestration facade.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/edgelang/lingod/internal/config"
	"github.com/edgelang/lingod/internal/database"
	"github.com/edgelang/lingod/internal/hub"
	"github.com/edgelang/lingod/internal/metrics"
	"github.com/edgelang/lingod/internal/session"
	"github.com/edgelang/lingod/internal/translate"
	"github.com/edgelang/lingod/internal/transport"
)

// Engine is the orchestration facade exposed to the surrounding
// application. All methods are safe for concurrent use.
type Engine struct {
	log      *slog.Logger
	cfg      *config.Config
	store    database.Store
	sessions *session.Manager
	pipeline *pipeline
	sched    *scheduler
	cron     *cronRunner
}

// New wires the engine's subsystems together.
func New(
	cfg *config.Config,
	store database.Store,
	translator translate.Translator,
	dialer transport.Dialer,
	events hub.Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.NewMetrics()
	}

	resp := &responder{log: logger.With("component", "responder"), store: store}
	pipe := newPipeline(store, translator, events, m, resp, cfg.Transport.DispatchTimeout, logger)
	sessions := session.NewManager(cfg.Sessions, store, dialer, pipe, events, m, logger)
	sched := newScheduler(store, pipe, m, logger)

	// Close the mutual references: the pipeline dispatches through live
	// sessions and drives auto-cancellation, while the session workers
	// and the sweep call back into the pipeline.
	pipe.sessions = sessions
	pipe.sched = sched

	cron, err := newCronRunner(logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		log:      logger.With("component", "engine"),
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		pipeline: pipe,
		sched:    sched,
		cron:     cron,
	}, nil
}

// Run loads pending scheduled sends, connects every active account and
// starts the periodic jobs, then blocks until the context is cancelled.
// On the way out it disconnects all sessions and drains the jobs.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.sched.Load(ctx); err != nil {
		return err
	}

	if err := e.cron.add(taskSweep, e.cfg.Scheduler.SweepInterval, e.sched.Sweep); err != nil {
		return err
	}
	if err := e.cron.add(taskMaintenance, e.cfg.Scheduler.MaintenanceInterval, e.store.RunSQLMaintenance); err != nil {
		return err
	}
	e.cron.start()

	if err := e.sessions.ConnectAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		e.log.Warn("startup connect incomplete", "error", err)
	}

	e.log.Info("engine running")
	<-ctx.Done()

	e.log.Info("engine shutting down")
	e.sessions.Shutdown()
	if err := e.cron.stop(); err != nil {
		e.log.Warn("stopping background jobs failed", "error", err)
	}

	return ctx.Err()
}

// Connect establishes the account's transport session.
func (e *Engine) Connect(ctx context.Context, accountID uint) error {
	return e.sessions.Connect(ctx, accountID)
}

// Disconnect tears the account's session down, cancelling only that
// account's in-flight work.
func (e *Engine) Disconnect(accountID uint) error {
	return e.sessions.Disconnect(accountID)
}

// SessionStatus reports the session state of one account.
func (e *Engine) SessionStatus(accountID uint) session.Status {
	return e.sessions.Status(accountID)
}

// SessionStatuses reports all known sessions.
func (e *Engine) SessionStatuses() []session.Status {
	return e.sessions.Statuses()
}

// Send dispatches a user-written message to the conversation's peer and
// returns the persisted outgoing message.
func (e *Engine) Send(ctx context.Context, conversationID uint, text string) (*database.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("message text must not be empty")
	}

	account, conv, err := e.resolveConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	return e.pipeline.egress(ctx, account, conv, outboundRequest{
		kind: database.MessageText,
		text: text,
	})
}

// ScheduleSend creates a delayed send for a conversation.
func (e *Engine) ScheduleSend(ctx context.Context, conversationID uint, text string, delay time.Duration) (*database.ScheduledMessage, error) {
	return e.sched.Create(ctx, conversationID, text, delay)
}

// CancelScheduled cancels a pending scheduled send.
func (e *Engine) CancelScheduled(ctx context.Context, id uint) error {
	return e.sched.Cancel(ctx, id)
}

// ListScheduled returns a conversation's scheduled sends, newest first.
func (e *Engine) ListScheduled(ctx context.Context, conversationID uint) ([]*database.ScheduledMessage, error) {
	return e.store.ListScheduledForConversation(ctx, conversationID)
}

// CreateRule stores a new auto-responder rule after normalizing its
// keywords.
func (e *Engine) CreateRule(ctx context.Context, rule *database.AutoResponderRule) error {
	if rule == nil {
		return errors.New("rule must not be nil")
	}
	keywords, err := normalizeKeywords(rule.Keywords)
	if err != nil {
		return err
	}
	rule.Keywords = keywords
	return e.store.CreateRule(ctx, rule)
}

// UpdateRule updates an existing auto-responder rule.
func (e *Engine) UpdateRule(ctx context.Context, rule *database.AutoResponderRule) error {
	if rule == nil {
		return errors.New("rule must not be nil")
	}
	keywords, err := normalizeKeywords(rule.Keywords)
	if err != nil {
		return err
	}
	rule.Keywords = keywords
	return e.store.UpdateRule(ctx, rule)
}

// DeleteRule removes an auto-responder rule.
func (e *Engine) DeleteRule(ctx context.Context, id uint) error {
	return e.store.DeleteRule(ctx, id)
}

// GetRule retrieves one auto-responder rule.
func (e *Engine) GetRule(ctx context.Context, id uint) (*database.AutoResponderRule, error) {
	return e.store.GetRule(ctx, id)
}

// ListRules returns a user's auto-responder rules in matching order.
func (e *Engine) ListRules(ctx context.Context, userID int64) ([]*database.AutoResponderRule, error) {
	return e.store.ListRules(ctx, userID)
}

// ListResponderLogs returns the most recent firings of a user's rules.
func (e *Engine) ListResponderLogs(ctx context.Context, userID int64, limit int) ([]*database.AutoResponderLog, error) {
	return e.store.ListResponderLogs(ctx, userID, limit)
}

// ListConversations returns an account's conversations, most recently
// active first.
func (e *Engine) ListConversations(ctx context.Context, accountID uint) ([]*database.Conversation, error) {
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return e.store.ListConversations(ctx, accountID)
}

// ListMessages returns a page of a conversation's messages, newest
// first. beforeID of zero starts at the newest message; a nonzero
// cursor returns only messages strictly older than it, so paging with
// the last ID seen never repeats the boundary row.
func (e *Engine) ListMessages(ctx context.Context, conversationID uint, limit int, beforeID uint) ([]*database.Message, error) {
	if _, err := e.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return e.store.ListMessages(ctx, conversationID, limit, beforeID)
}

func (e *Engine) resolveConversation(ctx context.Context, conversationID uint) (*database.Account, *database.Conversation, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	account, err := e.store.GetAccount(ctx, conv.AccountID)
	if err != nil {
		return nil, nil, fmt.Errorf("conversation %d account: %w", conversationID, err)
	}
	return account, conv, nil
}
