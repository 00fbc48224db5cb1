package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/edgelang/lingod/internal/database"
	"github.com/edgelang/lingod/internal/hub"
	"github.com/edgelang/lingod/internal/metrics"
	"github.com/edgelang/lingod/internal/session"
	"github.com/edgelang/lingod/internal/translate"
	"github.com/edgelang/lingod/internal/transport"
)

const (
	persistAttempts   = 3
	persistRetryDelay = 500 * time.Millisecond
)

// pipeline orchestrates the ingest and egress paths. Runs for one
// conversation are serialized through a per-conversation lock; distinct
// conversations proceed concurrently.
type pipeline struct {
	log        *slog.Logger
	store      database.Store
	translator translate.Translator
	events     hub.Publisher
	metrics    *metrics.Metrics
	responder  *responder

	// Assigned by New after construction; the session manager and the
	// scheduler both sit on the other end of a mutual dependency.
	sessions *session.Manager
	sched    *scheduler

	dispatchTimeout time.Duration

	locksMu sync.Mutex
	locks   map[uint]*sync.Mutex
}

func newPipeline(
	store database.Store,
	translator translate.Translator,
	events hub.Publisher,
	m *metrics.Metrics,
	resp *responder,
	dispatchTimeout time.Duration,
	logger *slog.Logger,
) *pipeline {
	return &pipeline{
		log:             logger.With("component", "pipeline"),
		store:           store,
		translator:      translator,
		events:          events,
		metrics:         m,
		responder:       resp,
		dispatchTimeout: dispatchTimeout,
		locks:           make(map[uint]*sync.Mutex),
	}
}

// lockConversation serializes pipeline runs for one conversation. The
// lock map only grows; entries are two words each and the conversation
// count is bounded by actual chat activity.
func (p *pipeline) lockConversation(conversationID uint) func() {
	p.locksMu.Lock()
	lock, ok := p.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[conversationID] = lock
	}
	p.locksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// outboundRequest describes one egress dispatch. sourceLanguage is the
// language the text is authored in; empty means the account's target
// language (the user's side).
type outboundRequest struct {
	kind           string
	text           string
	media          database.Media
	sourceLanguage string
}

// Ingest runs the inbound path for one transport event: resolve the
// conversation, translate, persist, auto-cancel pending scheduled
// sends, broadcast, then fire the auto-responder.
func (p *pipeline) Ingest(ctx context.Context, account *database.Account, in transport.Inbound) error {
	start := time.Now()

	conv, err := p.store.GetOrCreateConversation(ctx, account.ID, in.PeerID, in.PeerTitle, in.PeerKind)
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}

	unlock := p.lockConversation(conv.ID)
	defer unlock()

	msg := &database.Message{
		ConversationID: conv.ID,
		Direction:      database.DirectionIn,
		Kind:           inboundKind(in),
		OriginalText:   in.Text,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
	}
	if in.RemoteID != "" {
		msg.RemoteID = sql.NullString{String: in.RemoteID, Valid: true}
	}
	if in.HasMedia() {
		msg.Media = database.Media{Kind: in.MediaKind, Ref: in.MediaRef}
	}

	if msg.Kind == database.MessageText && msg.OriginalText != "" {
		p.translateInbound(ctx, account, msg)
	}

	if err := p.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist inbound message: %w", err)
	}

	matchText := msg.OriginalText
	if msg.TranslatedText.Valid {
		matchText = msg.TranslatedText.String
	}
	match := p.responder.Match(ctx, account.UserID, matchText)

	notice, cancelledCount := p.cancelPendingOnReply(ctx, conv)

	// Broadcasts follow persistence order: the inbound message first,
	// then the cancellation it caused.
	p.events.Publish(account.UserID, hub.NewMessageEvent(account.ID, msg))
	if cancelledCount > 0 {
		p.events.Publish(account.UserID, hub.ScheduledCancelledEvent(account.ID, conv.ID, cancelledCount))
	}
	if notice != nil {
		p.events.Publish(account.UserID, hub.NewMessageEvent(account.ID, notice))
	}

	if match != nil {
		p.respond(ctx, account, conv, msg, match)
	}

	p.metrics.RecordIngest(time.Since(start).Seconds())
	return nil
}

// translateInbound fills the message's translated fields. Translation
// failure keeps the original text and a null translation.
func (p *pipeline) translateInbound(ctx context.Context, account *database.Account, msg *database.Message) {
	result, err := p.translator.Translate(ctx, translate.Request{
		Text:   msg.OriginalText,
		Source: account.SourceLanguage,
		Target: account.TargetLanguage,
	})
	if err != nil {
		p.metrics.TranslationFailures.Inc()
		p.log.Warn("inbound translation failed, keeping original text",
			"conversation_id", msg.ConversationID, "error", err)
		return
	}

	source := result.DetectedSource
	if source == "" {
		source = account.SourceLanguage
	}

	msg.TranslatedText = sql.NullString{String: result.Text, Valid: true}
	msg.SourceLanguage = sql.NullString{String: source, Valid: true}
	msg.TargetLanguage = sql.NullString{String: account.TargetLanguage, Valid: true}
}

// cancelPendingOnReply cancels the conversation's pending scheduled
// sends now that the peer has replied, and persists the system notice
// that tells an automatic cancel apart from a manual one. Returns the
// notice (nil when nothing was cancelled or persisting it failed) and
// the number of cancelled records.
func (p *pipeline) cancelPendingOnReply(ctx context.Context, conv *database.Conversation) (*database.Message, int) {
	cancelled, err := p.sched.CancelForConversation(ctx, conv.ID)
	if err != nil {
		p.log.Error("auto-cancel failed", "conversation_id", conv.ID, "error", err)
		return nil, 0
	}
	if len(cancelled) == 0 {
		return nil, 0
	}

	p.metrics.ScheduledCancelled.Add(float64(len(cancelled)))
	p.log.Info("pending scheduled sends auto-cancelled",
		"conversation_id", conv.ID, "count", len(cancelled))

	notice := &database.Message{
		ConversationID: conv.ID,
		Direction:      database.DirectionIn,
		Kind:           database.MessageSystem,
		OriginalText:   cancelNotice(len(cancelled)),
	}
	if err := p.store.SaveMessage(ctx, notice); err != nil {
		p.log.Error("persist cancel notice failed", "conversation_id", conv.ID, "error", err)
		return nil, len(cancelled)
	}
	return notice, len(cancelled)
}

func cancelNotice(count int) string {
	if count == 1 {
		return "Scheduled message cancelled: the contact replied first."
	}
	return fmt.Sprintf("%d scheduled messages cancelled: the contact replied first.", count)
}

// respond dispatches the matched rule's reply and records the firing.
// Failures are logged and swallowed: the triggering message is already
// persisted and broadcast, and auto-replies are never retried.
func (p *pipeline) respond(ctx context.Context, account *database.Account, conv *database.Conversation, inbound *database.Message, match *ruleMatch) {
	p.metrics.ResponderMatches.Inc()

	entry := &database.AutoResponderLog{
		RuleID:         match.rule.ID,
		ConversationID: conv.ID,
		IncomingID:     inbound.ID,
		MatchedKeyword: match.keyword,
	}

	reply, err := p.egressLocked(ctx, account, conv, outboundRequest{
		kind:           database.MessageAutoReply,
		text:           match.rule.ResponseText,
		media:          match.rule.Media,
		sourceLanguage: match.rule.Language,
	})
	if err != nil {
		p.log.Warn("auto-reply dispatch failed",
			"rule_id", match.rule.ID, "conversation_id", conv.ID, "error", err)
	} else {
		entry.OutgoingID = sql.NullInt64{Int64: int64(reply.ID), Valid: true}
	}

	if err := p.store.SaveResponderLog(ctx, entry); err != nil {
		p.log.Error("persist responder log failed", "rule_id", match.rule.ID, "error", err)
	}
}

// egress runs the outbound path for a user-initiated send.
func (p *pipeline) egress(ctx context.Context, account *database.Account, conv *database.Conversation, req outboundRequest) (*database.Message, error) {
	unlock := p.lockConversation(conv.ID)
	defer unlock()
	return p.egressLocked(ctx, account, conv, req)
}

// egressLocked translates, dispatches and persists one outgoing
// message. The caller holds the conversation lock.
func (p *pipeline) egressLocked(ctx context.Context, account *database.Account, conv *database.Conversation, req outboundRequest) (*database.Message, error) {
	sendText := req.text
	var translated, sourceLang, targetLang sql.NullString

	source := req.sourceLanguage
	if source == "" {
		source = account.TargetLanguage
	}

	// Text already in the peer's language goes out untranslated.
	if req.text != "" && !strings.EqualFold(source, account.SourceLanguage) {
		result, err := p.translator.Translate(ctx, translate.Request{
			Text:   req.text,
			Source: source,
			Target: account.SourceLanguage,
		})
		if err != nil {
			p.metrics.TranslationFailures.Inc()
			p.log.Warn("outbound translation failed, sending original text",
				"conversation_id", conv.ID, "error", err)
		} else {
			sendText = result.Text
			translated = sql.NullString{String: result.Text, Valid: true}
			sourceLang = sql.NullString{String: source, Valid: true}
			targetLang = sql.NullString{String: account.SourceLanguage, Valid: true}
		}
	}

	conn, err := p.sessions.Conn(account.ID)
	if err != nil {
		p.metrics.DispatchFailures.Inc()
		return nil, err
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, p.dispatchTimeout)
	ack, err := conn.Send(dispatchCtx, transport.Outbound{
		PeerID:    conv.PeerID,
		Text:      sendText,
		MediaKind: req.media.Kind,
		MediaRef:  req.media.Ref,
	})
	cancel()
	if err != nil {
		p.metrics.DispatchFailures.Inc()
		return nil, fmt.Errorf("dispatch to conversation %d: %w", conv.ID, err)
	}

	msg := &database.Message{
		ConversationID: conv.ID,
		Direction:      database.DirectionOut,
		Kind:           req.kind,
		OriginalText:   req.text,
		TranslatedText: translated,
		SourceLanguage: sourceLang,
		TargetLanguage: targetLang,
		SenderName:     account.Label,
		Media:          req.media,
	}
	if ack.RemoteID != "" {
		msg.RemoteID = sql.NullString{String: ack.RemoteID, Valid: true}
	}

	if err := p.saveAcknowledged(ctx, msg); err != nil {
		return nil, err
	}

	p.metrics.RecordEgress()
	p.events.Publish(account.UserID, hub.NewMessageEvent(account.ID, msg))

	return msg, nil
}

// saveAcknowledged persists a message the transport has already
// accepted. The save retries briefly and survives cancellation of the
// calling context: an acknowledged send must never go unrecorded.
func (p *pipeline) saveAcknowledged(ctx context.Context, msg *database.Message) error {
	saveCtx := context.WithoutCancel(ctx)

	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = p.store.SaveMessage(saveCtx, msg); err == nil {
			return nil
		}
		p.log.Warn("persisting acknowledged send failed",
			"conversation_id", msg.ConversationID, "attempt", attempt, "error", err)
		if attempt < persistAttempts {
			time.Sleep(persistRetryDelay * time.Duration(attempt))
		}
	}

	p.log.Error("acknowledged send not persisted",
		"conversation_id", msg.ConversationID, "remote_id", msg.RemoteID.String, "error", err)
	return fmt.Errorf("persist acknowledged send: %w", err)
}

// dispatchScheduled fires one due scheduled message through egress.
func (p *pipeline) dispatchScheduled(ctx context.Context, sched *database.ScheduledMessage) error {
	conv, err := p.store.GetConversation(ctx, sched.ConversationID)
	if err != nil {
		return fmt.Errorf("resolve conversation %d: %w", sched.ConversationID, err)
	}
	account, err := p.store.GetAccount(ctx, conv.AccountID)
	if err != nil {
		return fmt.Errorf("resolve account %d: %w", conv.AccountID, err)
	}

	_, err = p.egress(ctx, account, conv, outboundRequest{
		kind: database.MessageText,
		text: sched.Text,
	})
	return err
}

func inboundKind(in transport.Inbound) string {
	if in.MediaKind != "" {
		return in.MediaKind
	}
	return database.MessageText
}
