package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the interface for database operations.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// GetAccount retrieves an account by ID. Returns ErrNotFound when no
	// such account exists.
	GetAccount(ctx context.Context, id uint) (*Account, error)

	// ListActiveAccounts retrieves all accounts marked active.
	ListActiveAccounts(ctx context.Context) ([]*Account, error)

	// GetConversation retrieves a conversation by ID. Returns ErrNotFound
	// when no such conversation exists.
	GetConversation(ctx context.Context, id uint) (*Conversation, error)

	// GetOrCreateConversation resolves the conversation for an
	// (account, peer) pair, creating it when missing and refreshing the
	// stored title when the peer's title changed.
	GetOrCreateConversation(ctx context.Context, accountID uint, peerID int64, title, kind string) (*Conversation, error)

	// ListConversations retrieves an account's conversations, most
	// recently active first.
	ListConversations(ctx context.Context, accountID uint) ([]*Conversation, error)

	// SaveMessage inserts a message and bumps the owning conversation's
	// last_message_at in the same transaction.
	SaveMessage(ctx context.Context, message *Message) error

	// ListMessages retrieves up to 'limit' messages of a conversation
	// strictly older than 'beforeID' (0 means start at the newest),
	// newest first.
	ListMessages(ctx context.Context, conversationID uint, limit int, beforeID uint) ([]*Message, error)

	// CreateScheduledMessage inserts a new pending scheduled message.
	CreateScheduledMessage(ctx context.Context, sched *ScheduledMessage) error

	// GetScheduledMessage retrieves a scheduled message by ID. Returns
	// ErrNotFound when no such record exists.
	GetScheduledMessage(ctx context.Context, id uint) (*ScheduledMessage, error)

	// ListPendingScheduled retrieves all pending scheduled messages
	// ordered by fire time.
	ListPendingScheduled(ctx context.Context) ([]*ScheduledMessage, error)

	// ListScheduledForConversation retrieves a conversation's scheduled
	// messages, newest first.
	ListScheduledForConversation(ctx context.Context, conversationID uint) ([]*ScheduledMessage, error)

	// MarkScheduledSent transitions a pending record to sent. Returns
	// ErrNotFound for unknown IDs and ErrStateConflict when the record
	// already left the pending state.
	MarkScheduledSent(ctx context.Context, id uint, at time.Time) error

	// MarkScheduledCancelled transitions a pending record to cancelled.
	// Returns ErrNotFound for unknown IDs and ErrStateConflict when the
	// record already left the pending state.
	MarkScheduledCancelled(ctx context.Context, id uint, at time.Time) error

	// RecordScheduledFailure stores the latest delivery error on a still
	// pending record without changing its status.
	RecordScheduledFailure(ctx context.Context, id uint, reason string) error

	// CancelPendingForConversation cancels every pending scheduled
	// message of a conversation and returns the affected IDs.
	CancelPendingForConversation(ctx context.Context, conversationID uint, at time.Time) ([]uint, error)

	// CreateRule inserts a new auto-responder rule.
	CreateRule(ctx context.Context, rule *AutoResponderRule) error

	// UpdateRule updates an existing rule by ID. Returns ErrNotFound
	// when no such rule exists.
	UpdateRule(ctx context.Context, rule *AutoResponderRule) error

	// DeleteRule removes a rule by ID. Returns ErrNotFound when no such
	// rule exists.
	DeleteRule(ctx context.Context, id uint) error

	// GetRule retrieves a rule by ID. Returns ErrNotFound when no such
	// rule exists.
	GetRule(ctx context.Context, id uint) (*AutoResponderRule, error)

	// ListRules retrieves all rules owned by a user, highest priority
	// first, rule ID ascending within equal priority.
	ListRules(ctx context.Context, userID int64) ([]*AutoResponderRule, error)

	// ListActiveRules retrieves a user's active rules in matching order:
	// highest priority first, rule ID ascending within equal priority.
	ListActiveRules(ctx context.Context, userID int64) ([]*AutoResponderRule, error)

	// SaveResponderLog inserts one rule-firing record.
	SaveResponderLog(ctx context.Context, entry *AutoResponderLog) error

	// ListResponderLogs retrieves the most recent firings of a user's
	// rules.
	ListResponderLogs(ctx context.Context, userID int64, limit int) ([]*AutoResponderLog, error)

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const accountColumns = `id, created_at, updated_at, user_id, label, credential,
       source_language, target_language, is_active`

// GetAccount retrieves an account by ID.
func (s *sqlxStore) GetAccount(ctx context.Context, id uint) (*Account, error) {
	if id == 0 {
		return nil, fmt.Errorf("account_id cannot be zero")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var account Account
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`

	err := s.db.GetContext(ctx, &account, query, id)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("account %d: %w", id, ErrNotFound)

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching account",
			"account_id", id, "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting account", "account_id", id, "error", err)
		return nil, fmt.Errorf("failed to get account %d: %w", id, err)
	}

	return &account, nil
}

// ListActiveAccounts retrieves all accounts marked active.
func (s *sqlxStore) ListActiveAccounts(ctx context.Context) ([]*Account, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var accounts []*Account
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE is_active = 1 ORDER BY id ASC`

	err := s.db.SelectContext(ctx, &accounts, query)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching active accounts", "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting active accounts", "error", err)
		return nil, fmt.Errorf("failed to get active accounts: %w", err)
	}

	s.logger.DebugContext(ctx, "Fetched active accounts", "count", len(accounts))
	return accounts, nil
}

const conversationColumns = `id, created_at, updated_at, account_id, peer_id, title, kind, last_message_at`

// GetConversation retrieves a conversation by ID.
func (s *sqlxStore) GetConversation(ctx context.Context, id uint) (*Conversation, error) {
	if id == 0 {
		return nil, fmt.Errorf("conversation_id cannot be zero")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var conv Conversation
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`

	err := s.db.GetContext(ctx, &conv, query, id)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("conversation %d: %w", id, ErrNotFound)

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching conversation",
			"conversation_id", id, "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting conversation", "conversation_id", id, "error", err)
		return nil, fmt.Errorf("failed to get conversation %d: %w", id, err)
	}

	return &conv, nil
}

// GetOrCreateConversation resolves the conversation for an (account, peer)
// pair, creating it when missing.
func (s *sqlxStore) GetOrCreateConversation(ctx context.Context, accountID uint, peerID int64, title, kind string) (*Conversation, error) {
	if accountID == 0 {
		return nil, fmt.Errorf("account_id cannot be zero")
	}
	if peerID == 0 {
		return nil, fmt.Errorf("peer_id cannot be zero")
	}
	if kind == "" {
		kind = ConversationPrivate
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for conversation lookup",
			"account_id", accountID, "peer_id", peerID, "error", err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	var conv Conversation
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE account_id = ? AND peer_id = ?`
	err = tx.GetContext(ctx, &conv, query, accountID, peerID)

	switch {
	case err == nil:
		// Keep the stored title in sync with the platform.
		if title != "" && title != conv.Title {
			now := time.Now().UTC()
			_, updErr := tx.ExecContext(ctx,
				`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
				title, now, conv.ID)
			if updErr != nil {
				s.logger.ErrorContext(ctx, "Error refreshing conversation title",
					"conversation_id", conv.ID, "error", updErr)
				return nil, fmt.Errorf("failed to refresh conversation title: %w", updErr)
			}
			conv.Title = title
			conv.UpdatedAt = now
		}

	case errors.Is(err, sql.ErrNoRows):
		now := time.Now().UTC()
		conv = Conversation{
			CreatedAt: now,
			UpdatedAt: now,
			AccountID: accountID,
			PeerID:    peerID,
			Title:     title,
			Kind:      kind,
		}
		insert := `
        INSERT INTO conversations (created_at, updated_at, account_id, peer_id, title, kind)
        VALUES (:created_at, :updated_at, :account_id, :peer_id, :title, :kind);
    `
		result, insErr := tx.NamedExecContext(ctx, insert, &conv)
		if insErr != nil {
			s.logger.ErrorContext(ctx, "Error creating conversation",
				"account_id", accountID, "peer_id", peerID, "error", insErr)
			return nil, fmt.Errorf("failed to create conversation (account %d, peer %d): %w", accountID, peerID, insErr)
		}
		id, idErr := result.LastInsertId()
		if idErr != nil {
			s.logger.WarnContext(ctx, "Could not retrieve last insert ID after creating conversation",
				"account_id", accountID, "peer_id", peerID, "error", idErr)
		} else {
			//nolint:gosec // integer overflow conversion is acceptable here
			conv.ID = uint(id)
		}

	default:
		s.logger.ErrorContext(ctx, "Error looking up conversation",
			"account_id", accountID, "peer_id", peerID, "error", err)
		return nil, fmt.Errorf("failed to look up conversation (account %d, peer %d): %w", accountID, peerID, err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction",
			"account_id", accountID, "peer_id", peerID, "error", err)
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	return &conv, nil
}

// ListConversations retrieves an account's conversations, most recently
// active first.
func (s *sqlxStore) ListConversations(ctx context.Context, accountID uint) ([]*Conversation, error) {
	if accountID == 0 {
		return nil, fmt.Errorf("account_id cannot be zero")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var convs []*Conversation
	query := `
        SELECT ` + conversationColumns + `
        FROM conversations
        WHERE account_id = ?
        ORDER BY last_message_at IS NULL, last_message_at DESC, id DESC;
    `

	err := s.db.SelectContext(ctx, &convs, query, accountID)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching conversations",
			"account_id", accountID, "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting conversations", "account_id", accountID, "error", err)
		return nil, fmt.Errorf("failed to get conversations for account %d: %w", accountID, err)
	}

	s.logger.DebugContext(ctx, "Fetched conversations", "account_id", accountID, "count", len(convs))
	return convs, nil
}

const messageColumns = `id, created_at, conversation_id, direction, kind, original_text,
       translated_text, source_language, target_language, sender_id, sender_name, remote_id, media`

// SaveMessage inserts a message and bumps the owning conversation's
// last_message_at in the same transaction.
func (s *sqlxStore) SaveMessage(ctx context.Context, message *Message) error {
	if message == nil {
		return fmt.Errorf("cannot save nil message")
	}
	if message.ConversationID == 0 {
		return fmt.Errorf("message must have a non-zero conversation_id")
	}
	if message.Direction != DirectionIn && message.Direction != DirectionOut {
		return fmt.Errorf("message must have a valid direction, got %q", message.Direction)
	}
	if message.Kind == "" {
		return fmt.Errorf("message must have a non-empty kind")
	}

	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for saving message",
			"conversation_id", message.ConversationID, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	query := `
        INSERT INTO messages (created_at, conversation_id, direction, kind, original_text,
                              translated_text, source_language, target_language,
                              sender_id, sender_name, remote_id, media)
        VALUES (:created_at, :conversation_id, :direction, :kind, :original_text,
                :translated_text, :source_language, :target_language,
                :sender_id, :sender_name, :remote_id, :media);
    `

	result, err := tx.NamedExecContext(ctx, query, message)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving message",
			"conversation_id", message.ConversationID, "direction", message.Direction, "error", err)
		return fmt.Errorf("failed to save message (conversation %d): %w", message.ConversationID, err)
	}

	id, err := result.LastInsertId()
	if err == nil {
		//nolint:gosec // integer overflow conversion is acceptable here
		message.ID = uint(id)
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after saving message",
			"conversation_id", message.ConversationID, "error", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ?, updated_at = ? WHERE id = ?`,
		message.CreatedAt, message.CreatedAt, message.ConversationID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating conversation activity",
			"conversation_id", message.ConversationID, "error", err)
		return fmt.Errorf("failed to update conversation activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction",
			"conversation_id", message.ConversationID, "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Message saved successfully",
		"conversation_id", message.ConversationID, "direction", message.Direction, "message_id", message.ID)
	return nil
}

// ListMessages retrieves up to 'limit' messages of a conversation
// strictly older than 'beforeID' (0 means start at the newest), newest
// first.
func (s *sqlxStore) ListMessages(ctx context.Context, conversationID uint, limit int, beforeID uint) ([]*Message, error) {
	if conversationID == 0 {
		return nil, fmt.Errorf("conversation_id cannot be zero")
	}

	if limit <= 0 {
		limit = 50
		s.logger.DebugContext(ctx, "No limit provided, using default",
			"conversation_id", conversationID, "default_limit", limit)
	} else if limit > 500 {
		limit = 500
		s.logger.DebugContext(ctx, "Limit exceeded maximum value, capping",
			"conversation_id", conversationID, "capped_limit", limit)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var messages []*Message
	query := `
        SELECT ` + messageColumns + `
        FROM messages
        WHERE conversation_id = ?`
	args := []any{conversationID}

	// beforeID is a keyset cursor: a client pages by passing the lowest
	// ID it has seen and receives only strictly older rows, never the
	// boundary row again. Zero means no cursor.
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += `
        ORDER BY id DESC
        LIMIT ?;
    `
	args = append(args, limit)

	err := s.db.SelectContext(ctx, &messages, query, args...)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching messages",
			"conversation_id", conversationID, "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting messages",
			"conversation_id", conversationID, "limit", limit, "before_id", beforeID, "error", err)
		return nil, fmt.Errorf("failed to get messages for conversation %d: %w", conversationID, err)
	}

	s.logger.DebugContext(ctx, "Fetched messages successfully",
		"conversation_id", conversationID, "count", len(messages))
	return messages, nil
}

const scheduledColumns = `id, created_at, updated_at, conversation_id, text, fire_at,
       status, sent_at, cancelled_at, last_error`

// CreateScheduledMessage inserts a new pending scheduled message.
func (s *sqlxStore) CreateScheduledMessage(ctx context.Context, sched *ScheduledMessage) error {
	if sched == nil {
		return fmt.Errorf("cannot save nil scheduled message")
	}
	if sched.ConversationID == 0 {
		return fmt.Errorf("scheduled message must have a non-zero conversation_id")
	}
	if sched.Text == "" {
		return fmt.Errorf("scheduled message must have non-empty text")
	}
	if sched.FireAt.IsZero() {
		return fmt.Errorf("scheduled message must have a non-zero fire_at")
	}

	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	if sched.Status == "" {
		sched.Status = ScheduledPending
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for scheduling message",
			"conversation_id", sched.ConversationID, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	query := `
        INSERT INTO scheduled_messages (created_at, updated_at, conversation_id, text, fire_at, status)
        VALUES (:created_at, :updated_at, :conversation_id, :text, :fire_at, :status);
    `

	result, err := tx.NamedExecContext(ctx, query, sched)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating scheduled message",
			"conversation_id", sched.ConversationID, "error", err)
		return fmt.Errorf("failed to create scheduled message (conversation %d): %w", sched.ConversationID, err)
	}

	id, err := result.LastInsertId()
	if err == nil {
		//nolint:gosec // integer overflow conversion is acceptable here
		sched.ID = uint(id)
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after scheduling message",
			"conversation_id", sched.ConversationID, "error", err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction",
			"conversation_id", sched.ConversationID, "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Scheduled message created",
		"conversation_id", sched.ConversationID, "scheduled_id", sched.ID, "fire_at", sched.FireAt)
	return nil
}

// GetScheduledMessage retrieves a scheduled message by ID.
func (s *sqlxStore) GetScheduledMessage(ctx context.Context, id uint) (*ScheduledMessage, error) {
	if id == 0 {
		return nil, fmt.Errorf("scheduled_id cannot be zero")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var sched ScheduledMessage
	query := `SELECT ` + scheduledColumns + ` FROM scheduled_messages WHERE id = ?`

	err := s.db.GetContext(ctx, &sched, query, id)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("scheduled message %d: %w", id, ErrNotFound)

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching scheduled message",
			"scheduled_id", id, "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting scheduled message", "scheduled_id", id, "error", err)
		return nil, fmt.Errorf("failed to get scheduled message %d: %w", id, err)
	}

	return &sched, nil
}

// ListPendingScheduled retrieves all pending scheduled messages ordered by
// fire time.
func (s *sqlxStore) ListPendingScheduled(ctx context.Context) ([]*ScheduledMessage, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var pending []*ScheduledMessage
	query := `
        SELECT ` + scheduledColumns + `
        FROM scheduled_messages
        WHERE status = ?
        ORDER BY fire_at ASC, id ASC;
    `

	err := s.db.SelectContext(ctx, &pending, query, ScheduledPending)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching pending scheduled messages", "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting pending scheduled messages", "error", err)
		return nil, fmt.Errorf("failed to get pending scheduled messages: %w", err)
	}

	s.logger.DebugContext(ctx, "Fetched pending scheduled messages", "count", len(pending))
	return pending, nil
}

// ListScheduledForConversation retrieves a conversation's scheduled
// messages, newest first.
func (s *sqlxStore) ListScheduledForConversation(ctx context.Context, conversationID uint) ([]*ScheduledMessage, error) {
	if conversationID == 0 {
		return nil, fmt.Errorf("conversation_id cannot be zero")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var scheds []*ScheduledMessage
	query := `
        SELECT ` + scheduledColumns + `
        FROM scheduled_messages
        WHERE conversation_id = ?
        ORDER BY id DESC;
    `

	err := s.db.SelectContext(ctx, &scheds, query, conversationID)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching scheduled messages",
			"conversation_id", conversationID, "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting scheduled messages for conversation",
			"conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("failed to get scheduled messages for conversation %d: %w", conversationID, err)
	}

	return scheds, nil
}

// markScheduled performs the checked pending -> terminal transition shared
// by MarkScheduledSent and MarkScheduledCancelled. The update only matches
// rows still pending, so a concurrent transition loses cleanly.
func (s *sqlxStore) markScheduled(ctx context.Context, id uint, newStatus, stampColumn string, at time.Time) error {
	if id == 0 {
		return fmt.Errorf("scheduled_id cannot be zero")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for scheduled transition",
			"scheduled_id", id, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	// stampColumn is one of the fixed timestamp columns, sent_at or cancelled_at.
	query := fmt.Sprintf(
		`UPDATE scheduled_messages SET status = ?, %s = ?, updated_at = ? WHERE id = ? AND status = ?`,
		stampColumn)

	result, err := tx.ExecContext(ctx, query, newStatus, at, at, id, ScheduledPending)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error transitioning scheduled message", "scheduled_id", id, "error", err)
		return fmt.Errorf("failed to transition scheduled message %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		s.logger.WarnContext(ctx, "Could not get affected row count for scheduled transition",
			"scheduled_id", id, "error", err)
	}

	if affected == 0 {
		// Distinguish a missing record from one already in a terminal state.
		var status string
		err := tx.GetContext(ctx, &status, `SELECT status FROM scheduled_messages WHERE id = ?`, id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("scheduled message %d: %w", id, ErrNotFound)
		case err != nil:
			s.logger.ErrorContext(ctx, "Error checking scheduled message status", "scheduled_id", id, "error", err)
			return fmt.Errorf("failed to check scheduled message %d: %w", id, err)
		}
		return fmt.Errorf("scheduled message %d is %s: %w", id, status, ErrStateConflict)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction", "scheduled_id", id, "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	return nil
}

// MarkScheduledSent transitions a pending record to sent.
func (s *sqlxStore) MarkScheduledSent(ctx context.Context, id uint, at time.Time) error {
	if err := s.markScheduled(ctx, id, ScheduledSent, "sent_at", at); err != nil {
		return err
	}
	s.logger.DebugContext(ctx, "Scheduled message marked sent", "scheduled_id", id)
	return nil
}

// MarkScheduledCancelled transitions a pending record to cancelled.
func (s *sqlxStore) MarkScheduledCancelled(ctx context.Context, id uint, at time.Time) error {
	if err := s.markScheduled(ctx, id, ScheduledCancelled, "cancelled_at", at); err != nil {
		return err
	}
	s.logger.DebugContext(ctx, "Scheduled message marked cancelled", "scheduled_id", id)
	return nil
}

// RecordScheduledFailure stores the latest delivery error on a still
// pending record without changing its status.
func (s *sqlxStore) RecordScheduledFailure(ctx context.Context, id uint, reason string) error {
	if id == 0 {
		return fmt.Errorf("scheduled_id cannot be zero")
	}

	now := time.Now().UTC()
	query := `UPDATE scheduled_messages SET last_error = ?, updated_at = ?
	          WHERE id = ? AND status = ?`

	_, err := s.db.ExecContext(ctx, query, reason, now, id, ScheduledPending)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error recording scheduled delivery failure",
			"scheduled_id", id, "error", err)
		return fmt.Errorf("failed to record failure for scheduled message %d: %w", id, err)
	}

	return nil
}

// CancelPendingForConversation cancels every pending scheduled message of
// a conversation and returns the affected IDs.
func (s *sqlxStore) CancelPendingForConversation(ctx context.Context, conversationID uint, at time.Time) ([]uint, error) {
	if conversationID == 0 {
		return nil, fmt.Errorf("conversation_id cannot be zero")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for bulk cancellation",
			"conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	var ids []uint
	err = tx.SelectContext(ctx, &ids,
		`SELECT id FROM scheduled_messages WHERE conversation_id = ? AND status = ? ORDER BY id ASC`,
		conversationID, ScheduledPending)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error listing pending scheduled messages for cancellation",
			"conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("failed to list pending scheduled messages for conversation %d: %w", conversationID, err)
	}

	if len(ids) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		tx = nil
		return nil, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE scheduled_messages SET status = ?, cancelled_at = ?, updated_at = ?
		 WHERE conversation_id = ? AND status = ?`,
		ScheduledCancelled, at, at, conversationID, ScheduledPending)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error cancelling pending scheduled messages",
			"conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("failed to cancel pending scheduled messages for conversation %d: %w", conversationID, err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction",
			"conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Cancelled pending scheduled messages",
		"conversation_id", conversationID, "count", len(ids))
	return ids, nil
}

const ruleColumns = `id, created_at, updated_at, user_id, name, keywords, response_text,
       media, language, priority, is_active`

// CreateRule inserts a new auto-responder rule.
func (s *sqlxStore) CreateRule(ctx context.Context, rule *AutoResponderRule) error {
	if rule == nil {
		return fmt.Errorf("cannot save nil rule")
	}
	if rule.UserID == 0 {
		return fmt.Errorf("rule must have a non-zero user_id")
	}
	if len(rule.Keywords) == 0 {
		return fmt.Errorf("rule must have at least one keyword")
	}
	if rule.ResponseText == "" {
		return fmt.Errorf("rule must have non-empty response text")
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for creating rule",
			"user_id", rule.UserID, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	query := `
        INSERT INTO auto_responder_rules (created_at, updated_at, user_id, name, keywords,
                                          response_text, media, language, priority, is_active)
        VALUES (:created_at, :updated_at, :user_id, :name, :keywords,
                :response_text, :media, :language, :priority, :is_active);
    `

	result, err := tx.NamedExecContext(ctx, query, rule)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating rule", "user_id", rule.UserID, "error", err)
		return fmt.Errorf("failed to create rule for user %d: %w", rule.UserID, err)
	}

	id, err := result.LastInsertId()
	if err == nil {
		//nolint:gosec // integer overflow conversion is acceptable here
		rule.ID = uint(id)
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after creating rule",
			"user_id", rule.UserID, "error", err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction", "user_id", rule.UserID, "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Rule created", "user_id", rule.UserID, "rule_id", rule.ID)
	return nil
}

// UpdateRule updates an existing rule by ID.
func (s *sqlxStore) UpdateRule(ctx context.Context, rule *AutoResponderRule) error {
	if rule == nil {
		return fmt.Errorf("cannot save nil rule")
	}
	if rule.ID == 0 {
		return fmt.Errorf("rule must have a non-zero id")
	}
	if len(rule.Keywords) == 0 {
		return fmt.Errorf("rule must have at least one keyword")
	}
	if rule.ResponseText == "" {
		return fmt.Errorf("rule must have non-empty response text")
	}

	rule.UpdatedAt = time.Now().UTC()

	query := `
        UPDATE auto_responder_rules SET
            name = :name,
            keywords = :keywords,
            response_text = :response_text,
            media = :media,
            language = :language,
            priority = :priority,
            is_active = :is_active,
            updated_at = :updated_at
        WHERE id = :id
    `

	result, err := s.db.NamedExecContext(ctx, query, rule)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating rule", "rule_id", rule.ID, "error", err)
		return fmt.Errorf("failed to update rule %d: %w", rule.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		s.logger.WarnContext(ctx, "Could not get affected row count when updating rule",
			"rule_id", rule.ID, "error", err)
	} else if affected == 0 {
		return fmt.Errorf("rule %d: %w", rule.ID, ErrNotFound)
	}

	s.logger.DebugContext(ctx, "Rule updated", "rule_id", rule.ID)
	return nil
}

// DeleteRule removes a rule by ID.
func (s *sqlxStore) DeleteRule(ctx context.Context, id uint) error {
	if id == 0 {
		return fmt.Errorf("rule_id cannot be zero")
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM auto_responder_rules WHERE id = ?`, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deleting rule", "rule_id", id, "error", err)
		return fmt.Errorf("failed to delete rule %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		s.logger.WarnContext(ctx, "Could not get affected row count when deleting rule",
			"rule_id", id, "error", err)
	} else if affected == 0 {
		return fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}

	s.logger.DebugContext(ctx, "Rule deleted", "rule_id", id)
	return nil
}

// GetRule retrieves a rule by ID.
func (s *sqlxStore) GetRule(ctx context.Context, id uint) (*AutoResponderRule, error) {
	if id == 0 {
		return nil, fmt.Errorf("rule_id cannot be zero")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var rule AutoResponderRule
	query := `SELECT ` + ruleColumns + ` FROM auto_responder_rules WHERE id = ?`

	err := s.db.GetContext(ctx, &rule, query, id)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("rule %d: %w", id, ErrNotFound)

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching rule",
			"rule_id", id, "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting rule", "rule_id", id, "error", err)
		return nil, fmt.Errorf("failed to get rule %d: %w", id, err)
	}

	return &rule, nil
}

func (s *sqlxStore) listRules(ctx context.Context, userID int64, activeOnly bool) ([]*AutoResponderRule, error) {
	if userID == 0 {
		return nil, fmt.Errorf("user_id cannot be zero")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	query := `SELECT ` + ruleColumns + ` FROM auto_responder_rules WHERE user_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY priority DESC, id ASC`

	var rules []*AutoResponderRule
	err := s.db.SelectContext(ctx, &rules, query, userID)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching rules",
			"user_id", userID, "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting rules", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to get rules for user %d: %w", userID, err)
	}

	return rules, nil
}

// ListRules retrieves all rules owned by a user in matching order.
func (s *sqlxStore) ListRules(ctx context.Context, userID int64) ([]*AutoResponderRule, error) {
	return s.listRules(ctx, userID, false)
}

// ListActiveRules retrieves a user's active rules in matching order.
func (s *sqlxStore) ListActiveRules(ctx context.Context, userID int64) ([]*AutoResponderRule, error) {
	return s.listRules(ctx, userID, true)
}

// SaveResponderLog inserts one rule-firing record.
func (s *sqlxStore) SaveResponderLog(ctx context.Context, entry *AutoResponderLog) error {
	if entry == nil {
		return fmt.Errorf("cannot save nil responder log")
	}
	if entry.RuleID == 0 {
		return fmt.Errorf("responder log must have a non-zero rule_id")
	}
	if entry.ConversationID == 0 {
		return fmt.Errorf("responder log must have a non-zero conversation_id")
	}
	if entry.IncomingID == 0 {
		return fmt.Errorf("responder log must have a non-zero incoming_message_id")
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
        INSERT INTO auto_responder_logs (created_at, rule_id, conversation_id,
                                         incoming_message_id, outgoing_message_id, matched_keyword)
        VALUES (:created_at, :rule_id, :conversation_id,
                :incoming_message_id, :outgoing_message_id, :matched_keyword);
    `

	result, err := s.db.NamedExecContext(ctx, query, entry)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving responder log",
			"rule_id", entry.RuleID, "conversation_id", entry.ConversationID, "error", err)
		return fmt.Errorf("failed to save responder log (rule %d): %w", entry.RuleID, err)
	}

	id, err := result.LastInsertId()
	if err == nil {
		//nolint:gosec // integer overflow conversion is acceptable here
		entry.ID = uint(id)
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after saving responder log",
			"rule_id", entry.RuleID, "error", err)
	}

	return nil
}

// ListResponderLogs retrieves the most recent firings of a user's rules.
func (s *sqlxStore) ListResponderLogs(ctx context.Context, userID int64, limit int) ([]*AutoResponderLog, error) {
	if userID == 0 {
		return nil, fmt.Errorf("user_id cannot be zero")
	}

	if limit <= 0 {
		limit = 50
		s.logger.DebugContext(ctx, "No limit provided, using default",
			"user_id", userID, "default_limit", limit)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var entries []*AutoResponderLog
	query := `
        SELECT l.id, l.created_at, l.rule_id, l.conversation_id,
               l.incoming_message_id, l.outgoing_message_id, l.matched_keyword
        FROM auto_responder_logs l
        JOIN auto_responder_rules r ON r.id = l.rule_id
        WHERE r.user_id = ?
        ORDER BY l.id DESC
        LIMIT ?;
    `

	err := s.db.SelectContext(ctx, &entries, query, userID, limit)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching responder logs",
			"user_id", userID, "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting responder logs", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to get responder logs for user %d: %w", userID, err)
	}

	return entries, nil
}

// RunSQLMaintenance executes a VACUUM command on the SQLite database.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	// VACUUM must run outside a transaction in SQLite.
	_, err := s.db.ExecContext(ctx, "VACUUM;")

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)

	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)

	default:
		s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully")
	}

	return nil
}
