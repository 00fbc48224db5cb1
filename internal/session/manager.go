package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edgelang/lingod/internal/config"
	"github.com/edgelang/lingod/internal/database"
	"github.com/edgelang/lingod/internal/hub"
	"github.com/edgelang/lingod/internal/metrics"
	"github.com/edgelang/lingod/internal/transport"
)

// Manager owns the session registry. Connect and Disconnect drive the
// per-account state machine; connection failures land in StateError with
// a reason and are never retried without a new caller-initiated Connect.
type Manager struct {
	log      *slog.Logger
	accounts AccountSource
	dialer   transport.Dialer
	ingestor Ingestor
	events   hub.Publisher
	metrics  *metrics.Metrics

	connectTimeout time.Duration
	maxConcurrent  int

	mu       sync.RWMutex
	sessions map[uint]*session
}

// NewManager constructs a session manager.
func NewManager(
	cfg config.SessionsConfig,
	accounts AccountSource,
	dialer transport.Dialer,
	ingestor Ingestor,
	events hub.Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.NewMetrics()
	}

	maxConcurrent := cfg.MaxConcurrentConnects
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Manager{
		log:            logger.With("component", "sessions"),
		accounts:       accounts,
		dialer:         dialer,
		ingestor:       ingestor,
		events:         events,
		metrics:        m,
		connectTimeout: cfg.ConnectTimeout,
		maxConcurrent:  maxConcurrent,
		sessions:       make(map[uint]*session),
	}
}

// Connect loads the account, dials the transport and starts the
// account's worker. A failed dial leaves the session in StateError with
// the failure reason; reconnecting is up to the caller.
func (m *Manager) Connect(ctx context.Context, accountID uint) error {
	account, err := m.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.IsActive {
		return fmt.Errorf("account %d is inactive: %w", accountID, database.ErrStateConflict)
	}

	sess, err := m.reserve(account)
	if err != nil {
		return err
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, m.connectTimeout)
	defer dialCancel()

	conn, err := m.dialer.Dial(dialCtx, transport.Credentials{
		AccountID: account.ID,
		Token:     account.Credential,
	})
	if err != nil {
		sess.mu.Lock()
		sess.state = StateError
		sess.reason = err.Error()
		sess.mu.Unlock()

		m.metrics.SessionErrors.Inc()
		m.log.Error("connect failed", "account_id", accountID, "error", err)
		return fmt.Errorf("connect account %d: %w", accountID, err)
	}

	// The worker outlives the Connect call. Its lifetime is owned by the
	// registry, not by the caller's request context.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})

	sess.mu.Lock()
	sess.state = StateConnected
	sess.reason = ""
	sess.conn = conn
	sess.cancel = workerCancel
	sess.workerDone = workerDone
	sess.mu.Unlock()

	m.metrics.SessionsConnected.Inc()
	m.events.Publish(account.UserID, hub.AccountConnectedEvent(account.ID))
	m.log.Info("account connected", "account_id", account.ID, "label", account.Label)

	go m.runWorker(workerCtx, sess, account, conn)

	return nil
}

// reserve inserts a StateConnecting entry for the account. An existing
// live entry rejects the connect; an Error entry is replaced.
func (m *Manager) reserve(account *database.Account) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.sessions[account.ID]; existing != nil {
		status := existing.snapshot()
		if status.State == StateConnecting || status.State == StateConnected {
			return nil, fmt.Errorf("account %d is %s: %w", account.ID, status.State, database.ErrStateConflict)
		}
	}

	sess := &session{
		accountID: account.ID,
		userID:    account.UserID,
		state:     StateConnecting,
	}
	m.sessions[account.ID] = sess

	return sess, nil
}

// Disconnect tears the account's session down and cancels its in-flight
// work. Other accounts are untouched.
func (m *Manager) Disconnect(accountID uint) error {
	m.mu.Lock()
	sess := m.sessions[accountID]
	m.mu.Unlock()

	if sess == nil {
		return fmt.Errorf("account %d: %w", accountID, transport.ErrNotConnected)
	}

	sess.mu.Lock()
	switch sess.state {
	case StateConnecting:
		sess.mu.Unlock()
		return fmt.Errorf("account %d is connecting: %w", accountID, database.ErrStateConflict)
	case StateDisconnected:
		sess.mu.Unlock()
		return fmt.Errorf("account %d: %w", accountID, transport.ErrNotConnected)
	}
	wasConnected := sess.state == StateConnected
	conn := sess.conn
	cancel := sess.cancel
	workerDone := sess.workerDone
	sess.state = StateDisconnected
	sess.reason = ""
	sess.conn = nil
	sess.mu.Unlock()

	m.mu.Lock()
	if m.sessions[accountID] == sess {
		delete(m.sessions, accountID)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if workerDone != nil {
		<-workerDone
	}

	if wasConnected {
		m.metrics.SessionsConnected.Dec()
		m.events.Publish(sess.userID, hub.AccountDisconnectedEvent(accountID))
		m.log.Info("account disconnected", "account_id", accountID)
	}

	return nil
}

// ConnectAll dials every active account, bounded by the configured
// concurrency. Individual failures are already recorded as StateError
// by Connect and do not stop the remaining accounts.
func (m *Manager) ConnectAll(ctx context.Context) error {
	accounts, err := m.accounts.ListActiveAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list active accounts: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxConcurrent)

	for _, account := range accounts {
		g.Go(func() error {
			if err := m.Connect(gctx, account.ID); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				m.log.Warn("startup connect failed", "account_id", account.ID, "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// Shutdown disconnects every session and waits for the workers to stop.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]uint, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Disconnect(id); err != nil {
			m.log.Warn("shutdown disconnect failed", "account_id", id, "error", err)
		}
	}
}

// Status reports the session state of one account. Accounts without a
// registry entry report StateDisconnected.
func (m *Manager) Status(accountID uint) Status {
	m.mu.RLock()
	sess := m.sessions[accountID]
	m.mu.RUnlock()

	if sess == nil {
		return Status{AccountID: accountID, State: StateDisconnected}
	}
	return sess.snapshot()
}

// Statuses reports every registry entry, ordered by account id.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Conn returns the live transport connection of a connected account.
func (m *Manager) Conn(accountID uint) (transport.Conn, error) {
	m.mu.RLock()
	sess := m.sessions[accountID]
	m.mu.RUnlock()

	if sess == nil {
		return nil, fmt.Errorf("account %d: %w", accountID, transport.ErrNotConnected)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StateConnected || sess.conn == nil {
		return nil, fmt.Errorf("account %d: %w", accountID, transport.ErrNotConnected)
	}
	return sess.conn, nil
}

// failSession records a broken connection. The entry stays in the
// registry in StateError so status queries can surface the reason.
func (m *Manager) failSession(sess *session, err error) {
	sess.mu.Lock()
	wasConnected := sess.state == StateConnected
	conn := sess.conn
	sess.state = StateError
	sess.reason = err.Error()
	sess.conn = nil
	sess.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	m.metrics.SessionErrors.Inc()
	if wasConnected {
		m.metrics.SessionsConnected.Dec()
		m.events.Publish(sess.userID, hub.AccountDisconnectedEvent(sess.accountID))
	}
}
