// Package session manages the connection lifecycle of chat accounts.
// Each connected account gets one worker that consumes its transport
// events strictly in order; workers for different accounts run in
// parallel.
package session

import (
	"context"
	"sync"

	"github.com/edgelang/lingod/internal/database"
	"github.com/edgelang/lingod/internal/transport"
)

// State is the lifecycle phase of an account session.
type State string

// Session lifecycle states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Status is a point-in-time snapshot of one account session.
type Status struct {
	AccountID uint   `json:"account_id"`
	State     State  `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

// AccountSource loads the account rows needed to establish sessions.
type AccountSource interface {
	GetAccount(ctx context.Context, id uint) (*database.Account, error)
	ListActiveAccounts(ctx context.Context) ([]*database.Account, error)
}

// Ingestor runs the inbound pipeline for one received transport event.
type Ingestor interface {
	Ingest(ctx context.Context, account *database.Account, in transport.Inbound) error
}

// session is one registry entry. The registry map lock covers lookup,
// insert and delete only; everything else is guarded by the per-session
// mutex so unrelated accounts never serialize on each other.
type session struct {
	accountID uint
	userID    int64

	mu         sync.Mutex
	state      State
	reason     string
	conn       transport.Conn
	cancel     context.CancelFunc
	workerDone chan struct{}
}

func (s *session) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{AccountID: s.accountID, State: s.state, Reason: s.reason}
}
