package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/edgelang/lingod/internal/config"
	"github.com/edgelang/lingod/internal/database"
	"github.com/edgelang/lingod/internal/hub"
	"github.com/edgelang/lingod/internal/session"
	"github.com/edgelang/lingod/internal/transport"
)

type fakeAccounts struct {
	accounts map[uint]*database.Account
}

func (f *fakeAccounts) GetAccount(_ context.Context, id uint) (*database.Account, error) {
	account, ok := f.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, database.ErrNotFound)
	}
	copied := *account
	return &copied, nil
}

func (f *fakeAccounts) ListActiveAccounts(_ context.Context) ([]*database.Account, error) {
	var out []*database.Account
	for _, account := range f.accounts {
		if account.IsActive {
			copied := *account
			out = append(out, &copied)
		}
	}
	return out, nil
}

type fakeConn struct {
	inbound chan transport.Inbound
	errs    chan error

	mu   sync.Mutex
	sent []transport.Outbound

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan transport.Inbound, 16),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Recv(ctx context.Context) (transport.Inbound, error) {
	select {
	case in := <-c.inbound:
		return in, nil
	case err := <-c.errs:
		return transport.Inbound{}, err
	case <-c.closed:
		return transport.Inbound{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Inbound{}, ctx.Err()
	}
}

func (c *fakeConn) Send(_ context.Context, out transport.Outbound) (transport.Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, out)
	return transport.Ack{RemoteID: fmt.Sprintf("remote-%d", len(c.sent))}, nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	dialErr error
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _ transport.Credentials) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type fakeIngestor struct {
	received chan transport.Inbound
}

func (i *fakeIngestor) Ingest(_ context.Context, _ *database.Account, in transport.Inbound) error {
	i.received <- in
	return nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []hub.Event
}

func (p *capturePublisher) Publish(_ int64, event hub.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, event := range p.events {
		out[i] = event.Type
	}
	return out
}

type testRig struct {
	manager   *session.Manager
	dialer    *fakeDialer
	ingestor  *fakeIngestor
	publisher *capturePublisher
}

func newTestRig(accounts ...*database.Account) *testRig {
	byID := make(map[uint]*database.Account, len(accounts))
	for _, account := range accounts {
		byID[account.ID] = account
	}

	rig := &testRig{
		dialer:    &fakeDialer{},
		ingestor:  &fakeIngestor{received: make(chan transport.Inbound, 16)},
		publisher: &capturePublisher{},
	}
	rig.manager = session.NewManager(
		config.SessionsConfig{ConnectTimeout: time.Second, MaxConcurrentConnects: 2},
		&fakeAccounts{accounts: byID},
		rig.dialer,
		rig.ingestor,
		rig.publisher,
		nil,
		nil,
	)
	return rig
}

func activeAccount(id uint) *database.Account {
	return &database.Account{
		ID:             id,
		UserID:         500,
		Label:          fmt.Sprintf("acct-%d", id),
		Credential:     "token",
		SourceLanguage: "en",
		TargetLanguage: "es",
		IsActive:       true,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConnectLifecycle(t *testing.T) {
	t.Parallel()

	rig := newTestRig(activeAccount(1))

	if err := rig.manager.Connect(context.Background(), 1); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	status := rig.manager.Status(1)
	if status.State != session.StateConnected {
		t.Errorf("Status(1).State = %q, want %q", status.State, session.StateConnected)
	}
	if got := rig.publisher.types(); len(got) != 1 || got[0] != hub.EventAccountConnected {
		t.Errorf("published events = %v, want [account_connected]", got)
	}
	if rig.dialer.dialCount() != 1 {
		t.Errorf("dial count = %d, want 1", rig.dialer.dialCount())
	}
}

func TestConnectUnknownAccount(t *testing.T) {
	t.Parallel()

	rig := newTestRig()

	err := rig.manager.Connect(context.Background(), 42)
	if !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Connect(42) error = %v, want ErrNotFound", err)
	}
}

func TestConnectInactiveAccount(t *testing.T) {
	t.Parallel()

	inactive := activeAccount(3)
	inactive.IsActive = false
	rig := newTestRig(inactive)

	err := rig.manager.Connect(context.Background(), 3)
	if !errors.Is(err, database.ErrStateConflict) {
		t.Errorf("Connect(3) error = %v, want ErrStateConflict", err)
	}
}

func TestConnectTwiceConflicts(t *testing.T) {
	t.Parallel()

	rig := newTestRig(activeAccount(1))

	if err := rig.manager.Connect(context.Background(), 1); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	err := rig.manager.Connect(context.Background(), 1)
	if !errors.Is(err, database.ErrStateConflict) {
		t.Errorf("second Connect() error = %v, want ErrStateConflict", err)
	}
	if rig.dialer.dialCount() != 1 {
		t.Errorf("dial count = %d, want 1", rig.dialer.dialCount())
	}
}

func TestConnectDialFailureThenRetry(t *testing.T) {
	t.Parallel()

	rig := newTestRig(activeAccount(1))
	rig.dialer.dialErr = errors.New("bad token")

	if err := rig.manager.Connect(context.Background(), 1); err == nil {
		t.Fatal("Connect() with failing dialer returned nil error")
	}

	status := rig.manager.Status(1)
	if status.State != session.StateError {
		t.Fatalf("Status(1).State = %q, want %q", status.State, session.StateError)
	}
	if status.Reason != "bad token" {
		t.Errorf("Status(1).Reason = %q, want %q", status.Reason, "bad token")
	}

	// A failed session can be reconnected by the caller.
	rig.dialer.mu.Lock()
	rig.dialer.dialErr = nil
	rig.dialer.mu.Unlock()

	if err := rig.manager.Connect(context.Background(), 1); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	if got := rig.manager.Status(1).State; got != session.StateConnected {
		t.Errorf("Status(1).State after reconnect = %q, want %q", got, session.StateConnected)
	}
}

func TestDisconnect(t *testing.T) {
	t.Parallel()

	rig := newTestRig(activeAccount(1))

	if err := rig.manager.Connect(context.Background(), 1); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := rig.dialer.lastConn()

	if err := rig.manager.Disconnect(1); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	if got := rig.manager.Status(1).State; got != session.StateDisconnected {
		t.Errorf("Status(1).State = %q, want %q", got, session.StateDisconnected)
	}
	if !conn.isClosed() {
		t.Error("transport connection left open after Disconnect")
	}
	if got := rig.publisher.types(); len(got) != 2 || got[1] != hub.EventAccountDisconnected {
		t.Errorf("published events = %v, want [account_connected account_disconnected]", got)
	}

	err := rig.manager.Disconnect(1)
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("second Disconnect() error = %v, want ErrNotConnected", err)
	}
}

func TestWorkerDeliversInOrder(t *testing.T) {
	t.Parallel()

	rig := newTestRig(activeAccount(1))

	if err := rig.manager.Connect(context.Background(), 1); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := rig.dialer.lastConn()

	for i := 1; i <= 3; i++ {
		conn.inbound <- transport.Inbound{PeerID: 900, Text: fmt.Sprintf("msg-%d", i)}
	}

	for i := 1; i <= 3; i++ {
		select {
		case in := <-rig.ingestor.received:
			if want := fmt.Sprintf("msg-%d", i); in.Text != want {
				t.Errorf("ingested[%d].Text = %q, want %q", i, in.Text, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestWorkerReceiveFailure(t *testing.T) {
	t.Parallel()

	rig := newTestRig(activeAccount(1))

	if err := rig.manager.Connect(context.Background(), 1); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	rig.dialer.lastConn().errs <- errors.New("connection reset")

	waitFor(t, func() bool {
		return rig.manager.Status(1).State == session.StateError
	})

	status := rig.manager.Status(1)
	if status.Reason != "connection reset" {
		t.Errorf("Status(1).Reason = %q, want %q", status.Reason, "connection reset")
	}
	if _, err := rig.manager.Conn(1); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("Conn(1) error = %v, want ErrNotConnected", err)
	}

	waitFor(t, func() bool {
		types := rig.publisher.types()
		return len(types) == 2 && types[1] == hub.EventAccountDisconnected
	})
}

func TestConnectAll(t *testing.T) {
	t.Parallel()

	inactive := activeAccount(3)
	inactive.IsActive = false
	rig := newTestRig(activeAccount(1), activeAccount(2), inactive)

	if err := rig.manager.ConnectAll(context.Background()); err != nil {
		t.Fatalf("ConnectAll() error = %v", err)
	}

	statuses := rig.manager.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("Statuses() len = %d, want 2", len(statuses))
	}
	for _, status := range statuses {
		if status.State != session.StateConnected {
			t.Errorf("account %d state = %q, want %q", status.AccountID, status.State, session.StateConnected)
		}
	}
}

func TestConnSendAfterConnect(t *testing.T) {
	t.Parallel()

	rig := newTestRig(activeAccount(1))

	if _, err := rig.manager.Conn(1); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("Conn(1) before connect error = %v, want ErrNotConnected", err)
	}

	if err := rig.manager.Connect(context.Background(), 1); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	conn, err := rig.manager.Conn(1)
	if err != nil {
		t.Fatalf("Conn(1) error = %v", err)
	}
	if _, err := conn.Send(context.Background(), transport.Outbound{PeerID: 900, Text: "hi"}); err != nil {
		t.Errorf("Send() error = %v", err)
	}
}
