package session

import (
	"context"
	"errors"

	"github.com/edgelang/lingod/internal/database"
	"github.com/edgelang/lingod/internal/transport"
)

// runWorker consumes the account's transport events one at a time, so
// everything observed on this connection reaches the pipeline in arrival
// order. A failed ingest drops that one event and keeps the worker
// alive; a failed receive ends the session in StateError.
func (m *Manager) runWorker(ctx context.Context, sess *session, account *database.Account, conn transport.Conn) {
	defer close(sess.workerDone)

	log := m.log.With("account_id", sess.accountID)
	log.Debug("worker started")

	for {
		in, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				// Deliberate teardown. Disconnect reports the transition.
				log.Debug("worker stopped")
				return
			}

			log.Error("receive failed", "error", err)
			m.failSession(sess, err)
			return
		}

		if err := m.ingestor.Ingest(ctx, account, in); err != nil {
			log.Error("ingest failed", "peer_id", in.PeerID, "error", err)
		}
	}
}
