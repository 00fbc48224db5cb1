package engine

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/edgelang/lingod/internal/database"
	"github.com/edgelang/lingod/internal/metrics"
)

// scheduledEntry is one in-memory index entry for a pending record. The
// conversation id rides along so a due entry can be claimed without a
// store read under the scheduler lock.
type scheduledEntry struct {
	id     uint
	convID uint
	fireAt time.Time
}

// scheduleHeap is a min-heap ordered by fire time.
type scheduleHeap []scheduledEntry

func (h scheduleHeap) Len() int           { return len(h) }
func (h scheduleHeap) Less(i, j int) bool { return h[i].fireAt.Before(h[j].fireAt) }
func (h scheduleHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *scheduleHeap) Push(x any)        { *h = append(*h, x.(scheduledEntry)) }
func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// scheduler owns delayed sends: a persisted pending record plus an
// in-memory time-ordered index driving the periodic sweep. Status
// transitions go through compare-and-set updates in the store; the
// in-process inFlight map keeps a manual cancel from racing a record
// the sweep is currently dispatching.
type scheduler struct {
	log      *slog.Logger
	store    database.Store
	pipeline *pipeline
	metrics  *metrics.Metrics

	mu       sync.Mutex
	index    scheduleHeap
	inFlight map[uint]uint // record id -> conversation id
}

func newScheduler(store database.Store, pipe *pipeline, m *metrics.Metrics, logger *slog.Logger) *scheduler {
	return &scheduler{
		log:      logger.With("component", "scheduler"),
		store:    store,
		pipeline: pipe,
		metrics:  m,
		inFlight: make(map[uint]uint),
	}
}

// Load fills the index with every persisted pending record. Called once
// at startup so delayed sends survive restarts.
func (s *scheduler) Load(ctx context.Context) error {
	pending, err := s.store.ListPendingScheduled(ctx)
	if err != nil {
		return fmt.Errorf("load pending scheduled messages: %w", err)
	}

	s.mu.Lock()
	for _, sched := range pending {
		heap.Push(&s.index, scheduledEntry{id: sched.ID, convID: sched.ConversationID, fireAt: sched.FireAt})
	}
	s.mu.Unlock()

	if len(pending) > 0 {
		s.log.Info("reloaded pending scheduled sends", "count", len(pending))
	}
	return nil
}

// Create persists a new pending record and indexes it.
func (s *scheduler) Create(ctx context.Context, conversationID uint, text string, delay time.Duration) (*database.ScheduledMessage, error) {
	if delay <= 0 {
		return nil, ErrInvalidDelay
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("scheduled message text must not be empty")
	}

	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	sched := &database.ScheduledMessage{
		ConversationID: conversationID,
		Text:           text,
		FireAt:         time.Now().UTC().Add(delay),
		Status:         database.ScheduledPending,
	}
	if err := s.store.CreateScheduledMessage(ctx, sched); err != nil {
		return nil, err
	}

	s.mu.Lock()
	heap.Push(&s.index, scheduledEntry{id: sched.ID, convID: sched.ConversationID, fireAt: sched.FireAt})
	s.mu.Unlock()

	s.log.Info("scheduled send created",
		"id", sched.ID, "conversation_id", conversationID, "fire_at", sched.FireAt)
	return sched, nil
}

// Cancel transitions a pending record to cancelled. Terminal records
// yield a state conflict, unknown ids not-found, and a record currently
// being dispatched by the sweep reports a conflict as well. The index
// entry is dropped lazily at fire time.
func (s *scheduler) Cancel(ctx context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inFlight[id]; busy {
		return fmt.Errorf("scheduled message %d is dispatching: %w", id, database.ErrStateConflict)
	}
	if err := s.store.MarkScheduledCancelled(ctx, id, time.Now().UTC()); err != nil {
		return err
	}

	s.metrics.ScheduledCancelled.Inc()
	s.log.Info("scheduled send cancelled", "id", id)
	return nil
}

// CancelForConversation cancels every pending record of a conversation
// and returns the cancelled ids. Records the sweep is currently
// dispatching are left alone: their message is already on the way out.
func (s *scheduler) CancelForConversation(ctx context.Context, conversationID uint) ([]uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	busy := false
	for _, convID := range s.inFlight {
		if convID == conversationID {
			busy = true
			break
		}
	}
	if !busy {
		return s.store.CancelPendingForConversation(ctx, conversationID, now)
	}

	rows, err := s.store.ListScheduledForConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var cancelled []uint
	for _, row := range rows {
		if row.Status != database.ScheduledPending {
			continue
		}
		if _, dispatching := s.inFlight[row.ID]; dispatching {
			continue
		}
		if err := s.store.MarkScheduledCancelled(ctx, row.ID, now); err != nil {
			if errors.Is(err, database.ErrStateConflict) || errors.Is(err, database.ErrNotFound) {
				continue
			}
			return cancelled, err
		}
		cancelled = append(cancelled, row.ID)
	}
	return cancelled, nil
}

// Sweep fires every due entry. Runs periodically; the index and the
// inFlight guard make concurrent cancels safe per record.
func (s *scheduler) Sweep(ctx context.Context) error {
	due := s.claimDue(ctx, time.Now().UTC())
	for _, sched := range due {
		s.fire(ctx, sched)
	}
	return nil
}

// claimDue pops due index entries and marks them in flight, then loads
// the records with the lock released so Create and Cancel callers never
// wait behind the store. Entries whose record already left the pending
// state are released and dropped.
func (s *scheduler) claimDue(ctx context.Context, now time.Time) []*database.ScheduledMessage {
	s.mu.Lock()
	var claimed []scheduledEntry
	for len(s.index) > 0 && !s.index[0].fireAt.After(now) {
		entry := heap.Pop(&s.index).(scheduledEntry)
		s.inFlight[entry.id] = entry.convID
		claimed = append(claimed, entry)
	}
	s.mu.Unlock()

	var due []*database.ScheduledMessage
	for _, entry := range claimed {
		sched, err := s.store.GetScheduledMessage(ctx, entry.id)
		if err != nil {
			if !errors.Is(err, database.ErrNotFound) {
				s.log.Error("loading due scheduled send failed", "id", entry.id, "error", err)
			}
			s.release(entry.id)
			continue
		}
		if sched.Status != database.ScheduledPending {
			s.release(entry.id)
			continue
		}
		due = append(due, sched)
	}
	return due
}

// release removes one record from the in-flight guard.
func (s *scheduler) release(id uint) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// fire dispatches one claimed record and settles its final state:
// delivered records become sent, failures stay pending with the error
// recorded and leave the index until the next restart.
func (s *scheduler) fire(ctx context.Context, sched *database.ScheduledMessage) {
	defer s.release(sched.ID)

	log := s.log.With("id", sched.ID, "conversation_id", sched.ConversationID)

	if err := s.pipeline.dispatchScheduled(ctx, sched); err != nil {
		s.metrics.ScheduledFailed.Inc()
		log.Warn("scheduled send failed, record stays pending", "error", err)
		if recErr := s.store.RecordScheduledFailure(ctx, sched.ID, err.Error()); recErr != nil {
			log.Error("recording scheduled failure failed", "error", recErr)
		}
		return
	}

	if err := s.markSentAcknowledged(ctx, sched.ID); err != nil {
		log.Error("marking scheduled send sent failed, record may re-fire after restart", "error", err)
		return
	}

	s.metrics.ScheduledFired.Inc()
	log.Info("scheduled send delivered")
}

// markSentAcknowledged settles a dispatched record as sent. The message
// already left for the recipient, so the transition must survive engine
// shutdown and transient store errors: a pending record that was in fact
// delivered would fire again after a restart.
func (s *scheduler) markSentAcknowledged(ctx context.Context, id uint) error {
	markCtx := context.WithoutCancel(ctx)

	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		err = s.store.MarkScheduledSent(markCtx, id, time.Now().UTC())
		if err == nil {
			return nil
		}
		if errors.Is(err, database.ErrStateConflict) || errors.Is(err, database.ErrNotFound) {
			return err
		}
		if attempt < persistAttempts {
			s.log.Warn("marking scheduled send sent failed, retrying",
				"id", id, "attempt", attempt, "error", err)
			time.Sleep(persistRetryDelay * time.Duration(attempt))
		}
	}
	return err
}
