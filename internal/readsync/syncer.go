// ABOUTME: Read-state synchronizer: coalesced mark-as-read plus unread refresh
// ABOUTME: One in-flight mark-read per conversation; failures log, never retry

package readsync

import (
	"context"
	"log/slog"
	"sync"
)

// Gateway defines what the syncer needs from the persistence gateway
type Gateway interface {
	MarkRead(ctx context.Context, conversationID string) error
}

// Refresher is notified after a successful mark-read so the unread
// aggregate can recompute.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Syncer drives a conversation's unread count toward zero while its
// screen is open. Callers fire MarkRead after the initial history load and
// after every accepted inbound push; calls for a conversation that already
// has a mark-read in flight are absorbed rather than issued twice.
type Syncer struct {
	gw     Gateway
	agg    Refresher
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a syncer. Pass nil logger for default.
func New(gw Gateway, agg Refresher, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		gw:       gw,
		agg:      agg,
		logger:   logger.With("component", "readsync"),
		inflight: make(map[string]struct{}),
	}
}

// MarkRead marks the conversation read in the background and, on success,
// refreshes the unread aggregate. Fire-and-forget: a failure is logged and
// the badge stays stale until the next successful refresh. Returns whether
// a request was actually started (false when one is already in flight).
func (s *Syncer) MarkRead(ctx context.Context, conversationID string) bool {
	s.mu.Lock()
	if _, busy := s.inflight[conversationID]; busy {
		s.mu.Unlock()
		return false
	}
	s.inflight[conversationID] = struct{}{}
	s.mu.Unlock()

	go func() {
		err := s.gw.MarkRead(ctx, conversationID)

		s.mu.Lock()
		delete(s.inflight, conversationID)
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn("mark-read failed", "conversation_id", conversationID, "error", err)
			return
		}
		if err := s.agg.Refresh(ctx); err != nil {
			s.logger.Warn("unread refresh failed", "conversation_id", conversationID, "error", err)
		}
	}()
	return true
}
