// ABOUTME: Per-screen conversation session merging gateway and push message paths
// ABOUTME: Optimistic local echo with correlation-id reconciliation, duplicate-free ordering

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vendora/marketchat/internal/dedupe"
	"github.com/vendora/marketchat/internal/gateway"
	"github.com/vendora/marketchat/internal/transport"
)

// ErrSessionClosed is returned by Send after the screen has closed.
var ErrSessionClosed = errors.New("session closed")

const (
	// seenTTL bounds how long frame keys are remembered for redelivery
	// suppression. Reconnect replays arrive within seconds; five minutes
	// is generous.
	seenTTL     = 5 * time.Minute
	seenMaxSize = 1024
)

// Gateway defines what the session needs from the persistence gateway
type Gateway interface {
	ListMessages(ctx context.Context, conversationID string) ([]gateway.Message, error)
	SendMessage(ctx context.Context, conversationID string, req gateway.SendMessageRequest) (*gateway.Message, error)
}

// Publisher defines what the session needs from the transport client
type Publisher interface {
	Publish(conversationID string, frame transport.Frame)
}

// Session reconciles one conversation's message list from its two delivery
// paths: the synchronous gateway send path and the asynchronous broker
// push path. The visible list reflects events in the order they were
// accepted, with exactly one entry per logical send.
//
// Every local send carries a client-generated correlation id through both
// paths. The push echo of an own send and broker redeliveries are dropped
// by correlation id; an authoritative gateway response is paired with the
// optimistic entry of the send call that produced it, never matched by
// text, so two rapid identical sends stay distinct.
type Session struct {
	conversationID string
	selfID         string
	gw             Gateway
	pub            Publisher
	seen           *dedupe.Cache
	logger         *slog.Logger

	// onInbound fires for every accepted incoming push message, outside
	// the session lock. The read-state synchronizer hangs off this.
	onInbound func(gateway.Message)

	mu       sync.Mutex
	messages []gateway.Message
	pending  map[string]int // correlation id -> index into messages
	closed   bool
}

// NewSession creates a session for one conversation screen. Pass nil
// logger for default.
func NewSession(conversationID, selfID string, gw Gateway, pub Publisher, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conversationID: conversationID,
		selfID:         selfID,
		gw:             gw,
		pub:            pub,
		seen:           dedupe.New(seenTTL, seenMaxSize),
		pending:        make(map[string]int),
		logger:         logger.With("component", "reconcile", "conversation_id", conversationID),
	}
}

// OnInbound registers the accepted-incoming-message callback. Must be set
// before the transport starts delivering frames.
func (s *Session) OnInbound(fn func(gateway.Message)) {
	s.onInbound = fn
}

// Open seeds the visible list from the gateway's message history. A
// conversation with no messages yet yields an empty list, not an error.
func (s *Session) Open(ctx context.Context) error {
	history, err := s.gw.ListMessages(ctx, s.conversationID)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Screen closed while the load was in flight; drop the result.
		return nil
	}

	for i := range history {
		history[i].IsFromMe = history[i].Sender == s.selfID
		// Remember history correlation ids so a broker that replays
		// recent frames on subscribe cannot re-append them.
		if history[i].CorrelationID != "" {
			s.seen.Mark(history[i].CorrelationID)
		}
	}
	s.messages = history
	// Any sends still in flight can no longer trust their indexes.
	s.pending = make(map[string]int)
	return nil
}

// Send appends an optimistic local echo immediately, then publishes a
// best-effort push frame and persists through the gateway. The resolved
// authoritative copy replaces the optimistic entry for this call; if that
// entry cannot be found the authoritative copy is appended instead —
// an occasional visible duplicate beats a lost message.
//
// On gateway failure the optimistic entry stays visible and the error is
// returned for the caller to surface.
func (s *Session) Send(ctx context.Context, content string, offerPrice *float64) error {
	corrID := uuid.New().String()

	optimistic := gateway.Message{
		ID:             corrID, // placeholder until the backend assigns one
		ConversationID: s.conversationID,
		Sender:         s.selfID,
		Content:        content,
		OfferPrice:     offerPrice,
		Timestamp:      time.Now().Format("15:04"),
		CorrelationID:  corrID,
		IsFromMe:       true,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.messages = append(s.messages, optimistic)
	s.pending[corrID] = len(s.messages) - 1
	s.seen.Mark(corrID)
	s.mu.Unlock()

	// Fire-and-forget push; the gateway call below is the reliable path.
	s.pub.Publish(s.conversationID, transport.Frame{
		Sender:         s.selfID,
		Content:        content,
		ConversationID: s.conversationID,
		OfferPrice:     offerPrice,
		CorrelationID:  corrID,
	})

	authoritative, err := s.gw.SendMessage(ctx, s.conversationID, gateway.SendMessageRequest{
		Content:       content,
		OfferPrice:    offerPrice,
		CorrelationID: corrID,
	})
	if err != nil {
		s.logger.Warn("send failed", "error", err)
		return err
	}

	s.resolve(corrID, authoritative)
	return nil
}

// resolve pairs the authoritative copy with the optimistic entry of the
// originating send call, keyed by that call's correlation id.
func (s *Session) resolve(corrID string, authoritative *gateway.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	msg := *authoritative
	msg.IsFromMe = true
	if msg.CorrelationID == "" {
		msg.CorrelationID = corrID
	}

	idx, ok := s.pending[corrID]
	if ok {
		s.messages[idx] = msg
		delete(s.pending, corrID)
		return
	}

	// No pending entry for this call: append rather than assume duplicate.
	s.logger.Warn("authoritative message had no optimistic match, appending",
		"message_id", msg.ID)
	s.messages = append(s.messages, msg)
}

// HandleFrame accepts one broker push frame. Own echoes and redeliveries
// are dropped; genuine incoming messages are appended and reported to the
// OnInbound callback.
func (s *Session) HandleFrame(frame transport.Frame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	if frame.CorrelationID != "" && s.seen.CheckAndMark(frame.CorrelationID) {
		// Echo of an own send, or a redelivery after reconnect.
		s.mu.Unlock()
		return
	}
	if frame.Sender == s.selfID {
		// No correlation id to go on: presume it is the broker echoing a
		// message this client already rendered optimistically.
		s.logger.Debug("discarding presumed self-echo")
		s.mu.Unlock()
		return
	}

	msg := gateway.Message{
		ID:             frame.CorrelationID,
		ConversationID: s.conversationID,
		Sender:         frame.Sender,
		Content:        frame.Content,
		OfferPrice:     frame.OfferPrice,
		Timestamp:      time.Now().Format("15:04"),
		CorrelationID:  frame.CorrelationID,
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	if s.onInbound != nil {
		s.onInbound(msg)
	}
}

// Messages returns a snapshot of the visible message list.
func (s *Session) Messages() []gateway.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]gateway.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Close marks the session defunct. Late gateway completions and stray
// frames are ignored from here on. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
