// ABOUTME: Process-wide observable count of conversations with unread messages
// ABOUTME: Fan-out pub/sub so badges and bells re-render from one shared value

package unread

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vendora/marketchat/internal/gateway"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Observers only care about the latest value, so a small buffer is enough.
const subscriberBufferSize = 8

// ConversationLister defines what the aggregator needs from the gateway
type ConversationLister interface {
	ListConversations(ctx context.Context) ([]gateway.Conversation, error)
}

// Aggregator is the single source of truth for "how many conversations
// have at least one unread message". The value is derived, never stored:
// Refresh refetches the conversation list, recomputes the count, and
// republishes it to every subscriber. The new value is visible to
// Current() before any subscriber is notified, so observers never see a
// torn read. There is no polling; refreshes are driven by navigation,
// login, and the read-state synchronizer.
type Aggregator struct {
	lister ConversationLister
	logger *slog.Logger

	mu          sync.RWMutex
	current     int
	subscribers map[string]chan int
}

// New creates an aggregator. The count is 0 until the first refresh.
// Pass nil logger for default.
func New(lister ConversationLister, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		lister:      lister,
		logger:      logger.With("component", "unread"),
		subscribers: make(map[string]chan int),
	}
}

// Refresh refetches the conversation list, recomputes the unread count,
// and publishes it. On gateway failure the previous value stands.
func (a *Aggregator) Refresh(ctx context.Context) error {
	conversations, err := a.lister.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}

	count := 0
	for _, c := range conversations {
		if c.UnreadCount > 0 {
			count++
		}
	}
	a.publish(count)
	return nil
}

// Reset drops the count to zero without a fetch, for logout.
func (a *Aggregator) Reset() {
	a.publish(0)
}

// Current returns the last computed value.
func (a *Aggregator) Current() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Subscribe registers an observer. Returns a channel receiving each newly
// published value and a subscription ID for later unsubscription. The
// subscription is automatically cleaned up when ctx is cancelled.
func (a *Aggregator) Subscribe(ctx context.Context) (<-chan int, string) {
	subID := uuid.New().String()
	ch := make(chan int, subscriberBufferSize)

	a.mu.Lock()
	a.subscribers[subID] = ch
	a.mu.Unlock()

	a.logger.Debug("observer added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		a.Unsubscribe(subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (a *Aggregator) Unsubscribe(subID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch, ok := a.subscribers[subID]
	if !ok {
		return
	}
	delete(a.subscribers, subID)
	close(ch)

	a.logger.Debug("observer removed", "sub_id", subID)
}

// Close shuts down the aggregator and closes all subscriber channels.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for subID, ch := range a.subscribers {
		close(ch)
		delete(a.subscribers, subID)
	}
}

// publish stores the value and notifies observers. Non-blocking: a value
// is dropped for subscribers whose channels are full; they catch up on the
// next publish or via Current().
//
// The sends happen under the mutex. They can never block, and holding the
// lock serializes publishing against Unsubscribe/Close, so a subscriber
// channel is never closed out from under an in-flight send.
func (a *Aggregator) publish(value int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.current = value
	for _, ch := range a.subscribers {
		select {
		case ch <- value:
		default:
			a.logger.Debug("dropped value for slow observer", "value", value)
		}
	}
}
