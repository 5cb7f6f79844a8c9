// ABOUTME: Tests for the conversation session's two-path message reconciliation
// ABOUTME: Covers echo ordering, self-echo discard, identical rapid sends, liveness

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendora/marketchat/internal/gateway"
	"github.com/vendora/marketchat/internal/transport"
)

// fakeGateway scripts the persistence gateway. sendGate, when non-nil, is
// received from before SendMessage responds, letting tests interleave the
// push echo with the in-flight authoritative call.
type fakeGateway struct {
	mu       sync.Mutex
	history  []gateway.Message
	listErr  error
	sendErr  error
	sent     []gateway.SendMessageRequest
	sendGate chan struct{}
	nextID   int
}

func (f *fakeGateway) ListMessages(ctx context.Context, conversationID string) ([]gateway.Message, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.history, nil
}

func (f *fakeGateway) SendMessage(ctx context.Context, conversationID string, req gateway.SendMessageRequest) (*gateway.Message, error) {
	if f.sendGate != nil {
		<-f.sendGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, req)
	f.nextID++
	return &gateway.Message{
		ID:             fmt.Sprintf("m-%d", f.nextID),
		ConversationID: conversationID,
		Sender:         "buyer-1",
		Content:        req.Content,
		OfferPrice:     req.OfferPrice,
		Timestamp:      "12:00",
		CorrelationID:  req.CorrelationID,
	}, nil
}

// fakePublisher records published frames.
type fakePublisher struct {
	mu     sync.Mutex
	frames []transport.Frame
	ch     chan transport.Frame
}

func (f *fakePublisher) Publish(conversationID string, frame transport.Frame) {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	if f.ch != nil {
		f.ch <- frame
	}
}

func newTestSession(gw *fakeGateway, pub *fakePublisher) *Session {
	return NewSession("c1", "buyer-1", gw, pub, nil)
}

func TestOpen_SeedsHistoryAndComputesIsFromMe(t *testing.T) {
	gw := &fakeGateway{history: []gateway.Message{
		{ID: "m-1", Sender: "buyer-1", Content: "hi"},
		{ID: "m-2", Sender: "seller-9", Content: "hello"},
	}}
	s := newTestSession(gw, &fakePublisher{})

	require.NoError(t, s.Open(context.Background()))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsFromMe)
	assert.False(t, msgs[1].IsFromMe)
}

func TestOpen_EmptyConversation(t *testing.T) {
	s := newTestSession(&fakeGateway{}, &fakePublisher{})

	require.NoError(t, s.Open(context.Background()))
	assert.Empty(t, s.Messages())
}

func TestOpen_GatewayErrorIsReturned(t *testing.T) {
	gw := &fakeGateway{listErr: errors.New("backend down")}
	s := newTestSession(gw, &fakePublisher{})

	err := s.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading history")
}

func TestSend_OptimisticThenAuthoritative_OneEntry(t *testing.T) {
	gw := &fakeGateway{}
	pub := &fakePublisher{}
	s := newTestSession(gw, pub)

	require.NoError(t, s.Send(context.Background(), "is this available?", nil))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-1", msgs[0].ID, "optimistic entry replaced by authoritative copy")
	assert.True(t, msgs[0].IsFromMe)

	// The push path carried the same correlation id as the gateway path.
	require.Len(t, pub.frames, 1)
	require.Len(t, gw.sent, 1)
	assert.NotEmpty(t, pub.frames[0].CorrelationID)
	assert.Equal(t, gw.sent[0].CorrelationID, pub.frames[0].CorrelationID)
}

func TestSend_EchoAfterAuthoritative_IsDropped(t *testing.T) {
	gw := &fakeGateway{}
	pub := &fakePublisher{}
	s := newTestSession(gw, pub)

	require.NoError(t, s.Send(context.Background(), "hello", nil))
	require.Len(t, pub.frames, 1)

	// Broker echoes the publish back to its sender.
	s.HandleFrame(pub.frames[0])

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-1", msgs[0].ID)
}

func TestSend_EchoBeforeAuthoritative_OneEntry(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{sendGate: gate}
	pub := &fakePublisher{ch: make(chan transport.Frame, 1)}
	s := newTestSession(gw, pub)

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), "hello", nil) }()

	// The push echo lands while SendMessage is still in flight.
	echo := <-pub.ch
	s.HandleFrame(echo)
	require.Len(t, s.Messages(), 1, "echo must not duplicate the optimistic entry")

	close(gate)
	require.NoError(t, <-done)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-1", msgs[0].ID)
	assert.True(t, msgs[0].IsFromMe)
}

func TestSend_TwoRapidIdenticalSends_TwoDistinctEntries(t *testing.T) {
	gw := &fakeGateway{}
	pub := &fakePublisher{}
	s := newTestSession(gw, pub)

	require.NoError(t, s.Send(context.Background(), "ok", nil))
	require.NoError(t, s.Send(context.Background(), "ok", nil))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.NotEqual(t, msgs[0].ID, msgs[1].ID)
	assert.NotEqual(t, msgs[0].CorrelationID, msgs[1].CorrelationID)

	// Echoes of both publishes change nothing.
	for _, f := range pub.frames {
		s.HandleFrame(f)
	}
	assert.Len(t, s.Messages(), 2)
}

func TestSend_GatewayFailureKeepsOptimisticEntry(t *testing.T) {
	gw := &fakeGateway{sendErr: errors.New("503")}
	s := newTestSession(gw, &fakePublisher{})

	err := s.Send(context.Background(), "hello", nil)
	require.Error(t, err)

	msgs := s.Messages()
	require.Len(t, msgs, 1, "optimistic entry survives for the user to retry")
	assert.True(t, msgs[0].IsFromMe)
}

func TestSend_CarriesOfferPrice(t *testing.T) {
	gw := &fakeGateway{}
	pub := &fakePublisher{}
	s := newTestSession(gw, pub)

	offer := 80.0
	require.NoError(t, s.Send(context.Background(), "would you take 80?", &offer))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].OfferPrice)
	assert.Equal(t, 80.0, *msgs[0].OfferPrice)
	require.NotNil(t, pub.frames[0].OfferPrice)
}

func TestHandleFrame_PeerMessageIsAppended(t *testing.T) {
	s := newTestSession(&fakeGateway{}, &fakePublisher{})

	var inbound []gateway.Message
	var mu sync.Mutex
	s.OnInbound(func(m gateway.Message) {
		mu.Lock()
		inbound = append(inbound, m)
		mu.Unlock()
	})

	s.HandleFrame(transport.Frame{
		Sender: "seller-9", Content: "yes, it is", ConversationID: "c1", CorrelationID: "peer-corr-1",
	})

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].IsFromMe)
	assert.Equal(t, "yes, it is", msgs[0].Content)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, inbound, 1)
}

func TestHandleFrame_PeerRedeliveryIsDropped(t *testing.T) {
	s := newTestSession(&fakeGateway{}, &fakePublisher{})

	frame := transport.Frame{Sender: "seller-9", Content: "yes", ConversationID: "c1", CorrelationID: "peer-corr-1"}
	s.HandleFrame(frame)
	s.HandleFrame(frame) // reconnect replay

	assert.Len(t, s.Messages(), 1)
}

func TestHandleFrame_SelfSenderWithoutCorrelationIDIsDiscarded(t *testing.T) {
	s := newTestSession(&fakeGateway{}, &fakePublisher{})

	notified := false
	s.OnInbound(func(gateway.Message) { notified = true })

	s.HandleFrame(transport.Frame{Sender: "buyer-1", Content: "echo", ConversationID: "c1"})

	assert.Empty(t, s.Messages())
	assert.False(t, notified)
}

func TestHandleFrame_HistoryCorrelationIDsSuppressReplay(t *testing.T) {
	gw := &fakeGateway{history: []gateway.Message{
		{ID: "m-1", Sender: "seller-9", Content: "old", CorrelationID: "corr-old"},
	}}
	s := newTestSession(gw, &fakePublisher{})
	require.NoError(t, s.Open(context.Background()))

	// Broker replays the already-persisted frame on subscribe.
	s.HandleFrame(transport.Frame{Sender: "seller-9", Content: "old", ConversationID: "c1", CorrelationID: "corr-old"})

	assert.Len(t, s.Messages(), 1)
}

func TestClose_IgnoresLateCompletionsAndFrames(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{sendGate: gate}
	pub := &fakePublisher{ch: make(chan transport.Frame, 1)}
	s := newTestSession(gw, pub)

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), "hello", nil) }()
	<-pub.ch

	s.Close()
	close(gate)
	require.NoError(t, <-done)

	// The late authoritative resolution must not have touched the list.
	assert.Len(t, s.Messages(), 1)

	s.HandleFrame(transport.Frame{Sender: "seller-9", Content: "late", ConversationID: "c1"})
	assert.Len(t, s.Messages(), 1)

	assert.ErrorIs(t, s.Send(context.Background(), "again", nil), ErrSessionClosed)
}

func TestOpen_AfterCloseIsIgnored(t *testing.T) {
	gw := &fakeGateway{history: []gateway.Message{{ID: "m-1", Sender: "seller-9"}}}
	s := newTestSession(gw, &fakePublisher{})

	s.Close()
	require.NoError(t, s.Open(context.Background()))
	assert.Empty(t, s.Messages())
}

func TestResolve_WithoutPendingEntryAppends(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{sendGate: gate}
	pub := &fakePublisher{ch: make(chan transport.Frame, 1)}
	s := newTestSession(gw, pub)

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), "hello", nil) }()
	<-pub.ch

	// A reload wipes the pending bookkeeping out from under the send.
	require.NoError(t, s.Open(context.Background()))
	close(gate)
	require.NoError(t, <-done)

	// Ambiguity resolves by appending, never by dropping the message.
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-1", msgs[0].ID)
}

func TestMessages_ReturnsSnapshot(t *testing.T) {
	s := newTestSession(&fakeGateway{}, &fakePublisher{})
	require.NoError(t, s.Send(context.Background(), "hello", nil))

	snapshot := s.Messages()
	snapshot[0].Content = "mutated"

	assert.Equal(t, "hello", s.Messages()[0].Content)
}

func TestInterleavedSendsResolveToTheRightEntries(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{sendGate: gate}
	pub := &fakePublisher{ch: make(chan transport.Frame, 2)}
	s := newTestSession(gw, pub)

	done := make(chan error, 2)
	go func() { done <- s.Send(context.Background(), "ok", nil) }()
	<-pub.ch
	go func() { done <- s.Send(context.Background(), "ok", nil) }()
	<-pub.ch

	require.Len(t, s.Messages(), 2)

	close(gate)
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 2 && msgs[0].ID != msgs[1].ID &&
			msgs[0].ID != msgs[0].CorrelationID && msgs[1].ID != msgs[1].CorrelationID
	}, time.Second, 5*time.Millisecond, "both optimistic entries resolve to distinct backend ids")
}
