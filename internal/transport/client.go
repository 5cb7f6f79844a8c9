// ABOUTME: Push-channel websocket client for the conversation broker
// ABOUTME: One subscription at a time, fixed-delay reconnect, best-effort publish

package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection lifecycle state of the client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Frame is the broker push payload for one message.
type Frame struct {
	Sender         string   `json:"sender"`
	Content        string   `json:"content"`
	ConversationID string   `json:"conversationId"`
	OfferPrice     *float64 `json:"offerPrice,omitempty"`
	CorrelationID  string   `json:"correlationId,omitempty"`
}

// Handler receives inbound frames for the subscribed conversation.
// It is invoked from the client's read goroutine and must not block.
type Handler func(Frame)

// TokenSource supplies the bearer credential presented on connect.
type TokenSource interface {
	Token() string
}

// Client maintains at most one push connection to the broker, subscribed
// to a single conversation's topic. Connection failures are retried
// indefinitely at a fixed delay until Disconnect is called; they are never
// surfaced to the caller — the gateway send path is the reliability
// fallback.
type Client struct {
	brokerURL      string
	creds          TokenSource
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	logger         *slog.Logger

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	conversationID string
	done           chan struct{}

	writeMu sync.Mutex
}

// New creates a transport client. Pass nil logger for default.
func New(brokerURL string, creds TokenSource, reconnectDelay time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		brokerURL:      brokerURL,
		creds:          creds,
		reconnectDelay: reconnectDelay,
		dialer:         websocket.DefaultDialer,
		logger:         logger.With("component", "transport"),
	}
}

// Connect subscribes to the conversation's topic and delivers every
// inbound frame on it to onFrame. It returns immediately; dialing and all
// retries happen in the background. An existing subscription is torn down
// first — only one may be active at a time.
func (c *Client) Connect(conversationID string, onFrame Handler) {
	c.mu.Lock()
	// Teardown of the old subscription and installation of the new one
	// happen in the same critical section, so two concurrent Connect
	// calls cannot interleave and strand a connection loop whose done
	// channel nobody will ever close.
	if c.done != nil {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
	}
	done := make(chan struct{})
	c.done = done
	c.conversationID = conversationID
	c.state = StateConnecting
	c.mu.Unlock()

	go c.run(conversationID, onFrame, done)
}

// Disconnect tears down the connection and cancels any pending reconnect.
// Safe to call from any goroutine; idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done == nil {
		c.state = StateDisconnected
		return
	}
	close(c.done)
	c.done = nil
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.conversationID = ""
	c.state = StateDisconnected
	c.logger.Debug("disconnected")
}

// Publish sends a frame on the subscribed conversation's send endpoint.
// It is a no-op unless the client is connected and subscribed to that
// conversation; delivery is best-effort and failures are only logged.
func (c *Client) Publish(conversationID string, frame Frame) {
	c.mu.Lock()
	conn := c.conn
	ok := c.state == StateConnected && conn != nil && c.conversationID == conversationID
	c.mu.Unlock()

	if !ok {
		return
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("publish failed", "conversation_id", conversationID, "error", err)
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// run is the connection loop: dial, pump frames, and on any failure wait
// out the reconnect delay and try again, until done is closed.
func (c *Client) run(conversationID string, onFrame Handler, done chan struct{}) {
	for {
		conn, err := c.dial(conversationID)
		if err != nil {
			c.logger.Warn("broker dial failed",
				"conversation_id", conversationID,
				"retry_in", c.reconnectDelay,
				"error", err)
			if !c.waitRetry(done) {
				return
			}
			continue
		}

		c.mu.Lock()
		select {
		case <-done:
			// Disconnected while dialing
			c.mu.Unlock()
			conn.Close()
			return
		default:
		}
		c.conn = conn
		c.state = StateConnected
		c.mu.Unlock()

		c.logger.Debug("subscribed", "conversation_id", conversationID)
		c.readPump(conn, conversationID, onFrame)

		select {
		case <-done:
			return
		default:
		}
		if !c.waitRetry(done) {
			return
		}
	}
}

// waitRetry parks in the Reconnecting state for the reconnect delay.
// Returns false if the subscription was torn down while waiting.
func (c *Client) waitRetry(done chan struct{}) bool {
	c.mu.Lock()
	// Only touch shared state if this loop still owns the subscription;
	// a newer Connect may have replaced it already.
	if c.done == done {
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.state = StateReconnecting
	}
	c.mu.Unlock()

	timer := time.NewTimer(c.reconnectDelay)
	defer timer.Stop()

	select {
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}

// dial opens the websocket to the per-conversation topic path with the
// bearer credential.
func (c *Client) dial(conversationID string) (*websocket.Conn, error) {
	topicURL := c.brokerURL + "/conversations/" + url.PathEscape(conversationID)

	header := http.Header{}
	if token := c.creds.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := c.dialer.Dial(topicURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// readPump delivers frames until the connection drops. Malformed frames
// and frames for other conversations are dropped and logged, never
// surfaced.
func (c *Client) readPump(conn *websocket.Conn, conversationID string, onFrame Handler) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("connection lost", "conversation_id", conversationID, "error", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping malformed frame", "conversation_id", conversationID, "error", err)
			continue
		}
		if frame.ConversationID != "" && frame.ConversationID != conversationID {
			c.logger.Debug("dropping frame for other conversation",
				"got", frame.ConversationID, "subscribed", conversationID)
			continue
		}

		onFrame(frame)
	}
}
