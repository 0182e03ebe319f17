package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/simrunner/internal/work"
)

const (
	eventChatOpen = "ChatOpen"
	eventMessage  = "Message"
	initiatorBot  = "BOT"
)

// ErrConnBroken is returned by [Conn.Send] on a connection that already
// failed and was removed from its pool.
var ErrConnBroken = errors.New("channel connection broken")

type envelope struct {
	EventName string `json:"event_name"`
	ID        string `json:"id,omitempty"`
	Page      string `json:"page,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

// inbound is decoded loosely: only bot messages with a text body matter and
// everything else the application sends is skipped.
type inbound struct {
	EventName string          `json:"event_name"`
	Initiator string          `json:"initiator"`
	Message   json.RawMessage `json:"message"`
}

type inboundMessage struct {
	Text string `json:"text"`
}

func (in inbound) botText() (string, bool) {
	if in.EventName != eventMessage || in.Initiator != initiatorBot || len(in.Message) == 0 {
		return "", false
	}
	var m inboundMessage
	if err := json.Unmarshal(in.Message, &m); err != nil || m.Text == "" {
		return "", false
	}
	return m.Text, true
}

func newEnvelopeID() string {
	return uuid.NewString()
}

// Conn is a pooled connection bound to one routing key.
type Conn struct {
	pool       *Pool
	transport  Transport
	routingKey string
	token      string

	// sendMu serializes request/reply exchanges
	sendMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
	busy         int
	broken       bool
}

// RoutingKey returns the key this connection is bound to.
func (c *Conn) RoutingKey() string { return c.routingKey }

// Token returns the session credential the connection was opened with.
func (c *Conn) Token() string { return c.token }

// LastActivity returns when the connection was last acquired or used.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

// idleSince reports whether the connection has been unused for longer than
// timeout. A connection in the middle of an exchange is never idle.
func (c *Conn) idleSince(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy == 0 && now.Sub(c.lastActivity) > timeout
}

// Send delivers text as one user turn and returns the bot's reply.
//
// Acknowledgements and any other envelopes are skipped. The exchange is
// bounded by the pool's ReplyTimeout. On any transport failure the
// connection is removed from the pool and a [work.TransientError] is
// returned; the caller should acquire a fresh connection.
func (c *Conn) Send(ctx context.Context, text string) (string, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.broken {
		c.mu.Unlock()
		return "", ErrConnBroken
	}
	c.busy++
	c.lastActivity = c.pool.now()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.busy--
		c.lastActivity = c.pool.now()
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.pool.cfg.ReplyTimeout)
	defer cancel()

	msg := envelope{
		EventName: eventMessage,
		ID:        newEnvelopeID(),
		Page:      c.pool.cfg.Page,
		Payload:   text,
	}
	if err := c.transport.WriteJSON(ctx, msg); err != nil {
		return "", c.fail("channel send", err)
	}

	for {
		var in inbound
		if err := c.transport.ReadJSON(ctx, &in); err != nil {
			return "", c.fail("channel receive", err)
		}
		if reply, ok := in.botText(); ok {
			return reply, nil
		}
		c.pool.logger.Debug("skipping channel event",
			"routing_key", c.routingKey,
			"event_name", in.EventName,
			"initiator", in.Initiator,
		)
	}
}

func (c *Conn) fail(op string, err error) error {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()

	c.pool.logger.Warn("channel broken", "routing_key", c.routingKey, "op", op, "error", err.Error())
	c.pool.remove(c, "broken")
	return &work.TransientError{Op: op, Err: fmt.Errorf("routing key %s: %w", c.routingKey, err)}
}
