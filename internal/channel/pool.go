package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jpalmerr/simrunner/internal/metrics"
	"github.com/jpalmerr/simrunner/internal/work"
)

const (
	DefaultMaxConnections = 4
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultWaitInterval   = time.Second
	DefaultReplyTimeout   = 2 * time.Minute
	DefaultAcquireTimeout = 30 * time.Second
	DefaultPage           = "vdp"
)

// ErrPoolClosed is returned by [Pool.Acquire] once the pool is closed.
var ErrPoolClosed = errors.New("connection pool closed")

// Config configures a [Pool]. Zero values select defaults.
type Config struct {
	// URL is the chat endpoint, e.g. wss://chat.example.com/wss.
	URL string

	// AuthURL, when set and Authorizer is nil, selects an [HTTPAuthorizer].
	AuthURL    string
	AuthAPIKey string

	// Headers are sent with the upgrade and authorize requests.
	Headers map[string]string

	// Page is echoed in every envelope. Defaults to [DefaultPage].
	Page string

	MaxConnections int
	IdleTimeout    time.Duration

	// WaitInterval is how often a waiting caller re-checks for idle
	// connections when no release wakes it.
	WaitInterval time.Duration

	// ReplyTimeout bounds one [Conn.Send].
	ReplyTimeout time.Duration

	// AcquireTimeout bounds the wait for a free slot. Exceeding it returns
	// [work.ErrCapacityTimeout]. Zero selects [DefaultAcquireTimeout] and a
	// negative value waits until ctx ends.
	AcquireTimeout time.Duration

	Dialer     Dialer
	Authorizer Authorizer

	// Metrics receives connection counts and evictions. Nil gets a private,
	// unregistered set.
	Metrics *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.Page == "" {
		c.Page = DefaultPage
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = DefaultWaitInterval
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = DefaultReplyTimeout
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	if c.Dialer == nil {
		c.Dialer = &WebSocketDialer{}
	}
	if c.Authorizer == nil && c.AuthURL != "" {
		c.Authorizer = &HTTPAuthorizer{URL: c.AuthURL, APIKey: c.AuthAPIKey, Headers: c.Headers}
	}
}

// Pool is a bounded set of persistent connections keyed by routing key.
//
// All methods are safe for concurrent use.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	header http.Header
	now    func() time.Time

	mu      sync.Mutex
	conns   map[string]*Conn
	dialing map[string]*dialCall
	closed  bool

	// changed is closed and replaced whenever a slot frees up
	changed chan struct{}
}

type dialCall struct {
	done chan struct{}
	conn *Conn
	err  error
}

// NewPool validates cfg and creates an empty [Pool].
func NewPool(cfg Config, logger *slog.Logger) (*Pool, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid channel url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("invalid channel url %q: scheme must be ws or wss", cfg.URL)
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	header := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	return &Pool{
		cfg:     cfg,
		logger:  logger,
		header:  header,
		now:     time.Now,
		conns:   make(map[string]*Conn),
		dialing: make(map[string]*dialCall),
		changed: make(chan struct{}),
	}, nil
}

// Acquire returns the live connection for routingKey, establishing one if
// a slot is free and otherwise waiting for one.
//
// It returns ctx.Err() when ctx ends first, [ErrPoolClosed] after
// [Pool.Close], [work.ErrCapacityTimeout] when AcquireTimeout elapses, and a
// [work.TransientError] when the handshake fails. Concurrent calls for the
// same key share one handshake.
func (p *Pool) Acquire(ctx context.Context, routingKey string) (*Conn, error) {
	var deadline <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	waited := false
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if c, ok := p.conns[routingKey]; ok {
			c.touch(p.now())
			p.mu.Unlock()
			return c, nil
		}

		if call, ok := p.dialing[routingKey]; ok {
			p.mu.Unlock()
			select {
			case <-call.done:
				if call.err != nil {
					return nil, call.err
				}
				call.conn.touch(p.now())
				return call.conn, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		p.evictIdleLocked()

		if len(p.conns)+len(p.dialing) < p.cfg.MaxConnections {
			call := &dialCall{done: make(chan struct{})}
			p.dialing[routingKey] = call
			p.mu.Unlock()
			return p.establish(ctx, routingKey, call)
		}

		changed := p.changed
		p.mu.Unlock()

		if !waited {
			waited = true
			p.logger.Debug("connection pool full, waiting", "routing_key", routingKey, "max", p.cfg.MaxConnections)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, work.ErrCapacityTimeout
		case <-changed:
		case <-time.After(p.cfg.WaitInterval):
		}
	}
}

// establish performs the handshake for a reserved slot and publishes the
// result to every caller sharing call.
func (p *Pool) establish(ctx context.Context, routingKey string, call *dialCall) (*Conn, error) {
	conn, err := p.handshake(ctx, routingKey)

	p.mu.Lock()
	delete(p.dialing, routingKey)
	if err == nil && p.closed {
		err = ErrPoolClosed
	}
	if err != nil {
		p.notifyLocked()
	} else {
		p.conns[routingKey] = conn
		p.cfg.Metrics.ChannelConnections.Set(float64(len(p.conns)))
	}
	p.mu.Unlock()

	if err != nil && conn != nil {
		_ = conn.transport.Close()
		conn = nil
	}
	call.conn, call.err = conn, err
	close(call.done)

	if err != nil {
		p.logger.Warn("channel handshake failed", "routing_key", routingKey, "error", err.Error())
		return nil, err
	}
	p.logger.Debug("channel established", "routing_key", routingKey)
	return conn, nil
}

func (p *Pool) handshake(ctx context.Context, routingKey string) (*Conn, error) {
	var token string
	if p.cfg.Authorizer != nil {
		t, err := p.cfg.Authorizer.Authorize(ctx)
		if err != nil {
			return nil, &work.TransientError{Op: "channel authorize", Err: err}
		}
		token = t
	}

	target, err := url.Parse(p.cfg.URL)
	if err != nil {
		return nil, &work.TransientError{Op: "channel dial", Err: err}
	}
	if token != "" {
		q := target.Query()
		q.Set("access_token", token)
		target.RawQuery = q.Encode()
	}

	t, err := p.cfg.Dialer.Dial(ctx, target.String(), p.header.Clone())
	if err != nil {
		return nil, &work.TransientError{Op: "channel dial", Err: err}
	}

	conn := &Conn{
		pool:         p,
		transport:    t,
		routingKey:   routingKey,
		token:        token,
		lastActivity: p.now(),
	}

	open := envelope{EventName: eventChatOpen, ID: newEnvelopeID(), Page: p.cfg.Page}
	if err := t.WriteJSON(ctx, open); err != nil {
		return conn, &work.TransientError{Op: "channel open", Err: err}
	}
	return conn, nil
}

// EvictIdle closes connections idle longer than IdleTimeout and reports
// how many were evicted.
func (p *Pool) EvictIdle() int {
	p.mu.Lock()
	evicted := p.evictIdleLocked()
	p.mu.Unlock()
	return evicted
}

func (p *Pool) evictIdleLocked() int {
	now := p.now()
	evicted := 0
	for key, c := range p.conns {
		if !c.idleSince(now, p.cfg.IdleTimeout) {
			continue
		}
		delete(p.conns, key)
		evicted++
		p.cfg.Metrics.ChannelEvictions.WithLabelValues("idle").Inc()
		p.logger.Debug("evicting idle channel", "routing_key", key)
		go func() { _ = c.transport.Close() }()
	}
	if evicted > 0 {
		p.cfg.Metrics.ChannelConnections.Set(float64(len(p.conns)))
		p.notifyLocked()
	}
	return evicted
}

// remove drops c from the pool if it is still the live connection for its
// key, then closes it.
func (p *Pool) remove(c *Conn, reason string) {
	p.mu.Lock()
	if cur, ok := p.conns[c.routingKey]; ok && cur == c {
		delete(p.conns, c.routingKey)
		p.cfg.Metrics.ChannelEvictions.WithLabelValues(reason).Inc()
		p.cfg.Metrics.ChannelConnections.Set(float64(len(p.conns)))
		p.notifyLocked()
	}
	p.mu.Unlock()
	_ = c.transport.Close()
}

func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Len returns the number of live connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every live connection and wakes all waiters. Close is
// idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*Conn)
	p.cfg.Metrics.ChannelConnections.Set(0)
	p.notifyLocked()
	p.mu.Unlock()

	var errs []error
	for _, c := range conns {
		p.cfg.Metrics.ChannelEvictions.WithLabelValues("closed").Inc()
		if err := c.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
