package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/jpalmerr/simrunner/internal/metrics"
	"github.com/jpalmerr/simrunner/internal/work"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport is an in-memory connection whose reads block until closed.
type fakeTransport struct {
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{closed: make(chan struct{})}
}

func (t *fakeTransport) WriteJSON(_ context.Context, v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, v)
	return nil
}

func (t *fakeTransport) ReadJSON(ctx context.Context, _ any) error {
	select {
	case <-t.closed:
		return errors.New("closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// fakeDialer counts dials and tracks how many transports are open at once.
type fakeDialer struct {
	delay time.Duration
	fail  atomic.Bool

	mu         sync.Mutex
	dials      int
	urls       []string
	transports []*fakeTransport
	peak       int
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string, _ http.Header) (Transport, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.urls = append(d.urls, rawURL)
	t := newFakeTransport()
	d.transports = append(d.transports, t)

	open := 0
	for _, tr := range d.transports {
		if !tr.isClosed() {
			open++
		}
	}
	if open > d.peak {
		d.peak = open
	}
	return t, nil
}

func (d *fakeDialer) stats() (dials, peak int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials, d.peak
}

type staticAuthorizer struct {
	token string
	err   error
	calls atomic.Int64
}

func (a *staticAuthorizer) Authorize(context.Context) (string, error) {
	a.calls.Add(1)
	return a.token, a.err
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeDialer) {
	t.Helper()
	d, _ := cfg.Dialer.(*fakeDialer)
	if d == nil {
		d = &fakeDialer{}
		cfg.Dialer = d
	}
	if cfg.URL == "" {
		cfg.URL = "wss://chat.example.com/wss"
	}
	p, err := NewPool(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, d
}

func TestNewPool_RejectsBadURL(t *testing.T) {
	if _, err := NewPool(Config{URL: "ftp://chat.example.com"}, testLogger()); err == nil {
		t.Error("expected error for ftp scheme")
	}
}

func TestAcquire_ReusesConnectionForKey(t *testing.T) {
	p, d := newTestPool(t, Config{})

	c1, err := p.Acquire(context.Background(), "root-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	c2, err := p.Acquire(context.Background(), "root-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if c1 != c2 {
		t.Error("expected the same connection for the same routing key")
	}
	if dials, _ := d.stats(); dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
	if p.Len() != 1 {
		t.Errorf("Len() = %d, want 1", p.Len())
	}
}

func TestAcquire_HandshakeSendsTokenAndChatOpen(t *testing.T) {
	auth := &staticAuthorizer{token: "tok-123"}
	p, d := newTestPool(t, Config{Authorizer: auth, Page: "vdp"})

	c, err := p.Acquire(context.Background(), "root-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if c.Token() != "tok-123" {
		t.Errorf("Token() = %q, want tok-123", c.Token())
	}
	if want := "wss://chat.example.com/wss?access_token=tok-123"; d.urls[0] != want {
		t.Errorf("dial url = %q, want %q", d.urls[0], want)
	}

	writes := d.transports[0].writes
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	open, ok := writes[0].(envelope)
	if !ok || open.EventName != eventChatOpen || open.Page != "vdp" || open.ID == "" {
		t.Errorf("first write = %+v, want ChatOpen envelope", writes[0])
	}
}

// TestAcquire_ConcurrentSameKeyShareDial verifies that a burst of acquires
// for one key performs a single handshake.
func TestAcquire_ConcurrentSameKeyShareDial(t *testing.T) {
	p, d := newTestPool(t, Config{Dialer: &fakeDialer{delay: 20 * time.Millisecond}})

	var wg sync.WaitGroup
	conns := make([]*Conn, 10)
	for i := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(context.Background(), "root-1")
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			conns[i] = c
		}()
	}
	wg.Wait()

	if dials, _ := d.stats(); dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
	for i := 1; i < len(conns); i++ {
		if conns[i] != conns[0] {
			t.Fatalf("conns[%d] differs from conns[0]", i)
		}
	}
}

// TestAcquire_NeverExceedsMaxConnections hammers the pool with distinct keys
// while idle eviction frees slots, and checks the live count never exceeds
// the bound.
func TestAcquire_NeverExceedsMaxConnections(t *testing.T) {
	p, d := newTestPool(t, Config{
		MaxConnections: 2,
		IdleTimeout:    10 * time.Millisecond,
		WaitInterval:   5 * time.Millisecond,
		Dialer:         &fakeDialer{delay: 2 * time.Millisecond},
	})

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := p.Acquire(ctx, fmt.Sprintf("root-%d", i)); err != nil {
				t.Errorf("Acquire(root-%d) error = %v", i, err)
			}
			if n := p.Len(); n > 2 {
				t.Errorf("Len() = %d, want <= 2", n)
			}
		}()
	}
	wg.Wait()

	dials, _ := d.stats()
	if dials != 12 {
		t.Errorf("dials = %d, want 12", dials)
	}
}

func TestEvictIdle(t *testing.T) {
	p, d := newTestPool(t, Config{IdleTimeout: 20 * time.Millisecond})

	if _, err := p.Acquire(context.Background(), "root-1"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if n := p.EvictIdle(); n != 0 {
		t.Errorf("EvictIdle() on fresh connection = %d, want 0", n)
	}

	time.Sleep(40 * time.Millisecond)
	if n := p.EvictIdle(); n != 1 {
		t.Fatalf("EvictIdle() = %d, want 1", n)
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d, want 0", p.Len())
	}

	deadline := time.Now().Add(time.Second)
	for !d.transports[0].isClosed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !d.transports[0].isClosed() {
		t.Error("evicted transport was not closed")
	}

	// the next turn of the same conversation gets a fresh connection
	if _, err := p.Acquire(context.Background(), "root-1"); err != nil {
		t.Fatalf("Acquire() after eviction error = %v", err)
	}
	if dials, _ := d.stats(); dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
}

func TestAcquire_CancelUnblocksWaiter(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 1, IdleTimeout: time.Hour, WaitInterval: time.Hour})

	if _, err := p.Acquire(context.Background(), "root-1"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := p.Acquire(ctx, "root-2")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("waiter was not promptly unblocked by cancellation")
	}
}

func TestAcquire_CapacityTimeout(t *testing.T) {
	p, _ := newTestPool(t, Config{
		MaxConnections: 1,
		IdleTimeout:    time.Hour,
		WaitInterval:   5 * time.Millisecond,
		AcquireTimeout: 30 * time.Millisecond,
	})

	if _, err := p.Acquire(context.Background(), "root-1"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := p.Acquire(context.Background(), "root-2"); !errors.Is(err, work.ErrCapacityTimeout) {
		t.Errorf("Acquire() error = %v, want ErrCapacityTimeout", err)
	}
}

func TestNewPool_AcquireTimeoutDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"zero selects the finite default", 0, DefaultAcquireTimeout},
		{"explicit value kept", 50 * time.Millisecond, 50 * time.Millisecond},
		{"negative kept as unbounded", -1, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPool(t, Config{AcquireTimeout: tt.in})
			if p.cfg.AcquireTimeout != tt.want {
				t.Errorf("AcquireTimeout = %v, want %v", p.cfg.AcquireTimeout, tt.want)
			}
		})
	}
}

func TestPool_PublishesConnectionsToConfiguredMetrics(t *testing.T) {
	m := metrics.New()
	p, _ := newTestPool(t, Config{Metrics: m})

	for _, key := range []string{"root-1", "root-2"} {
		if _, err := p.Acquire(context.Background(), key); err != nil {
			t.Fatalf("Acquire(%s) error = %v", key, err)
		}
	}

	gauge := func() float64 {
		t.Helper()
		var out dto.Metric
		if err := m.ChannelConnections.Write(&out); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		return out.GetGauge().GetValue()
	}
	if got := gauge(); got != 2 {
		t.Errorf("connections = %v, want 2", got)
	}

	p.Close()
	if got := gauge(); got != 0 {
		t.Errorf("connections after Close = %v, want 0", got)
	}
}

func TestAcquire_WakesOnRelease(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 1, IdleTimeout: time.Hour, WaitInterval: time.Hour})

	c, err := p.Acquire(context.Background(), "root-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "root-2")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.remove(c, "broken")

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Acquire() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by release")
	}
}

func TestAcquire_HandshakeFailureReleasesSlot(t *testing.T) {
	auth := &staticAuthorizer{err: errors.New("unauthorized")}
	p, _ := newTestPool(t, Config{MaxConnections: 1, Authorizer: auth})

	_, err := p.Acquire(context.Background(), "root-1")
	if !work.IsTransient(err) {
		t.Fatalf("Acquire() error = %v, want transient", err)
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d, want 0", p.Len())
	}

	auth.err = nil
	auth.token = "ok"
	if _, err := p.Acquire(context.Background(), "root-2"); err != nil {
		t.Errorf("Acquire() after failed handshake error = %v", err)
	}
}

func TestAcquire_DialFailureIsTransient(t *testing.T) {
	d := &fakeDialer{}
	d.fail.Store(true)
	p, _ := newTestPool(t, Config{Dialer: d})

	if _, err := p.Acquire(context.Background(), "root-1"); !work.IsTransient(err) {
		t.Errorf("Acquire() error = %v, want transient", err)
	}
}

func TestClose_WakesWaitersAndRejectsAcquire(t *testing.T) {
	p, d := newTestPool(t, Config{MaxConnections: 1, IdleTimeout: time.Hour, WaitInterval: time.Hour})

	if _, err := p.Acquire(context.Background(), "root-1"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "root-2")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrPoolClosed) {
			t.Errorf("waiter error = %v, want ErrPoolClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by Close")
	}

	if !d.transports[0].isClosed() {
		t.Error("live transport not closed by Close")
	}
	if _, err := p.Acquire(context.Background(), "root-3"); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire() after Close error = %v, want ErrPoolClosed", err)
	}

	// idempotent
	p.Close()
}
