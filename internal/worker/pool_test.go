package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/jpalmerr/simrunner/internal/metrics"
	"github.com/jpalmerr/simrunner/internal/queue"
	"github.com/jpalmerr/simrunner/internal/work"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRemote is an in-memory control plane keyed by test id.
type fakeRemote struct {
	mu        sync.Mutex
	tests     map[string]work.Item
	successes []submitted
	failures  []submitted
	fetchErr  error
}

type submitted struct {
	Item   work.Item
	Report work.Report
	Cause  error
}

func newFakeRemote(tests ...work.Item) *fakeRemote {
	r := &fakeRemote{tests: make(map[string]work.Item)}
	for _, t := range tests {
		r.tests[t.ID] = t
	}
	return r
}

func (r *fakeRemote) FetchByID(_ context.Context, _, id string) (work.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetchErr != nil {
		return work.Item{}, r.fetchErr
	}
	t, ok := r.tests[id]
	if !ok {
		return work.Item{}, fmt.Errorf("test %s not found", id)
	}
	return t, nil
}

func (r *fakeRemote) SubmitSuccess(_ context.Context, item work.Item, rep work.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, submitted{Item: item, Report: rep})
	return nil
}

func (r *fakeRemote) SubmitFailure(_ context.Context, item work.Item, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, submitted{Item: item, Cause: cause})
	return nil
}

func (r *fakeRemote) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.successes), len(r.failures)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestPool(remote Remote, q *queue.Queue, cfg Config) *Pool {
	if cfg.DequeueTimeout == 0 {
		cfg.DequeueTimeout = 20 * time.Millisecond
	}
	return NewPool(cfg, remote, q, testLogger())
}

func TestBuildInput_ThreeLevelChain(t *testing.T) {
	root := work.Item{ID: "root", Kind: work.KindTest, ExperimentID: "e1", Prompt: "r-prompt", Response: "r-response"}
	child := work.Item{ID: "child", Kind: work.KindTest, ExperimentID: "e1", Prompt: "c-prompt", Response: "c-response", ParentID: "root"}
	grandchild := work.Item{ID: "grandchild", Kind: work.KindTest, ExperimentID: "e1", Prompt: "g-prompt", ParentID: "child"}

	p := newTestPool(newFakeRemote(root, child), queue.New(nil), Config{})

	in, err := p.buildInput(context.Background(), grandchild)
	if err != nil {
		t.Fatalf("buildInput() error = %v", err)
	}

	want := []work.Message{
		{Role: work.RoleUser, Content: "r-prompt"},
		{Role: work.RoleAssistant, Content: "r-response"},
		{Role: work.RoleUser, Content: "c-prompt"},
		{Role: work.RoleAssistant, Content: "c-response"},
		{Role: work.RoleUser, Content: "g-prompt"},
	}
	if len(in.Messages) != len(want) {
		t.Fatalf("len(Messages) = %d, want %d", len(in.Messages), len(want))
	}
	for i := range want {
		if in.Messages[i] != want[i] {
			t.Errorf("Messages[%d] = %+v, want %+v", i, in.Messages[i], want[i])
		}
	}
	if in.Item.RoutingKey != "root" {
		t.Errorf("RoutingKey = %q, want root", in.Item.RoutingKey)
	}
}

func TestBuildInput_KeepsExplicitRoutingKey(t *testing.T) {
	p := newTestPool(newFakeRemote(), queue.New(nil), Config{})

	in, err := p.buildInput(context.Background(), work.Item{ID: "t1", Kind: work.KindTest, Prompt: "hi", RoutingKey: "chan-9"})
	if err != nil {
		t.Fatalf("buildInput() error = %v", err)
	}
	if in.Item.RoutingKey != "chan-9" {
		t.Errorf("RoutingKey = %q, want chan-9", in.Item.RoutingKey)
	}
	if len(in.Messages) != 1 || in.Messages[0].Content != "hi" {
		t.Errorf("Messages = %+v", in.Messages)
	}
}

func TestBuildInput_DetectsCycle(t *testing.T) {
	a := work.Item{ID: "a", Kind: work.KindTest, ParentID: "b"}
	b := work.Item{ID: "b", Kind: work.KindTest, ParentID: "a"}
	p := newTestPool(newFakeRemote(a, b), queue.New(nil), Config{})

	if _, err := p.buildInput(context.Background(), work.Item{ID: "c", Kind: work.KindTest, ParentID: "a"}); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestBuildInput_RiskEvaluationTranscript(t *testing.T) {
	p := newTestPool(newFakeRemote(), queue.New(nil), Config{})

	in, err := p.buildInput(context.Background(), work.Item{ID: "t1", Kind: work.KindRiskEvaluation, Prompt: "q", Response: "a"})
	if err != nil {
		t.Fatalf("buildInput() error = %v", err)
	}
	if len(in.Messages) != 2 || in.Messages[1].Role != work.RoleAssistant || in.Messages[1].Content != "a" {
		t.Errorf("Messages = %+v", in.Messages)
	}
}

// TestPool_ReportsSuccessAndReleases covers the happy path: one item, a
// handler returning "ok", one success report and no tracked key afterwards.
func TestPool_ReportsSuccessAndReleases(t *testing.T) {
	remote := newFakeRemote()
	q := queue.New(nil)
	item := work.Item{ID: "t1", Kind: work.KindTest, ExperimentID: "e1", Prompt: "hello", Persona: "p1"}
	q.TryEnqueue(item)

	var outcomes []Outcome
	var mu sync.Mutex
	p := newTestPool(remote, q, Config{ApplicationID: "app", Observer: func(o Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}})

	p.Start(context.Background(), HandlerFunc(func(ctx context.Context, in Input) (Result, error) {
		return Result{Response: "ok"}, nil
	}))
	waitFor(t, 2*time.Second, func() bool { s, _ := remote.counts(); return s == 1 })
	p.Stop()

	successes, failures := remote.counts()
	if successes != 1 || failures != 0 {
		t.Fatalf("successes = %d, failures = %d, want 1, 0", successes, failures)
	}
	rep := remote.successes[0].Report
	if rep.Response != "ok" || rep.ID != "t1" || rep.AppID != "app" || rep.Persona != "p1" || rep.Prompt != "hello" {
		t.Errorf("report = %+v", rep)
	}
	if q.Tracked(item.Key()) {
		t.Error("item still tracked after completion")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 1 || outcomes[0].Err != nil {
		t.Errorf("outcomes = %+v", outcomes)
	}
}

func TestPool_CountsOnConfiguredMetrics(t *testing.T) {
	remote := newFakeRemote()
	q := queue.New(nil)
	q.TryEnqueue(work.Item{ID: "t1", Kind: work.KindTest, ExperimentID: "e1", Prompt: "hello"})

	m, other := metrics.New(), metrics.New()
	p := newTestPool(remote, q, Config{Metrics: m})
	p.Start(context.Background(), HandlerFunc(func(ctx context.Context, in Input) (Result, error) {
		return Result{Response: "ok"}, nil
	}))
	waitFor(t, 2*time.Second, func() bool { s, _ := remote.counts(); return s == 1 })
	p.Stop()

	count := func(set *metrics.Metrics) float64 {
		t.Helper()
		var out dto.Metric
		if err := set.ItemsProcessed.WithLabelValues("test", metrics.OutcomeCompleted).Write(&out); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		return out.GetCounter().GetValue()
	}
	if got := count(m); got != 1 {
		t.Errorf("completed on configured set = %v, want 1", got)
	}
	if got := count(other); got != 0 {
		t.Errorf("completed on unrelated set = %v, want 0", got)
	}
}

func TestPool_HandlerErrorReportsFailure(t *testing.T) {
	remote := newFakeRemote()
	q := queue.New(nil)
	item := work.Item{ID: "t1", Kind: work.KindTest, ExperimentID: "e1", Prompt: "hello"}
	q.TryEnqueue(item)

	p := newTestPool(remote, q, Config{})
	p.Start(context.Background(), HandlerFunc(func(ctx context.Context, in Input) (Result, error) {
		return Result{}, errors.New("model unavailable")
	}))
	waitFor(t, 2*time.Second, func() bool { _, f := remote.counts(); return f == 1 })
	p.Stop()

	successes, failures := remote.counts()
	if successes != 0 || failures != 1 {
		t.Fatalf("successes = %d, failures = %d, want 0, 1", successes, failures)
	}
	cause := remote.failures[0].Cause
	var cbErr *work.CallbackError
	if !errors.As(cause, &cbErr) {
		t.Errorf("cause = %T, want *work.CallbackError", cause)
	}
	if cause.Error() == "" || !strings.Contains(cause.Error(), "model unavailable") {
		t.Errorf("cause = %q", cause.Error())
	}
	if q.Tracked(item.Key()) {
		t.Error("item still tracked after failure")
	}
}

func TestPool_HandlerPanicIsRecovered(t *testing.T) {
	remote := newFakeRemote()
	q := queue.New(nil)
	q.TryEnqueue(work.Item{ID: "t1", Kind: work.KindTest})
	q.TryEnqueue(work.Item{ID: "t2", Kind: work.KindTest})

	p := newTestPool(remote, q, Config{MaxWorkers: 1})
	p.Start(context.Background(), HandlerFunc(func(ctx context.Context, in Input) (Result, error) {
		if in.Item.ID == "t1" {
			panic("boom")
		}
		return Result{Response: "fine"}, nil
	}))
	waitFor(t, 2*time.Second, func() bool { s, f := remote.counts(); return s == 1 && f == 1 })
	p.Stop()

	if !strings.Contains(remote.failures[0].Cause.Error(), "correlation_id") {
		t.Errorf("panic cause = %q, want correlation id", remote.failures[0].Cause.Error())
	}
}

func TestPool_ChainFetchErrorReportsFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.fetchErr = &work.TransientError{Op: "fetch test", StatusCode: 502, Err: errors.New("bad gateway")}
	q := queue.New(nil)
	q.TryEnqueue(work.Item{ID: "t2", Kind: work.KindTest, ExperimentID: "e1", ParentID: "t1"})

	var called atomic.Bool
	p := newTestPool(remote, q, Config{})
	p.Start(context.Background(), HandlerFunc(func(ctx context.Context, in Input) (Result, error) {
		called.Store(true)
		return Result{Response: "x"}, nil
	}))
	waitFor(t, 2*time.Second, func() bool { _, f := remote.counts(); return f == 1 })
	p.Stop()

	if called.Load() {
		t.Error("handler called despite chain fetch failure")
	}
}

func TestPool_RiskEvaluationRequiresJudgement(t *testing.T) {
	remote := newFakeRemote()
	q := queue.New(nil)
	q.TryEnqueue(work.Item{ID: "t1", Kind: work.KindRiskEvaluation, RiskName: "toxicity"})

	p := newTestPool(remote, q, Config{})
	p.Start(context.Background(), HandlerFunc(func(ctx context.Context, in Input) (Result, error) {
		return Result{Response: "not a judgement"}, nil
	}))
	waitFor(t, 2*time.Second, func() bool { _, f := remote.counts(); return f == 1 })
	p.Stop()
}

// TestPool_RespectsMaxWorkers verifies the semaphore bound under load.
func TestPool_RespectsMaxWorkers(t *testing.T) {
	remote := newFakeRemote()
	q := queue.New(nil)
	for i := 0; i < 20; i++ {
		q.TryEnqueue(work.Item{ID: fmt.Sprintf("t%d", i), Kind: work.KindTest})
	}

	const maxWorkers = 3
	var current, peak atomic.Int64
	p := newTestPool(remote, q, Config{MaxWorkers: maxWorkers})
	p.Start(context.Background(), HandlerFunc(func(ctx context.Context, in Input) (Result, error) {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return Result{Response: "ok"}, nil
	}))
	waitFor(t, 5*time.Second, func() bool { s, _ := remote.counts(); return s == 20 })
	p.Stop()

	if got := peak.Load(); got > maxWorkers {
		t.Errorf("peak concurrency = %d, want <= %d", got, maxWorkers)
	}
	if q.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", q.InFlight())
	}
}

// TestPool_StopDrainsInFlight verifies Stop waits for running items rather
// than abandoning them.
func TestPool_StopDrainsInFlight(t *testing.T) {
	remote := newFakeRemote()
	q := queue.New(nil)
	q.TryEnqueue(work.Item{ID: "slow", Kind: work.KindTest})

	started := make(chan struct{})
	p := newTestPool(remote, q, Config{})
	p.Start(context.Background(), HandlerFunc(func(ctx context.Context, in Input) (Result, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{Response: "done"}, nil
	}))

	<-started
	p.Stop()

	successes, failures := remote.counts()
	if successes != 1 || failures != 0 {
		t.Errorf("after Stop successes = %d, failures = %d, want 1, 0", successes, failures)
	}
}

func TestPool_CancelledStartContextDoesNotCancelItems(t *testing.T) {
	remote := newFakeRemote()
	q := queue.New(nil)
	q.TryEnqueue(work.Item{ID: "t1", Kind: work.KindTest})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	p := newTestPool(remote, q, Config{})
	p.Start(ctx, HandlerFunc(func(ctx context.Context, in Input) (Result, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return Result{Response: "ok"}, ctx.Err()
	}))

	<-started
	cancel()
	p.Stop()

	if s, _ := remote.counts(); s != 1 {
		t.Errorf("successes = %d, want 1", s)
	}
}

func TestPool_Throttle(t *testing.T) {
	remote := newFakeRemote()
	q := queue.New(nil)
	for i := 0; i < 3; i++ {
		q.TryEnqueue(work.Item{ID: fmt.Sprintf("t%d", i), Kind: work.KindTest})
	}

	var mu sync.Mutex
	var starts []time.Time
	p := newTestPool(remote, q, Config{Throttle: 40 * time.Millisecond})
	p.Start(context.Background(), HandlerFunc(func(ctx context.Context, in Input) (Result, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return Result{Response: "ok"}, nil
	}))
	waitFor(t, 2*time.Second, func() bool { s, _ := remote.counts(); return s == 3 })
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if span := starts[len(starts)-1].Sub(starts[0]); span < 70*time.Millisecond {
		t.Errorf("three throttled dispatches spanned %v, want >= 70ms", span)
	}
}

func TestPool_StopBeforeStart(t *testing.T) {
	p := newTestPool(newFakeRemote(), queue.New(nil), Config{})
	p.Stop()
	p.Stop()

	// Start after Stop is a no-op
	p.Start(context.Background(), HandlerFunc(func(ctx context.Context, in Input) (Result, error) {
		t.Error("handler called after Stop")
		return Result{}, nil
	}))
}

func TestDefaultMaxWorkers(t *testing.T) {
	n := DefaultMaxWorkers()
	if n < 5 || n > 32 {
		t.Errorf("DefaultMaxWorkers() = %d, want between 5 and 32", n)
	}
}
