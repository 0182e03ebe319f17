package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jpalmerr/simrunner/internal/metrics"
	"github.com/jpalmerr/simrunner/internal/queue"
	"github.com/jpalmerr/simrunner/internal/work"
)

const (
	// DefaultDequeueTimeout bounds each blocking dequeue of the dispatch loop.
	DefaultDequeueTimeout = time.Second

	// DefaultMaxChainDepth guards the parent-chain walk against cycles.
	DefaultMaxChainDepth = 256

	// reports get their own deadline so a stuck control plane cannot pin a worker
	defaultReportTimeout = 30 * time.Second
)

// DefaultMaxWorkers returns min(32, NumCPU+4).
func DefaultMaxWorkers() int {
	return min(32, runtime.NumCPU()+4)
}

// Remote is the part of the control plane client the pool needs.
type Remote interface {
	FetchByID(ctx context.Context, experimentID, id string) (work.Item, error)
	SubmitSuccess(ctx context.Context, item work.Item, r work.Report) error
	SubmitFailure(ctx context.Context, item work.Item, cause error) error
}

// Input is handed to a [Handler] for one item.
type Input struct {
	// Item is the item being processed. RoutingKey is filled in with the
	// conversation root when the item did not carry one.
	Item work.Item

	// Messages is the reconstructed transcript, oldest first, ending with the
	// item's own prompt.
	Messages []work.Message
}

// Result is what a [Handler] produces for one item.
type Result struct {
	Response  string
	Judgement *work.Judgement
}

// Handler processes a single item.
type Handler interface {
	Handle(ctx context.Context, in Input) (Result, error)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, in Input) (Result, error)

// Handle calls f(ctx, in).
func (f HandlerFunc) Handle(ctx context.Context, in Input) (Result, error) {
	return f(ctx, in)
}

// Outcome describes how one item finished.
type Outcome struct {
	Item       work.Item
	Response   string
	Judgement  *work.Judgement
	Err        error
	Duration   time.Duration
	FinishedAt time.Time
}

// Config configures a [Pool]. Zero values select defaults.
type Config struct {
	// MaxWorkers bounds concurrent items. Defaults to [DefaultMaxWorkers].
	MaxWorkers int

	// Throttle is a fixed delay between successive dispatches.
	Throttle time.Duration

	// DequeueTimeout defaults to [DefaultDequeueTimeout].
	DequeueTimeout time.Duration

	// ItemTimeout bounds chain walk plus handler for one item. Zero means no limit.
	ItemTimeout time.Duration

	// MaxChainDepth defaults to [DefaultMaxChainDepth].
	MaxChainDepth int

	// ApplicationID is echoed in test reports.
	ApplicationID string

	// Observer, if set, is called once per finished item from the worker goroutine.
	Observer func(Outcome)

	// Metrics receives item counts and durations. Nil gets a private,
	// unregistered set.
	Metrics *metrics.Metrics
}

// Pool dispatches queued items to a bounded set of workers.
//
// Start and Stop are safe for concurrent use and idempotent.
type Pool struct {
	cfg    Config
	remote Remote
	queue  *queue.Queue
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	dispatch sync.WaitGroup
	inflight sync.WaitGroup
}

// NewPool creates a [Pool] reading from q and reporting through remote.
func NewPool(cfg Config, remote Remote, q *queue.Queue, logger *slog.Logger) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers()
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = DefaultDequeueTimeout
	}
	if cfg.MaxChainDepth <= 0 {
		cfg.MaxChainDepth = DefaultMaxChainDepth
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		cfg:    cfg,
		remote: remote,
		queue:  q,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(cfg.MaxWorkers)),
	}
}

// MaxWorkers returns the concurrency limit.
func (p *Pool) MaxWorkers() int {
	return p.cfg.MaxWorkers
}

// Start launches the dispatch goroutine. It returns immediately.
//
// Cancelling ctx stops dispatching new items but does not cancel items
// already being processed; use [Pool.Stop] to wait for them. Start after
// Stop is a no-op.
func (p *Pool) Start(ctx context.Context, h Handler) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true

	dispatchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	// in-flight items outlive dispatch cancellation
	workCtx := context.WithoutCancel(ctx)
	p.dispatch.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.dispatch.Done()
		p.run(dispatchCtx, workCtx, h)
	}()
}

// Stop stops dispatching and blocks until every in-flight item has been
// reported and released. Items still waiting in the queue are left there.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		if p.cancel != nil {
			p.cancel()
		}
	}
	p.mu.Unlock()

	p.dispatch.Wait()
	p.inflight.Wait()
}

func (p *Pool) run(dispatchCtx, workCtx context.Context, h Handler) {
	for dispatchCtx.Err() == nil {
		item, ok := p.queue.Dequeue(dispatchCtx, p.cfg.DequeueTimeout)
		if !ok {
			continue
		}

		if err := p.sem.Acquire(dispatchCtx, 1); err != nil {
			// stopping while saturated: hand the key back so the item is
			// rediscovered later
			p.queue.Release(item.Key())
			p.logger.Debug("dispatch stopped before item started", "item", item.Key())
			return
		}

		p.inflight.Add(1)
		go func() {
			defer p.inflight.Done()
			defer p.sem.Release(1)
			p.process(workCtx, item, h)
		}()

		if p.cfg.Throttle > 0 {
			select {
			case <-time.After(p.cfg.Throttle):
			case <-dispatchCtx.Done():
				return
			}
		}
	}
}

// process runs one item end to end. The item's key is always released.
func (p *Pool) process(ctx context.Context, item work.Item, h Handler) {
	defer p.queue.Release(item.Key())

	start := time.Now()
	if p.cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ItemTimeout)
		defer cancel()
	}

	in, err := p.buildInput(ctx, item)
	var res Result
	if err == nil {
		res, err = p.invoke(ctx, h, in)
	}
	if err == nil {
		err = p.reportSuccess(ctx, in.Item, res)
	}

	outcome := Outcome{
		Item:       in.Item,
		Response:   res.Response,
		Judgement:  res.Judgement,
		Duration:   time.Since(start),
		FinishedAt: time.Now(),
	}

	kind := string(in.Item.Kind)
	if kind == "" {
		kind = string(work.KindTest)
	}
	p.cfg.Metrics.ItemDuration.WithLabelValues(kind).Observe(outcome.Duration.Seconds())

	if err != nil {
		outcome.Err = err
		p.reportFailure(in.Item, err)
		p.cfg.Metrics.ItemsProcessed.WithLabelValues(kind, metrics.OutcomeFailed).Inc()
		p.logger.Warn("item failed",
			"item", in.Item.Key(),
			"kind", kind,
			"experiment_id", in.Item.ExperimentID,
			"duration_ms", outcome.Duration.Milliseconds(),
			"error", err.Error(),
		)
	} else {
		p.cfg.Metrics.ItemsProcessed.WithLabelValues(kind, metrics.OutcomeCompleted).Inc()
		p.logger.Debug("item completed",
			"item", in.Item.Key(),
			"kind", kind,
			"experiment_id", in.Item.ExperimentID,
			"duration_ms", outcome.Duration.Milliseconds(),
		)
	}

	if p.cfg.Observer != nil {
		p.cfg.Observer(outcome)
	}
}

// buildInput reconstructs the transcript for item.
//
// For tests the parent chain is walked backward, prepending each ancestor's
// prompt and response, until a test without a parent is reached. That root's
// id becomes the routing key unless the item already has one.
func (p *Pool) buildInput(ctx context.Context, item work.Item) (Input, error) {
	switch item.Kind {
	case work.KindRiskEvaluation:
		return Input{
			Item: item,
			Messages: []work.Message{
				{Role: work.RoleUser, Content: item.Prompt},
				{Role: work.RoleAssistant, Content: item.Response},
			},
		}, nil

	case work.KindConnectionTest:
		return Input{
			Item:     item,
			Messages: []work.Message{{Role: work.RoleUser, Content: item.Prompt}},
		}, nil
	}

	messages := []work.Message{{Role: work.RoleUser, Content: item.Prompt}}
	root := item.ID
	seen := map[string]struct{}{item.ID: {}}

	for parentID := item.ParentID; parentID != ""; {
		if _, loop := seen[parentID]; loop {
			return Input{Item: item}, fmt.Errorf("parent chain of %s loops at %s", item.ID, parentID)
		}
		if len(seen) > p.cfg.MaxChainDepth {
			return Input{Item: item}, fmt.Errorf("parent chain of %s exceeds %d turns", item.ID, p.cfg.MaxChainDepth)
		}
		seen[parentID] = struct{}{}

		parent, err := p.remote.FetchByID(ctx, item.ExperimentID, parentID)
		if err != nil {
			return Input{Item: item}, fmt.Errorf("fetch parent %s: %w", parentID, err)
		}

		messages = append([]work.Message{
			{Role: work.RoleUser, Content: parent.Prompt},
			{Role: work.RoleAssistant, Content: parent.Response},
		}, messages...)

		root = parentID
		parentID = parent.ParentID
	}

	if item.RoutingKey == "" {
		item.RoutingKey = root
	}
	return Input{Item: item, Messages: messages}, nil
}

// invoke calls the handler with panic recovery. Any failure comes back as a
// [work.CallbackError].
func (p *Pool) invoke(ctx context.Context, h Handler, in Input) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			p.logger.Error("handler panic",
				"correlation_id", correlationID,
				"item", in.Item.Key(),
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			res = Result{}
			err = &work.CallbackError{Err: fmt.Errorf("handler panic (correlation_id: %s)", correlationID)}
		}
	}()

	res, err = h.Handle(ctx, in)
	if err != nil {
		var cbErr *work.CallbackError
		if !errors.As(err, &cbErr) {
			err = &work.CallbackError{Err: err}
		}
		return Result{}, err
	}
	if in.Item.Kind == work.KindRiskEvaluation && res.Judgement == nil {
		return Result{}, &work.CallbackError{Err: errors.New("judge returned no judgement")}
	}
	return res, nil
}

func (p *Pool) reportSuccess(ctx context.Context, item work.Item, res Result) error {
	report := work.Report{
		ID:          item.ID,
		AppID:       p.cfg.ApplicationID,
		Prompt:      item.Prompt,
		Response:    res.Response,
		Persona:     item.Persona,
		Judgement:   res.Judgement,
		CompletedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultReportTimeout)
	defer cancel()

	if err := p.remote.SubmitSuccess(ctx, item, report); err != nil {
		p.cfg.Metrics.ReportErrors.Inc()
		return fmt.Errorf("submit result: %w", err)
	}
	return nil
}

func (p *Pool) reportFailure(item work.Item, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultReportTimeout)
	defer cancel()

	if err := p.remote.SubmitFailure(ctx, item, cause); err != nil {
		p.cfg.Metrics.ReportErrors.Inc()
		p.logger.Warn("failed to report item failure",
			"item", item.Key(),
			"error", err.Error(),
		)
	}
}
