package simrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jpalmerr/simrunner/dashboard"
	"github.com/jpalmerr/simrunner/internal/channel"
	"github.com/jpalmerr/simrunner/internal/controlplane"
	"github.com/jpalmerr/simrunner/internal/metrics"
	"github.com/jpalmerr/simrunner/internal/poller"
	"github.com/jpalmerr/simrunner/internal/queue"
	"github.com/jpalmerr/simrunner/internal/server"
	"github.com/jpalmerr/simrunner/internal/store"
	"github.com/jpalmerr/simrunner/internal/work"
	"github.com/jpalmerr/simrunner/internal/worker"
)

// Runner discovers pending work on the control plane, answers it with the
// configured [Completer] or [Judge]s and reports the results.
//
// The typical lifecycle is:
//
//	r, err := simrunner.New(
//	    simrunner.WithControlPlane("https://api.example.com"),
//	    simrunner.WithApplicationID(appID),
//	    simrunner.WithAPIKey(key),
//	    simrunner.WithCompleter(myApp),
//	)
//	if err != nil {
//	    slog.Error("failed to create runner", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	if err := r.Start(ctx); err != nil { // blocks
//	    slog.Error("runner stopped", "error", err)
//	}
type Runner struct {
	cfg    runnerConfig
	logger *slog.Logger
}

// New creates a [Runner] with the given options.
//
// The control plane URL, application id and API key are required, as is at
// least one of [WithCompleter] or [WithJudge].
func New(opts ...Option) (*Runner, error) {
	cfg := runnerConfig{
		judges:       make(map[string]Judge),
		pollInterval: poller.DefaultInterval,
		retryCeiling: poller.DefaultRetryCeiling,
		maxWorkers:   worker.DefaultMaxWorkers(),
	}

	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.controlPlaneURL == "" {
		return nil, errors.New("control plane url is required")
	}
	if cfg.applicationID == "" {
		return nil, errors.New("application id is required")
	}
	if cfg.apiKey == "" {
		return nil, errors.New("api key is required")
	}
	if cfg.completer == nil && len(cfg.judges) == 0 {
		return nil, errors.New("a completer or at least one judge is required")
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{cfg: cfg, logger: logger}, nil
}

// MaxWorkers returns the configured concurrency limit.
func (r *Runner) MaxWorkers() int {
	return r.cfg.maxWorkers
}

// PollInterval returns the configured idle poll interval.
func (r *Runner) PollInterval() time.Duration {
	return r.cfg.pollInterval
}

// Risks returns the names of the registered judges, sorted.
func (r *Runner) Risks() []string {
	names := make([]string, 0, len(r.cfg.judges))
	for name := range r.cfg.judges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs the runner until ctx is cancelled or discovery fails fatally.
//
// Start blocks. On return no new work is being admitted, every item that had
// started has been reported, and all connections are closed. Items that were
// queued but not started are left for the next run to rediscover. An item
// still waiting for a free channel connection when ctx ends stops waiting and
// is answered by the Completer.
//
// Returns nil on cancellation. Returns an error for which [IsFatal] reports
// true when the control plane rejects the credentials or stays unreachable
// past the retry ceiling, and an error if the status server cannot bind its
// port.
func (r *Runner) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := r.cfg.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	defer m.Unregister(reg)

	client, err := controlplane.NewClient(controlplane.Config{
		BaseURL:       r.cfg.controlPlaneURL,
		APIKey:        r.cfg.apiKey,
		ApplicationID: r.cfg.applicationID,
		Timeout:       r.cfg.httpTimeout,
		Logger:        r.logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	q := queue.New(m)
	outcomes := store.NewMemoryStore(r.cfg.outcomeCapacity)

	var channels *channel.Pool
	if r.cfg.channel != nil {
		channels, err = channel.NewPool(r.channelPoolConfig(m), r.logger)
		if err != nil {
			return fmt.Errorf("channel pool: %w", err)
		}
		defer channels.Close()
	}

	pool := worker.NewPool(worker.Config{
		MaxWorkers:    r.cfg.maxWorkers,
		Throttle:      r.cfg.throttle,
		ItemTimeout:   r.cfg.itemTimeout,
		ApplicationID: r.cfg.applicationID,
		Observer:      r.observe(outcomes),
		Metrics:       m,
	}, client, q, r.logger)

	loop := poller.NewLoop(poller.Config{
		Interval:     r.cfg.pollInterval,
		RetryCeiling: r.cfg.retryCeiling,
		Metrics:      m,
	}, r.concerns(client), q, r.logger)

	// the status server outlives ctx so it can report the drain
	serverCtx, stopServer := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServer()
	var statusServer *server.Server
	if r.cfg.statusPort > 0 {
		state := func() string { return loop.State().String() }
		statusServer = server.NewServer(outcomes, q, state, r.cfg.statusPort, dashboard.Assets, reg, r.logger)
		if err := statusServer.Start(serverCtx); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
	}

	r.logger.Info("runner starting",
		"application_id", r.cfg.applicationID,
		"control_plane", r.cfg.controlPlaneURL,
		"max_workers", r.cfg.maxWorkers,
		"risks", r.Risks(),
		"channel", r.cfg.channel != nil,
	)

	pool.Start(ctx, r.handler(ctx, channels, m))

	if channels != nil {
		go r.evictIdle(ctx, channels)
	}

	runErr := loop.Run(ctx)
	cancel()

	q.Close()
	pool.Stop()
	if left := q.Drain(); len(left) > 0 {
		r.logger.Info("left queued items for the next run", "count", len(left))
	}
	if channels != nil {
		if err := channels.Close(); err != nil {
			r.logger.Debug("closing channels", "error", err)
		}
	}
	if statusServer != nil {
		stopServer()
		<-statusServer.Done()
	}

	if runErr != nil {
		r.logger.Error("runner stopped", "error", runErr.Error())
		return runErr
	}
	r.logger.Info("runner stopped")
	return nil
}

// concerns builds one discovery concern per kind of work the runner can
// answer.
func (r *Runner) concerns(l poller.Lister) []poller.Concern {
	var concerns []poller.Concern
	if r.cfg.completer != nil {
		concerns = append(concerns, poller.Tests(l, r.cfg.experimentID))
		if r.cfg.connectionTests {
			concerns = append(concerns, poller.ConnectionTests(l))
		}
	}
	for _, risk := range r.Risks() {
		concerns = append(concerns, poller.RiskEvaluations(l, risk))
	}
	return concerns
}

func (r *Runner) channelPoolConfig(m *metrics.Metrics) channel.Config {
	c := r.cfg.channel
	return channel.Config{
		URL:            c.URL,
		AuthURL:        c.AuthURL,
		AuthAPIKey:     c.AuthAPIKey,
		Headers:        c.Headers,
		Page:           c.Page,
		MaxConnections: c.MaxConnections,
		IdleTimeout:    c.IdleTimeout,
		ReplyTimeout:   c.ReplyTimeout,
		AcquireTimeout: c.AcquireTimeout,
		Metrics:        m,
	}
}

// evictIdle closes idle connections even when no new conversation is
// waiting for a slot.
func (r *Runner) evictIdle(ctx context.Context, channels *channel.Pool) {
	interval := channel.DefaultIdleTimeout / 2
	if r.cfg.channel.IdleTimeout > 0 {
		interval = r.cfg.channel.IdleTimeout / 2
	}
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := channels.EvictIdle(); n > 0 {
				r.logger.Debug("evicted idle channels", "count", n)
			}
		}
	}
}

// handler dispatches each item to the Judge or Completer for its kind.
//
// Items run on a context that outlives runCtx so they can finish during
// shutdown; only the wait for a channel connection is tied to runCtx.
func (r *Runner) handler(runCtx context.Context, channels *channel.Pool, m *metrics.Metrics) worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, in worker.Input) (worker.Result, error) {
		item := in.Item

		if item.Kind == work.KindRiskEvaluation {
			judge, ok := r.cfg.judges[item.RiskName]
			if !ok {
				return worker.Result{}, fmt.Errorf("no judge registered for risk %q", item.RiskName)
			}
			j, err := judge.Judge(ctx, item.Prompt, item.Response)
			if err != nil {
				return worker.Result{}, err
			}
			return worker.Result{Judgement: &j}, nil
		}

		if r.cfg.completer == nil {
			return worker.Result{}, fmt.Errorf("no completer configured for %s", item.Kind)
		}
		input := toInput(in)

		if channels != nil && item.Kind == work.KindTest && input.RoutingKey != "" {
			reply, err := sendOverChannel(runCtx, ctx, channels, input)
			if err == nil {
				return worker.Result{Response: reply}, nil
			}
			m.ChannelFallbacks.Inc()
			r.logger.Warn("channel unavailable, falling back to completer",
				"item", item.ID,
				"routing_key", input.RoutingKey,
				"error", err.Error(),
			)
		}

		resp, err := r.cfg.completer.Complete(ctx, input)
		if err != nil {
			return worker.Result{}, err
		}
		return worker.Result{Response: resp}, nil
	})
}

// sendOverChannel waits for a connection until ctx or runCtx ends, then
// sends on ctx alone so an exchange under way is not cut short by shutdown.
func sendOverChannel(runCtx, ctx context.Context, channels *channel.Pool, in Input) (string, error) {
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	conn, err := channels.Acquire(acquireCtx, in.RoutingKey)
	if err != nil {
		return "", err
	}
	return conn.Send(ctx, in.LastUserMessage())
}

func toInput(in worker.Input) Input {
	return Input{
		ItemID:       in.Item.ID,
		Kind:         in.Item.Kind,
		ExperimentID: in.Item.ExperimentID,
		RoutingKey:   in.Item.RoutingKey,
		Persona:      in.Item.Persona,
		Messages:     append([]Message(nil), in.Messages...),
		Metadata:     copyMap(in.Item.Metadata),
	}
}

// observe records each finished item in the outcome store and fans it out to
// the registered callbacks.
func (r *Runner) observe(outcomes store.Store) func(worker.Outcome) {
	return func(o worker.Outcome) {
		outcomes.Record(toRecord(o))

		if len(r.cfg.outcomeCallbacks) == 0 {
			return
		}
		public := Outcome{
			ItemID:       o.Item.ID,
			Kind:         o.Item.Kind,
			ExperimentID: o.Item.ExperimentID,
			RoutingKey:   o.Item.RoutingKey,
			RiskName:     o.Item.RiskName,
			Response:     o.Response,
			Judgement:    o.Judgement,
			Err:          o.Err,
			Duration:     o.Duration,
			FinishedAt:   o.FinishedAt,
		}
		for _, cb := range r.cfg.outcomeCallbacks {
			invokeCallbackSafe(cb, public, r.logger)
		}
	}
}

func toRecord(o worker.Outcome) store.Record {
	rec := store.Record{
		Key:          o.Item.Key(),
		ID:           o.Item.ID,
		Kind:         string(o.Item.Kind),
		ExperimentID: o.Item.ExperimentID,
		RoutingKey:   o.Item.RoutingKey,
		Status:       store.StatusCompleted,
		Response:     o.Response,
		DurationMs:   o.Duration.Milliseconds(),
		FinishedAt:   o.FinishedAt,
	}
	if o.Judgement != nil {
		triggered := o.Judgement.Triggered
		rec.Triggered = &triggered
	}
	if o.Err != nil {
		msg := o.Err.Error()
		rec.Status = store.StatusFailed
		rec.Error = &msg
		rec.Response = ""
	}
	return rec
}

// invokeCallbackSafe calls an outcome callback with panic recovery.
// Panics are logged but do not propagate.
func invokeCallbackSafe(cb func(Outcome), o Outcome, logger *slog.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("outcome callback panicked",
				"panic", rec,
				"item", o.ItemID,
				"stack", string(debug.Stack()),
			)
		}
	}()
	cb(o)
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
