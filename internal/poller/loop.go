package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jpalmerr/simrunner/internal/metrics"
	"github.com/jpalmerr/simrunner/internal/work"
)

// DefaultInterval is the sleep between discovery cycles that found nothing new.
const DefaultInterval = 5 * time.Second

// ErrAlreadyRun is returned by [Loop.Run] on a loop that has already run.
var ErrAlreadyRun = errors.New("poll loop already run")

// State is the lifecycle state of a [Loop].
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Enqueuer admits discovered items. [queue.Queue] satisfies it.
type Enqueuer interface {
	TryEnqueue(item work.Item) bool
}

// Config configures a [Loop]. Zero values select defaults.
type Config struct {
	// Interval is slept after a cycle that admitted nothing or failed.
	// Defaults to [DefaultInterval].
	Interval time.Duration

	// RetryCeiling defaults to [DefaultRetryCeiling].
	RetryCeiling int

	// Metrics receives poll errors and discovery counts. Nil gets a private,
	// unregistered set.
	Metrics *metrics.Metrics
}

// Loop polls its concerns until cancelled or a fatal error occurs.
//
// Each concern runs in its own goroutine with its own [RetryBudget]. The
// first fatal error cancels the remaining concerns.
type Loop struct {
	cfg      Config
	concerns []Concern
	queue    Enqueuer
	logger   *slog.Logger

	mu    sync.Mutex
	ran   bool
	state atomic.Int32
}

// NewLoop creates a [Loop] offering items from concerns to q.
func NewLoop(cfg Config, concerns []Concern, q Enqueuer, logger *slog.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = DefaultRetryCeiling
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:      cfg,
		concerns: concerns,
		queue:    q,
		logger:   logger,
	}
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Run polls until ctx is cancelled, returning nil, or until a concern
// escalates, returning a [*work.FatalError].
//
// Run blocks. It may be called only once.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.ran {
		l.mu.Unlock()
		return ErrAlreadyRun
	}
	l.ran = true
	l.state.Store(int32(StateRunning))
	l.mu.Unlock()
	defer l.state.Store(int32(StateStopped))

	l.logger.Info("poll loop started",
		"concerns", len(l.concerns),
		"interval", l.cfg.Interval,
		"retry_ceiling", l.cfg.RetryCeiling,
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range l.concerns {
		g.Go(func() error {
			return l.runConcern(gctx, c)
		})
	}

	err := g.Wait()
	if err != nil {
		l.logger.Error("poll loop stopped", "error", err.Error())
		return err
	}
	l.logger.Info("poll loop stopped")
	return nil
}

func (l *Loop) runConcern(ctx context.Context, c Concern) error {
	name := c.Name()
	budget := NewRetryBudget(l.cfg.RetryCeiling)

	for ctx.Err() == nil {
		admitted, err := l.cycle(ctx, c)

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.cfg.Metrics.PollErrors.WithLabelValues(name).Inc()

			var fatal *work.FatalError
			if errors.As(err, &fatal) {
				return fatal
			}

			exceeded := budget.Fail()
			l.cfg.Metrics.RetryBudgetUsed.WithLabelValues(name).Set(float64(budget.Count()))
			if exceeded {
				return &work.FatalError{
					Op:  "discover " + name,
					Err: fmt.Errorf("retry budget exhausted after %d consecutive failures: %w", budget.Count(), err),
				}
			}

			l.logger.Warn("discovery failed",
				"concern", name,
				"attempt", budget.Count(),
				"ceiling", l.cfg.RetryCeiling,
				"error", err.Error(),
			)
		} else {
			if budget.Count() > 0 {
				l.logger.Info("discovery recovered", "concern", name, "after", budget.Count())
			}
			budget.Reset()
			l.cfg.Metrics.RetryBudgetUsed.WithLabelValues(name).Set(0)
		}

		// keep draining while discovery keeps producing new work
		if err == nil && admitted > 0 {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(l.cfg.Interval):
		}
	}
	return nil
}

// cycle runs one discovery and returns how many items were newly admitted.
func (l *Loop) cycle(ctx context.Context, c Concern) (int, error) {
	items, err := c.Discover(ctx)
	if err != nil {
		return 0, err
	}

	admitted := 0
	for _, item := range items {
		if l.queue.TryEnqueue(item) {
			admitted++
		}
	}
	if admitted > 0 {
		l.cfg.Metrics.ItemsDiscovered.WithLabelValues(c.Name()).Add(float64(admitted))
		l.logger.Debug("items admitted",
			"concern", c.Name(),
			"admitted", admitted,
			"listed", len(items),
		)
	}
	return admitted, nil
}
