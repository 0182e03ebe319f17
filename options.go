package simrunner

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// runnerConfig holds mutable state during Runner construction.
type runnerConfig struct {
	controlPlaneURL string
	apiKey          string
	applicationID   string
	experimentID    string

	completer Completer
	judges    map[string]Judge

	maxWorkers      int
	throttle        time.Duration
	pollInterval    time.Duration
	retryCeiling    int
	httpTimeout     time.Duration
	itemTimeout     time.Duration
	connectionTests bool

	channel *ChannelConfig

	statusPort       int
	outcomeCapacity  int
	registry         *prometheus.Registry
	logger           *slog.Logger
	outcomeCallbacks []func(Outcome)
}

// Option is a function that configures a [Runner] during construction.
//
// Options return an error if validation fails.
type Option func(*runnerConfig) error

// WithControlPlane sets the control plane base URL, e.g.
// "https://api.example.com". Required.
func WithControlPlane(rawURL string) Option {
	return func(cfg *runnerConfig) error {
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid control plane url %q", rawURL)
		}
		cfg.controlPlaneURL = strings.TrimRight(rawURL, "/")
		return nil
	}
}

// WithAPIKey sets the control plane API key. Required.
func WithAPIKey(key string) Option {
	return func(cfg *runnerConfig) error {
		if strings.TrimSpace(key) == "" {
			return errors.New("api key cannot be empty")
		}
		cfg.apiKey = key
		return nil
	}
}

// WithApplicationID sets the application the runner answers for. Required.
func WithApplicationID(id string) Option {
	return func(cfg *runnerConfig) error {
		if strings.TrimSpace(id) == "" {
			return errors.New("application id cannot be empty")
		}
		cfg.applicationID = id
		return nil
	}
}

// WithExperiment restricts test discovery to a single experiment.
func WithExperiment(id string) Option {
	return func(cfg *runnerConfig) error {
		cfg.experimentID = id
		return nil
	}
}

// WithCompleter sets the function that answers tests and connection tests.
//
// Without a Completer the runner only evaluates risks.
func WithCompleter(c Completer) Option {
	return func(cfg *runnerConfig) error {
		if c == nil {
			return errors.New("completer cannot be nil")
		}
		cfg.completer = c
		return nil
	}
}

// WithJudge registers a judge for the named risk. Each registered risk is
// polled independently.
func WithJudge(risk string, j Judge) Option {
	return func(cfg *runnerConfig) error {
		if strings.TrimSpace(risk) == "" {
			return errors.New("risk name cannot be empty")
		}
		if j == nil {
			return fmt.Errorf("judge for risk %q cannot be nil", risk)
		}
		if _, dup := cfg.judges[risk]; dup {
			return fmt.Errorf("duplicate judge for risk %q", risk)
		}
		cfg.judges[risk] = j
		return nil
	}
}

// WithMaxWorkers bounds how many items are processed at once. Defaults to
// min(32, NumCPU+4).
func WithMaxWorkers(n int) Option {
	return func(cfg *runnerConfig) error {
		if n <= 0 {
			return errors.New("max workers must be positive")
		}
		cfg.maxWorkers = n
		return nil
	}
}

// WithThrottle sets a fixed delay between successive dispatches.
func WithThrottle(d time.Duration) Option {
	return func(cfg *runnerConfig) error {
		if d < 0 {
			return errors.New("throttle cannot be negative")
		}
		cfg.throttle = d
		return nil
	}
}

// WithPollInterval sets the sleep between discovery cycles that found
// nothing new. Defaults to 5 seconds.
func WithPollInterval(d time.Duration) Option {
	return func(cfg *runnerConfig) error {
		if d <= 0 {
			return errors.New("poll interval must be positive")
		}
		cfg.pollInterval = d
		return nil
	}
}

// WithRetryCeiling sets how many consecutive discovery failures are
// tolerated before the runner stops. Defaults to 20.
func WithRetryCeiling(n int) Option {
	return func(cfg *runnerConfig) error {
		if n <= 0 {
			return errors.New("retry ceiling must be positive")
		}
		cfg.retryCeiling = n
		return nil
	}
}

// WithHTTPTimeout bounds each control plane request. Defaults to 30 seconds.
func WithHTTPTimeout(d time.Duration) Option {
	return func(cfg *runnerConfig) error {
		if d <= 0 {
			return errors.New("http timeout must be positive")
		}
		cfg.httpTimeout = d
		return nil
	}
}

// WithItemTimeout bounds the processing of one item, including the
// conversation walk and the Completer or Judge call. Zero means no limit.
func WithItemTimeout(d time.Duration) Option {
	return func(cfg *runnerConfig) error {
		if d < 0 {
			return errors.New("item timeout cannot be negative")
		}
		cfg.itemTimeout = d
		return nil
	}
}

// WithConnectionTests enables answering pending connection tests. It has
// no effect without a Completer.
func WithConnectionTests(enabled bool) Option {
	return func(cfg *runnerConfig) error {
		cfg.connectionTests = enabled
		return nil
	}
}

// WithChannel routes tests over a pool of persistent connections.
func WithChannel(c ChannelConfig) Option {
	return func(cfg *runnerConfig) error {
		u, err := url.Parse(c.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid channel url %q", c.URL)
		}
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return fmt.Errorf("invalid channel url %q: scheme must be ws or wss", c.URL)
		}
		if c.MaxConnections < 0 {
			return errors.New("channel max connections cannot be negative")
		}
		cfg.channel = &c
		return nil
	}
}

// WithStatusPort serves the status API on port. Zero, the default,
// disables the status server.
func WithStatusPort(port int) Option {
	return func(cfg *runnerConfig) error {
		if port < 0 || port > 65535 {
			return errors.New("status port must be between 0 and 65535")
		}
		cfg.statusPort = port
		return nil
	}
}

// WithOutcomeHistory sets how many recent outcomes the status API keeps.
// Defaults to 1000.
func WithOutcomeHistory(n int) Option {
	return func(cfg *runnerConfig) error {
		if n <= 0 {
			return errors.New("outcome history must be positive")
		}
		cfg.outcomeCapacity = n
		return nil
	}
}

// WithRegistry registers the runner's metrics on reg for the duration of
// each [Runner.Start], and serves reg from the status server. Without it
// every run gets a fresh registry with Go and process collectors.
//
// Two runners sharing one registry cannot run at the same time.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(cfg *runnerConfig) error {
		if reg == nil {
			return errors.New("registry cannot be nil")
		}
		cfg.registry = reg
		return nil
	}
}

// WithLogger sets a custom [slog.Logger]. If not specified, [slog.Default]
// is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *runnerConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithOutcomeCallback registers a function called once per finished item,
// after the result was reported to the control plane.
//
// Callbacks run on the worker goroutine that processed the item, so they
// run concurrently with each other and should return quickly. Panics are
// recovered and logged.
//
// Nil callbacks are silently ignored.
func WithOutcomeCallback(cb func(Outcome)) Option {
	return func(cfg *runnerConfig) error {
		if cb == nil {
			return nil
		}
		cfg.outcomeCallbacks = append(cfg.outcomeCallbacks, cb)
		return nil
	}
}
