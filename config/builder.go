package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jpalmerr/simrunner"
	"github.com/jpalmerr/simrunner/internal/completion"
)

// BuildOptions converts parsed configuration into runner options.
//
// The completion endpoint answers tests (unless completion.skip_tests is
// set) and judges every configured risk.
func BuildOptions(cfg *Config, logger *slog.Logger) ([]simrunner.Option, error) {
	client, err := completion.NewClient(completion.Config{
		URL:     cfg.Completion.URL,
		Model:   cfg.Completion.Model,
		APIKey:  cfg.Completion.APIKey,
		Timeout: cfg.Completion.Timeout.Duration(),
	})
	if err != nil {
		return nil, fmt.Errorf("completion: %w", err)
	}

	opts := []simrunner.Option{
		simrunner.WithControlPlane(cfg.ControlPlaneURL),
		simrunner.WithApplicationID(cfg.ApplicationID),
		simrunner.WithAPIKey(cfg.APIKey),
		simrunner.WithPollInterval(cfg.PollInterval.Duration()),
		simrunner.WithConnectionTests(cfg.ConnectionTests),
		simrunner.WithStatusPort(cfg.StatusPort),
	}

	if logger != nil {
		opts = append(opts, simrunner.WithLogger(logger))
	}
	if cfg.ExperimentID != "" {
		opts = append(opts, simrunner.WithExperiment(cfg.ExperimentID))
	}
	if cfg.MaxWorkers > 0 {
		opts = append(opts, simrunner.WithMaxWorkers(cfg.MaxWorkers))
	}
	if cfg.Throttle > 0 {
		opts = append(opts, simrunner.WithThrottle(cfg.Throttle.Duration()))
	}
	if cfg.RetryCeiling > 0 {
		opts = append(opts, simrunner.WithRetryCeiling(cfg.RetryCeiling))
	}
	if cfg.HTTPTimeout > 0 {
		opts = append(opts, simrunner.WithHTTPTimeout(cfg.HTTPTimeout.Duration()))
	}
	if cfg.ItemTimeout > 0 {
		opts = append(opts, simrunner.WithItemTimeout(cfg.ItemTimeout.Duration()))
	}
	if cfg.OutcomeHistory > 0 {
		opts = append(opts, simrunner.WithOutcomeHistory(cfg.OutcomeHistory))
	}

	if !cfg.Completion.SkipTests {
		opts = append(opts, simrunner.WithCompleter(completer(client)))
	}
	for _, risk := range cfg.Risks {
		opts = append(opts, simrunner.WithJudge(risk, judge(client, risk)))
	}

	if cfg.Channel != nil {
		opts = append(opts, simrunner.WithChannel(buildChannel(*cfg.Channel)))
	}

	return opts, nil
}

func completer(c *completion.Client) simrunner.Completer {
	return simrunner.CompleterFunc(func(ctx context.Context, in simrunner.Input) (string, error) {
		return c.Complete(ctx, in.Messages)
	})
}

func judge(c *completion.Client, risk string) simrunner.Judge {
	return simrunner.JudgeFunc(func(ctx context.Context, prompt, response string) (simrunner.Judgement, error) {
		return c.Evaluate(ctx, risk, prompt, response)
	})
}

func buildChannel(ch ChannelConfig) simrunner.ChannelConfig {
	headers := make(map[string]string, len(ch.Headers))
	for k, v := range ch.Headers {
		headers[k] = v
	}
	return simrunner.ChannelConfig{
		URL:            ch.URL,
		AuthURL:        ch.AuthURL,
		AuthAPIKey:     ch.AuthAPIKey,
		Headers:        headers,
		Page:           ch.Page,
		MaxConnections: ch.MaxConnections,
		IdleTimeout:    ch.IdleTimeout.Duration(),
		ReplyTimeout:   ch.ReplyTimeout.Duration(),
		AcquireTimeout: ch.AcquireTimeout.Duration(),
	}
}
