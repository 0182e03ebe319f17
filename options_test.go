package simrunner

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func echoCompleter() Completer {
	return CompleterFunc(func(_ context.Context, in Input) (string, error) {
		return "echo: " + in.LastUserMessage(), nil
	})
}

func requiredOptions() []Option {
	return []Option{
		WithControlPlane("https://api.example.com"),
		WithApplicationID("app-1"),
		WithAPIKey("secret"),
	}
}

func TestNew_Valid(t *testing.T) {
	r, err := New(append(requiredOptions(), WithCompleter(echoCompleter()))...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if r.PollInterval() != 5*time.Second {
		t.Errorf("PollInterval() = %v, want %v", r.PollInterval(), 5*time.Second)
	}
	if r.MaxWorkers() <= 0 {
		t.Errorf("MaxWorkers() = %d, want positive", r.MaxWorkers())
	}
}

func TestNew_MissingRequired(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want string
	}{
		{
			name: "no control plane",
			opts: []Option{WithApplicationID("a"), WithAPIKey("k"), WithCompleter(echoCompleter())},
			want: "control plane url is required",
		},
		{
			name: "no application",
			opts: []Option{WithControlPlane("http://cp"), WithAPIKey("k"), WithCompleter(echoCompleter())},
			want: "application id is required",
		},
		{
			name: "no api key",
			opts: []Option{WithControlPlane("http://cp"), WithApplicationID("a"), WithCompleter(echoCompleter())},
			want: "api key is required",
		},
		{
			name: "nothing to run",
			opts: requiredOptions(),
			want: "a completer or at least one judge is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts...)
			if err == nil {
				t.Fatal("New() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("New() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestNew_JudgeOnly(t *testing.T) {
	judge := JudgeFunc(func(context.Context, string, string) (Judgement, error) {
		return Judgement{}, nil
	})

	r, err := New(append(requiredOptions(),
		WithJudge("toxicity", judge),
		WithJudge("bias", judge),
	)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	risks := r.Risks()
	if len(risks) != 2 || risks[0] != "bias" || risks[1] != "toxicity" {
		t.Errorf("Risks() = %v, want [bias toxicity]", risks)
	}
}

func TestWithJudge_Duplicate(t *testing.T) {
	judge := JudgeFunc(func(context.Context, string, string) (Judgement, error) {
		return Judgement{}, nil
	})

	_, err := New(append(requiredOptions(),
		WithJudge("toxicity", judge),
		WithJudge("toxicity", judge),
	)...)
	if err == nil || !strings.Contains(err.Error(), "duplicate judge") {
		t.Errorf("New() error = %v, want duplicate judge error", err)
	}
}

func TestOptions_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"control plane without scheme", WithControlPlane("api.example.com")},
		{"control plane ftp", WithControlPlane("ftp://api.example.com")},
		{"blank api key", WithAPIKey("  ")},
		{"blank application", WithApplicationID("")},
		{"nil completer", WithCompleter(nil)},
		{"blank risk", WithJudge(" ", JudgeFunc(nil))},
		{"nil judge", WithJudge("toxicity", nil)},
		{"zero workers", WithMaxWorkers(0)},
		{"negative throttle", WithThrottle(-time.Second)},
		{"zero poll interval", WithPollInterval(0)},
		{"zero retry ceiling", WithRetryCeiling(0)},
		{"zero http timeout", WithHTTPTimeout(0)},
		{"negative item timeout", WithItemTimeout(-time.Second)},
		{"channel bad scheme", WithChannel(ChannelConfig{URL: "tcp://chat.example.com"})},
		{"channel no host", WithChannel(ChannelConfig{URL: "wss://"})},
		{"channel negative max", WithChannel(ChannelConfig{URL: "wss://chat.example.com", MaxConnections: -1})},
		{"status port too high", WithStatusPort(70000)},
		{"zero outcome history", WithOutcomeHistory(0)},
		{"nil logger", WithLogger(nil)},
		{"nil registry", WithRegistry(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := runnerConfig{judges: make(map[string]Judge)}
			if err := tt.opt(&cfg); err == nil {
				t.Error("option expected error, got nil")
			}
		})
	}
}

func TestWithControlPlane_TrimsSlash(t *testing.T) {
	cfg := runnerConfig{}
	if err := WithControlPlane("https://api.example.com/")(&cfg); err != nil {
		t.Fatalf("WithControlPlane() error = %v", err)
	}
	if cfg.controlPlaneURL != "https://api.example.com" {
		t.Errorf("controlPlaneURL = %q, want %q", cfg.controlPlaneURL, "https://api.example.com")
	}
}

func TestWithChannel_Stored(t *testing.T) {
	cfg := runnerConfig{}
	err := WithChannel(ChannelConfig{URL: "wss://chat.example.com/ws", MaxConnections: 2})(&cfg)
	if err != nil {
		t.Fatalf("WithChannel() error = %v", err)
	}
	if cfg.channel == nil || cfg.channel.MaxConnections != 2 {
		t.Errorf("channel = %+v, want MaxConnections 2", cfg.channel)
	}
}

func TestWithOutcomeCallback_NilIgnored(t *testing.T) {
	cfg := runnerConfig{}
	if err := WithOutcomeCallback(nil)(&cfg); err != nil {
		t.Fatalf("WithOutcomeCallback(nil) error = %v", err)
	}
	if len(cfg.outcomeCallbacks) != 0 {
		t.Errorf("len(outcomeCallbacks) = %d, want 0", len(cfg.outcomeCallbacks))
	}
}

func TestWithLogger_Used(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	r, err := New(append(requiredOptions(), WithCompleter(echoCompleter()), WithLogger(logger))...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if r.logger != logger {
		t.Error("runner did not keep the configured logger")
	}
}
