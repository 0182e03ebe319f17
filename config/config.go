// Package config provides YAML configuration parsing for simrunner.
//
// This package enables running simrunner as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	control_plane_url: https://api.example.com
//	application_id: ${GUARDRAILS_APP_ID}
//	poll_interval: 5s
//	max_workers: 8
//	status_port: 8080
//
//	completion:
//	  url: https://api.openai.com/v1/chat/completions
//	  model: gpt-4o-mini
//	  api_key: ${OPENAI_API_KEY}
//
//	risks: [toxicity, jailbreak]
//
//	channel:
//	  url: wss://chat.example.com/ws
//	  auth_url: https://chat.example.com/authorize
//	  max_connections: 4
//
// The control plane API key is read from api_key, then the GUARDRAILS_TOKEN
// environment variable, then the token line of ~/.guardrailsrc.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// minPollInterval is the minimum allowed polling interval for production
// configs. It keeps a misconfigured runner from hammering the control plane.
const minPollInterval = 1 * time.Second

const (
	defaultPollInterval = 5 * time.Second
	defaultRetryCeiling = 20
	defaultLogLevel     = "info"
)

// Environment variables consulted when the file leaves a credential empty.
const (
	EnvToken           = "GUARDRAILS_TOKEN"
	EnvApplicationID   = "GUARDRAILS_APP_ID"
	EnvControlPlaneURL = "CONTROL_PLANE_URL"
)

// rcFileName is looked up in the user's home directory.
const rcFileName = ".guardrailsrc"

// Config is the root configuration structure for simrunner.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// ControlPlaneURL is the control plane root. Falls back to
	// CONTROL_PLANE_URL.
	ControlPlaneURL string `yaml:"control_plane_url"`

	// ApplicationID is the application under test. Falls back to
	// GUARDRAILS_APP_ID.
	ApplicationID string `yaml:"application_id"`

	// APIKey authenticates against the control plane. Falls back to
	// GUARDRAILS_TOKEN and then ~/.guardrailsrc.
	APIKey string `yaml:"api_key"`

	// ExperimentID restricts test discovery to one experiment.
	ExperimentID string `yaml:"experiment_id"`

	// MaxWorkers bounds concurrent items. Zero selects the runtime default.
	MaxWorkers int `yaml:"max_workers"`

	// Throttle is a fixed delay between dispatches.
	Throttle Duration `yaml:"throttle"`

	// PollInterval is the sleep after a discovery cycle that found nothing.
	// Defaults to 5s.
	PollInterval Duration `yaml:"poll_interval"`

	// RetryCeiling is the number of consecutive discovery failures
	// tolerated per concern. Defaults to 20.
	RetryCeiling int `yaml:"retry_ceiling"`

	HTTPTimeout Duration `yaml:"http_timeout"`
	ItemTimeout Duration `yaml:"item_timeout"`

	// ConnectionTests enables answering pending connection tests.
	ConnectionTests bool `yaml:"connection_tests"`

	// StatusPort serves the status API. Zero disables it.
	StatusPort int `yaml:"status_port"`

	// OutcomeHistory is how many recent outcomes the status API keeps.
	OutcomeHistory int `yaml:"outcome_history"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level"`

	// Completion answers tests and judges risks.
	Completion CompletionConfig `yaml:"completion"`

	// Risks names the risks to evaluate with the completion model.
	Risks []string `yaml:"risks"`

	// Channel, when set, routes tests over persistent connections.
	Channel *ChannelConfig `yaml:"channel"`
}

// CompletionConfig points at an OpenAI-compatible chat completions endpoint.
type CompletionConfig struct {
	// URL supports environment variable substitution.
	URL string `yaml:"url"`

	Model string `yaml:"model"`

	// APIKey supports environment variable substitution.
	APIKey string `yaml:"api_key"`

	Timeout Duration `yaml:"timeout"`

	// SkipTests disables answering tests, leaving only risk evaluation.
	SkipTests bool `yaml:"skip_tests"`
}

// ChannelConfig configures the persistent connection pool.
type ChannelConfig struct {
	URL        string            `yaml:"url"`
	AuthURL    string            `yaml:"auth_url"`
	AuthAPIKey string            `yaml:"auth_api_key"`
	Headers    map[string]string `yaml:"headers"`
	Page       string            `yaml:"page"`

	MaxConnections int      `yaml:"max_connections"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
	ReplyTimeout   Duration `yaml:"reply_timeout"`
	AcquireTimeout Duration `yaml:"acquire_timeout"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Level returns the slog level for LogLevel.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in URLs, credentials and header values.
// Missing credentials are resolved from the environment and the rc file.
// Defaults are applied for PollInterval (5s), RetryCeiling (20) and
// LogLevel (info).
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = Duration(defaultPollInterval)
	}
	if cfg.RetryCeiling == 0 {
		cfg.RetryCeiling = defaultRetryCeiling
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}

	if err := cfg.expand(); err != nil {
		return nil, err
	}
	if err := cfg.resolveCredentials(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

type expandField struct {
	name string
	ptr  *string
}

// expand substitutes environment variables in every field that accepts them.
func (c *Config) expand() error {
	fields := []expandField{
		{"control_plane_url", &c.ControlPlaneURL},
		{"application_id", &c.ApplicationID},
		{"api_key", &c.APIKey},
		{"experiment_id", &c.ExperimentID},
		{"completion.url", &c.Completion.URL},
		{"completion.api_key", &c.Completion.APIKey},
	}
	if c.Channel != nil {
		fields = append(fields,
			expandField{"channel.url", &c.Channel.URL},
			expandField{"channel.auth_url", &c.Channel.AuthURL},
			expandField{"channel.auth_api_key", &c.Channel.AuthAPIKey},
		)
	}

	for _, f := range fields {
		expanded, err := expandEnvVars(*f.ptr)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.ptr = expanded
	}

	if c.Channel != nil {
		for k, v := range c.Channel.Headers {
			expanded, err := expandEnvVars(v)
			if err != nil {
				return fmt.Errorf("channel.headers[%s]: %w", k, err)
			}
			c.Channel.Headers[k] = expanded
		}
	}
	return nil
}

// resolveCredentials fills credentials the file left empty.
func (c *Config) resolveCredentials() error {
	if c.ControlPlaneURL == "" {
		c.ControlPlaneURL = os.Getenv(EnvControlPlaneURL)
	}
	if c.ApplicationID == "" {
		c.ApplicationID = os.Getenv(EnvApplicationID)
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv(EnvToken)
	}
	if c.APIKey == "" {
		token, err := readRCToken()
		if err != nil {
			return err
		}
		c.APIKey = token
	}
	return nil
}

// readRCToken returns the token from ~/.guardrailsrc, or "" when the file
// does not exist.
func readRCToken() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", nil
	}
	path := filepath.Join(home, rcFileName)

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "token" {
			continue
		}
		return strings.Trim(strings.TrimSpace(value), `"'`), nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return "", nil
}

func (c *Config) validate() error {
	if c.ControlPlaneURL == "" {
		return fmt.Errorf("control_plane_url is required (or set %s)", EnvControlPlaneURL)
	}
	if err := validateURL("control_plane_url", c.ControlPlaneURL, "http", "https"); err != nil {
		return err
	}
	if c.ApplicationID == "" {
		return fmt.Errorf("application_id is required (or set %s)", EnvApplicationID)
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required (or set %s, or add a token to ~/%s)", EnvToken, rcFileName)
	}

	if c.MaxWorkers < 0 {
		return fmt.Errorf("max_workers cannot be negative, got %d", c.MaxWorkers)
	}
	if c.Throttle.Duration() < 0 {
		return fmt.Errorf("throttle cannot be negative, got %s", c.Throttle.Duration())
	}
	if c.PollInterval.Duration() < minPollInterval {
		return fmt.Errorf("poll_interval must be at least %s, got %s", minPollInterval, c.PollInterval.Duration())
	}
	if c.RetryCeiling < 0 {
		return fmt.Errorf("retry_ceiling cannot be negative, got %d", c.RetryCeiling)
	}
	if c.HTTPTimeout != 0 && c.HTTPTimeout.Duration() < time.Second {
		return fmt.Errorf("http_timeout must be at least 1s if specified, got %s", c.HTTPTimeout.Duration())
	}
	if c.ItemTimeout.Duration() < 0 {
		return fmt.Errorf("item_timeout cannot be negative, got %s", c.ItemTimeout.Duration())
	}
	if c.StatusPort < 0 || c.StatusPort > 65535 {
		return fmt.Errorf("status_port must be between 0 and 65535, got %d", c.StatusPort)
	}
	if c.OutcomeHistory < 0 {
		return fmt.Errorf("outcome_history cannot be negative, got %d", c.OutcomeHistory)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Completion.URL == "" {
		return errors.New("completion.url is required")
	}
	if err := validateURL("completion.url", c.Completion.URL, "http", "https"); err != nil {
		return err
	}
	if c.Completion.Timeout.Duration() < 0 {
		return fmt.Errorf("completion.timeout cannot be negative, got %s", c.Completion.Timeout.Duration())
	}
	if c.Completion.SkipTests && len(c.Risks) == 0 {
		return errors.New("completion.skip_tests requires at least one risk")
	}

	seen := make(map[string]struct{}, len(c.Risks))
	for i, risk := range c.Risks {
		if strings.TrimSpace(risk) == "" {
			return fmt.Errorf("risks[%d]: name is required", i)
		}
		if _, dup := seen[risk]; dup {
			return fmt.Errorf("risks[%d]: duplicate risk %q", i, risk)
		}
		seen[risk] = struct{}{}
	}

	if c.Channel != nil {
		return c.Channel.validate()
	}
	return nil
}

func (ch *ChannelConfig) validate() error {
	if ch.URL == "" {
		return errors.New("channel.url is required when channel is set")
	}
	if err := validateURL("channel.url", ch.URL, "ws", "wss", "http", "https"); err != nil {
		return err
	}
	if ch.AuthURL != "" {
		if err := validateURL("channel.auth_url", ch.AuthURL, "http", "https"); err != nil {
			return err
		}
	}
	if ch.MaxConnections < 0 {
		return fmt.Errorf("channel.max_connections cannot be negative, got %d", ch.MaxConnections)
	}

	durations := []struct {
		name string
		d    Duration
	}{
		{"channel.idle_timeout", ch.IdleTimeout},
		{"channel.reply_timeout", ch.ReplyTimeout},
		{"channel.acquire_timeout", ch.AcquireTimeout},
	}
	for _, d := range durations {
		if d.d.Duration() < 0 {
			return fmt.Errorf("%s cannot be negative, got %s", d.name, d.d.Duration())
		}
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid url: %w", field, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: url must have a scheme and host, got %q", field, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s: url scheme must be one of %s, got %q", field, strings.Join(schemes, ", "), u.Scheme)
}
