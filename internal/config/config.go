// Package config loads and validates the bridge runtime configuration.
//
// Configuration lives in ~/.bridge/config.toml and can be overridden with
// environment variables. All tuning knobs are bounded: a bad value fails
// Validate at startup rather than misbehaving at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ProgressMode controls where session.progress events are delivered.
type ProgressMode string

const (
	ProgressOff     ProgressMode = "off"     // progress events are dropped
	ProgressThread  ProgressMode = "thread"  // delivered to the pending request's thread
	ProgressChannel ProgressMode = "channel" // delivered to the instance's channel
)

// Config is the complete bridge runtime configuration.
type Config struct {
	Platform string `toml:"platform"` // "discord" or "slack"

	Discord DiscordConfig `toml:"discord"`
	Slack   SlackConfig   `toml:"slack"`
	Server  ServerConfig  `toml:"server"`
	Poller  PollerConfig  `toml:"poller"`
	Hooks   HooksConfig   `toml:"hooks"`
	Submit  SubmitConfig  `toml:"submit"`

	// ConfigPath and StatePath are resolved, not read from the file.
	ConfigPath string `toml:"-"`
	StatePath  string `toml:"-"`
}

// DiscordConfig holds Discord credentials.
type DiscordConfig struct {
	Token string `toml:"token"`
}

// SlackConfig holds Slack credentials. AppToken is the app-level token
// (xapp-) Socket Mode connects with.
type SlackConfig struct {
	Token    string `toml:"token"`
	AppToken string `toml:"app_token"`
}

// ServerConfig configures the localhost hook server.
type ServerConfig struct {
	Port int `toml:"port"`
}

// PollerConfig tunes the capture poller heuristics. The quiet-poll counts
// and echo bounds shape completion detection; they are empirical policy,
// not correctness guarantees.
type PollerConfig struct {
	IntervalMs         int          `toml:"interval_ms"`
	QuietPolls         int          `toml:"quiet_polls"`          // steady-state quiet polls before completion
	InitialQuietPolls  int          `toml:"initial_quiet_polls"`  // quiet polls before first output (banner skip)
	StaleAlertSecs     int          `toml:"stale_alert_secs"`     // advisory flag for long-stuck turns
	PromptEchoFilter   bool         `toml:"prompt_echo_filter"`   // suppress echoed prompts after submit
	PromptEchoMaxPolls int          `toml:"prompt_echo_max_polls"`
	FinalOnlyAgents    []string     `toml:"final_only_agents"` // agent types flushed once per turn
	LongOutputMinChars int          `toml:"long_output_min_chars"`
	ProgressMode       ProgressMode `toml:"progress_mode"`
	CaptureLines       int          `toml:"capture_lines"`
}

// HooksConfig tunes the event-hook client retry behavior.
type HooksConfig struct {
	TimeoutMs     int `toml:"timeout_ms"`
	RetryMax      int `toml:"retry_max"`
	BackoffBaseMs int `toml:"backoff_base_ms"`
	BackoffCapMs  int `toml:"backoff_cap_ms"`
}

// SubmitConfig tunes agent submission protocols.
type SubmitConfig struct {
	OpencodeDelayMs int `toml:"opencode_delay_ms"` // gap between typed text and Enter
}

// Default returns a Config with the shipped defaults applied.
func Default() *Config {
	return &Config{
		Platform: "discord",
		Server:   ServerConfig{Port: 18470},
		Poller: PollerConfig{
			IntervalMs:         1000,
			QuietPolls:         3,
			InitialQuietPolls:  2,
			StaleAlertSecs:     120,
			PromptEchoFilter:   true,
			PromptEchoMaxPolls: 8,
			LongOutputMinChars: 6000,
			ProgressMode:       ProgressOff,
			CaptureLines:       2000,
		},
		Hooks: HooksConfig{
			TimeoutMs:     5000,
			RetryMax:      5,
			BackoffBaseMs: 500,
			BackoffCapMs:  15000,
		},
		Submit: SubmitConfig{OpencodeDelayMs: 75},
	}
}

// Load reads the config file, applies environment overrides, and validates.
// A missing config file is fine; defaults plus env vars apply.
func Load() (*Config, error) {
	cfg := Default()

	configPath, err := resolvePath("BRIDGE_CONFIG_PATH", "config.toml")
	if err != nil {
		return nil, err
	}
	statePath, err := resolvePath("BRIDGE_STATE_PATH", "state.json")
	if err != nil {
		return nil, err
	}
	cfg.ConfigPath = configPath
	cfg.StatePath = statePath

	if _, err := toml.DecodeFile(configPath, cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", configPath, err)
	}

	applyEnvOverrides(cfg)

	cfg.Discord.Token = NormalizeToken(cfg.Discord.Token)
	cfg.Slack.Token = NormalizeToken(cfg.Slack.Token)
	cfg.Slack.AppToken = NormalizeToken(cfg.Slack.AppToken)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolvePath(envVar, filename string) (string, error) {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".bridge", filename), nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" && cfg.Discord.Token == "" {
		cfg.Discord.Token = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" && cfg.Slack.Token == "" {
		cfg.Slack.Token = v
	}
	if v := os.Getenv("SLACK_APP_TOKEN"); v != "" && cfg.Slack.AppToken == "" {
		cfg.Slack.AppToken = v
	}
	if v := os.Getenv("BRIDGE_HOOK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BRIDGE_PLATFORM"); v != "" {
		cfg.Platform = v
	}
}

// NormalizeToken cleans up a copy-pasted bot token: surrounding quotes,
// "Bot "/"Bearer " prefixes, and embedded whitespace.
func NormalizeToken(input string) string {
	token := strings.TrimSpace(input)
	if token == "" {
		return ""
	}

	if len(token) >= 2 {
		if (token[0] == '"' && token[len(token)-1] == '"') ||
			(token[0] == '\'' && token[len(token)-1] == '\'') {
			token = strings.TrimSpace(token[1 : len(token)-1])
		}
	}

	lowered := strings.ToLower(token)
	if strings.HasPrefix(lowered, "bot ") || strings.HasPrefix(lowered, "bearer ") {
		if _, rest, ok := strings.Cut(token, " "); ok {
			token = strings.TrimSpace(rest)
		}
	}

	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, token)
}

// Validate checks every tuning knob against its documented bounds.
// Validation failure is the only fatal error class in the bridge.
func (c *Config) Validate() error {
	if c.Platform != "discord" && c.Platform != "slack" {
		return fmt.Errorf("platform must be discord or slack, got %q", c.Platform)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Poller.IntervalMs < 250 || c.Poller.IntervalMs > 60000 {
		return fmt.Errorf("poller.interval_ms %d outside 250-60000", c.Poller.IntervalMs)
	}
	if c.Poller.QuietPolls < 1 || c.Poller.QuietPolls > 100 {
		return fmt.Errorf("poller.quiet_polls %d outside 1-100", c.Poller.QuietPolls)
	}
	if c.Poller.InitialQuietPolls < 1 || c.Poller.InitialQuietPolls > 100 {
		return fmt.Errorf("poller.initial_quiet_polls %d outside 1-100", c.Poller.InitialQuietPolls)
	}
	if c.Poller.StaleAlertSecs < 10 {
		return fmt.Errorf("poller.stale_alert_secs %d below 10", c.Poller.StaleAlertSecs)
	}
	if c.Poller.PromptEchoMaxPolls < 1 || c.Poller.PromptEchoMaxPolls > 100 {
		return fmt.Errorf("poller.prompt_echo_max_polls %d outside 1-100", c.Poller.PromptEchoMaxPolls)
	}
	if c.Poller.CaptureLines < 50 || c.Poller.CaptureLines > 50000 {
		return fmt.Errorf("poller.capture_lines %d outside 50-50000", c.Poller.CaptureLines)
	}
	switch c.Poller.ProgressMode {
	case ProgressOff, ProgressThread, ProgressChannel:
	default:
		return fmt.Errorf("poller.progress_mode %q not one of off|thread|channel", c.Poller.ProgressMode)
	}
	if c.Hooks.TimeoutMs < 100 || c.Hooks.TimeoutMs > 60000 {
		return fmt.Errorf("hooks.timeout_ms %d outside 100-60000", c.Hooks.TimeoutMs)
	}
	if c.Hooks.RetryMax < 0 || c.Hooks.RetryMax > 50 {
		return fmt.Errorf("hooks.retry_max %d outside 0-50", c.Hooks.RetryMax)
	}
	if c.Hooks.BackoffBaseMs < 10 {
		return fmt.Errorf("hooks.backoff_base_ms %d below 10", c.Hooks.BackoffBaseMs)
	}
	if c.Hooks.BackoffCapMs < c.Hooks.BackoffBaseMs {
		return fmt.Errorf("hooks.backoff_cap_ms %d below backoff_base_ms %d",
			c.Hooks.BackoffCapMs, c.Hooks.BackoffBaseMs)
	}
	if c.Submit.OpencodeDelayMs < 0 || c.Submit.OpencodeDelayMs > 5000 {
		return fmt.Errorf("submit.opencode_delay_ms %d outside 0-5000", c.Submit.OpencodeDelayMs)
	}
	return nil
}

// PollInterval returns the capture poll interval as a Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poller.IntervalMs) * time.Millisecond
}

// StaleAlertAfter returns the stale-turn advisory threshold.
func (c *Config) StaleAlertAfter() time.Duration {
	return time.Duration(c.Poller.StaleAlertSecs) * time.Second
}

// OpencodeDelay returns the pause between typed text and Enter for opencode.
func (c *Config) OpencodeDelay() time.Duration {
	return time.Duration(c.Submit.OpencodeDelayMs) * time.Millisecond
}

// HookTimeout returns the per-request deadline for hook event posts.
func (c *Config) HookTimeout() time.Duration {
	return time.Duration(c.Hooks.TimeoutMs) * time.Millisecond
}

// IsFinalOnly reports whether an agent type uses final-only buffering.
func (c *Config) IsFinalOnly(agentType string) bool {
	for _, a := range c.Poller.FinalOnlyAgents {
		if strings.EqualFold(a, agentType) {
			return true
		}
	}
	return false
}
